package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pscheid92/consultq/internal/cache"
	goredis "github.com/redis/go-redis/v9"
)

const invalidationChannel = "cache:invalidate"

type invalidationMessage struct {
	Origin string   `json:"origin"`
	Tags   []string `json:"tags"`
}

// InvalidationBus shares status cache invalidations between instances. Each instance
// invalidates its own cache before publishing, so messages from itself are skipped.
type InvalidationBus struct {
	rdb    *goredis.Client
	cache  *cache.StatusCache
	origin string
}

func NewInvalidationBus(rdb *goredis.Client, statusCache *cache.StatusCache, instanceID string) *InvalidationBus {
	return &InvalidationBus{rdb: rdb, cache: statusCache, origin: instanceID}
}

func (b *InvalidationBus) PublishInvalidation(ctx context.Context, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	payload, err := json.Marshal(invalidationMessage{Origin: b.origin, Tags: tags})
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}
	if err := b.rdb.Publish(ctx, invalidationChannel, string(payload)).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Start consumes invalidations until ctx is done.
func (b *InvalidationBus) Start(ctx context.Context) {
	pubsub := b.rdb.Subscribe(ctx, invalidationChannel)
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handle(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (b *InvalidationBus) handle(payload string) {
	var msg invalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		slog.Warn("Malformed cache invalidation message", "error", err)
		return
	}
	if msg.Origin == b.origin || len(msg.Tags) == 0 {
		return
	}

	n := b.cache.Invalidate(msg.Tags...)
	slog.Debug("Status cache invalidated via pub/sub", "origin", msg.Origin, "tags", msg.Tags, "removed", n)
}

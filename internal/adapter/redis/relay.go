package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pscheid92/consultq/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const realtimeChannel = "realtime:events"

type relayEnvelope struct {
	Origin string      `json:"origin"`
	Events []wireEvent `json:"events"`
}

type wireEvent struct {
	Room     domain.Room      `json:"room,omitempty"`
	Audience domain.Audience  `json:"audience,omitempty"`
	Name     domain.EventName `json:"event"`
	Data     json.RawMessage  `json:"data"`
}

// Relay forwards realtime events to the connections held by other instances. Events
// arriving from peers are handed to the local publisher; events this instance
// published itself are skipped.
type Relay struct {
	rdb    *goredis.Client
	local  domain.EventPublisher
	origin string
}

var _ domain.EventPublisher = (*Relay)(nil)

func NewRelay(rdb *goredis.Client, local domain.EventPublisher, instanceID string) *Relay {
	return &Relay{rdb: rdb, local: local, origin: instanceID}
}

func (r *Relay) Publish(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	env := relayEnvelope{Origin: r.origin, Events: make([]wireEvent, 0, len(events))}
	for _, e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s event: %w", e.Name, err)
		}
		env.Events = append(env.Events, wireEvent{Room: e.Room, Audience: e.Audience, Name: e.Name, Data: data})
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}
	if err := r.rdb.Publish(ctx, realtimeChannel, string(payload)).Err(); err != nil {
		return fmt.Errorf("failed to relay events: %w", err)
	}
	return nil
}

// Start consumes peer events until ctx is done.
func (r *Relay) Start(ctx context.Context) {
	pubsub := r.rdb.Subscribe(ctx, realtimeChannel)
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handle(ctx, msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) handle(ctx context.Context, payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.Warn("Malformed relay message", "error", err)
		return
	}
	if env.Origin == r.origin {
		return
	}

	events := make([]domain.Event, 0, len(env.Events))
	for _, e := range env.Events {
		events = append(events, domain.Event{Room: e.Room, Audience: e.Audience, Name: e.Name, Data: e.Data})
	}
	if err := r.local.Publish(ctx, events...); err != nil {
		slog.Warn("Failed to deliver relayed events", "origin", env.Origin, "error", err)
	}
}

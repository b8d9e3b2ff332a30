package eventpublisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pscheid92/consultq/internal/domain"
)

// Invalidator broadcasts cache invalidation tags to other instances.
type Invalidator interface {
	PublishInvalidation(ctx context.Context, tags ...string) error
}

// EventPublisher implements domain.EventPublisher by composing local delivery to this
// instance's connections with the relay to peer instances. It also forwards cache
// invalidations so the application has one outbound propagation port.
type EventPublisher struct {
	local       domain.EventPublisher
	peers       domain.EventPublisher
	invalidator Invalidator
}

var _ domain.EventPublisher = (*EventPublisher)(nil)

// New composes the publishers. peers and invalidator may be nil in single-instance mode.
func New(local, peers domain.EventPublisher, invalidator Invalidator) *EventPublisher {
	return &EventPublisher{
		local:       local,
		peers:       peers,
		invalidator: invalidator,
	}
}

// Publish delivers locally first. A failed relay does not undo local delivery.
func (ep *EventPublisher) Publish(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	var errs []error
	if err := ep.local.Publish(ctx, events...); err != nil {
		errs = append(errs, fmt.Errorf("local delivery: %w", err))
	}
	if ep.peers != nil {
		if err := ep.peers.Publish(ctx, events...); err != nil {
			slog.WarnContext(ctx, "Failed to relay events to peers", "count", len(events), "error", err)
			errs = append(errs, fmt.Errorf("relay: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (ep *EventPublisher) PublishInvalidation(ctx context.Context, tags ...string) error {
	if ep.invalidator == nil || len(tags) == 0 {
		return nil
	}
	if err := ep.invalidator.PublishInvalidation(ctx, tags...); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

package eventpublisher

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/pscheid92/consultq/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publisherFunc func(ctx context.Context, events ...domain.Event) error

func (f publisherFunc) Publish(ctx context.Context, events ...domain.Event) error {
	return f(ctx, events...)
}

type invalidatorFunc func(ctx context.Context, tags ...string) error

func (f invalidatorFunc) PublishInvalidation(ctx context.Context, tags ...string) error {
	return f(ctx, tags...)
}

func recording(calls *[][]domain.Event, err error) publisherFunc {
	return func(_ context.Context, events ...domain.Event) error {
		*calls = append(*calls, events)
		return err
	}
}

func TestPublish_DeliversLocallyAndRelays(t *testing.T) {
	var local, peers [][]domain.Event
	ep := New(recording(&local, nil), recording(&peers, nil), nil)

	event := domain.Event{Room: domain.QueueRoom(uuid.New()), Name: domain.EventQueueUpdated}
	require.NoError(t, ep.Publish(t.Context(), event))

	require.Len(t, local, 1)
	require.Len(t, peers, 1)
	assert.Equal(t, event, local[0][0])
	assert.Equal(t, event, peers[0][0])
}

func TestPublish_RelayFailureKeepsLocalDelivery(t *testing.T) {
	var local, peers [][]domain.Event
	relayErr := errors.New("redis unavailable")
	ep := New(recording(&local, nil), recording(&peers, relayErr), nil)

	err := ep.Publish(t.Context(), domain.Event{Room: domain.AdminRoom, Name: domain.EventSystemAnnouncement})

	require.ErrorIs(t, err, relayErr)
	assert.Len(t, local, 1)
}

func TestPublish_SingleInstance(t *testing.T) {
	var local [][]domain.Event
	ep := New(recording(&local, nil), nil, nil)

	require.NoError(t, ep.Publish(t.Context(), domain.Event{Room: domain.AdminRoom}))
	require.NoError(t, ep.Publish(t.Context()))
	assert.Len(t, local, 1, "empty publishes are skipped")
	assert.NoError(t, ep.PublishInvalidation(t.Context(), "provider:x"))
}

func TestPublishInvalidation(t *testing.T) {
	var got []string
	ep := New(recording(new([][]domain.Event), nil), nil, invalidatorFunc(func(_ context.Context, tags ...string) error {
		got = append(got, tags...)
		return nil
	}))

	require.NoError(t, ep.PublishInvalidation(t.Context(), "provider:a", "patron:b"))
	assert.Equal(t, []string{"provider:a", "patron:b"}, got)

	failing := New(nil, nil, invalidatorFunc(func(context.Context, ...string) error { return errors.New("boom") }))
	assert.ErrorContains(t, failing.PublishInvalidation(t.Context(), "provider:a"), "publish invalidation")
}

package redis

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/pscheid92/consultq/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *capturePublisher) Publish(_ context.Context, events ...domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *capturePublisher) snapshot() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

func TestRelay_Publish(t *testing.T) {
	db, mock := redismock.NewClientMock()
	relay := NewRelay(db, &capturePublisher{}, "instance-1")

	mock.ExpectPublish(realtimeChannel,
		`{"origin":"instance-1","events":[{"room":"admin","event":"system-announcement","data":{"message":"hi"}}]}`).SetVal(1)

	err := relay.Publish(context.Background(), domain.Event{
		Room: domain.AdminRoom,
		Name: domain.EventSystemAnnouncement,
		Data: map[string]string{"message": "hi"},
	})
	require.NoError(t, err)
	require.NoError(t, relay.Publish(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelay_Handle(t *testing.T) {
	db, _ := redismock.NewClientMock()
	local := &capturePublisher{}
	relay := NewRelay(db, local, "instance-1")
	ctx := context.Background()

	relay.handle(ctx, `{"origin":"instance-1","events":[{"room":"admin","event":"system-announcement","data":{}}]}`)
	relay.handle(ctx, `{broken`)
	assert.Empty(t, local.snapshot())

	relay.handle(ctx, `{"origin":"instance-2","events":[{"audience":"staff","event":"system-announcement","data":{"message":"hi"}}]}`)
	got := local.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, domain.AudienceStaff, got[0].Audience)
	assert.Equal(t, domain.EventSystemAnnouncement, got[0].Name)
	assert.JSONEq(t, `{"message":"hi"}`, string(got[0].Data.(json.RawMessage)))
}

func TestRelay_CrossInstance(t *testing.T) {
	client := setupTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	localA, localB := &capturePublisher{}, &capturePublisher{}
	relayA := NewRelay(client, localA, "a")
	relayB := NewRelay(client, localB, "b")
	go relayA.Start(ctx)
	go relayB.Start(ctx)

	require.Eventually(t, func() bool {
		counts, err := client.PubSubNumSub(ctx, realtimeChannel).Result()
		return err == nil && counts[realtimeChannel] == 2
	}, 5*time.Second, 20*time.Millisecond)

	providerID := uuid.New()
	require.NoError(t, relayA.Publish(ctx, domain.Event{
		Room: domain.QueueRoom(providerID),
		Name: domain.EventQueueUpdated,
		Data: domain.EffectiveQueueView{ProviderID: providerID},
	}))

	require.Eventually(t, func() bool { return len(localB.snapshot()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, domain.QueueRoom(providerID), localB.snapshot()[0].Room)
	assert.Empty(t, localA.snapshot())
}

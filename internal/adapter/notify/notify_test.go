package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/pscheid92/consultq/internal/domain"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (c *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.tasks = append(c.tasks, task)
	return &asynq.TaskInfo{ID: uuid.NewString(), Type: task.Type()}, nil
}

type recordingMetrics struct {
	mu        sync.Mutex
	enqueued  []string
	delivered []string
}

func (m *recordingMetrics) NotificationEnqueued(kind, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, kind+"/"+result)
}

func (m *recordingMetrics) NotificationDelivered(kind, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, kind+"/"+result)
}

type delivererFunc func(ctx context.Context, patronID uuid.UUID, msg Message) error

func (f delivererFunc) Deliver(ctx context.Context, patronID uuid.UUID, msg Message) error {
	return f(ctx, patronID, msg)
}

func TestEnqueuer_PositionAssigned(t *testing.T) {
	client := &fakeClient{}
	m := &recordingMetrics{}
	e := NewEnqueuer(client, "notifications", m)

	p := domain.PositionAssigned{
		PatronID:             uuid.New(),
		ProviderID:           uuid.New(),
		EntryID:              uuid.New(),
		Position:             3,
		EstimatedWaitMinutes: 30,
	}
	e.PositionAssigned(context.Background(), p)

	require.Len(t, client.tasks, 1)
	assert.Equal(t, TypePositionAssigned, client.tasks[0].Type())

	var decoded domain.PositionAssigned
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &decoded))
	assert.Equal(t, p, decoded)
	assert.Equal(t, []string{"position_assigned/ok"}, m.enqueued)
}

func TestEnqueuer_ConsultationReady(t *testing.T) {
	client := &fakeClient{}
	e := NewEnqueuer(client, "notifications", nil)

	e.ConsultationReady(context.Background(), domain.ReadyNotice{PatronID: uuid.New()})

	require.Len(t, client.tasks, 1)
	assert.Equal(t, TypeConsultationReady, client.tasks[0].Type())
}

func TestEnqueuer_FailureIsSwallowed(t *testing.T) {
	client := &fakeClient{err: errors.New("redis down")}
	m := &recordingMetrics{}
	e := NewEnqueuer(client, "notifications", m)

	assert.NotPanics(t, func() {
		e.PositionAssigned(context.Background(), domain.PositionAssigned{PatronID: uuid.New()})
	})
	assert.Equal(t, []string{"position_assigned/error"}, m.enqueued)
}

func TestEnqueuer_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client := &fakeClient{err: errors.New("redis down")}
	m := &recordingMetrics{}
	e := NewEnqueuer(client, "notifications", m)

	for range 5 {
		e.ConsultationReady(context.Background(), domain.ReadyNotice{PatronID: uuid.New()})
	}
	require.Equal(t, gobreaker.StateOpen, e.breaker.State())

	client.err = nil
	e.ConsultationReady(context.Background(), domain.ReadyNotice{PatronID: uuid.New()})

	assert.Empty(t, client.tasks, "open breaker must not reach the client")
	assert.Equal(t, "consultation_ready/rejected", m.enqueued[len(m.enqueued)-1])
}

func TestHandlers_DeliverPositionAssigned(t *testing.T) {
	p := domain.PositionAssigned{PatronID: uuid.New(), Position: 2, EstimatedWaitMinutes: 15}
	task, err := NewPositionAssignedTask(p)
	require.NoError(t, err)

	var (
		gotPatron uuid.UUID
		gotMsg    Message
	)
	m := &recordingMetrics{}
	h := NewHandlers(delivererFunc(func(_ context.Context, patronID uuid.UUID, msg Message) error {
		gotPatron, gotMsg = patronID, msg
		return nil
	}), m)

	require.NoError(t, h.HandlePositionAssigned(context.Background(), task))

	assert.Equal(t, p.PatronID, gotPatron)
	assert.Equal(t, KindPositionAssigned, gotMsg.Kind)
	assert.Equal(t, p, gotMsg.Payload)
	assert.Equal(t, []string{"position_assigned/ok"}, m.delivered)
}

func TestHandlers_MalformedPayloadSkipsRetry(t *testing.T) {
	h := NewHandlers(delivererFunc(func(context.Context, uuid.UUID, Message) error {
		t.Fatal("deliverer must not be called")
		return nil
	}), nil)

	err := h.HandleConsultationReady(context.Background(), asynq.NewTask(TypeConsultationReady, []byte("{")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = h.HandleConsultationReady(context.Background(), asynq.NewTask(TypeConsultationReady, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry, "missing patron")
}

func TestHandlers_DeliveryFailureIsRetried(t *testing.T) {
	task, err := NewConsultationReadyTask(domain.ReadyNotice{PatronID: uuid.New()})
	require.NoError(t, err)

	boom := errors.New("push provider unavailable")
	m := &recordingMetrics{}
	h := NewHandlers(delivererFunc(func(context.Context, uuid.UUID, Message) error { return boom }), m)

	err = h.HandleConsultationReady(context.Background(), task)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, []string{"consultation_ready/error"}, m.delivered)
}

func TestNewServeMux_RoutesTaskTypes(t *testing.T) {
	var kinds []string
	h := NewHandlers(delivererFunc(func(_ context.Context, _ uuid.UUID, msg Message) error {
		kinds = append(kinds, msg.Kind)
		return nil
	}), nil)
	mux := NewServeMux(h)

	assigned, err := NewPositionAssignedTask(domain.PositionAssigned{PatronID: uuid.New()})
	require.NoError(t, err)
	ready, err := NewConsultationReadyTask(domain.ReadyNotice{PatronID: uuid.New()})
	require.NoError(t, err)

	require.NoError(t, mux.ProcessTask(context.Background(), assigned))
	require.NoError(t, mux.ProcessTask(context.Background(), ready))
	assert.Equal(t, []string{KindPositionAssigned, KindConsultationReady}, kinds)
}

func TestLogDeliverer(t *testing.T) {
	assert.NoError(t, LogDeliverer{}.Deliver(context.Background(), uuid.New(), Message{Kind: KindPositionAssigned}))
}

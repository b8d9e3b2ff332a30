package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pscheid92/consultq/internal/domain"
	"github.com/sony/gobreaker"
)

const (
	enqueueTimeout = 500 * time.Millisecond
	taskMaxRetry   = 5
	taskTimeout    = 30 * time.Second
	taskRetention  = time.Hour
)

// Metrics records enqueue and delivery outcomes by notification kind.
type Metrics interface {
	NotificationEnqueued(kind, result string)
	NotificationDelivered(kind, result string)
}

type noopMetrics struct{}

func (noopMetrics) NotificationEnqueued(string, string)  {}
func (noopMetrics) NotificationDelivered(string, string) {}

// TaskClient is the subset of *asynq.Client used for enqueueing.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer implements domain.Notifier on top of asynq. Enqueue failures are logged and
// counted but never returned; after repeated failures the breaker opens and calls
// return immediately until Redis recovers.
type Enqueuer struct {
	client  TaskClient
	queue   string
	breaker *gobreaker.CircuitBreaker
	metrics Metrics
}

var _ domain.Notifier = (*Enqueuer)(nil)

func NewEnqueuer(client TaskClient, queue string, m Metrics) *Enqueuer {
	if m == nil {
		m = noopMetrics{}
	}
	return &Enqueuer{
		client:  client,
		queue:   queue,
		breaker: newBreaker(),
		metrics: m,
	}
}

func newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
		},
	})
}

func (e *Enqueuer) PositionAssigned(ctx context.Context, p domain.PositionAssigned) {
	task, err := NewPositionAssignedTask(p)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to build notification task", "kind", KindPositionAssigned, "error", err)
		e.metrics.NotificationEnqueued(KindPositionAssigned, "error")
		return
	}
	e.enqueue(ctx, task, "patron_id", p.PatronID, "entry_id", p.EntryID)
}

func (e *Enqueuer) ConsultationReady(ctx context.Context, r domain.ReadyNotice) {
	task, err := NewConsultationReadyTask(r)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to build notification task", "kind", KindConsultationReady, "error", err)
		e.metrics.NotificationEnqueued(KindConsultationReady, "error")
		return
	}
	e.enqueue(ctx, task, "patron_id", r.PatronID, "entry_id", r.EntryID)
}

func (e *Enqueuer) enqueue(ctx context.Context, task *asynq.Task, attrs ...any) {
	kind := kindOf(task.Type())

	// The caller's request may already be finishing; the enqueue gets its own short budget.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()

	_, err := e.breaker.Execute(func() (any, error) {
		return e.client.EnqueueContext(ctx, task,
			asynq.Queue(e.queue),
			asynq.MaxRetry(taskMaxRetry),
			asynq.Timeout(taskTimeout),
			asynq.Retention(taskRetention),
		)
	})

	switch {
	case err == nil:
		e.metrics.NotificationEnqueued(kind, "ok")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		e.metrics.NotificationEnqueued(kind, "rejected")
		slog.WarnContext(ctx, "Notification skipped, breaker open", append([]any{"kind", kind}, attrs...)...)
	default:
		e.metrics.NotificationEnqueued(kind, "error")
		slog.WarnContext(ctx, "Failed to enqueue notification", append([]any{"kind", kind, "error", err}, attrs...)...)
	}
}

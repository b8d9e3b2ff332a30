package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/pscheid92/consultq/internal/domain"
)

// Message is what reaches the patron's device.
type Message struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// Deliverer pushes a message to one patron.
type Deliverer interface {
	Deliver(ctx context.Context, patronID uuid.UUID, msg Message) error
}

// Handlers process notification tasks in the worker.
type Handlers struct {
	deliverer Deliverer
	metrics   Metrics
}

func NewHandlers(d Deliverer, m Metrics) *Handlers {
	if m == nil {
		m = noopMetrics{}
	}
	return &Handlers{deliverer: d, metrics: m}
}

// NewServeMux routes both notification task types to h.
func NewServeMux(h *Handlers) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePositionAssigned, h.HandlePositionAssigned)
	mux.HandleFunc(TypeConsultationReady, h.HandleConsultationReady)
	return mux
}

// NewServer builds the asynq worker server consuming queue.
func NewServer(redisOpt asynq.RedisConnOpt, queue string, concurrency int) *asynq.Server {
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			slog.ErrorContext(ctx, "Notification task failed", "type", task.Type(), "error", err)
		}),
	})
}

func (h *Handlers) HandlePositionAssigned(ctx context.Context, t *asynq.Task) error {
	var p domain.PositionAssigned
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.metrics.NotificationDelivered(KindPositionAssigned, "malformed")
		return fmt.Errorf("failed to decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return h.deliver(ctx, KindPositionAssigned, p.PatronID, p)
}

func (h *Handlers) HandleConsultationReady(ctx context.Context, t *asynq.Task) error {
	var r domain.ReadyNotice
	if err := json.Unmarshal(t.Payload(), &r); err != nil {
		h.metrics.NotificationDelivered(KindConsultationReady, "malformed")
		return fmt.Errorf("failed to decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return h.deliver(ctx, KindConsultationReady, r.PatronID, r)
}

func (h *Handlers) deliver(ctx context.Context, kind string, patronID uuid.UUID, payload any) error {
	if patronID == uuid.Nil {
		h.metrics.NotificationDelivered(kind, "malformed")
		return fmt.Errorf("%s notification without patron: %w", kind, asynq.SkipRetry)
	}

	if err := h.deliverer.Deliver(ctx, patronID, Message{Kind: kind, Payload: payload}); err != nil {
		h.metrics.NotificationDelivered(kind, "error")
		return fmt.Errorf("failed to deliver %s to patron %s: %w", kind, patronID, err)
	}

	h.metrics.NotificationDelivered(kind, "ok")
	return nil
}

// LogDeliverer writes notifications to the log. The worker falls back to it when no
// push provider is configured.
type LogDeliverer struct{}

func (LogDeliverer) Deliver(ctx context.Context, patronID uuid.UUID, msg Message) error {
	slog.InfoContext(ctx, "Notification delivered", "patron_id", patronID, "kind", msg.Kind)
	return nil
}

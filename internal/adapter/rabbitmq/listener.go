// Package rabbitmq consumes appointment events from the booking service and keeps the
// live queues in step with them.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pscheid92/consultq/internal/domain"
	"github.com/pscheid92/consultq/internal/platform/correlation"
	amqp "github.com/rabbitmq/amqp091-go"
)

const consumerTag = "consultq-appointments"

// Appointment events by routing key suffix.
const (
	EventUpdated     = "updated"
	EventCancelled   = "cancelled"
	EventRescheduled = "rescheduled"
)

var errMalformed = errors.New("malformed appointment event")

// AppointmentService is what the listener drives.
type AppointmentService interface {
	Refresh(ctx context.Context, providerID uuid.UUID)
	HandleAppointmentCancelled(ctx context.Context, appointmentID uuid.UUID) error
}

type Config struct {
	URL      string
	Exchange string
	Queue    string
	Binding  string
}

// AppointmentMessage is the body published by the booking service.
type AppointmentMessage struct {
	Event         string    `json:"event"`
	AppointmentID uuid.UUID `json:"appointmentId"`
	ProviderID    uuid.UUID `json:"providerId"`
}

type Listener struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	svc     AppointmentService
	cfg     Config
	wg      sync.WaitGroup
}

// Dial opens the connection and channel. Start must be called to begin consuming.
func Dial(cfg Config, svc AppointmentService) (*Listener, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	return &Listener{conn: conn, channel: channel, svc: svc, cfg: cfg}, nil
}

// Start declares the topology and consumes in the background until ctx ends or the
// channel closes.
func (l *Listener) Start(ctx context.Context) error {
	err := l.channel.ExchangeDeclare(
		l.cfg.Exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", l.cfg.Exchange, err)
	}

	queue, err := l.channel.QueueDeclare(
		l.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", l.cfg.Queue, err)
	}

	if err := l.channel.QueueBind(queue.Name, l.cfg.Binding, l.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue.Name, err)
	}

	if err := l.channel.Qos(16, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := l.channel.Consume(
		queue.Name,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue.Name, err)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.consume(ctx, msgs)
	}()

	slog.Info("Appointment listener started", "exchange", l.cfg.Exchange, "queue", queue.Name, "binding", l.cfg.Binding)
	return nil
}

func (l *Listener) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				slog.Warn("Appointment listener channel closed")
				return
			}
			l.handle(ctx, d)
		}
	}
}

// Stop cancels the consumer and closes the connection. It tolerates a listener whose
// channel or connection was never opened.
func (l *Listener) Stop() error {
	if l == nil {
		return nil
	}

	var errs []error
	if l.channel != nil {
		if err := l.channel.Cancel(consumerTag, false); err != nil {
			slog.Warn("Failed to cancel consumer", "error", err)
		}
	}
	l.wg.Wait()
	if l.channel != nil {
		if err := l.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if l.conn != nil {
		if err := l.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// handle settles d: malformed bodies are acked and dropped, failures requeued once.
func (l *Listener) handle(ctx context.Context, d amqp.Delivery) {
	ctx = correlation.WithID(ctx, correlation.NewID())

	err := l.process(ctx, d)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, errMalformed):
		slog.WarnContext(ctx, "Dropping malformed appointment event", "routing_key", d.RoutingKey, "error", err)
		_ = d.Ack(false)
	case d.Redelivered:
		slog.ErrorContext(ctx, "Dropping appointment event after retry", "routing_key", d.RoutingKey, "error", err)
		_ = d.Ack(false)
	default:
		slog.WarnContext(ctx, "Requeueing appointment event", "routing_key", d.RoutingKey, "error", err)
		_ = d.Nack(false, true)
	}
}

func (l *Listener) process(ctx context.Context, d amqp.Delivery) error {
	msg, err := decode(d)
	if err != nil {
		return err
	}

	switch msg.Event {
	case EventUpdated, EventRescheduled:
		l.svc.Refresh(ctx, msg.ProviderID)
	case EventCancelled:
		err := l.svc.HandleAppointmentCancelled(ctx, msg.AppointmentID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if msg.ProviderID != uuid.Nil {
			l.svc.Refresh(ctx, msg.ProviderID)
		}
	}

	slog.InfoContext(ctx, "Appointment event applied", "event", msg.Event, "appointment_id", msg.AppointmentID, "provider_id", msg.ProviderID)
	return nil
}

// decode parses the body and fills Event from the routing key when the body omits it.
func decode(d amqp.Delivery) (AppointmentMessage, error) {
	var msg AppointmentMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", errMalformed, err)
	}

	if msg.Event == "" {
		if i := strings.LastIndexByte(d.RoutingKey, '.'); i >= 0 {
			msg.Event = d.RoutingKey[i+1:]
		}
	}

	switch msg.Event {
	case EventUpdated, EventRescheduled:
		if msg.ProviderID == uuid.Nil {
			return msg, fmt.Errorf("%w: %s without providerId", errMalformed, msg.Event)
		}
	case EventCancelled:
		if msg.AppointmentID == uuid.Nil {
			return msg, fmt.Errorf("%w: cancelled without appointmentId", errMalformed)
		}
	default:
		return msg, fmt.Errorf("%w: unknown event %q", errMalformed, msg.Event)
	}
	return msg, nil
}

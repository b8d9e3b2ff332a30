package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/consultq/internal/app"
	"github.com/pscheid92/consultq/internal/domain"
	"github.com/pscheid92/consultq/internal/platform/correlation"
	apperrors "github.com/pscheid92/consultq/internal/platform/errors"
)

// Service is the slice of the application the realtime layer delegates to.
type Service interface {
	CheckIn(ctx context.Context, caller domain.Caller, appointmentID uuid.UUID) (*domain.QueueEntry, error)
	StartConsultation(ctx context.Context, caller domain.Caller, providerID, entryID uuid.UUID) (*domain.QueueEntry, error)
	EndConsultation(ctx context.Context, caller domain.Caller, providerID, entryID uuid.UUID, nextPatronID *uuid.UUID) (*domain.QueueEntry, error)
	GetEffectiveQueueView(ctx context.Context, caller domain.Caller, providerID uuid.UUID) (*domain.EffectiveQueueView, error)
	Announce(ctx context.Context, caller domain.Caller, message string, audience domain.Audience) error
}

// Authenticator validates the handshake triple on every connection attempt.
type Authenticator interface {
	Authenticate(identity, role, credential string) (domain.Caller, error)
}

// State is the lifecycle position of one connection.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var stateTransitions = map[State][]State{
	StateConnecting:    {StateAuthenticated, StateDisconnected},
	StateAuthenticated: {StateJoined, StateDisconnected},
	StateJoined:        {StateJoined, StateAuthenticated, StateDisconnected},
}

func (s State) canTransitionTo(next State) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

var errInvalidPayload = apperrors.ValidationError("invalid payload").WithCode("invalid_payload")

// session drives one connection from handshake to disconnect.
type session struct {
	conn    *websocket.Conn
	hub     *Hub
	svc     Service
	auth    Authenticator
	cfg     Config
	clock   clockwork.Clock
	metrics Metrics

	state      State
	client     *client
	queueRooms map[domain.Room]uuid.UUID
}

func (s *session) transition(next State) {
	if !s.state.canTransitionTo(next) {
		slog.Warn("Ignoring invalid session transition", "from", s.state, "to", next)
		return
	}
	s.state = next
}

func (s *session) serve(ctx context.Context) {
	defer s.transition(StateDisconnected)

	caller, requested, err := s.handshake()
	if err != nil {
		slog.Info("WebSocket handshake rejected", "error", err)
		closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
		_ = s.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeDeadline))
		_ = s.conn.Close()
		return
	}

	writer := newConnWriter(s.conn, s.clock, s.cfg.IdleTimeout)
	s.client = newClient(caller, writer)
	if err := s.hub.register(s.client); err != nil {
		slog.Warn("WebSocket registration rejected", "caller_id", caller.ID, "error", err)
		writer.stopGraceful(websocket.CloseTryAgainLater, "server at capacity")
		return
	}
	defer s.hub.unregister(s.client)
	s.transition(StateAuthenticated)

	ctx = correlation.Ensure(ctx)
	rooms := s.hub.join(s.client, domain.PatronRoom(caller.ID))
	if caller.Role.IsStaff() {
		rooms = s.hub.join(s.client, domain.AdminRoom)
	}

	var rejoined []uuid.UUID
	var rejected []outbound
	for _, name := range requested {
		providerID, err := parseQueueRoom(name)
		if err == nil {
			err = domain.Authorize(caller, domain.CapViewQueue, domain.Resource{ProviderID: providerID})
		}
		if err != nil {
			rejected = append(rejected, s.errorFrame(ctx, "", err))
			continue
		}
		rooms = s.joinQueueRoom(providerID)
		rejoined = append(rejoined, providerID)
	}

	s.reply(outbound{Event: EventAck, Data: authenticatedPayload{Identity: caller.ID, Role: caller.Role, Rooms: rooms}})
	slog.Info("WebSocket client authenticated", "caller_id", caller.ID, "role", caller.Role, "rooms", len(rooms))

	for _, frame := range rejected {
		s.reply(frame)
	}
	for _, providerID := range rejoined {
		s.pushView(ctx, providerID)
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("WebSocket read failed", "caller_id", caller.ID, "error", err)
			}
			return
		}
		writer.markInbound()
		s.handle(ctx, data)
	}
}

// handshake reads the first frame, which must authenticate within the handshake timeout.
func (s *session) handshake() (domain.Caller, []string, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return domain.Caller{}, nil, fmt.Errorf("failed to read handshake: %w", err)
	}

	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.Caller{}, nil, fmt.Errorf("%w: malformed handshake", domain.ErrUnauthenticated)
	}
	if msg.Type != TypeAuthenticate {
		return domain.Caller{}, nil, fmt.Errorf("%w: first frame was %q", domain.ErrUnauthenticated, msg.Type)
	}

	var payload authenticatePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return domain.Caller{}, nil, fmt.Errorf("%w: malformed handshake payload", domain.ErrUnauthenticated)
	}

	caller, err := s.auth.Authenticate(payload.Identity, payload.Role, payload.Credential)
	if err != nil {
		return domain.Caller{}, nil, err
	}
	return caller, payload.Rooms, nil
}

func (s *session) handle(ctx context.Context, data []byte) {
	ctx = correlation.WithID(ctx, correlation.NewID())
	if s.cfg.EventTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.EventTimeout)
		defer cancel()
	}

	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.metrics.InboundEvent("malformed", "error")
		s.reply(s.errorFrame(ctx, "", apperrors.ValidationError("malformed message").WithCode("invalid_message")))
		return
	}

	reply, err := s.dispatch(ctx, msg)
	if err != nil {
		s.metrics.InboundEvent(metricType(msg.Type), "error")
		s.reply(s.errorFrame(ctx, msg.RequestID, err))
		return
	}

	s.metrics.InboundEvent(metricType(msg.Type), "ok")
	if reply != nil {
		reply.RequestID = msg.RequestID
		s.reply(*reply)
	}
}

func (s *session) dispatch(ctx context.Context, msg inbound) (*outbound, error) {
	caller := s.client.caller

	switch msg.Type {
	case TypeAuthenticate:
		return nil, apperrors.ConflictError("connection is already authenticated").WithCode("already_authenticated")

	case TypeJoinQueue:
		var p queuePayload
		if err := decode(msg.Data, &p); err != nil {
			return nil, err
		}
		view, err := s.svc.GetEffectiveQueueView(ctx, caller, p.ProviderID)
		if err != nil {
			return nil, err
		}
		rooms := s.joinQueueRoom(p.ProviderID)
		s.reply(outbound{Event: EventAck, RequestID: msg.RequestID, Data: map[string]any{"rooms": rooms}})
		return &outbound{Event: string(domain.EventQueueUpdated), Room: domain.QueueRoom(p.ProviderID), Data: view}, nil

	case TypeLeaveQueue:
		var p queuePayload
		if err := decode(msg.Data, &p); err != nil {
			return nil, err
		}
		s.leaveQueueRoom(p.ProviderID)
		return &outbound{Event: EventAck, Data: map[string]any{"room": domain.QueueRoom(p.ProviderID)}}, nil

	case TypeSyncQueue:
		var p queuePayload
		if err := decode(msg.Data, &p); err != nil {
			return nil, err
		}
		view, err := s.svc.GetEffectiveQueueView(ctx, caller, p.ProviderID)
		if err != nil {
			return nil, err
		}
		return &outbound{Event: string(domain.EventQueueUpdated), Room: domain.QueueRoom(p.ProviderID), Data: view}, nil

	case TypeCheckIn:
		var p checkInPayload
		if err := decode(msg.Data, &p); err != nil {
			return nil, err
		}
		if p.AppointmentID == uuid.Nil {
			return nil, errInvalidPayload
		}
		entry, err := s.svc.CheckIn(ctx, caller, p.AppointmentID)
		if err != nil {
			return nil, err
		}
		return &outbound{Event: EventAck, Data: entry}, nil

	case TypeStartConsultation:
		var p consultationPayload
		if err := decode(msg.Data, &p); err != nil {
			return nil, err
		}
		entry, err := s.svc.StartConsultation(ctx, caller, p.ProviderID, p.EntryID)
		if err != nil {
			return nil, err
		}
		return &outbound{Event: EventAck, Data: entry}, nil

	case TypeEndConsultation:
		var p consultationPayload
		if err := decode(msg.Data, &p); err != nil {
			return nil, err
		}
		entry, err := s.svc.EndConsultation(ctx, caller, p.ProviderID, p.EntryID, p.NextPatronID)
		if err != nil {
			return nil, err
		}
		return &outbound{Event: EventAck, Data: entry}, nil

	case TypeAdminBroadcast:
		var p broadcastPayload
		if err := decode(msg.Data, &p); err != nil {
			return nil, err
		}
		audience, ok := domain.ParseAudience(p.Audience)
		if !ok {
			return nil, apperrors.ValidationError(fmt.Sprintf("unknown audience %q", p.Audience)).WithCode("invalid_audience")
		}
		if err := s.svc.Announce(ctx, caller, p.Message, audience); err != nil {
			return nil, err
		}
		return &outbound{Event: EventAck, Data: map[string]any{"audience": audience}}, nil

	default:
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown event type %q", msg.Type)).WithCode("unknown_event")
	}
}

func (s *session) joinQueueRoom(providerID uuid.UUID) []domain.Room {
	room := domain.QueueRoom(providerID)
	rooms := s.hub.join(s.client, room)
	s.queueRooms[room] = providerID
	s.transition(StateJoined)
	return rooms
}

func (s *session) leaveQueueRoom(providerID uuid.UUID) {
	room := domain.QueueRoom(providerID)
	s.hub.leave(s.client, room)
	delete(s.queueRooms, room)
	if len(s.queueRooms) == 0 && s.state == StateJoined {
		s.transition(StateAuthenticated)
	}
}

// pushView sends the current view of a queue to this connection only.
func (s *session) pushView(ctx context.Context, providerID uuid.UUID) {
	view, err := s.svc.GetEffectiveQueueView(ctx, s.client.caller, providerID)
	if err != nil {
		s.reply(s.errorFrame(ctx, "", err))
		return
	}
	s.reply(outbound{Event: string(domain.EventQueueUpdated), Room: domain.QueueRoom(providerID), Data: view})
}

func (s *session) reply(msg outbound) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode reply", "event", msg.Event, "error", err)
		return
	}
	if !s.client.writer.enqueue(payload) {
		slog.Debug("Dropped reply to slow client", "caller_id", s.client.caller.ID, "event", msg.Event)
	}
}

// errorFrame surfaces err to the initiating connection only.
func (s *session) errorFrame(ctx context.Context, requestID string, err error) outbound {
	public := app.PublicError(err)
	if public.Type == apperrors.TypeInternal {
		slog.ErrorContext(ctx, "WebSocket event failed", "caller_id", s.client.caller.ID, "error", err)
	} else {
		slog.InfoContext(ctx, "WebSocket event rejected", "caller_id", s.client.caller.ID, "error", err)
	}

	code := public.Code
	if code == "" {
		code = string(public.Type)
	}
	return outbound{
		Event:     EventError,
		RequestID: requestID,
		Data:      errorPayload{Code: code, Message: public.Message, Retryable: public.Retryable()},
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errInvalidPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errInvalidPayload
	}
	return nil
}

func parseQueueRoom(name string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(name, "queue:")
	if !ok {
		return uuid.Nil, apperrors.ValidationError(fmt.Sprintf("cannot rejoin room %q", name)).WithCode("invalid_room")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.ValidationError(fmt.Sprintf("cannot rejoin room %q", name)).WithCode("invalid_room")
	}
	return id, nil
}

// metricType bounds the label cardinality of client supplied types.
func metricType(t string) string {
	switch t {
	case TypeAuthenticate, TypeJoinQueue, TypeLeaveQueue, TypeSyncQueue,
		TypeCheckIn, TypeStartConsultation, TypeEndConsultation, TypeAdminBroadcast:
		return t
	}
	return "unknown"
}

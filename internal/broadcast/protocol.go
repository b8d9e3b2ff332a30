package broadcast

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pscheid92/consultq/internal/domain"
)

// Inbound frame types.
const (
	TypeAuthenticate      = "authenticate"
	TypeJoinQueue         = "join-queue"
	TypeLeaveQueue        = "leave-queue"
	TypeSyncQueue         = "sync-queue"
	TypeCheckIn           = "check-in"
	TypeStartConsultation = "start-consultation"
	TypeEndConsultation   = "end-consultation"
	TypeAdminBroadcast    = "admin-broadcast"
)

// Outbound frames that are replies rather than domain events.
const (
	EventAck         = "ack"
	EventError       = "error"
	EventIdleWarning = "idle-warning"
)

type inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

type outbound struct {
	Event     string      `json:"event"`
	Room      domain.Room `json:"room,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	Data      any         `json:"data"`
}

type authenticatePayload struct {
	Identity   string   `json:"identity"`
	Role       string   `json:"role"`
	Credential string   `json:"credential"`
	Rooms      []string `json:"rooms,omitempty"`
}

type authenticatedPayload struct {
	Identity uuid.UUID     `json:"identity"`
	Role     domain.Role   `json:"role"`
	Rooms    []domain.Room `json:"rooms"`
}

type queuePayload struct {
	ProviderID uuid.UUID `json:"providerId"`
}

type checkInPayload struct {
	AppointmentID uuid.UUID `json:"appointmentId"`
}

type consultationPayload struct {
	ProviderID   uuid.UUID  `json:"providerId"`
	EntryID      uuid.UUID  `json:"entryId"`
	NextPatronID *uuid.UUID `json:"nextPatronId,omitempty"`
}

type broadcastPayload struct {
	Message  string `json:"message"`
	Audience string `json:"audience,omitempty"`
}

type errorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func encodeEvent(e domain.Event) ([]byte, error) {
	return json.Marshal(outbound{Event: string(e.Name), Room: e.Room, Data: e.Data})
}

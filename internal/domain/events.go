package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Room is a logical realtime channel.
type Room string

const AdminRoom Room = "admin"

func PatronRoom(id uuid.UUID) Room        { return Room("user:" + id.String()) }
func QueueRoom(providerID uuid.UUID) Room { return Room("queue:" + providerID.String()) }

type EventName string

const (
	EventQueueUpdated          EventName = "queue-updated"
	EventPositionChanged       EventName = "position-changed"
	EventConsultationReady     EventName = "consultation-ready"
	EventConsultationStarted   EventName = "consultation-started"
	EventConsultationCompleted EventName = "consultation-completed"
	EventSystemAnnouncement    EventName = "system-announcement"
)

// Audience filters connections by role when an event has no room.
type Audience string

const (
	AudienceAll      Audience = "all"
	AudiencePatron   Audience = "patron"
	AudienceProvider Audience = "provider"
	AudienceStaff    Audience = "staff"
)

func ParseAudience(s string) (Audience, bool) {
	switch a := Audience(s); a {
	case "":
		return AudienceAll, true
	case AudienceAll, AudiencePatron, AudienceProvider, AudienceStaff:
		return a, true
	}
	return "", false
}

// Includes reports whether a connection with role r is part of the audience.
func (a Audience) Includes(r Role) bool {
	switch a {
	case AudienceAll:
		return true
	case AudiencePatron:
		return r == RolePatron
	case AudienceProvider:
		return r == RoleProvider
	case AudienceStaff:
		return r.IsStaff()
	}
	return false
}

// Event is an outbound realtime notification. Exactly one of Room or Audience is set.
type Event struct {
	Room     Room      `json:"room,omitempty"`
	Audience Audience  `json:"audience,omitempty"`
	Name     EventName `json:"event"`
	Data     any       `json:"data"`
}

// EventPublisher delivers events at most once. Delivery to a room without members is a no-op.
type EventPublisher interface {
	Publish(ctx context.Context, events ...Event) error
}

type PositionUpdate struct {
	ProviderID           uuid.UUID `json:"providerId"`
	EntryID              uuid.UUID `json:"entryId"`
	Position             int       `json:"position"`
	PlaceInLine          int       `json:"placeInLine"`
	EstimatedWaitMinutes int       `json:"estimatedWaitMinutes"`
}

const (
	StageNow  = "now"
	StageNext = "next"
)

type ConsultationNotice struct {
	ProviderID    uuid.UUID `json:"providerId"`
	EntryID       uuid.UUID `json:"entryId,omitempty"`
	AppointmentID uuid.UUID `json:"appointmentId,omitempty"`
	PatronID      uuid.UUID `json:"patronId"`
	Stage         string    `json:"stage,omitempty"`
	At            time.Time `json:"at"`
}

type Announcement struct {
	Message  string    `json:"message"`
	Audience Audience  `json:"audience"`
	From     uuid.UUID `json:"from"`
	At       time.Time `json:"at"`
}

// Notifier is the best-effort side channel. Implementations never block admission
// and report failures through logs only.
type Notifier interface {
	PositionAssigned(ctx context.Context, n PositionAssigned)
	ConsultationReady(ctx context.Context, n ReadyNotice)
}

type PositionAssigned struct {
	PatronID             uuid.UUID `json:"patronId"`
	ProviderID           uuid.UUID `json:"providerId"`
	EntryID              uuid.UUID `json:"entryId"`
	Position             int       `json:"position"`
	EstimatedWaitMinutes int       `json:"estimatedWaitMinutes"`
}

type ReadyNotice struct {
	PatronID   uuid.UUID `json:"patronId"`
	ProviderID uuid.UUID `json:"providerId"`
	EntryID    uuid.UUID `json:"entryId"`
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ViewEntry is one line of an EffectiveQueueView. Virtual entries are synthesized from
// CheckedIn appointments that were never promoted into the ledger and have no EntryID.
type ViewEntry struct {
	EntryID              uuid.UUID   `json:"entryId"`
	AppointmentID        uuid.UUID   `json:"appointmentId"`
	PatronID             uuid.UUID   `json:"patronId"`
	ProviderID           uuid.UUID   `json:"providerId"`
	Position             int         `json:"position"`
	Status               EntryStatus `json:"status"`
	Priority             Priority    `json:"priority"`
	CheckedInAt          time.Time   `json:"checkedInAt"`
	PlaceInLine          int         `json:"placeInLine"`
	EstimatedWaitMinutes int         `json:"estimatedWaitMinutes"`
	Virtual              bool        `json:"virtual,omitempty"`
}

type EffectiveQueueView struct {
	ProviderID uuid.UUID   `json:"providerId"`
	Entries    []ViewEntry `json:"entries"`
}

// Current returns the InProgress entry, if any.
func (v *EffectiveQueueView) Current() (ViewEntry, bool) {
	for _, e := range v.Entries {
		if e.Status == EntryInProgress {
			return e, true
		}
	}
	return ViewEntry{}, false
}

func (v *EffectiveQueueView) Waiting() []ViewEntry {
	waiting := make([]ViewEntry, 0, len(v.Entries))
	for _, e := range v.Entries {
		if e.Status == EntryWaiting {
			waiting = append(waiting, e)
		}
	}
	return waiting
}

func (v *EffectiveQueueView) EntryFor(patronID uuid.UUID) (ViewEntry, bool) {
	for _, e := range v.Entries {
		if e.PatronID == patronID {
			return e, true
		}
	}
	return ViewEntry{}, false
}

// PatronStatus lists a patron's live places across providers.
type PatronStatus struct {
	PatronID uuid.UUID   `json:"patronId"`
	Entries  []ViewEntry `json:"entries"`
}

// WaitEstimator turns the number of patrons ahead into an advisory wait.
type WaitEstimator interface {
	EstimateMinutes(ahead int) int
}

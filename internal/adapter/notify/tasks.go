// Package notify is the best-effort notification side channel. The server enqueues
// asynq tasks when a patron is admitted or called in; the worker process consumes them
// and hands each one to a Deliverer.
package notify

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/pscheid92/consultq/internal/domain"
)

// Task types
const (
	TypePositionAssigned  = "notify:position-assigned"
	TypeConsultationReady = "notify:consultation-ready"
)

// Kinds used as metric labels and delivery envelopes.
const (
	KindPositionAssigned  = "position_assigned"
	KindConsultationReady = "consultation_ready"
)

func kindOf(taskType string) string {
	switch taskType {
	case TypePositionAssigned:
		return KindPositionAssigned
	case TypeConsultationReady:
		return KindConsultationReady
	default:
		return "unknown"
	}
}

func NewPositionAssignedTask(p domain.PositionAssigned) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode position assigned payload: %w", err)
	}
	return asynq.NewTask(TypePositionAssigned, payload), nil
}

func NewConsultationReadyTask(r domain.ReadyNotice) (*asynq.Task, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode consultation ready payload: %w", err)
	}
	return asynq.NewTask(TypeConsultationReady, payload), nil
}

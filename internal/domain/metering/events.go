package metering

import (
	"time"

	"github.com/google/uuid"
	"github.com/uniedit/metering/internal/infra/events"
	"github.com/uniedit/metering/internal/model"
)

// Event type names.
const (
	EventTaskAuthorized      = "TaskAuthorized"
	EventTaskSubmitted       = "TaskSubmitted"
	EventTaskCharged         = "TaskCharged"
	EventTaskSucceeded       = "TaskSucceeded"
	EventTaskRefunded        = "TaskRefunded"
	EventTaskFailed          = "TaskFailed"
	EventDiscrepancyDetected = "DiscrepancyDetected"
)

// EventPublisher receives domain events after their transaction commits.
type EventPublisher interface {
	Publish(event events.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// TaskEvent is published on every task transition that touches a ledger.
type TaskEvent struct {
	events.BaseEvent
	UserID  uuid.UUID        `json:"user_id"`
	Feature string           `json:"feature"`
	Status  model.TaskStatus `json:"status"`
	Credits int64            `json:"credits"`
	IsFree  bool             `json:"is_free"`
	Reason  string           `json:"reason,omitempty"`
}

func newTaskEvent(eventType string, t *model.TaskRecord, credits int64, reason string, at time.Time) *TaskEvent {
	return &TaskEvent{
		BaseEvent: events.NewBaseEvent(eventType, t.TaskID, at),
		UserID:    t.UserID,
		Feature:   t.Feature,
		Status:    t.Status,
		Credits:   credits,
		IsFree:    t.IsFree,
		Reason:    reason,
	}
}

// DiscrepancyEvent is published when reconciliation finds drift.
type DiscrepancyEvent struct {
	events.BaseEvent
	Discrepancy
}

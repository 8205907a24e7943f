package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a metered task.
type TaskStatus string

const (
	TaskStatusReserved  TaskStatus = "reserved"
	TaskStatusSubmitted TaskStatus = "submitted"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusRefunded  TaskStatus = "refunded"
	TaskStatusExpired   TaskStatus = "expired"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid checks if the status is valid.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusReserved, TaskStatusSubmitted, TaskStatusSucceeded,
		TaskStatusFailed, TaskStatusRefunded, TaskStatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no transition may leave the status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusRefunded, TaskStatusExpired:
		return true
	}
	return false
}

// ChargePolicy decides when a paid task debits the balance.
type ChargePolicy string

const (
	// ChargePolicyOnCompletion debits when the provider reports success.
	ChargePolicyOnCompletion ChargePolicy = "on_completion"
	// ChargePolicyUpFront debits when the provider job is attached and refunds on failure.
	ChargePolicyUpFront ChargePolicy = "up_front"
)

// IsValid checks if the policy is valid.
func (p ChargePolicy) IsValid() bool {
	return p == ChargePolicyOnCompletion || p == ChargePolicyUpFront
}

// Balance is a user's prepaid credit balance.
type Balance struct {
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;primaryKey"`
	Credits   int64     `json:"credits" gorm:"not null;default:0;check:credits >= 0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for Balance.
func (Balance) TableName() string {
	return "balances"
}

// Ledger aggregates free-quota and credit consumption for one user and feature.
// Task history lives in TaskRecord rows keyed by (user_id, feature).
type Ledger struct {
	UserID              uuid.UUID `json:"user_id" gorm:"type:uuid;primaryKey"`
	Feature             string    `json:"feature" gorm:"primaryKey"`
	FreeUsesGranted     int       `json:"free_uses_granted" gorm:"not null;default:1"`
	FreeUsesConsumed    int       `json:"free_uses_consumed" gorm:"not null;default:0"`
	TotalCreditsCharged int64     `json:"total_credits_charged" gorm:"not null;default:0"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// TableName returns the table name for Ledger.
func (Ledger) TableName() string {
	return "ledgers"
}

// FreeUsesRemaining returns the number of free uses left.
func (l *Ledger) FreeUsesRemaining() int {
	if l == nil {
		return 0
	}
	remaining := l.FreeUsesGranted - l.FreeUsesConsumed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HasFreeUse reports whether the next task for this ledger is free.
func (l *Ledger) HasFreeUse() bool {
	return l != nil && l.FreeUsesConsumed < l.FreeUsesGranted
}

// TaskRecord is the unit of idempotency for one billable asynchronous job.
type TaskRecord struct {
	TaskID         string         `json:"task_id" gorm:"primaryKey"`
	UserID         uuid.UUID      `json:"user_id" gorm:"type:uuid;not null;index:idx_task_records_owner,priority:1"`
	Feature        string         `json:"feature" gorm:"not null;index:idx_task_records_owner,priority:2"`
	Status         TaskStatus     `json:"status" gorm:"not null;index:idx_task_records_owner,priority:3"`
	Provider       string         `json:"provider" gorm:"not null"`
	Payload        map[string]any `json:"payload,omitempty" gorm:"type:jsonb;serializer:json"`
	ChargePolicy   ChargePolicy   `json:"charge_policy" gorm:"not null;default:on_completion"`
	CreditCost     int64          `json:"credit_cost" gorm:"not null"`
	IsFree         bool           `json:"is_free" gorm:"not null"`
	Charged        bool           `json:"charged" gorm:"not null;default:false"`
	Refunded       bool           `json:"refunded" gorm:"not null;default:false"`
	ChargedCredits int64          `json:"charged_credits" gorm:"not null;default:0"`
	DebitedCredits int64          `json:"debited_credits" gorm:"not null;default:0"`
	ProviderJobID  string         `json:"provider_job_id,omitempty" gorm:"index"`
	RetryCount     int            `json:"retry_count" gorm:"not null;default:0"`
	MaxRetries     int            `json:"max_retries" gorm:"not null;default:0"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty" gorm:"index"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	SubmittedAt    *time.Time     `json:"submitted_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty" gorm:"index"`
	ExpiresAt      time.Time      `json:"expires_at" gorm:"not null;index"`
	ReconciledAt   *time.Time     `json:"reconciled_at,omitempty"`
	FailureReason  *string        `json:"failure_reason,omitempty"`
}

// TableName returns the table name for TaskRecord.
func (TaskRecord) TableName() string {
	return "task_records"
}

// IsTerminal checks if the task is in a terminal state.
func (t *TaskRecord) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// IsActive checks if the task may still be polled or expired.
func (t *TaskRecord) IsActive() bool {
	return t.Status == TaskStatusReserved || t.Status == TaskStatusSubmitted
}

// HoldsCharge reports whether credits left the balance and were not returned.
func (t *TaskRecord) HoldsCharge() bool {
	return t.Charged && !t.Refunded
}

// HoldsFreeSlot reports whether the task still occupies a free-quota slot.
func (t *TaskRecord) HoldsFreeSlot() bool {
	return t.IsFree && !t.Refunded
}

// EffectiveStatus returns the status shown to callers.
// A failed task whose refund moved credits or a free slot reads as refunded.
func (t *TaskRecord) EffectiveStatus() TaskStatus {
	if t.Status == TaskStatusFailed && t.Refunded {
		return TaskStatusRefunded
	}
	return t.Status
}

// Clone returns a deep copy of the record.
func (t *TaskRecord) Clone() *TaskRecord {
	if t == nil {
		return nil
	}
	c := *t
	if t.Payload != nil {
		c.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	c.NextRetryAt = cloneTime(t.NextRetryAt)
	c.SubmittedAt = cloneTime(t.SubmittedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.ReconciledAt = cloneTime(t.ReconciledAt)
	if t.FailureReason != nil {
		reason := *t.FailureReason
		c.FailureReason = &reason
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TaskFilter selects task records for listing.
type TaskFilter struct {
	UserID   *uuid.UUID
	Feature  *string
	Statuses []TaskStatus
	Limit    int
}

// ProviderJobState is the raw job state reported by an external provider.
type ProviderJobState struct {
	JobID    string         `json:"job_id"`
	State    string         `json:"state"`
	Message  string         `json:"message,omitempty"`
	Progress int            `json:"progress,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
}

// LedgerSummary is the read model served to usage reporting.
type LedgerSummary struct {
	UserID              uuid.UUID      `json:"user_id"`
	Feature             string         `json:"feature"`
	FreeUsesGranted     int            `json:"free_uses_granted"`
	FreeUsesRemaining   int            `json:"free_uses_remaining"`
	TotalCreditsCharged int64          `json:"total_credits_charged"`
	RecentTasks         []*TaskSummary `json:"recent_tasks"`
}

// TaskSummary is the caller-facing view of a task record.
type TaskSummary struct {
	TaskID        string     `json:"task_id"`
	Status        TaskStatus `json:"status"`
	CreditCost    int64      `json:"credit_cost"`
	IsFree        bool       `json:"is_free"`
	Charged       bool       `json:"charged"`
	Refunded      bool       `json:"refunded"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// NewTaskSummary builds the caller-facing view of a record.
func NewTaskSummary(t *TaskRecord) *TaskSummary {
	s := &TaskSummary{
		TaskID:      t.TaskID,
		Status:      t.EffectiveStatus(),
		CreditCost:  t.CreditCost,
		IsFree:      t.IsFree,
		Charged:     t.Charged,
		Refunded:    t.Refunded,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.FailureReason != nil {
		s.FailureReason = *t.FailureReason
	}
	return s
}

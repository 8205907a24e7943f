package inbound

import (
	"context"

	"github.com/google/uuid"
	"github.com/uniedit/metering/internal/domain/metering"
	"github.com/uniedit/metering/internal/model"
)

// MeteringDomain defines the metering operations exposed to callers.
// Charge and Refund are not part of it: only polling and the scheduler settle
// a submitted task.
type MeteringDomain interface {
	Authorize(ctx context.Context, req *metering.AuthorizeRequest) (*metering.Authorization, error)
	AttachProviderJob(ctx context.Context, taskID, providerJobID string) error
	ReleaseReservation(ctx context.Context, taskID, reason string) (bool, error)
	Poll(ctx context.Context, taskID string) (*metering.PollResult, error)

	GetTask(ctx context.Context, taskID string) (*model.TaskRecord, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (*model.Balance, error)
	GetLedgerSummary(ctx context.Context, userID uuid.UUID, feature string) (*model.LedgerSummary, error)
}

// SweepRunner triggers scheduler sweeps on demand.
type SweepRunner interface {
	Run(ctx context.Context, sweep string) (any, error)
}

// Compile-time checks
var (
	_ MeteringDomain = (*metering.Domain)(nil)
	_ SweepRunner    = (*metering.Scheduler)(nil)
)

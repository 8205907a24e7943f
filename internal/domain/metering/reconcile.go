package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uniedit/metering/internal/infra/events"
	"github.com/uniedit/metering/internal/model"
	"go.uber.org/zap"
)

// Discrepancy kinds found by reconciliation.
const (
	DiscrepancySucceededUncharged     = "succeeded_uncharged"
	DiscrepancyUnrefundedCharge       = "unrefunded_charge"
	DiscrepancyUnreturnedFreeSlot     = "unreturned_free_slot"
	DiscrepancyProviderReportsSuccess = "provider_reports_success"
	DiscrepancyProviderReportsFailure = "provider_reports_failure"
	DiscrepancyLedgerDrift            = "ledger_drift"
	DiscrepancyFreeQuotaOverrun       = "free_quota_overrun"
)

// Discrepancy is a mismatch between stored state and what it should be.
// Reconciliation reports discrepancies and never repairs them.
type Discrepancy struct {
	Kind     string    `json:"kind"`
	TaskID   string    `json:"task_id,omitempty"`
	UserID   uuid.UUID `json:"user_id"`
	Feature  string    `json:"feature"`
	Expected string    `json:"expected"`
	Actual   string    `json:"actual"`
}

// ReconciliationReport summarizes one reconciliation run.
type ReconciliationReport struct {
	SweepReport
	Discrepancies []Discrepancy `json:"discrepancies"`
}

type ledgerKey struct {
	userID  uuid.UUID
	feature string
}

// RunReconciliation re-verifies recently completed tasks against their invariants,
// the provider's current view and the ledger counters. Terminal tasks are not changed.
func (s *Scheduler) RunReconciliation(ctx context.Context) (*ReconciliationReport, error) {
	result := &ReconciliationReport{Discrepancies: []Discrepancy{}}
	report, err := s.withLease(ctx, SweepReconciliation, func(ctx context.Context, report *SweepReport) error {
		d := s.domain
		now := d.now()
		tasks, err := d.tasks.ListForReconciliation(ctx,
			now.Add(-s.config.ReconciliationWindow),
			now.Add(-s.config.ReconciliationMinAge),
			s.config.BatchSize)
		if err != nil {
			return fmt.Errorf("list tasks for reconciliation: %w", err)
		}
		report.Scanned = len(tasks)

		ledgers := make(map[ledgerKey]struct{})
		for _, t := range tasks {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ledgers[ledgerKey{userID: t.UserID, feature: t.Feature}] = struct{}{}

			found := checkRecord(t)
			if pd, err := s.checkProvider(ctx, t); err != nil {
				report.Errors++
				s.logger.Debug("reconciliation poll failed", zap.String("task_id", t.TaskID), zap.Error(err))
			} else if pd != nil {
				found = append(found, *pd)
			}
			result.Discrepancies = append(result.Discrepancies, found...)

			if err := d.tasks.MarkReconciled(ctx, t.TaskID, now); err != nil {
				report.Errors++
				s.logger.Warn("failed to mark task reconciled", zap.String("task_id", t.TaskID), zap.Error(err))
				continue
			}
			report.Settled++
		}

		for key := range ledgers {
			found, err := s.checkLedger(ctx, key)
			if err != nil {
				report.Errors++
				s.logger.Warn("failed to check ledger",
					zap.String("user_id", key.userID.String()),
					zap.String("feature", key.feature),
					zap.Error(err))
				continue
			}
			result.Discrepancies = append(result.Discrepancies, found...)
		}

		for _, disc := range result.Discrepancies {
			s.reportDiscrepancy(disc, now)
		}
		return nil
	})
	if report != nil {
		result.SweepReport = *report
	}
	if err != nil {
		return result, err
	}
	return result, nil
}

// checkRecord verifies the flag invariants of a terminal record.
func checkRecord(t *model.TaskRecord) []Discrepancy {
	var found []Discrepancy
	add := func(kind, expected, actual string) {
		found = append(found, Discrepancy{
			Kind:     kind,
			TaskID:   t.TaskID,
			UserID:   t.UserID,
			Feature:  t.Feature,
			Expected: expected,
			Actual:   actual,
		})
	}

	switch t.Status {
	case model.TaskStatusSucceeded:
		if !t.IsFree && t.CreditCost > 0 && !t.Charged {
			add(DiscrepancySucceededUncharged, "charged=true", "charged=false")
		}
	case model.TaskStatusFailed, model.TaskStatusExpired:
		if t.Charged && !t.Refunded {
			add(DiscrepancyUnrefundedCharge, "refunded=true", "refunded=false")
		}
		if t.IsFree && !t.Refunded {
			add(DiscrepancyUnreturnedFreeSlot, "refunded=true", "refunded=false")
		}
	}
	return found
}

// checkProvider compares the provider's current view of a job with the stored outcome.
func (s *Scheduler) checkProvider(ctx context.Context, t *model.TaskRecord) (*Discrepancy, error) {
	if t.ProviderJobID == "" {
		return nil, nil
	}
	pollCtx, cancel := context.WithTimeout(ctx, s.config.PollTimeout)
	defer cancel()

	state, err := s.domain.fetchJobState(pollCtx, t)
	if err != nil {
		return nil, err
	}
	status, known := s.domain.vocabulary(t.Provider).Normalize(state.State)
	if !known {
		return nil, nil
	}

	disc := &Discrepancy{
		TaskID:   t.TaskID,
		UserID:   t.UserID,
		Feature:  t.Feature,
		Expected: string(t.Status),
		Actual:   state.State,
	}
	switch {
	case status == model.TaskStatusSucceeded && t.Status != model.TaskStatusSucceeded:
		disc.Kind = DiscrepancyProviderReportsSuccess
	case status == model.TaskStatusFailed && t.Status == model.TaskStatusSucceeded:
		disc.Kind = DiscrepancyProviderReportsFailure
	default:
		return nil, nil
	}
	return disc, nil
}

// checkLedger compares ledger counters with the task records they aggregate.
func (s *Scheduler) checkLedger(ctx context.Context, key ledgerKey) ([]Discrepancy, error) {
	d := s.domain
	ledger, err := d.ledgers.Get(ctx, key.userID, key.feature)
	if err != nil {
		return nil, fmt.Errorf("get ledger: %w", err)
	}
	outstanding, err := d.tasks.SumOutstandingCharges(ctx, key.userID, key.feature)
	if err != nil {
		return nil, fmt.Errorf("sum outstanding charges: %w", err)
	}

	var found []Discrepancy
	if ledger.TotalCreditsCharged != outstanding {
		found = append(found, Discrepancy{
			Kind:     DiscrepancyLedgerDrift,
			UserID:   key.userID,
			Feature:  key.feature,
			Expected: fmt.Sprintf("total_credits_charged=%d", outstanding),
			Actual:   fmt.Sprintf("total_credits_charged=%d", ledger.TotalCreditsCharged),
		})
	}
	if ledger.FreeUsesConsumed > ledger.FreeUsesGranted || ledger.FreeUsesConsumed < 0 {
		found = append(found, Discrepancy{
			Kind:     DiscrepancyFreeQuotaOverrun,
			UserID:   key.userID,
			Feature:  key.feature,
			Expected: fmt.Sprintf("0 <= free_uses_consumed <= %d", ledger.FreeUsesGranted),
			Actual:   fmt.Sprintf("free_uses_consumed=%d", ledger.FreeUsesConsumed),
		})
	}
	return found, nil
}

func (s *Scheduler) reportDiscrepancy(disc Discrepancy, at time.Time) {
	s.domain.metrics.RecordDiscrepancy(disc.Kind)
	aggregate := disc.TaskID
	if aggregate == "" {
		aggregate = disc.UserID.String() + "/" + disc.Feature
	}
	s.domain.publish(&DiscrepancyEvent{
		BaseEvent:   events.NewBaseEvent(EventDiscrepancyDetected, aggregate, at),
		Discrepancy: disc,
	})
	s.logger.Warn("reconciliation discrepancy",
		zap.String("kind", disc.Kind),
		zap.String("task_id", disc.TaskID),
		zap.String("user_id", disc.UserID.String()),
		zap.String("feature", disc.Feature),
		zap.String("expected", disc.Expected),
		zap.String("actual", disc.Actual))
}

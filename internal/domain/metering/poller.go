package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uniedit/metering/internal/model"
	"go.uber.org/zap"
)

// PollResult is the normalized view of a task after a poll.
type PollResult struct {
	TaskID        string           `json:"task_id"`
	Status        model.TaskStatus `json:"status"`
	ProviderState string           `json:"provider_state,omitempty"`
	Progress      int              `json:"progress,omitempty"`
	Charged       bool             `json:"charged"`
	Refunded      bool             `json:"refunded"`
	IsFree        bool             `json:"is_free"`
	CreditCost    int64            `json:"credit_cost"`
	FailureReason string           `json:"failure_reason,omitempty"`
}

func newPollResult(t *model.TaskRecord) *PollResult {
	r := &PollResult{
		TaskID:     t.TaskID,
		Status:     t.EffectiveStatus(),
		Charged:    t.Charged,
		Refunded:   t.Refunded,
		IsFree:     t.IsFree,
		CreditCost: t.CreditCost,
	}
	if t.FailureReason != nil {
		r.FailureReason = *t.FailureReason
	}
	return r
}

// Poll asks the task's provider for the job state and settles the task when the
// state is final. Unknown provider states leave the task pending.
// Terminal tasks and tasks without a provider job return their stored state.
func (d *Domain) Poll(ctx context.Context, taskID string) (*PollResult, error) {
	t, err := d.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() || t.Status != model.TaskStatusSubmitted || t.ProviderJobID == "" {
		return newPollResult(t), nil
	}

	state, err := d.fetchJobState(ctx, t)
	if err != nil {
		d.metrics.RecordPoll(t.Provider, "error")
		return nil, err
	}

	status, known := d.vocabulary(t.Provider).Normalize(state.State)
	if !known {
		d.logger.Debug("unrecognized provider state, treating as pending",
			zap.String("task_id", taskID),
			zap.String("provider", t.Provider),
			zap.String("state", state.State))
	}
	d.metrics.RecordPoll(t.Provider, string(status))

	switch status {
	case model.TaskStatusSucceeded:
		actual, err := d.actualCost(t, state)
		if err != nil {
			return nil, err
		}
		if _, err := d.Charge(ctx, taskID, actual); err != nil {
			return nil, err
		}
	case model.TaskStatusFailed:
		if _, err := d.Refund(ctx, taskID, providerFailureReason(state)); err != nil {
			return nil, err
		}
	}

	latest, err := d.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	result := newPollResult(latest)
	result.ProviderState = state.State
	result.Progress = state.Progress
	return result, nil
}

func (d *Domain) fetchJobState(ctx context.Context, t *model.TaskRecord) (*model.ProviderJobState, error) {
	provider, err := d.providers.Get(t.Provider)
	if err != nil {
		if errors.Is(err, ErrUnknownProvider) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownProvider, t.Provider, err)
	}
	state, err := provider.GetJobStatus(ctx, t.ProviderJobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, t.Provider, err)
	}
	if state == nil {
		return nil, fmt.Errorf("%w: %s returned no state", ErrProviderUnavailable, t.Provider)
	}
	return state, nil
}

// actualCost reprices from provider output. A missing or unusable output value
// keeps the authorize-time price rather than failing the charge.
func (d *Domain) actualCost(t *model.TaskRecord, state *model.ProviderJobState) (*int64, error) {
	feature, err := d.catalog.Lookup(t.Feature)
	if err != nil {
		return nil, err
	}
	cost, err := d.resolver.ActualCost(feature, state.Output)
	if err != nil {
		d.logger.Warn("provider output not usable for repricing, keeping reserved price",
			zap.String("task_id", t.TaskID),
			zap.Int64("credit_cost", t.CreditCost),
			zap.Error(err))
		return nil, nil
	}
	return cost, nil
}

func (d *Domain) vocabulary(provider string) Vocabulary {
	if v, ok := d.cfg.Vocabularies[provider]; ok {
		return v
	}
	return DefaultVocabulary()
}

func providerFailureReason(state *model.ProviderJobState) string {
	if state.Message != "" {
		return state.Message
	}
	return fmt.Sprintf(reasonProviderFailedFmt, state.State)
}

// schedulePoll pushes next_retry_at forward after a successful poll that left
// the task pending. The retry count is untouched.
func (d *Domain) schedulePoll(ctx context.Context, taskID string) error {
	unlock := d.locks.Lock(taskID)
	defer unlock()

	return d.tx.RunInTransaction(ctx, func(txCtx context.Context) error {
		t, err := d.getForUpdate(txCtx, taskID)
		if err != nil {
			return err
		}
		if t.Status != model.TaskStatusSubmitted {
			return nil
		}
		_, err = d.tasks.ScheduleRetry(txCtx, taskID, t.RetryCount, d.now().Add(d.cfg.PollInterval))
		return err
	})
}

// recordPollFailure counts a transient poll failure. Past max retries the task
// fails and is refunded; otherwise the next poll is pushed out by backoff.
func (d *Domain) recordPollFailure(ctx context.Context, taskID string, backoff func(int) time.Duration, cause error) (exhausted bool, err error) {
	unlock := d.locks.Lock(taskID)
	defer unlock()

	now := d.now()
	var (
		record       *model.TaskRecord
		transitioned bool
		moved        bool
	)
	reason := ReasonRetriesExhausted

	err = d.tx.RunInTransaction(ctx, func(txCtx context.Context) error {
		t, err := d.getForUpdate(txCtx, taskID)
		if err != nil {
			return err
		}
		if t.Status != model.TaskStatusSubmitted {
			return nil
		}

		retries := t.RetryCount + 1
		if retries > t.MaxRetries {
			if _, err := d.tasks.ScheduleRetry(txCtx, taskID, retries, now); err != nil {
				return fmt.Errorf("record retry: %w", err)
			}
			t.RetryCount = retries
			record = t
			transitioned, moved, err = d.settleFailureTx(txCtx, t, reason, model.TaskStatusFailed, now)
			return err
		}

		next := now.Add(backoff(retries))
		if _, err := d.tasks.ScheduleRetry(txCtx, taskID, retries, next); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		d.logger.Info("poll failed, retry scheduled",
			zap.String("task_id", taskID),
			zap.Int("retry_count", retries),
			zap.Int("max_retries", t.MaxRetries),
			zap.Time("next_retry_at", next),
			zap.NamedError("cause", cause))
		return nil
	})
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}
	d.afterFailure(ctx, record, transitioned, moved, reason, now)
	return true, nil
}

package app

import (
	"github.com/uniedit/metering/internal/domain/metering"
	"github.com/uniedit/metering/internal/infra/events"
	"go.uber.org/zap"
)

// newAuditHandler logs every metering event as a structured audit line.
func newAuditHandler(log *zap.Logger) events.Handler {
	log = log.Named("audit")
	return events.NewHandlerFunc([]string{
		metering.EventTaskAuthorized,
		metering.EventTaskSubmitted,
		metering.EventTaskCharged,
		metering.EventTaskSucceeded,
		metering.EventTaskRefunded,
		metering.EventTaskFailed,
		metering.EventDiscrepancyDetected,
	}, func(event events.Event) error {
		fields := []zap.Field{
			zap.String("event_type", event.EventType()),
			zap.String("event_id", event.EventID().String()),
			zap.String("task_id", event.AggregateID()),
			zap.Time("occurred_at", event.OccurredAt()),
		}

		switch e := event.(type) {
		case *metering.TaskEvent:
			fields = append(fields,
				zap.String("user_id", e.UserID.String()),
				zap.String("feature", e.Feature),
				zap.String("status", string(e.Status)),
				zap.Int64("credits", e.Credits),
				zap.Bool("is_free", e.IsFree))
			if e.Reason != "" {
				fields = append(fields, zap.String("reason", e.Reason))
			}
		case *metering.DiscrepancyEvent:
			fields = append(fields,
				zap.String("kind", e.Kind),
				zap.String("expected", e.Expected),
				zap.String("actual", e.Actual))
		}

		log.Info("metering event", fields...)
		return nil
	})
}

package meteringhttp

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/uniedit/metering/internal/domain/metering"
	apperrors "github.com/uniedit/metering/internal/utils/errors"
	"github.com/uniedit/metering/internal/utils/middleware"
	"github.com/uniedit/metering/internal/utils/requestctx"
	"go.uber.org/zap"
)

// getUserIDFromContext returns the caller's user ID or writes a 401.
func getUserIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := middleware.GetUserID(c)
	if !ok || userID == uuid.Nil {
		writeError(c, apperrors.NewAppError("UNAUTHORIZED", "user not authenticated", http.StatusUnauthorized, apperrors.ErrUnauthorized))
		return uuid.Nil, false
	}
	return userID, true
}

// toAppError maps metering domain errors to HTTP errors.
func toAppError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, metering.ErrInsufficientFunds):
		return apperrors.InsufficientCredits(err.Error())
	case errors.Is(err, metering.ErrInvalidFeature):
		return apperrors.BadRequest("INVALID_FEATURE", err.Error())
	case errors.Is(err, metering.ErrInvalidPayload):
		return apperrors.BadRequest("INVALID_PAYLOAD", err.Error())
	case errors.Is(err, metering.ErrInvalidRequest):
		return apperrors.BadRequest("", err.Error())
	case errors.Is(err, metering.ErrDuplicateTaskID):
		return apperrors.Conflict("DUPLICATE_TASK", "task id already exists")
	case errors.Is(err, metering.ErrTaskNotFound):
		return apperrors.NotFound("task")
	case errors.Is(err, metering.ErrInvalidTransition):
		return apperrors.Conflict("INVALID_TRANSITION", err.Error())
	case errors.Is(err, metering.ErrReservationLapsed):
		return apperrors.Conflict("RESERVATION_EXPIRED", "reservation expired before submission")
	case metering.IsTransient(err):
		return apperrors.ServiceUnavailable("provider status unavailable, retry later")
	default:
		return apperrors.Internal(err)
	}
}

// handleError writes the JSON error for err. Server errors are logged.
func (h *Handler) handleError(c *gin.Context, err error) {
	appErr := toAppError(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		fields := append(requestctx.Fields(c.Request.Context()),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		h.logger.Error("request failed", fields...)
	}
	_ = c.Error(err)
	writeError(c, appErr)
}

func writeError(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.StatusCode, appErr.ToResponse())
}

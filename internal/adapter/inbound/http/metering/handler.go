package meteringhttp

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/uniedit/metering/internal/domain/metering"
	"github.com/uniedit/metering/internal/model"
	"github.com/uniedit/metering/internal/port/inbound"
	apperrors "github.com/uniedit/metering/internal/utils/errors"
	"go.uber.org/zap"
)

// Handler handles metering HTTP requests.
type Handler struct {
	domain inbound.MeteringDomain
	sweeps inbound.SweepRunner
	logger *zap.Logger
}

// NewHandler creates a new metering handler. sweeps may be nil when the
// scheduler is disabled.
func NewHandler(domain inbound.MeteringDomain, sweeps inbound.SweepRunner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{domain: domain, sweeps: sweeps, logger: logger.Named("metering-http")}
}

// RegisterRoutes registers caller-facing routes. The group must run RequireUser.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	tasks := r.Group("/tasks")
	{
		tasks.POST("", h.CreateTask)
		tasks.GET("/:id", h.PollTask)
		tasks.POST("/:id/submission", h.AttachJob)
		tasks.POST("/:id/release", h.ReleaseTask)
	}
	r.GET("/ledgers/:feature", h.GetLedger)
	r.GET("/balance", h.GetBalance)
}

// RegisterInternalRoutes registers operator routes.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/sweeps/:kind", h.RunSweep)
}

type createTaskRequest struct {
	TaskID  string         `json:"task_id"`
	Feature string         `json:"feature" binding:"required"`
	Payload map[string]any `json:"payload"`
}

type attachJobRequest struct {
	ProviderJobID string `json:"provider_job_id" binding:"required"`
}

type releaseRequest struct {
	Reason string `json:"reason"`
}

// CreateTask handles POST /tasks.
func (h *Handler) CreateTask(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}

	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest("", err.Error()))
		return
	}

	auth, err := h.domain.Authorize(c.Request.Context(), &metering.AuthorizeRequest{
		TaskID:  req.TaskID,
		UserID:  userID,
		Feature: req.Feature,
		Payload: req.Payload,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, auth)
}

// AttachJob handles POST /tasks/:id/submission.
func (h *Handler) AttachJob(c *gin.Context) {
	task, ok := h.ownedTask(c)
	if !ok {
		return
	}

	var req attachJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest("", err.Error()))
		return
	}

	if err := h.domain.AttachProviderJob(c.Request.Context(), task.TaskID, req.ProviderJobID); err != nil {
		h.handleError(c, err)
		return
	}

	h.respondTask(c, http.StatusOK, task.TaskID, nil)
}

// ReleaseTask handles POST /tasks/:id/release. Only a reserved task can be
// released; a submitted one answers 409.
func (h *Handler) ReleaseTask(c *gin.Context) {
	task, ok := h.ownedTask(c)
	if !ok {
		return
	}

	var req releaseRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperrors.BadRequest("", err.Error()))
			return
		}
	}

	released, err := h.domain.ReleaseReservation(c.Request.Context(), task.TaskID, req.Reason)
	if err != nil {
		h.handleError(c, err)
		return
	}

	h.respondTask(c, http.StatusOK, task.TaskID, gin.H{"released": released})
}

// PollTask handles GET /tasks/:id.
func (h *Handler) PollTask(c *gin.Context) {
	task, ok := h.ownedTask(c)
	if !ok {
		return
	}

	result, err := h.domain.Poll(c.Request.Context(), task.TaskID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetLedger handles GET /ledgers/:feature.
func (h *Handler) GetLedger(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}

	summary, err := h.domain.GetLedgerSummary(c.Request.Context(), userID, c.Param("feature"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// GetBalance handles GET /balance.
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}

	balance, err := h.domain.GetBalance(c.Request.Context(), userID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": balance.UserID, "credits": balance.Credits})
}

// RunSweep handles POST /internal/sweeps/:kind.
func (h *Handler) RunSweep(c *gin.Context) {
	if h.sweeps == nil {
		writeError(c, apperrors.ServiceUnavailable("scheduler is disabled"))
		return
	}

	report, err := h.sweeps.Run(c.Request.Context(), c.Param("kind"))
	if err != nil {
		if errors.Is(err, metering.ErrInvalidRequest) {
			writeError(c, apperrors.NotFound("sweep"))
			return
		}
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// ownedTask loads the task in the path and checks it belongs to the caller.
// Tasks of other users are reported as not found.
func (h *Handler) ownedTask(c *gin.Context) (*model.TaskRecord, bool) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return nil, false
	}

	task, err := h.domain.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return nil, false
	}
	if task.UserID != userID {
		writeError(c, apperrors.NotFound("task"))
		return nil, false
	}
	return task, true
}

func (h *Handler) respondTask(c *gin.Context, status int, taskID string, extra gin.H) {
	task, err := h.domain.GetTask(c.Request.Context(), taskID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	body := gin.H{"task": model.NewTaskSummary(task)}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}

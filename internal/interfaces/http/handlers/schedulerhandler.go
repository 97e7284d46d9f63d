package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	consultapp "presenca/internal/application/consultation"
	"presenca/internal/infrastructure/scheduler"
	"presenca/internal/shared/logger"
	"presenca/internal/shared/utils"
)

// SchedulerHandler exposes operator controls over the pending-consultation
// polling loop.
type SchedulerHandler struct {
	pending *scheduler.PendingScheduler
	lane    *consultapp.Serializer
	logger  logger.Interface
}

func NewSchedulerHandler(pending *scheduler.PendingScheduler, lane *consultapp.Serializer, log logger.Interface) *SchedulerHandler {
	return &SchedulerHandler{
		pending: pending,
		lane:    lane,
		logger:  log.Named("handler.scheduler"),
	}
}

type pauseRequest struct {
	Reason string `json:"motivo"`
}

// Pause handles POST /api/scheduler/pause. Idempotent; a repeated pause only
// refreshes the recorded reason.
func (h *SchedulerHandler) Pause(c *gin.Context) {
	var req pauseRequest
	// Body is optional; a bare POST pauses without a reason.
	_ = c.ShouldBindJSON(&req)

	h.pending.Pause(req.Reason)
	h.logger.Infow("scheduler paused via API", "reason", req.Reason)
	utils.OKResponse(c, h.pending.State())
}

// Resume handles POST /api/scheduler/resume and triggers an immediate cycle.
// The cycle outlives the request, so it runs on a background context.
func (h *SchedulerHandler) Resume(c *gin.Context) {
	h.pending.Resume(context.Background())
	h.logger.Infow("scheduler resumed via API")
	utils.OKResponse(c, h.pending.State())
}

// State handles GET /api/scheduler/state.
func (h *SchedulerHandler) State(c *gin.Context) {
	utils.OKResponse(c, gin.H{
		"scheduler": h.pending.State(),
		"lane":      h.lane.Stats(),
	})
}

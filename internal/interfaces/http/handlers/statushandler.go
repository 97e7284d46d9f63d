package handlers

import (
	"github.com/gin-gonic/gin"

	"presenca/internal/application/status"
	"presenca/internal/shared/errors"
	"presenca/internal/shared/utils"
)

// StatusHandler serves job progress queries.
type StatusHandler struct {
	tracker *status.Tracker
}

func NewStatusHandler(tracker *status.Tracker) *StatusHandler {
	return &StatusHandler{tracker: tracker}
}

// GetJob handles GET /api/status/:jobId.
func (h *StatusHandler) GetJob(c *gin.Context) {
	job := h.tracker.Get(c.Param("jobId"))
	if job == nil {
		utils.ErrorResponse(c, errors.NewNotFoundError("job not found"))
		return
	}
	utils.OKResponse(c, job)
}

// GetCurrent handles GET /api/status/current, returning the most recently
// created job.
func (h *StatusHandler) GetCurrent(c *gin.Context) {
	job := h.tracker.Current()
	if job == nil {
		utils.ErrorResponse(c, errors.NewNotFoundError("no job has been created yet"))
		return
	}
	utils.OKResponse(c, job)
}

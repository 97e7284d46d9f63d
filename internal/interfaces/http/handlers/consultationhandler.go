// Package handlers contains the gin HTTP handlers for the consultation API.
package handlers

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	consultapp "presenca/internal/application/consultation"
	"presenca/internal/application/status"
	domain "presenca/internal/domain/consultation"
	"presenca/internal/domain/quota"
	"presenca/internal/shared/errors"
	"presenca/internal/shared/logger"
	"presenca/internal/shared/utils"
)

// ConsultationHandler serves the individual and batch processing endpoints.
type ConsultationHandler struct {
	service *consultapp.Service
	tracker *status.Tracker
	logger  logger.Interface
}

func NewConsultationHandler(service *consultapp.Service, tracker *status.Tracker, log logger.Interface) *ConsultationHandler {
	return &ConsultationHandler{
		service: service,
		tracker: tracker,
		logger:  log.Named("handler.consultation"),
	}
}

type individualRequest struct {
	CPF    string `json:"cpf" binding:"required"`
	Name   string `json:"nome"`
	Phone  string `json:"telefone"`
	Login  string `json:"loginP"`
	Secret string `json:"senhaP"`
}

type batchRequest struct {
	Rows       []batchRow `json:"registros" binding:"required"`
	BatchLabel string     `json:"tipoConsulta"`
	Login      string     `json:"loginP"`
	Secret     string     `json:"senhaP"`
}

type batchRow struct {
	CPF   string `json:"cpf"`
	Name  string `json:"nome"`
	Phone string `json:"telefone"`
}

// ProcessIndividual handles POST /api/process/individual. The call is
// synchronous: it waits its turn in the execution lane and returns the
// workflow outcome together with the quota counters observed.
func (h *ConsultationHandler) ProcessIndividual(c *gin.Context) {
	var req individualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, errors.NewValidationError("invalid request body", err.Error()))
		return
	}

	jobID := h.tracker.Create(status.JobTypeIndividual, 1)

	outcome, err := h.service.ProcessIndividual(c.Request.Context(),
		consultapp.Subject{CPF: req.CPF, Name: req.Name, Phone: req.Phone},
		quota.Principal{Login: req.Login, Secret: req.Secret},
	)
	if err != nil {
		h.tracker.Finish(jobID, err.Error())
		h.respondProcessingError(c, err)
		return
	}

	h.tracker.Progress(jobID, outcome.Result.Success, "")
	h.tracker.Finish(jobID, "")

	utils.OKResponse(c, gin.H{
		"jobId":    jobID,
		"sucesso":  outcome.Result.Success,
		"mensagem": outcome.Result.Message,
		"quota": gin.H{
			"total":     outcome.Quota.Total,
			"usado":     outcome.Quota.Used,
			"restantes": outcome.Quota.Remaining,
		},
		"registros": gin.H{
			"inseridos": outcome.Persisted.Inserted,
		},
	})
}

// ProcessBatch handles POST /api/process/batch. Rows are validated, deduped
// and enqueued; processing happens asynchronously in the polling scheduler.
func (h *ConsultationHandler) ProcessBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, errors.NewValidationError("invalid request body", err.Error()))
		return
	}

	rows := make([]domain.SubjectRow, 0, len(req.Rows))
	for _, r := range req.Rows {
		rows = append(rows, domain.SubjectRow{CPF: r.CPF, Name: r.Name, Phone: r.Phone})
	}

	jobID := h.tracker.Create(status.JobTypeBatch, len(rows))

	outcome, err := h.service.EnqueueBatch(c.Request.Context(), rows,
		quota.Principal{Login: req.Login, Secret: req.Secret}, req.BatchLabel)
	if err != nil {
		h.tracker.Finish(jobID, err.Error())
		utils.ErrorResponse(c, err)
		return
	}

	skipped := outcome.SkippedInvalid + outcome.SkippedDuplicateBatch + outcome.SkippedConsultedToday
	h.tracker.Skip(jobID, skipped)
	h.tracker.Finish(jobID, "")

	utils.SuccessResponse(c, http.StatusAccepted, "batch accepted", gin.H{
		"jobId":                jobID,
		"enfileirados":         outcome.Enqueued,
		"ignoradosInvalidos":   outcome.SkippedInvalid,
		"ignoradosDuplicados":  outcome.SkippedDuplicateBatch,
		"ignoradosConsultados": outcome.SkippedConsultedToday,
	})
}

// respondProcessingError maps a quota rejection to 429 with the observed
// counters; everything else falls through the standard error mapping.
func (h *ConsultationHandler) respondProcessingError(c *gin.Context, err error) {
	if exceeded, ok := quotaExceeded(err); ok {
		utils.ErrorResponseWithStatus(c, http.StatusTooManyRequests,
			string(errors.ErrorTypeForbidden), exceeded.Error(), exceeded)
		return
	}
	utils.ErrorResponse(c, err)
}

func quotaExceeded(err error) (*quota.ExceededError, bool) {
	var exceeded *quota.ExceededError
	if stderrors.As(err, &exceeded) {
		return exceeded, true
	}
	return nil, false
}

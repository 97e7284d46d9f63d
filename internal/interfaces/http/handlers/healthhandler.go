package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"presenca/internal/shared/utils"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	db *gorm.DB
}

func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// Check handles GET /health. Readiness includes a database ping.
func (h *HealthHandler) Check(c *gin.Context) {
	dbStatus := "ok"
	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			dbStatus = "unavailable"
		}
	}

	if dbStatus != "ok" {
		utils.ErrorResponseWithStatus(c, http.StatusServiceUnavailable,
			"unhealthy", "database unavailable", gin.H{"database": dbStatus})
		return
	}
	utils.OKResponse(c, gin.H{"status": "ok", "database": dbStatus})
}

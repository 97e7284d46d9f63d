// Package http wires the gin engine, middleware and route table.
package http

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	consultapp "presenca/internal/application/consultation"
	"presenca/internal/application/status"
	"presenca/internal/infrastructure/scheduler"
	"presenca/internal/interfaces/http/handlers"
	"presenca/internal/interfaces/http/middleware"
	"presenca/internal/shared/logger"
)

// Router represents the HTTP router configuration
type Router struct {
	engine              *gin.Engine
	consultationHandler *handlers.ConsultationHandler
	statusHandler       *handlers.StatusHandler
	schedulerHandler    *handlers.SchedulerHandler
	healthHandler       *handlers.HealthHandler
	logger              logger.Interface
}

// Deps carries the already-constructed collaborators the router serves.
type Deps struct {
	Service          *consultapp.Service
	Tracker          *status.Tracker
	PendingScheduler *scheduler.PendingScheduler
	DB               *gorm.DB
}

// NewRouter creates a new HTTP router with all dependencies
func NewRouter(deps Deps, log logger.Interface) *Router {
	engine := gin.New()

	return &Router{
		engine:              engine,
		consultationHandler: handlers.NewConsultationHandler(deps.Service, deps.Tracker, log),
		statusHandler:       handlers.NewStatusHandler(deps.Tracker),
		schedulerHandler:    handlers.NewSchedulerHandler(deps.PendingScheduler, deps.Service.Lane(), log),
		healthHandler:       handlers.NewHealthHandler(deps.DB),
		logger:              log,
	}
}

// SetupRoutes configures all HTTP routes
func (r *Router) SetupRoutes() {
	r.engine.Use(middleware.Logger(r.logger))
	r.engine.Use(middleware.Recovery())

	r.engine.GET("/health", r.healthHandler.Check)

	api := r.engine.Group("/api")
	{
		process := api.Group("/process")
		{
			process.POST("/individual", r.consultationHandler.ProcessIndividual)
			process.POST("/batch", r.consultationHandler.ProcessBatch)
		}

		jobs := api.Group("/status")
		{
			// "current" must be registered before the parameterized route is
			// matched; gin resolves static segments first.
			jobs.GET("/current", r.statusHandler.GetCurrent)
			jobs.GET("/:jobId", r.statusHandler.GetJob)
		}

		sched := api.Group("/scheduler")
		{
			sched.POST("/pause", r.schedulerHandler.Pause)
			sched.POST("/resume", r.schedulerHandler.Resume)
			sched.GET("/state", r.schedulerHandler.State)
		}
	}
}

// GetEngine returns the Gin engine
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

// Run starts the HTTP server
func (r *Router) Run(addr string) error {
	return r.engine.Run(addr)
}

// Package server implements the `server` CLI command: it wires the full
// application and runs the HTTP API together with the background schedulers.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	consultapp "presenca/internal/application/consultation"
	"presenca/internal/application/status"
	"presenca/internal/domain/quota"
	"presenca/internal/infrastructure/config"
	"presenca/internal/infrastructure/database"
	"presenca/internal/infrastructure/migration"
	"presenca/internal/infrastructure/persistence"
	"presenca/internal/infrastructure/scheduler"
	"presenca/internal/infrastructure/workflow"
	httpRouter "presenca/internal/interfaces/http"
	"presenca/internal/shared/biztime"
	"presenca/internal/shared/logger"
)

var (
	env         string
	autoMigrate bool
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the HTTP server",
		Long:  `Start the consultation coordination server with specified configuration.`,
		RunE:  run,
	}

	cmd.Flags().StringVarP(&env, "env", "e", "development", "Environment (development, test, production)")
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "Automatically run database migrations on startup (not recommended for production)")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	if envVar := os.Getenv("ENV"); envVar != "" {
		env = envVar
	}

	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Server.Mode = mapEnvToGinMode(env)

	if err := logger.Init(&cfg.Logger); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.NewLogger()

	log.Infow("starting server",
		"environment", env,
		"auto_migrate", autoMigrate,
	)

	if err := biztime.Init(cfg.Business.Timezone); err != nil {
		return fmt.Errorf("failed to initialize business timezone: %w", err)
	}

	gin.SetMode(cfg.Server.Mode)
	gin.DefaultWriter = io.Discard
	gin.DebugPrintRouteFunc = func(httpMethod, absolutePath, handlerName string, nuHandlers int) {
	}

	if err := database.Init(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	if autoMigrate {
		if env == "production" {
			log.Warnw("auto-migration is enabled in production environment - this is not recommended!")
		}
		manager := migration.NewManager(env)
		if err := manager.Migrate(database.Get(), migration.AutoMigrateModels()...); err != nil {
			return fmt.Errorf("auto-migration failed: %w", err)
		}
	}

	db := database.Get()

	ledger := persistence.NewQuotaRepository(db, log)
	queue := persistence.NewConsultationRepository(db, log)

	runner := workflow.NewHTTPRunner(workflow.Config{
		BaseURL:        cfg.Partner.BaseURL,
		TimeoutMS:      cfg.Partner.TimeoutMS,
		Retries:        cfg.Partner.Retries,
		RetryDelayMS:   cfg.Partner.RetryDelayMS,
		RequestsPerMin: cfg.Partner.RequestsPerMin,
	}, log)

	lane := consultapp.NewSerializer()
	service := consultapp.NewService(queue, ledger, runner, lane, consultapp.Config{
		DefaultPrincipal: quota.Principal{Login: cfg.Partner.Login, Secret: cfg.Partner.Secret},
		DefaultTotal:     cfg.Quota.DailyTotal,
		MaxBatchRows:     cfg.Business.MaxBatchRows,
	}, log)

	tracker := status.NewTracker()

	schedulerCtx, cancelSchedulers := context.WithCancel(context.Background())
	defer cancelSchedulers()

	pending := scheduler.NewPendingScheduler(queue, service,
		cfg.Scheduler.PollIntervalMS, cfg.Scheduler.BatchSize, log)
	pending.Start(schedulerCtx)
	defer pending.Stop()

	quotaReset := scheduler.NewQuotaResetScheduler(ledger,
		cfg.Quota.Reset.Enabled, cfg.Quota.Reset.PollIntervalMS,
		quota.ResetFilter{Login: cfg.Quota.Reset.FilterLogin, Secret: cfg.Quota.Reset.FilterSecret},
		log)
	quotaReset.Start(schedulerCtx)
	defer quotaReset.Stop()

	router := httpRouter.NewRouter(httpRouter.Deps{
		Service:          service,
		Tracker:          tracker,
		PendingScheduler: pending,
		DB:               db,
	}, log)
	router.SetupRoutes()

	srv := &http.Server{
		Addr:         cfg.Server.GetAddr(),
		Handler:      router.GetEngine(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // individual consultations wait for the lane
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting",
			"address", cfg.Server.GetAddr(),
			"mode", cfg.Server.Mode,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down server...")
	cancelSchedulers()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
		return err
	}

	log.Infow("server exited gracefully")
	return nil
}

func mapEnvToGinMode(environment string) string {
	switch environment {
	case "production", "prod", "release":
		return "release"
	case "test", "testing":
		return "test"
	default:
		return "debug"
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/textops-io/textops/internal/app"
	"github.com/textops-io/textops/internal/db"
	"github.com/textops-io/textops/internal/handlers"
	"github.com/textops-io/textops/internal/jobs"
	"github.com/textops-io/textops/internal/observability"
	"github.com/textops-io/textops/internal/platform/logger"
	"github.com/textops-io/textops/internal/repos"
	"github.com/textops-io/textops/internal/server"
	"github.com/textops-io/textops/internal/services"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "textops",
		Environment: os.Getenv("APP_ENV"),
		Version:     os.Getenv("APP_VERSION"),
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	// Config
	log.Info("Loading configuration...")
	cfg := app.LoadConfig(log)

	// Database
	dbService, err := db.New(cfg.Persistence, log)
	if err != nil {
		log.Error("Database init failed", "error", err)
		os.Exit(1)
	}
	if err := dbService.AutoMigrateAll(); err != nil {
		log.Error("Auto migration failed", "error", err)
		os.Exit(1)
	}
	gdb := dbService.DB()

	// Repos
	log.Info("Setting up repos...")
	runRepo := repos.NewRunRepo(gdb, log)
	queue := repos.NewExecutionQueue(gdb, log)
	txRunner := repos.NewGormTxRunner(gdb)

	// Services
	log.Info("Setting up services...")
	orchestrator := services.NewOrchestrator(txRunner, runRepo, log)
	var sink services.OutboundSink = services.NewStderrSink()
	if os.Getenv("REDIS_ADDR") != "" {
		dedup, err := services.NewRedisDedupSink(log, sink)
		if err != nil {
			log.Warn("Redis outbound dedup unavailable, delivering without it", "error", err)
		} else {
			sink = dedup
		}
	}

	// Worker
	log.Info("Setting up worker...", "worker_id", cfg.Worker.WorkerID)
	executor := jobs.NewStubExecutor(orchestrator)
	worker := jobs.NewWorker(queue, executor, sink, log, jobs.WorkerConfig{
		WorkerID:           cfg.Worker.WorkerID,
		PollInterval:       cfg.Worker.PollInterval,
		ErrorRetryDelay:    cfg.Worker.ErrorRetryDelay,
		MaxAttempts:        cfg.Worker.MaxAttempts,
		LockTimeout:        cfg.Worker.LockTimeout,
		StaleCheckInterval: cfg.Worker.StaleCheckInterval,
	})

	// Handlers + router
	log.Info("Setting up router...")
	inboundHandler := handlers.NewInboundHandler(log, orchestrator, queue)
	runsHandler := handlers.NewRunsHandler(log, orchestrator, runRepo)
	router := server.NewRouter(server.RouterConfig{
		InboundHandler: inboundHandler,
		RunsHandler:    runsHandler,
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(ctx)
	})
	g.Go(func() error {
		log.Info("Server listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Shutdown with error", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

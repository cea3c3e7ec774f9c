// Package main provides the orchestrator entry point. It wires the process
// manager, the command bus, the outbox dispatcher, the reply consumer and
// the recovery sweeper over Postgres and Redpanda.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/saga-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/saga-orchestrator/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/saga-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/saga-orchestrator/internal/app"
	"github.com/fairyhunter13/saga-orchestrator/internal/config"
	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
	"github.com/fairyhunter13/saga-orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":"+strconv.Itoa(cfg.MetricsPort), mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting orchestrator", slog.String("env", cfg.AppEnv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	naming := domain.QueueNaming{
		CommandPrefix: cfg.CommandTopicPrefix,
		QueueSuffix:   cfg.QueueSuffix,
		ReplyQueue:    cfg.ReplyQueue,
	}

	processRepo := postgres.NewProcessRepo(pool)
	outboxRepo := postgres.NewOutboxRepo(pool)
	outboxRepo.ClaimTimeout = cfg.OutboxClaimTimeout
	inboxRepo := postgres.NewInboxRepo(pool)
	commandRepo := postgres.NewCommandRepo(pool)
	dlqRepo := postgres.NewDLQRepo(pool)
	txManager := postgres.NewTxManager(pool)

	bus := usecase.NewBus(commandRepo, outboxRepo, naming, logger)
	manager := usecase.NewProcessManager(processRepo, commandRepo, dlqRepo, txManager, bus, naming, logger)

	publisher, err := redpanda.NewPublisher(cfg.KafkaBrokers, []string{naming.ReplyTopic()})
	if err != nil {
		slog.Error("publisher init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Error("failed to close publisher", slog.Any("error", err))
		}
	}()

	replyConsumer, err := redpanda.NewReplyConsumer(
		cfg.KafkaBrokers,
		cfg.ReplyGroupID,
		naming.ReplyTopic(),
		cfg.ReplyWorkers,
		manager,
		inboxRepo,
		commandRepo,
		txManager,
		logger,
	)
	if err != nil {
		slog.Error("reply consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := replyConsumer.Close(); err != nil {
			slog.Error("failed to close reply consumer", slog.Any("error", err))
		}
	}()

	dispatcher := app.NewDispatcher(
		outboxRepo,
		commandRepo,
		publisher,
		cfg.DispatcherWorkers,
		cfg.DispatcherBatchSize,
		cfg.DispatcherInterval,
		cfg.CommandLeaseTTL,
		logger,
	)
	recovery := app.NewRecovery(
		outboxRepo,
		commandRepo,
		manager,
		txManager,
		cfg.RecoveryInterval,
		cfg.OutboxClaimTimeout,
		logger,
	)

	go dispatcher.Run(ctx)
	go recovery.Run(ctx)
	go func() {
		if err := replyConsumer.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("reply consumer error", slog.Any("error", err))
		}
	}()

	slog.Info("orchestrator started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("manager shutdown", slog.Any("error", err))
	}
	slog.Info("orchestrator stopped")
}

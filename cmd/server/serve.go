package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sunshow/crmflow/internal/agent"
	"github.com/sunshow/crmflow/internal/config"
	"github.com/sunshow/crmflow/internal/db"
	"github.com/sunshow/crmflow/internal/engine"
	"github.com/sunshow/crmflow/internal/event"
	"github.com/sunshow/crmflow/internal/lease"
	"github.com/sunshow/crmflow/internal/metrics"
	"github.com/sunshow/crmflow/internal/telemetry"
	"github.com/sunshow/crmflow/internal/worker"
)

const healthService = "crmflow"

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run workers, the sweeper, gRPC health and the metrics endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	// 1. Tracing
	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, version, cfg.Telemetry.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warnw("Failed to flush traces", "error", err)
		}
	}()

	// 2. Storage
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Metrics and events
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bus := event.NewBus(logger)
	if cfg.NATS.URL != "" {
		nc, err := event.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		event.NewForwarder(nc, cfg.NATS.SubjectPrefix, logger).Attach(bus)
	}

	// 4. Engine
	exec := engine.NewExecutor(st, logger,
		engine.WithEventBus(bus),
		engine.WithMetrics(m),
	)

	// 5. Sweeper, leader-elected through Redis when configured
	var locker worker.Locker
	if cfg.Redis.Addr != "" {
		rdb, err := lease.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = lease.New(rdb, "sweeper-"+uuid.New().String()[:8], "crmflow:lease:")
	}
	sweeper := worker.NewSweeper(exec, locker, cfg.Sweeper.Interval, cfg.Sweeper.LeaseTTL, cfg.Sweeper.BatchSize, logger)

	// 6. Workers
	workers, err := buildWorkers(cfg, exec, m, logger)
	if err != nil {
		return err
	}

	// 7. gRPC health
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server := grpclib.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("gRPC health server listening", "port", cfg.GRPC.Port)
		return server.Serve(lis)
	})
	g.Go(func() error {
		logger.Infow("Metrics endpoint listening", "addr", cfg.Metrics.Addr)
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	for _, w := range workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
		server.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("Server stopped")
	return err
}

// buildWorkers creates one worker per configured queue. Human tasks are
// completed by people, so the human queue gets no worker.
func buildWorkers(cfg *config.Config, exec *engine.Executor, m *metrics.Metrics, logger *zap.SugaredLogger) ([]*worker.Worker, error) {
	registry := agent.NewRegistry(cfg.Agent.Fallback)
	registry.Register(agent.NewMockAdapter(cfg.Agent.MockDelay))
	for role := range agent.DefaultRolePrompts {
		registry.MapRole(role, "mock")
	}
	prompts := agent.NewPromptBuilder()
	actions := worker.NewActionHandler(logger)

	var workers []*worker.Worker
	for _, queue := range cfg.Worker.Queues {
		var h worker.Handler
		switch queue {
		case db.QueueDefault, db.QueueTimer:
			h = worker.PassThrough
		case db.QueueAction:
			h = actions
		case db.QueueLLM:
			h = worker.NewLLMHandler(registry, prompts, logger)
		case db.QueueHuman:
			logger.Warnw("Skipping worker for human queue", "queue", queue)
			continue
		default:
			return nil, fmt.Errorf("unknown worker queue: %s", queue)
		}
		workers = append(workers, worker.New(worker.Config{
			Queue:        queue,
			BatchSize:    cfg.Worker.BatchSize,
			Concurrency:  cfg.Worker.Concurrency,
			LockDuration: cfg.Worker.LockDuration,
			PollInterval: cfg.Worker.PollInterval,
		}, exec, h, m, logger))
	}
	return workers, nil
}

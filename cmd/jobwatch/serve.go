package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"brandwriter/jobwatch-service/internal/db"
	"brandwriter/jobwatch-service/internal/grpcserver"
	"brandwriter/jobwatch-service/internal/guard"
	"brandwriter/jobwatch-service/internal/httpapi"
	"brandwriter/jobwatch-service/internal/logger"
	"brandwriter/jobwatch-service/internal/metrics"
	"brandwriter/jobwatch-service/internal/scheduler"
	"brandwriter/jobwatch-service/internal/watch"
)

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job-watch service (REST, gRPC, metrics, cron)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	log := a.log.With(logger.Component("serve"))
	cfg := a.cfg
	if err := cfg.RequireStorage(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// ── PostgreSQL ───────────────────────────────────────────────────────────
	log.Info("Connecting to PostgreSQL")
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	log.Info("PostgreSQL connected")

	// ── Redis ────────────────────────────────────────────────────────────────
	log.Info("Connecting to Redis")
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()
	log.Info("Redis connected")

	// ── Watch service ────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	client := a.client()
	svc := watch.NewService(watch.Deps{
		Backend:   watch.NewClientBackend(client),
		Guard:     guard.NewRedisGuard(rdb),
		Repo:      watch.NewPostgresRepository(pool),
		Publisher: watch.NewRedisPublisher(rdb),
		Metrics:   m,
		Logger:    a.log,
		Poll:      a.pollOptions(),
	})

	// ── gRPC server ──────────────────────────────────────────────────────────
	grpcSrv := grpcserver.NewServer(svc, a.log)
	gs := grpcSrv.NewGRPCServer()
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	// ── Scheduler ────────────────────────────────────────────────────────────
	sched := scheduler.New(
		scheduler.Config{HealthEvery: cfg.HealthEvery, SendDailyCron: cfg.SendDailyCron},
		scheduler.Deps{
			Health:  client,
			Sinks:   []scheduler.HealthSink{grpcSrv},
			Sender:  client.Batches,
			Watcher: svc,
			Metrics: m,
			Logger:  a.log,
		},
	)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	httpapi.NewHandler(svc, httpapi.NewClientCatalog(client), client, a.log).RegisterRoutes(mux)
	httpapi.RegisterMetrics(mux, reg)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	errc := make(chan error, 2)
	go func() {
		log.Info("HTTP listening", logger.String("addr", srv.Addr), logger.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log.Info("gRPC listening", logger.String("addr", lis.Addr().String()))
		if err := gs.Serve(lis); err != nil {
			errc <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sched.Stop()
	grpcSrv.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown error", logger.Error(err))
	}
	gs.GracefulStop()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn("Watch shutdown error", logger.Error(err))
	}
	log.Info("Stopped")
	return runErr
}

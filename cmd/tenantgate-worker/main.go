package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/tenantgate/core/controlplane/relay"
	"github.com/cordum/tenantgate/core/controlplane/scheduler"
	"github.com/cordum/tenantgate/core/infra/buildinfo"
	"github.com/cordum/tenantgate/core/infra/bus"
	"github.com/cordum/tenantgate/core/infra/config"
	"github.com/cordum/tenantgate/core/infra/locks"
	"github.com/cordum/tenantgate/core/infra/logging"
	"github.com/cordum/tenantgate/core/infra/memory"
	"github.com/cordum/tenantgate/core/infra/metrics"
	"github.com/cordum/tenantgate/core/infra/queue"
	"github.com/cordum/tenantgate/core/infra/redisutil"
	"github.com/cordum/tenantgate/packages/workers/catalog"
)

const (
	service   = "tenantgate-worker"
	namespace = "tenantgate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	buildinfo.Log(service)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		logging.Error(service, "exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	rt, err := config.LoadRuntime(cfg.RuntimeConfigPath)
	if err != nil {
		if rt == nil || !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		logging.Warn(service, "runtime config not found; using defaults", "path", cfg.RuntimeConfigPath)
	}

	client, err := redisutil.Connect(ctx, cfg.RedisURL, cfg.RedisTLS)
	if err != nil {
		return err
	}
	defer client.Close()

	workerID := workerID(cfg.WorkerID)
	store := memory.NewRedisJobStore(client)
	leases := locks.NewRedisStore(client)
	q := queue.NewRedisQueue(client)
	types, err := catalog.Build(rt, memory.NewRedisStore(client, rt.Retention.Horizon), workerID)
	if err != nil {
		return err
	}

	nb, err := bus.NewNatsBus(cfg.NatsURL, workerID)
	if err != nil {
		return err
	}
	defer nb.Close()
	publisher := relay.NewNatsPublisher(nb)

	m := metrics.NewProm(namespace)
	pool := scheduler.NewPool(store, q, types, publisher, m, scheduler.PoolConfig{
		WorkerID:     workerID,
		Groups:       rt.Workers,
		BlockTimeout: rt.Worker.BlockTimeout,
	})
	reaper := scheduler.NewReaper(store, leases, q, types, publisher, m, scheduler.ReaperConfig{
		Interval:  rt.Reaper.Interval,
		QueuedTTL: rt.Reaper.QueuedTTL,
		Owner:     workerID,
	})
	sweeper := scheduler.NewSweeper(store, leases, scheduler.SweeperConfig{
		Horizon:   rt.Retention.Horizon,
		Interval:  rt.Retention.SweepInterval,
		BatchSize: rt.Retention.BatchSize,
		Owner:     workerID,
	})

	metricsSrv := startMetrics(cfg.MetricsAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); reaper.Start(ctx) }()
	go func() { defer wg.Done(); sweeper.Start(ctx) }()

	logging.Info(service, "worker started", "worker_id", workerID, "types", types.Types(), "queues", rt.Queues())
	err = pool.Run(ctx)
	wg.Wait()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	logging.Info(service, "worker stopped", "worker_id", workerID)
	return err
}

func workerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func startMetrics(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info(service, "metrics listening", "addr", addr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(service, "metrics server error", "error", err)
		}
	}()
	return srv
}

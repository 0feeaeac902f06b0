package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/tenantgate/core/controlplane/gateway"
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
	"github.com/cordum/tenantgate/core/tenant"
	"github.com/cordum/tenantgate/packages/workers/catalog"
)

const (
	service   = "tenantgate-gateway"
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
	rt, err := loadRuntime(cfg.RuntimeConfigPath)
	if err != nil {
		return err
	}

	client, err := redisutil.Connect(ctx, cfg.RedisURL, cfg.RedisTLS)
	if err != nil {
		return err
	}
	defer client.Close()

	registry, closeRegistry, err := openRegistry(ctx, cfg, client)
	if err != nil {
		return err
	}
	defer closeRegistry()
	resolver := tenant.NewResolver(registry, tenant.ResolverOptions{
		BaseDomain:     cfg.BaseDomain,
		ReservedLabels: rt.Tenant.ReservedLabels,
		CacheTTL:       rt.Tenant.CacheTTL,
		CacheSize:      rt.Tenant.CacheSize,
	})

	store := memory.NewRedisJobStore(client)
	q := queue.NewRedisQueue(client)
	types, err := catalog.Build(rt, memory.NewRedisStore(client, 0), service)
	if err != nil {
		return err
	}

	hub := relay.NewHub(rt.Relay.BufferSize, metrics.NewRelayProm(namespace))
	nb, err := bus.NewNatsBus(cfg.NatsURL, service)
	if err != nil {
		return err
	}
	defer nb.Close()
	if err := relay.Bridge(nb, hub); err != nil {
		return err
	}
	// Events go out over NATS and come back through the bridge, so the
	// stream also carries updates published by worker processes.
	publisher := relay.NewNatsPublisher(nb)

	gm := metrics.NewGatewayProm(namespace)
	router, err := gateway.NewRouter(rt.Routes, nil, gm)
	if err != nil {
		return err
	}
	srv, err := gateway.New(gateway.Options{
		Resolver:       resolver,
		Jobs:           store,
		Dispatcher:     scheduler.NewDispatcher(store, q, types, publisher, metrics.NewProm(namespace)),
		Queue:          q,
		Queues:         rt.Queues(),
		Hub:            hub,
		Router:         router,
		Bus:            nb,
		Leases:         locks.NewRedisStore(client),
		Metrics:        gm,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx, cfg.HTTPAddr, cfg.MetricsAddr)
}

// loadRuntime tolerates a missing file by falling back to defaults.
func loadRuntime(path string) (*config.Runtime, error) {
	rt, err := config.LoadRuntime(path)
	if err != nil {
		if rt != nil && errors.Is(err, fs.ErrNotExist) {
			logging.Warn(service, "runtime config not found; using defaults", "path", path)
			return rt, nil
		}
		return nil, err
	}
	return rt, nil
}

func openRegistry(ctx context.Context, cfg *config.Config, client redis.UniversalClient) (tenant.Registry, func(), error) {
	switch cfg.TenantRegistry {
	case config.TenantRegistryPostgres:
		pg, err := tenant.NewPostgresRegistry(ctx, cfg.TenantDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return tenant.NewRedisRegistry(client), func() {}, nil
	}
}

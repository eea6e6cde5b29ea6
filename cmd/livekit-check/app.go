package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Conversly/livekit-check/runtime/agentconfig"
	"github.com/Conversly/livekit-check/runtime/config"
	"github.com/Conversly/livekit-check/runtime/events"
	"github.com/Conversly/livekit-check/runtime/logger"
	"github.com/Conversly/livekit-check/runtime/metrics/prometheus"
	"github.com/Conversly/livekit-check/runtime/sessionerrors"
	"github.com/Conversly/livekit-check/runtime/statestore"
	"github.com/Conversly/livekit-check/runtime/telemetry"
	"github.com/Conversly/livekit-check/runtime/version"
)

const shutdownTimeout = 15 * time.Second

// app holds the process-wide dependencies shared by the commands.
type app struct {
	cfg        *config.Config
	bus        *events.EventBus
	store      statestore.Store
	loader     *agentconfig.Loader
	classifier *sessionerrors.Classifier
	exporter   *prometheus.Exporter

	closers []func(context.Context) error
}

// newApp loads configuration and builds the shared dependencies.
func newApp(ctx context.Context, component string, requireLiveKit bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(requireLiveKit); err != nil {
		return nil, err
	}
	if err := logger.Configure(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	if verbose {
		logger.SetVerbose(true)
	}
	version.LogStartup(ctx, component)

	a := &app{cfg: cfg, bus: events.NewEventBus()}
	a.closers = append(a.closers, func(context.Context) error {
		a.bus.Close()
		return nil
	})

	if err := a.setupTracing(ctx); err != nil {
		return nil, a.abort(err)
	}
	if cfg.Metrics.Addr != "" {
		info := version.Get()
		a.exporter = prometheus.NewExporter(cfg.Metrics.Addr, prometheus.WithBuildInfo(info.Version, info.Commit))
		a.bus.SubscribeAll(prometheus.NewMetricsListener().Listener())
	}
	if a.store, err = a.openStore(ctx); err != nil {
		return nil, a.abort(err)
	}

	loaderOpts := []agentconfig.Option{agentconfig.WithDefaultVoice(cfg.Agent.DefaultVoice)}
	if cfg.Agent.MetadataSelector != "" {
		loaderOpts = append(loaderOpts, agentconfig.WithSelector(cfg.Agent.MetadataSelector))
	}
	if a.loader, err = agentconfig.NewLoader(loaderOpts...); err != nil {
		return nil, a.abort(fmt.Errorf("agent metadata loader: %w", err))
	}
	if a.classifier, err = sessionerrors.NewClassifier(cfg.Errors.Classifier); err != nil {
		return nil, a.abort(fmt.Errorf("error classifier: %w", err))
	}
	return a, nil
}

func (a *app) setupTracing(ctx context.Context) error {
	shutdown, err := telemetry.Setup(ctx, a.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	a.closers = append(a.closers, shutdown)
	if a.cfg.Tracing.Enabled() {
		listener := telemetry.NewOTelEventListener(telemetry.Tracer(nil))
		a.bus.SubscribeAll(listener.OnEvent)
		logger.Info("tracing enabled", "endpoint", a.cfg.Tracing.Endpoint)
	}
	return nil
}

// openStore returns a redis-backed store when an address is configured and
// an in-memory store otherwise.
func (a *app) openStore(ctx context.Context) (statestore.Store, error) {
	sc := a.cfg.Store
	if sc.RedisAddr == "" {
		logger.Debug("session reports kept in memory")
		return statestore.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: sc.RedisAddr, DB: sc.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", sc.RedisAddr, err)
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	logger.Info("session reports stored in redis", "addr", sc.RedisAddr, "db", sc.RedisDB)

	opts := []statestore.RedisOption{statestore.WithTTL(sc.TTL)}
	if sc.Prefix != "" {
		opts = append(opts, statestore.WithPrefix(sc.Prefix))
	}
	return statestore.NewRedisStore(client, opts...), nil
}

// runMetrics serves the Prometheus exporter until ctx is done.
func (a *app) runMetrics(ctx context.Context, g *errgroup.Group) {
	if a.exporter == nil {
		return
	}
	g.Go(func() error {
		logger.Info("metrics listening", "addr", a.cfg.Metrics.Addr)
		if err := a.exporter.ListenAndServe(); err != nil {
			return fmt.Errorf("metrics exporter: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.exporter.Shutdown(shutdownCtx)
	})
}

// close releases dependencies in reverse order of creation.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *app) abort(err error) error {
	if cerr := a.close(); cerr != nil {
		logger.Warn("cleanup after failed startup", "error", cerr)
	}
	return err
}

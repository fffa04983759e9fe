package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/accounting"
	"github.com/eugener/warden/internal/app"
	"github.com/eugener/warden/internal/auth"
	"github.com/eugener/warden/internal/cloudauth"
	"github.com/eugener/warden/internal/config"
	"github.com/eugener/warden/internal/memory"
	"github.com/eugener/warden/internal/provider"
	"github.com/eugener/warden/internal/provider/anthropic"
	"github.com/eugener/warden/internal/provider/ollama"
	"github.com/eugener/warden/internal/provider/openai"
	"github.com/eugener/warden/internal/router"
	"github.com/eugener/warden/internal/security"
	"github.com/eugener/warden/internal/server"
	"github.com/eugener/warden/internal/storage/redis"
	"github.com/eugener/warden/internal/storage/sqlite"
	"github.com/eugener/warden/internal/telemetry"
	"github.com/eugener/warden/internal/worker"
)

const (
	dnsRefreshEvery    = 5 * time.Minute
	healthProbeTimeout = 5 * time.Second
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log))

	slog.Info("starting warden", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingOptions{
			Endpoint:   cfg.Telemetry.Tracing.Endpoint,
			SampleRate: cfg.Telemetry.Tracing.SampleRate,
			Version:    version,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(sctx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Credentials always live in SQLite. Accounting state mirrors to Redis
	// instead when configured, and the security log goes with it.
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		mirror accounting.Mirror = store
		sink   security.LogSink
	)
	if cfg.Redis.Enabled() {
		rs, err := redis.New(ctx, redis.Options{
			URL:            cfg.Redis.URL,
			Prefix:         cfg.Redis.KeyPrefix,
			LogRetention:   cfg.Security.LogRetention,
			UsageRetention: time.Duration(cfg.Accounting.RetentionDays) * 24 * time.Hour,
		})
		if err != nil {
			return err
		}
		defer rs.Close()
		mirror, sink = rs, rs
		slog.Info("redis mirror enabled", "prefix", cfg.Redis.KeyPrefix)
	}

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	targets, reg, err := buildTargets(ctx, cfg.Providers)
	if err != nil {
		return err
	}
	for _, p := range reg.Probe(ctx, healthProbeTimeout) {
		if p.Err != nil {
			slog.Warn("provider health check failed", "provider", p.Name, "latency", p.Latency, "error", p.Err)
			continue
		}
		slog.Info("provider reachable", "provider", p.Name, "latency", p.Latency)
	}

	flusher := worker.NewUsageFlusher(mirror, metrics)
	rates := accounting.NewRates(accounting.DefaultRates())
	for _, r := range cfg.Accounting.ConversionRates {
		if err := rates.Set(r); err != nil {
			return fmt.Errorf("conversion rate %s: %w", r.Key(), err)
		}
	}
	engine := accounting.NewEngine(accounting.Options{
		Rates:    rates,
		Defaults: &cfg.Accounting.QuotaDefaults,
		Mirror:   mirror,
		Queue:    flusher,
	})
	if err := engine.Warm(ctx, cfg.Accounting.RetentionDays); err != nil {
		slog.Warn("accounting warm-up failed, starting empty", "error", err)
	}

	actions, err := cfg.Security.ResolvedActions()
	if err != nil {
		return err
	}
	scanner, err := security.NewScanner(security.Options{
		Policy:    cfg.Security.Policy,
		Disabled:  !cfg.Security.IsEnabled(),
		Actions:   actions,
		Sink:      sink,
		Metrics:   metrics,
		Retention: cfg.Security.LogRetention,
	})
	if err != nil {
		return err
	}
	for _, p := range cfg.Security.CustomPatterns {
		kind, err := security.ParseKind(p.Kind)
		if err != nil {
			return err
		}
		if err := scanner.AddPattern(kind, p.Pattern); err != nil {
			return fmt.Errorf("security pattern %q: %w", p.Pattern, err)
		}
	}

	rt := router.New(targets, router.Options{
		FailoverOrder: cfg.Routing.FailoverOrder,
		Costs:         engine.Rates(),
		Metrics:       metrics,
	})
	strategy, err := router.ParseStrategy(cfg.Routing.Strategy)
	if err != nil {
		return err
	}

	authMgr, err := auth.NewManager(store, auth.Options{
		SessionSecret: []byte(cfg.Auth.SessionSecret),
		SessionTTL:    cfg.Auth.SessionTTL,
		KeyPrefix:     cfg.Auth.KeyPrefix,
	})
	if err != nil {
		return err
	}

	var mem *memory.Store
	if cfg.Memory.Enabled {
		mem, err = memory.New(memory.Options{
			MaxTurns: cfg.Memory.MaxTurns,
			IdleTTL:  cfg.Memory.IdleTTL,
			MinScore: cfg.Memory.MinScore,
		})
		if err != nil {
			return err
		}
		slog.Info("conversation memory enabled", "max_turns", cfg.Memory.MaxTurns, "idle_ttl", cfg.Memory.IdleTTL)
	}

	broker := app.NewBroker(app.BrokerOptions{
		Scanner:      scanner,
		Accounting:   engine,
		Router:       rt,
		Memory:       mem,
		Metrics:      metrics,
		Strategy:     strategy,
		DefaultModel: cfg.Routing.DefaultModel,
	})

	handler := server.New(server.Deps{
		Auth:           authMgr,
		Broker:         broker,
		Accounting:     engine,
		Router:         rt,
		Scanner:        scanner,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     store.Ping,
		LoginRPS:       cfg.Auth.LoginRPS,
		LoginBurst:     cfg.Auth.LoginBurst,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()
	runner := worker.NewRunner(
		flusher,
		worker.NewRetentionWorker(engine, scanner, cfg.Accounting.RetentionDays, cfg.Security.LogRetention),
	)
	workersDone := make(chan error, 1)
	go func() { workersDone <- runner.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("warden ready",
		"addr", cfg.Server.Addr,
		"providers", rt.Providers(),
		"strategy", strategy.String(),
		"policy", cfg.Security.Policy,
	)

	var (
		serveErr       error
		workersStopped bool
	)
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case serveErr = <-errCh:
	case err := <-workersDone:
		workersStopped = true
		if err != nil {
			serveErr = fmt.Errorf("worker: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, err)
	}

	// Stop workers after the listener so the flusher drains the final usage.
	cancelWorkers()
	if !workersStopped {
		select {
		case err := <-workersDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				serveErr = errors.Join(serveErr, err)
			}
		case <-shutdownCtx.Done():
			slog.Warn("workers did not stop before shutdown timeout")
		}
	}

	slog.Info("warden stopped")
	return serveErr
}

// buildTargets creates a connector per enabled provider entry. Every
// connector shares one DNS cache; remote APIs negotiate HTTP/2.
func buildTargets(ctx context.Context, entries []config.ProviderEntry) ([]router.Target, *provider.Registry, error) {
	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(dnsRefreshEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				resolver.Refresh(true)
			}
		}
	}()

	reg := provider.NewRegistry()
	targets := make([]router.Target, 0, len(entries))
	for _, p := range entries {
		if !p.IsEnabled() {
			slog.Info("provider disabled, skipping", "name", p.Name)
			continue
		}
		typ := p.ResolvedType()
		base := provider.NewTransport(resolver, typ != router.TypeOllama)
		rt, err := cloudauth.Upstream(ctx, base, cloudauth.UpstreamAuth{
			ProviderType: typ,
			AuthType:     p.ResolvedAuthType(),
			APIKey:       p.ResolvedAPIKey(),
			Scopes:       authScopes(p),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		client := &http.Client{Transport: rt}

		var conn gateway.Provider
		switch typ {
		case router.TypeOpenAI:
			conn = openai.New(p.Name, p.BaseURL, client)
		case router.TypeAnthropic:
			conn = anthropic.New(p.Name, p.BaseURL, client)
		case router.TypeOllama:
			conn = ollama.New(p.Name, p.BaseURL, client)
		default:
			slog.Warn("unknown provider type, skipping", "name", p.Name, "type", typ)
			continue
		}
		if err := reg.Register(conn); err != nil {
			return nil, nil, err
		}
		targets = append(targets, router.Target{
			Name:     p.Name,
			Type:     typ,
			Provider: conn,
			Models:   p.Models,
			Timeout:  p.Timeout(),
		})
		slog.Info("provider registered", "name", p.Name, "type", typ, "models", len(p.Models))
	}
	return targets, reg, nil
}

func authScopes(p config.ProviderEntry) []string {
	if p.Auth == nil {
		return nil
	}
	return p.Auth.Scopes
}

// newLogger builds the process logger from the log section.
func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

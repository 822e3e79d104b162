package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"dialer/internal/admission"
	"dialer/internal/config"
	"dialer/internal/dispatch"
	"dialer/internal/httpserver"
	"dialer/internal/logging"
	"dialer/internal/numberpool"
	"dialer/internal/observability"
	"dialer/internal/providers/voice"
	"dialer/internal/retry"
	"dialer/internal/scheduler"
	"dialer/internal/store/pg"
)

func main() {
	cfg := config.LoadScheduler()
	logging.Init("scheduler", cfg.LogFormat)

	tick := mustDuration("TICK_INTERVAL", cfg.TickInterval)
	providerTimeout := mustDuration("PROVIDER_TIMEOUT", cfg.ProviderTimeout)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		slog.Error("scheduler db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	dbStore := pg.New(db)

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}

	reg := prometheus.DefaultRegisterer
	observability.Register(reg)

	provider := &voice.Client{
		APIKey:     cfg.ProviderAPIKey,
		HTTP:       &http.Client{Timeout: providerTimeout + 2*time.Second},
		BaseURL:    cfg.ProviderBaseURL,
		WebhookURL: cfg.ProviderWebhookURL,
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.ProviderRPS), cfg.ProviderBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "voice-provider",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	dispatcher := &dispatch.Dispatcher{
		Store:     dbStore,
		Admission: &admission.Controller{Store: dbStore},
		Numbers:   &numberpool.Pool{Store: dbStore},
		Provider:  provider,
		Retry:     &retry.Policy{Store: dbStore},
		Limiter:   limiter,
		Breaker:   cb,
		Timeout:   providerTimeout,
	}

	loop := &scheduler.Loop{
		Store:        dbStore,
		Dispatcher:   dispatcher,
		Interval:     tick,
		LeadsPerTick: cfg.LeadsPerTick,
		Workers:      cfg.DispatchWorkers,
	}

	// health + metrics servers
	healthMux := httpserver.New().Mux
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
	))
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: httpserver.Logging(healthMux)}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("scheduler health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("scheduler metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	loopErrCh := make(chan error, 1)
	go func() {
		slog.Info("scheduler loop starting", "tick", tick.String(), "leads_per_tick", cfg.LeadsPerTick, "workers", cfg.DispatchWorkers)
		loopErrCh <- loop.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-loopErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scheduler loop failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("scheduler health server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("scheduler metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("scheduler shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-loopErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("scheduler shutdown timeout waiting for loop")
	}
}

func mustDuration(name, raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Error("invalid duration", "name", name, "value", raw, "err", err)
		os.Exit(1)
	}
	return d
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/volt772/stormbeaver/internal/cache"
	"github.com/volt772/stormbeaver/internal/client"
	"github.com/volt772/stormbeaver/internal/config"
	"github.com/volt772/stormbeaver/internal/db"
	"github.com/volt772/stormbeaver/internal/db/migrate"
	httphandler "github.com/volt772/stormbeaver/internal/http"
	"github.com/volt772/stormbeaver/internal/observability"
	"github.com/volt772/stormbeaver/internal/scheduler"
	"github.com/volt772/stormbeaver/internal/service"
	"github.com/volt772/stormbeaver/internal/store"
	"github.com/volt772/stormbeaver/internal/traffic"
	"github.com/volt772/stormbeaver/internal/validation"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	conn, err := db.Open(startCtx, cfg)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	if err := migrate.Run(startCtx, conn, logger); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}
	startCancel()
	weatherStore := store.NewSQLStore(conn, logger)

	clientOpts := client.Options{Timeout: cfg.WeatherAPITimeout, Logger: logger}
	if cfg.CircuitBreakerEnabled {
		clientOpts.Breaker = &client.BreakerSettings{
			MaxRequests:         cfg.CircuitBreakerHalfOpenMax,
			Interval:            cfg.CircuitBreakerInterval,
			OpenTimeout:         cfg.CircuitBreakerOpenTimeout,
			ConsecutiveFailures: cfg.CircuitBreakerFailures,
		}
		logger.Info("circuit breaker enabled",
			zap.Uint32("consecutive_failures", cfg.CircuitBreakerFailures),
			zap.Duration("open_timeout", cfg.CircuitBreakerOpenTimeout))
	}
	weatherClient, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, cfg.WeatherAPIBaseURL, clientOpts)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	cacheSvc, memcacheCloser, err := buildCache(cfg, logger)
	if err != nil {
		logger.Fatal("response cache", zap.Error(err))
	}

	var coalesceTimeout time.Duration
	if cfg.CoalesceEnabled {
		coalesceTimeout = cfg.CoalesceTimeout
	}
	weatherService := service.NewWeatherService(weatherClient, weatherStore, service.Options{
		Cache:           cacheSvc,
		CoalesceTimeout: coalesceTimeout,
		Logger:          logger,
	})

	tracker := traffic.NewTracker(traffic.DefaultRetention)
	observability.RegisterTrafficGauges(cfg.DegradedWindow, tracker.RequestCount, tracker.DenialCount)
	if len(cfg.TrackedStadiums) > 0 {
		observability.SetTrackedStadiums(cfg.TrackedStadiums)
	}

	var shuttingDown atomic.Bool
	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		ShuttingDown:     shuttingDown.Load,
		DBPing:           weatherStore.Ping,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	handler := httphandler.NewHandler(
		weatherService,
		validation.Defaults{Units: cfg.DefaultUnits, Lang: cfg.DefaultLang},
		healthConfig,
		tracker,
		logger,
	)
	router := httphandler.NewRouter(handler, httphandler.RouterOptions{
		Logger:             logger,
		Limiter:            newLimiter(cfg),
		Traffic:            tracker,
		RequestTimeout:     cfg.RequestTimeout,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	var warmScheduler *scheduler.Scheduler
	if cfg.WarmingEnabled {
		warmer := cache.NewCacheWarmer(weatherService, logger)
		warmScheduler = scheduler.New(warmer, cfg.WarmingQueries(), cfg.WarmingSchedule, cfg.WarmingTimeout, logger)
		if err := warmScheduler.RunOnce(context.Background()); err != nil {
			logger.Warn("startup cache warming failed", zap.Error(err))
		}
		if err := warmScheduler.Start(); err != nil {
			logger.Fatal("warming scheduler", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	shuttingDown.Store(true)
	if warmScheduler != nil {
		warmScheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := httphandler.WaitForInFlight(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if err := db.Close(conn); err != nil {
		logger.Error("database close", zap.Error(err))
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildCache returns the configured response cache. The memcached client is
// also returned so main can ping and close it. Backend "none" returns a nil
// Cache, which disables response caching.
func buildCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, *cache.MemcachedCache, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc, nil
	case "none":
		logger.Info("cache backend: none")
		return nil, nil, nil
	default:
		logger.Info("cache backend: in_memory")
		return cache.NewInMemoryCache(), nil, nil
	}
}

func newLimiter(cfg *config.Config) *rate.Limiter {
	if cfg.RateLimitRPS <= 0 {
		return nil
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = cfg.RateLimitRPS
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/volt772/stormbeaver/internal/cache"
	"github.com/volt772/stormbeaver/internal/client"
	"github.com/volt772/stormbeaver/internal/clock"
	"github.com/volt772/stormbeaver/internal/models"
	"github.com/volt772/stormbeaver/internal/observability"
	"github.com/volt772/stormbeaver/internal/store"
	"github.com/volt772/stormbeaver/internal/validation"
)

const cacheLabel = "response"

// Options configures optional WeatherService behavior.
type Options struct {
	// Cache stores assembled responses until the end of their hour. Nil disables it.
	Cache cache.Cache
	// Clock defaults to the system clock.
	Clock clock.Clock
	// CoalesceTimeout > 0 enables single-flight refreshes per partition and bucket.
	CoalesceTimeout time.Duration
	Logger          *zap.Logger
}

// WeatherService is the read-through weather cache: a bucket miss in the
// download log triggers a refresh, then the latest snapshots are assembled.
type WeatherService struct {
	client          client.WeatherClient
	store           store.Store
	cache           cache.Cache
	clock           clock.Clock
	logger          *zap.Logger
	stampedeTracker *stampedeTracker
	coalescer       *refreshCoalescer // nil if disabled
}

func NewWeatherService(c client.WeatherClient, st store.Store, opts Options) *WeatherService {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	var coalescer *refreshCoalescer
	if opts.CoalesceTimeout > 0 {
		coalescer = newRefreshCoalescer(opts.CoalesceTimeout)
	}
	return &WeatherService{
		client:          c,
		store:           st,
		cache:           opts.Cache,
		clock:           opts.Clock,
		logger:          opts.Logger,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// GetWeather returns the normalized weather for q's stadium, refreshing the
// current hour bucket first if the partition has not been refreshed in it.
func (s *WeatherService) GetWeather(ctx context.Context, q models.WeatherQuery) (models.WeatherResponse, error) {
	if err := validation.ValidateQuery(q); err != nil {
		return models.WeatherResponse{}, err
	}
	start := time.Now()
	logger := observability.LoggerFromContext(ctx, s.logger)
	observability.RecordWeatherQuery(q.StadiumCode)

	bucket := clock.HourBucket(s.clock.Now())
	key := cache.Key(q.StadiumCode, q.League, bucket)

	if resp, ok := s.cacheGet(ctx, key, logger); ok {
		logger.Debug("weather served", zap.String("key", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return resp, nil
	}

	fresh, err := s.store.DownloadLogExists(ctx, q.StadiumCode, q.League, bucket)
	if err != nil {
		observability.FreshnessChecksTotal.WithLabelValues("error").Inc()
		return models.WeatherResponse{}, fmt.Errorf("freshness check: %w", err)
	}
	if fresh {
		observability.FreshnessChecksTotal.WithLabelValues("fresh").Inc()
	} else {
		observability.FreshnessChecksTotal.WithLabelValues("stale").Inc()
		logger.Debug("bucket miss, refreshing", zap.String("key", key))
		if err := s.refreshPartition(ctx, q, bucket, key); err != nil {
			return models.WeatherResponse{}, err
		}
	}

	resp, ok, err := s.assemble(ctx, q.StadiumCode)
	if err != nil {
		return models.WeatherResponse{}, err
	}
	if !ok {
		logger.Error("no snapshots after read path", zap.String("key", key), zap.Bool("refreshed", !fresh))
		return models.WeatherResponse{}, fmt.Errorf("stadium %s: %w", q.StadiumCode, ErrNotFound)
	}

	s.cacheSet(ctx, key, resp, clock.BucketEnd(bucket).Sub(s.clock.Now()), logger)
	logger.Debug("weather served", zap.String("key", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return resp, nil
}

func (s *WeatherService) refreshPartition(ctx context.Context, q models.WeatherQuery, bucket time.Time, key string) error {
	concurrent := s.stampedeTracker.Start(q.Partition())
	defer s.stampedeTracker.Done(q.Partition())
	observability.RefreshConcurrency.Observe(float64(concurrent))

	if s.coalescer == nil {
		_, err := s.refresh(ctx, q, bucket)
		return err
	}

	joined, err := s.coalescer.Do(ctx, key, func(runCtx context.Context) error {
		_, err := s.refresh(runCtx, q, bucket)
		return err
	})
	if joined {
		observability.RequestCoalescingHitsTotal.Inc()
	}
	return err
}

func (s *WeatherService) cacheGet(ctx context.Context, key string, logger *zap.Logger) (models.WeatherResponse, bool) {
	if s.cache == nil {
		return models.WeatherResponse{}, false
	}
	getStart := time.Now()
	resp, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	switch {
	case err != nil:
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return models.WeatherResponse{}, false
	case ok:
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheHitsTotal.WithLabelValues(cacheLabel).Inc()
		return resp, true
	default:
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheMissesTotal.WithLabelValues(cacheLabel).Inc()
		return models.WeatherResponse{}, false
	}
}

func (s *WeatherService) cacheSet(ctx context.Context, key string, resp models.WeatherResponse, ttl time.Duration, logger *zap.Logger) {
	if s.cache == nil || ttl <= 0 {
		return
	}
	setStart := time.Now()
	if err := s.cache.Set(ctx, key, resp, ttl); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, canceled, unknown).
func categorizeCacheError(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "connection"
	}
	return "unknown"
}

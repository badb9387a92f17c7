package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/volt772/stormbeaver/internal/models"
	"github.com/volt772/stormbeaver/internal/observability"
)

// WeatherFetcher is implemented by the service layer. Declared here so the
// warmer does not import the service package.
type WeatherFetcher interface {
	GetWeather(ctx context.Context, q models.WeatherQuery) (models.WeatherResponse, error)
}

// CacheWarmer pushes tracked stadiums through the read path so the first
// request of each hour finds a fresh bucket.
type CacheWarmer struct {
	fetcher     WeatherFetcher
	logger      *zap.Logger
	concurrency int
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher WeatherFetcher, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger, concurrency: 4}
}

// Warm fetches each query concurrently (bounded) and returns the joined
// per-stadium errors, if any.
func (w *CacheWarmer) Warm(ctx context.Context, queries []models.WeatherQuery) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("stadiums", len(queries)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	sem := make(chan struct{}, w.concurrency)
	for _, q := range queries {
		q := q
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", q.Partition(), ctx.Err()))
				mu.Unlock()
				return
			}
			defer func() { <-sem }()
			if _, err := w.fetcher.GetWeather(ctx, q); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", q.Partition(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("stadiums", len(queries)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// Package scheduler runs cache warming on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/volt772/stormbeaver/internal/models"
)

// Warmer is implemented by cache.CacheWarmer.
type Warmer interface {
	Warm(ctx context.Context, queries []models.WeatherQuery) error
}

// Scheduler pushes the configured stadiums through the warmer at startup
// and then on every cron tick. Runs never overlap.
type Scheduler struct {
	scheduler *gocron.Scheduler
	warmer    Warmer
	queries   []models.WeatherQuery
	schedule  string
	timeout   time.Duration
	logger    *zap.Logger
}

// New creates a Scheduler. schedule is a five-field cron expression in UTC.
func New(warmer Warmer, queries []models.WeatherQuery, schedule string, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		warmer:    warmer,
		queries:   queries,
		schedule:  schedule,
		timeout:   timeout,
		logger:    logger,
	}
}

// RunOnce warms all stadiums now, bounded by the configured timeout.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.warmer.Warm(ctx, s.queries)
}

// Start registers the warming job and starts the scheduler in the background.
func (s *Scheduler) Start() error {
	if len(s.queries) == 0 {
		s.logger.Info("scheduler: no stadiums configured; nothing to schedule")
		return nil
	}
	_, err := s.scheduler.Cron(s.schedule).Do(func() {
		if err := s.RunOnce(context.Background()); err != nil {
			s.logger.Warn("scheduled cache warming failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule warming %q: %w", s.schedule, err)
	}
	s.scheduler.StartAsync()
	s.logger.Info("cache warming scheduled", zap.String("schedule", s.schedule), zap.Int("stadiums", len(s.queries)))
	return nil
}

// NextRun returns when the warming job fires next, or the zero time if it is not scheduled.
func (s *Scheduler) NextRun() time.Time {
	_, next := s.scheduler.NextRun()
	return next
}

// Stop stops the scheduler and cancels any future runs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil && s.scheduler.IsRunning() {
		s.scheduler.Stop()
	}
}

package service

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/volt772/stormbeaver/internal/client"
	"github.com/volt772/stormbeaver/internal/models"
	"github.com/volt772/stormbeaver/internal/observability"
)

// refresh fetches both documents concurrently and persists them for bucket.
// Either fetch failing cancels the other and nothing is written.
func (s *WeatherService) refresh(ctx context.Context, q models.WeatherQuery, bucket time.Time) (models.RefreshResult, error) {
	start := time.Now()
	logger := observability.LoggerFromContext(ctx, s.logger)
	defer func() {
		observability.WeatherRefreshDuration.Observe(time.Since(start).Seconds())
	}()

	var current, forecast models.Document
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		doc, err := s.client.FetchCurrent(gctx, q.Coordinates, q.Units, q.Lang)
		if err != nil {
			return err
		}
		current = doc
		return nil
	})
	g.Go(func() error {
		doc, err := s.client.FetchForecast(gctx, q.Coordinates, q.Units, q.Lang)
		if err != nil {
			return err
		}
		forecast = doc
		return nil
	})
	if err := g.Wait(); err != nil {
		observability.WeatherRefreshesTotal.WithLabelValues("fetch_error").Inc()
		logger.Warn("weather fetch failed",
			zap.String("stadium_code", q.StadiumCode),
			zap.String("league", q.League),
			zap.Error(err),
		)
		return models.RefreshResult{}, err
	}

	if err := checkCurrent(current); err != nil {
		observability.WeatherRefreshesTotal.WithLabelValues("invalid_payload").Inc()
		return models.RefreshResult{}, err
	}
	if err := checkForecast(forecast); err != nil {
		observability.WeatherRefreshesTotal.WithLabelValues("invalid_payload").Inc()
		return models.RefreshResult{}, err
	}

	res, err := s.store.SaveRefresh(ctx, models.RefreshRecord{
		League:      q.League,
		StadiumCode: q.StadiumCode,
		Bucket:      bucket,
		Current:     current,
		Forecast:    forecast,
	})
	if err != nil {
		observability.WeatherRefreshesTotal.WithLabelValues("persist_error").Inc()
		return models.RefreshResult{}, err
	}

	observability.WeatherRefreshesTotal.WithLabelValues("success").Inc()
	logger.Info("weather refreshed",
		zap.String("stadium_code", q.StadiumCode),
		zap.String("league", q.League),
		zap.Time("bucket", bucket),
		zap.Bool("current_inserted", res.CurrentInserted),
		zap.Bool("forecast_inserted", res.ForecastInserted),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func checkCurrent(d models.Document) error {
	if d.IsEmpty() {
		return &UpstreamDataError{Endpoint: client.EndpointCurrent, Reason: "empty document"}
	}
	if !d.Has("weather") || !d.Has("main") {
		return &UpstreamDataError{Endpoint: client.EndpointCurrent, Reason: "missing weather or main"}
	}
	return nil
}

func checkForecast(d models.Document) error {
	if d.IsEmpty() {
		return &UpstreamDataError{Endpoint: client.EndpointForecast, Reason: "empty document"}
	}
	list, ok := d.Field("list")
	if !ok || !bytes.HasPrefix(bytes.TrimSpace(list), []byte("[")) {
		return &UpstreamDataError{Endpoint: client.EndpointForecast, Reason: "list is missing or not an array"}
	}
	return nil
}

// Package store persists the hour-bucketed weather cache in SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/volt772/stormbeaver/internal/clock"
	"github.com/volt772/stormbeaver/internal/models"
	"github.com/volt772/stormbeaver/internal/observability"
)

//go:embed sql/download-log-exists.sql
var downloadLogExistsSQL string

//go:embed sql/upsert-download-log.sql
var upsertDownloadLogSQL string

//go:embed sql/insert-current.sql
var insertCurrentSQL string

//go:embed sql/insert-forecast.sql
var insertForecastSQL string

//go:embed sql/latest-current.sql
var latestCurrentSQL string

//go:embed sql/latest-forecast.sql
var latestForecastSQL string

const (
	tableCurrent  = "current_weather"
	tableForecast = "forecast_weather"
)

// Store is the persistence boundary for the weather cache.
type Store interface {
	// DownloadLogExists reports whether the partition was refreshed for exactly this bucket.
	DownloadLogExists(ctx context.Context, stadiumCode, league string, bucket time.Time) (bool, error)
	// SaveRefresh records a refresh atomically: log upsert, then current, then forecast.
	SaveRefresh(ctx context.Context, rec models.RefreshRecord) (models.RefreshResult, error)
	// LatestCurrent returns the newest current snapshot for a stadium across all leagues.
	LatestCurrent(ctx context.Context, stadiumCode string) (models.Snapshot, bool, error)
	// LatestForecast returns the newest forecast snapshot for a stadium across all leagues.
	LatestForecast(ctx context.Context, stadiumCode string) (models.Snapshot, bool, error)
	Ping(ctx context.Context) error
}

type SQLStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLStore(db *sql.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, logger: logger}
}

func (s *SQLStore) DownloadLogExists(ctx context.Context, stadiumCode, league string, bucket time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, downloadLogExistsSQL, stadiumCode, league, clock.FormatBucket(bucket)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("download log lookup: %w", err)
	}
	return exists, nil
}

func (s *SQLStore) SaveRefresh(ctx context.Context, rec models.RefreshRecord) (models.RefreshResult, error) {
	bucket := clock.FormatBucket(rec.Bucket)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.RefreshResult{}, fmt.Errorf("begin refresh tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, upsertDownloadLogSQL, rec.League, rec.StadiumCode, bucket); err != nil {
		return models.RefreshResult{}, fmt.Errorf("upsert download log: %w", err)
	}

	var res models.RefreshResult
	res.CurrentInserted, err = insertSnapshot(ctx, tx, insertCurrentSQL, rec.StadiumCode, rec.Current, bucket)
	if err != nil {
		return models.RefreshResult{}, fmt.Errorf("insert current snapshot: %w", err)
	}
	res.ForecastInserted, err = insertSnapshot(ctx, tx, insertForecastSQL, rec.StadiumCode, rec.Forecast, bucket)
	if err != nil {
		return models.RefreshResult{}, fmt.Errorf("insert forecast snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.RefreshResult{}, fmt.Errorf("commit refresh tx: %w", err)
	}

	if !res.CurrentInserted {
		s.conflict(tableCurrent, rec.StadiumCode, bucket)
	}
	if !res.ForecastInserted {
		s.conflict(tableForecast, rec.StadiumCode, bucket)
	}
	return res, nil
}

func (s *SQLStore) conflict(table, stadiumCode, bucket string) {
	observability.SnapshotConflictsTotal.WithLabelValues(table).Inc()
	s.logger.Debug("snapshot already stored for bucket",
		zap.String("table", table),
		zap.String("stadium_code", stadiumCode),
		zap.String("bucket", bucket),
	)
}

// insertSnapshot reports false when the (stadium_code, updated_at) row already existed.
func insertSnapshot(ctx context.Context, tx *sql.Tx, stmt, stadiumCode string, doc models.Document, bucket string) (bool, error) {
	r, err := tx.ExecContext(ctx, stmt, stadiumCode, string(doc.Raw()), bucket)
	if err != nil {
		return false, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) LatestCurrent(ctx context.Context, stadiumCode string) (models.Snapshot, bool, error) {
	return s.latest(ctx, latestCurrentSQL, tableCurrent, stadiumCode)
}

func (s *SQLStore) LatestForecast(ctx context.Context, stadiumCode string) (models.Snapshot, bool, error) {
	return s.latest(ctx, latestForecastSQL, tableForecast, stadiumCode)
}

func (s *SQLStore) latest(ctx context.Context, stmt, table, stadiumCode string) (models.Snapshot, bool, error) {
	var body, updatedAt string
	err := s.db.QueryRowContext(ctx, stmt, stadiumCode).Scan(&body, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Snapshot{}, false, nil
	}
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("latest %s: %w", table, err)
	}

	doc, err := models.ParseDocument([]byte(body))
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("decode %s payload: %w", table, err)
	}
	ts, err := clock.ParseBucket(updatedAt)
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("parse %s updated_at %q: %w", table, updatedAt, err)
	}
	return models.Snapshot{StadiumCode: stadiumCode, UpdatedAt: ts, Payload: doc}, true, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

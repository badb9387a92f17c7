package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/volt772/stormbeaver/internal/client"
	"github.com/volt772/stormbeaver/internal/models"
	"github.com/volt772/stormbeaver/internal/observability"
	"github.com/volt772/stormbeaver/internal/service"
	"github.com/volt772/stormbeaver/internal/traffic"
	"github.com/volt772/stormbeaver/internal/validation"
)

// WeatherService is the read path the weather handler calls.
type WeatherService interface {
	GetWeather(ctx context.Context, q models.WeatherQuery) (models.WeatherResponse, error)
}

// HealthConfig holds the probes and thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// ShuttingDown reports that the process is draining.
	ShuttingDown func() bool
	// DBPing checks the database. Required for a meaningful health check.
	DBPing func(ctx context.Context) error
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weatherService   WeatherService
	defaults         validation.Defaults
	healthConfig     *HealthConfig
	traffic          *traffic.Tracker
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. tracker may be nil.
func NewHandler(
	weatherService WeatherService,
	defaults validation.Defaults,
	healthConfig *HealthConfig,
	tracker *traffic.Tracker,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		weatherService: weatherService,
		defaults:       defaults,
		healthConfig:   healthConfig,
		traffic:        tracker,
		logger:         logger,
	}
}

// GetWeather handles GET /api/weather/.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q, err := validation.ParseQuery(validation.Params{
		Lat:         params.Get("lat"),
		Lon:         params.Get("lon"),
		StadiumCode: params.Get("stadium_code"),
		League:      params.Get("league"),
		Units:       params.Get("units"),
		Lang:        params.Get("lang"),
	}, h.defaults)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		h.recordOutcome(http.StatusBadRequest)
		return
	}

	result, err := h.weatherService.GetWeather(r.Context(), q)
	if err != nil {
		status := h.writeServiceError(w, r, err)
		if status != statusClientClosedRequest {
			h.recordOutcome(status)
		}
		return
	}
	h.recordOutcome(http.StatusOK)
	writeJSON(w, http.StatusOK, result)
}

// recordOutcome feeds the error-rate window. Only 5xx count as errors.
func (h *Handler) recordOutcome(status int) {
	if h.traffic == nil {
		return
	}
	if status >= http.StatusInternalServerError {
		h.traffic.RecordError()
		return
	}
	h.traffic.RecordSuccess()
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "stormbeaver",
		"version":   "dev",
		"checks":    result.checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > database unreachable > error-rate breach > healthy.
// A failed cache ping is reported in checks only; the read path works without the cache.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := make(map[string]string)
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, "", checks}
	}
	cfg := h.healthConfig

	if cfg.ShuttingDown != nil && cfg.ShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}

	if cfg.CachePing != nil {
		checks["cache"] = healthWord(cfg.CachePing() == nil)
	}

	if cfg.DBPing != nil {
		if err := cfg.DBPing(ctx); err != nil {
			checks["database"] = "unhealthy"
			return healthResult{"degraded", http.StatusServiceUnavailable, "database_unreachable", checks}
		}
		checks["database"] = "healthy"
	}

	checks["weatherApi"] = "healthy"
	if cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 && h.traffic != nil {
		errs, total := h.traffic.ErrorRate(cfg.DegradedWindow)
		if total > 0 {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(cfg.DegradedErrorPct) {
				checks["weatherApi"] = "unhealthy"
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach", checks}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

func healthWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps a read path error to its status and envelope and
// returns the status written.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) int {
	status, code, message := classifyError(err)
	logger := observability.LoggerFromContext(r.Context(), h.logger)
	if status >= http.StatusInternalServerError {
		logger.Warn("weather request failed", zap.Int("status", status), zap.String("code", code), zap.Error(err))
	} else {
		logger.Debug("weather request rejected", zap.Int("status", status), zap.String("code", code), zap.Error(err))
	}
	writeError(w, r, status, code, message)
	return status
}

// statusClientClosedRequest is nginx's status for a caller that disconnected.
const statusClientClosedRequest = 499

// classifyError maps a read path error to status, code and client message.
// Cancellation is matched first: it can arrive wrapped in any of the
// other error types.
func classifyError(err error) (status int, code, message string) {
	var verr *validation.Error
	var rfe *client.RemoteFetchError
	isFetch := errors.As(err, &rfe)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "INVALID_QUERY", verr.Error()
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "REQUEST_CANCELED", "Request canceled"
	case isFetch && errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", "Weather provider did not respond in time"
	case errors.Is(err, service.ErrUpstreamData):
		return http.StatusBadGateway, "UPSTREAM_INVALID_PAYLOAD", "Weather provider returned unusable data"
	case isFetch:
		return http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "Request did not complete in time"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "WEATHER_NOT_FOUND", "No weather data for stadium"
	default:
		return http.StatusInternalServerError, "INTERNAL", "Internal error"
	}
}

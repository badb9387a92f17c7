package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/volt772/stormbeaver/internal/observability"
	"github.com/volt772/stormbeaver/internal/traffic"
)

// RouterOptions configures NewRouter. Zero values disable the optional middleware.
type RouterOptions struct {
	Logger             *zap.Logger
	Limiter            *rate.Limiter
	Traffic            *traffic.Tracker
	RequestTimeout     time.Duration
	CORSAllowedOrigins []string
}

// NewRouter mounts the weather, health and metrics routes with the
// middleware chain. The weather route accepts both /api/weather and
// /api/weather/.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	var weather http.Handler = http.HandlerFunc(h.GetWeather)
	if opts.RequestTimeout > 0 {
		weather = TimeoutMiddleware(opts.RequestTimeout)(weather)
	}
	weather = RateLimitMiddleware(opts.Limiter, opts.Traffic)(weather)
	router.Handle("/api/weather", weather).Methods(http.MethodGet)
	router.Handle("/api/weather/", weather).Methods(http.MethodGet)

	if len(opts.CORSAllowedOrigins) == 0 {
		return router
	}
	return CORSMiddleware(opts.CORSAllowedOrigins)(router)
}

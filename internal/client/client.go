package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/volt772/stormbeaver/internal/models"
	"github.com/volt772/stormbeaver/internal/observability"
)

// WeatherClient fetches raw provider documents for a coordinate pair.
type WeatherClient interface {
	FetchCurrent(ctx context.Context, coords models.Coordinates, units, lang string) (models.Document, error)
	FetchForecast(ctx context.Context, coords models.Coordinates, units, lang string) (models.Document, error)
}

// Endpoint labels used in errors and metrics.
const (
	EndpointCurrent  = "current"
	EndpointForecast = "forecast"
)

const (
	currentPath  = "/data/2.5/weather"
	forecastPath = "/data/2.5/forecast"

	maxBodyBytes = 4 << 20
)

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrMalformedBody   = errors.New("malformed response body")
	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrTimeout         = errors.New("request timeout")
)

// RemoteFetchError reports a failed provider call. Err wraps one of the
// package sentinels; StatusCode is 0 when no response was received.
type RemoteFetchError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *RemoteFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Endpoint, e.Err)
}

func (e *RemoteFetchError) Unwrap() error { return e.Err }

// BreakerSettings configures the optional circuit breaker. Only transport
// errors and 5xx responses count as failures.
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	OpenTimeout         time.Duration
	ConsecutiveFailures uint32
}

type Options struct {
	Timeout    time.Duration
	Breaker    *BreakerSettings
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type OpenWeatherClient struct {
	apiKey  string
	baseURL *url.URL
	timeout time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewOpenWeatherClient(apiKey, baseURL string, opts Options) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", baseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &OpenWeatherClient{
		apiKey:  apiKey,
		baseURL: u,
		timeout: opts.Timeout,
		client:  httpClient,
		logger:  logger,
	}
	if opts.Breaker != nil {
		c.breaker = newBreaker(*opts.Breaker, logger)
	}
	return c, nil
}

func newBreaker(s BreakerSettings, logger *zap.Logger) *gobreaker.CircuitBreaker {
	threshold := s.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "weather_api",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			observability.CircuitBreakerTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
			observability.CircuitBreakerState.WithLabelValues(name).Set(observability.CircuitBreakerStateValue(to.String()))
		},
	})
}

func (c *OpenWeatherClient) FetchCurrent(ctx context.Context, coords models.Coordinates, units, lang string) (models.Document, error) {
	return c.fetch(ctx, EndpointCurrent, currentPath, coords, units, lang)
}

func (c *OpenWeatherClient) FetchForecast(ctx context.Context, coords models.Coordinates, units, lang string) (models.Document, error) {
	return c.fetch(ctx, EndpointForecast, forecastPath, coords, units, lang)
}

// serverError marks a 5xx response so the breaker counts it.
type serverError struct {
	status int
}

func (e *serverError) Error() string { return fmt.Sprintf("HTTP %d", e.status) }

func (c *OpenWeatherClient) fetch(ctx context.Context, endpoint, path string, coords models.Coordinates, units, lang string) (models.Document, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, path, coords, units, lang)
	if err != nil {
		return models.Document{}, c.fail(endpoint, start, "error", &RemoteFetchError{Endpoint: endpoint, Err: fmt.Errorf("%w: build request: %v", ErrUpstreamFailure, err)})
	}
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.do(req)
	if err != nil {
		var se *serverError
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return models.Document{}, c.fail(endpoint, start, "circuit_open", &RemoteFetchError{Endpoint: endpoint, Err: fmt.Errorf("%w: %v", ErrCircuitOpen, err)})
		case errors.As(err, &se):
			return models.Document{}, c.fail(endpoint, start, statusLabel(se.status), &RemoteFetchError{Endpoint: endpoint, StatusCode: se.status, Err: ErrUpstreamFailure})
		case errors.Is(err, context.DeadlineExceeded):
			return models.Document{}, c.fail(endpoint, start, "timeout", &RemoteFetchError{Endpoint: endpoint, Err: fmt.Errorf("%w: %w", ErrTimeout, context.DeadlineExceeded)})
		case errors.Is(err, context.Canceled):
			return models.Document{}, c.fail(endpoint, start, "canceled", &RemoteFetchError{Endpoint: endpoint, Err: err})
		default:
			return models.Document{}, c.fail(endpoint, start, "error", &RemoteFetchError{Endpoint: endpoint, Err: fmt.Errorf("%w: %w", ErrUpstreamFailure, err)})
		}
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	if err := checkStatus(resp.StatusCode); err != nil {
		return models.Document{}, c.fail(endpoint, start, status, &RemoteFetchError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.Document{}, c.fail(endpoint, start, "timeout", &RemoteFetchError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %w", ErrTimeout, context.DeadlineExceeded)})
		}
		return models.Document{}, c.fail(endpoint, start, "error", &RemoteFetchError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: read body: %v", ErrUpstreamFailure, err)})
	}

	doc, err := models.ParseDocument(body)
	if err != nil {
		return models.Document{}, c.fail(endpoint, start, "malformed", &RemoteFetchError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrMalformedBody, err)})
	}

	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())
	return doc, nil
}

// do sends the request, through the breaker when configured. 4xx responses
// are returned as successes here and mapped by checkStatus.
func (c *OpenWeatherClient) do(req *http.Request) (*http.Response, error) {
	send := func() (*http.Response, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
			resp.Body.Close()
			return nil, &serverError{status: resp.StatusCode}
		}
		return resp, nil
	}
	if c.breaker == nil {
		return send()
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return send()
	})
	if err != nil {
		return nil, err
	}
	resp, ok := result.(*http.Response)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return resp, nil
}

func (c *OpenWeatherClient) fail(endpoint string, start time.Time, status string, err *RemoteFetchError) error {
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())
	observability.WeatherAPIErrorsTotal.WithLabelValues(endpoint, string(CategorizeError(err))).Inc()
	c.logger.Debug("weather api call failed",
		zap.String("endpoint", endpoint),
		zap.Int("status_code", err.StatusCode),
		zap.Error(err),
	)
	return err
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, path string, coords models.Coordinates, units, lang string) (*http.Request, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path

	params := url.Values{}
	params.Set("lat", formatCoord(coords.Lat))
	params.Set("lon", formatCoord(coords.Lon))
	params.Set("appid", c.apiKey)
	if units != "" {
		params.Set("units", units)
	}
	if lang != "" {
		params.Set("lang", lang)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return ErrInvalidAPIKey
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return ErrUpstreamFailure
	}
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

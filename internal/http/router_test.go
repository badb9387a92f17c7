package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/volt772/stormbeaver/internal/cache"
	"github.com/volt772/stormbeaver/internal/client"
	"github.com/volt772/stormbeaver/internal/clock"
	"github.com/volt772/stormbeaver/internal/models"
	"github.com/volt772/stormbeaver/internal/service"
	"github.com/volt772/stormbeaver/internal/store"
	"github.com/volt772/stormbeaver/internal/testhelpers"
	"github.com/volt772/stormbeaver/internal/traffic"
)

// newStack wires the real service, store and client against a fake provider.
func newStack(t *testing.T) (http.Handler, *testhelpers.FakeUpstream) {
	t.Helper()
	up := testhelpers.NewFakeUpstream(t)
	wc, err := client.NewOpenWeatherClient("test-api-key-12345", up.URL(), client.Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	conn := testhelpers.NewTestDB(t)
	st := store.NewSQLStore(conn, nil)
	now := time.Date(2024, 5, 1, 9, 5, 0, 0, time.UTC)
	clk := clock.Func(func() time.Time { return now })
	svc := service.NewWeatherService(wc, st, service.Options{
		Cache:           cache.NewInMemoryCacheWithClock(clk),
		Clock:           clk,
		CoalesceTimeout: 5 * time.Second,
	})
	tracker := traffic.NewTracker(time.Minute)
	h := NewHandler(svc, testDefaults, &HealthConfig{DBPing: st.Ping, DegradedWindow: time.Minute, DegradedErrorPct: 50}, tracker, zap.NewNop())
	return NewRouter(h, RouterOptions{Traffic: tracker, RequestTimeout: 5 * time.Second, CORSAllowedOrigins: []string{"*"}}), up
}

func TestRouter_WeatherReadThrough(t *testing.T) {
	router, up := newStack(t)

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, jamsilPath, nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d; body = %s", first.Code, first.Body.String())
	}

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, jamsilPath, nil))
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d", second.Code)
	}

	if up.CurrentCalls() != 1 || up.ForecastCalls() != 1 {
		t.Errorf("upstream calls = %d/%d, want 1/1", up.CurrentCalls(), up.ForecastCalls())
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("bodies differ:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	var resp models.WeatherResponse
	if err := json.Unmarshal(first.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Forecast.Cnt != 2 || resp.Forecast.Cod != 200 || resp.Current.Name != "Jamsil" {
		t.Errorf("response = %+v", resp)
	}
}

func TestRouter_UpstreamFailure(t *testing.T) {
	router, up := newStack(t)
	up.SetCurrent(http.StatusInternalServerError, `{"cod":500}`)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, jamsilPath, nil))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if body := decodeError(t, w); body.Error.Code != "UPSTREAM_UNAVAILABLE" {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestRouter_InvalidStadiumNeverReachesProvider(t *testing.T) {
	router, up := newStack(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/weather/?lat=37.5&lon=127&stadium_code=S0J&league=KBO", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if up.CurrentCalls()+up.ForecastCalls() != 0 {
		t.Error("provider called for invalid stadium code")
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	router, _ := newStack(t)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, jamsilPath, nil))

	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	if health.Code != http.StatusOK {
		t.Errorf("health status = %d; body = %s", health.Code, health.Body.String())
	}

	metrics := httptest.NewRecorder()
	router.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if metrics.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", metrics.Code)
	}
	for _, name := range []string{"httpRequestsTotal", "freshnessChecksTotal", "weatherRefreshesTotal", "weatherApiCallsTotal"} {
		if !strings.Contains(metrics.Body.String(), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	router, _ := newStack(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/weather/seattle", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

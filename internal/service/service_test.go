package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/volt772/stormbeaver/internal/cache"
	"github.com/volt772/stormbeaver/internal/client"
	"github.com/volt772/stormbeaver/internal/models"
	"github.com/volt772/stormbeaver/internal/store"
	"github.com/volt772/stormbeaver/internal/testhelpers"
	"github.com/volt772/stormbeaver/internal/validation"
)

var at0905 = time.Date(2024, 5, 1, 9, 5, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type harness struct {
	svc   *WeatherService
	up    *testhelpers.FakeUpstream
	conn  *sql.DB
	clock *testClock
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	up := testhelpers.NewFakeUpstream(t)
	wc, err := client.NewOpenWeatherClient("test-api-key-12345", up.URL(), client.Options{Timeout: 2 * time.Second})
	require.NoError(t, err)
	conn := testhelpers.NewTestDB(t)
	clk := &testClock{now: at0905}

	opts := Options{
		Cache:  cache.NewInMemoryCacheWithClock(clk),
		Clock:  clk,
		Logger: zap.NewNop(),
	}
	if tweak != nil {
		tweak(&opts)
	}
	return &harness{
		svc:   NewWeatherService(wc, store.NewSQLStore(conn, nil), opts),
		up:    up,
		conn:  conn,
		clock: clk,
	}
}

func (h *harness) rows(t *testing.T) (logRows, current, forecast int) {
	t.Helper()
	return testhelpers.CountRows(t, h.conn, "weather_download_log"),
		testhelpers.CountRows(t, h.conn, "current_weather"),
		testhelpers.CountRows(t, h.conn, "forecast_weather")
}

func jamsilQuery() models.WeatherQuery {
	return models.WeatherQuery{
		Coordinates: models.Coordinates{Lat: 37.5122, Lon: 127.0719},
		StadiumCode: "SOJ",
		League:      "KBO",
		Units:       "metric",
		Lang:        "kr",
	}
}

func TestGetWeather_FirstRequestRefreshes(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.svc.GetWeather(context.Background(), jamsilQuery())
	require.NoError(t, err)

	assert.Equal(t, 1, h.up.CurrentCalls())
	assert.Equal(t, 1, h.up.ForecastCalls())
	logRows, current, forecast := h.rows(t)
	assert.Equal(t, 1, logRows)
	assert.Equal(t, 1, current)
	assert.Equal(t, 1, forecast)

	var updatedAt string
	require.NoError(t, h.conn.QueryRow(`SELECT updated_at FROM weather_download_log WHERE stadium_code = 'SOJ' AND league = 'KBO'`).Scan(&updatedAt))
	assert.Equal(t, "2024-05-01T09:00:00Z", updatedAt)

	assert.Equal(t, "Jamsil", resp.Current.Name)
	assert.JSONEq(t, `{"temp":68.4,"humidity":41}`, string(resp.Current.Main))
	assert.JSONEq(t, `200`, string(resp.Current.Cod))
	assert.Equal(t, 2, resp.Forecast.Cnt, "cnt is the stored list length, not the provider's count")
	assert.Equal(t, 200, resp.Forecast.Cod)
}

func TestGetWeather_SameHourServesWithoutFetching(t *testing.T) {
	tests := []struct {
		name     string
		useCache bool
	}{
		{name: "response cache", useCache: true},
		{name: "download log only", useCache: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(o *Options) {
				if !tt.useCache {
					o.Cache = nil
				}
			})
			ctx := context.Background()

			first, err := h.svc.GetWeather(ctx, jamsilQuery())
			require.NoError(t, err)

			h.clock.Set(time.Date(2024, 5, 1, 9, 55, 0, 0, time.UTC))
			second, err := h.svc.GetWeather(ctx, jamsilQuery())
			require.NoError(t, err)

			assert.Equal(t, 1, h.up.CurrentCalls())
			assert.Equal(t, 1, h.up.ForecastCalls())
			assert.Equal(t, first, second)
		})
	}
}

func TestGetWeather_NextHourRefreshesAgain(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.GetWeather(ctx, jamsilQuery())
	require.NoError(t, err)

	h.clock.Set(time.Date(2024, 5, 1, 10, 0, 30, 0, time.UTC))
	_, err = h.svc.GetWeather(ctx, jamsilQuery())
	require.NoError(t, err)

	assert.Equal(t, 2, h.up.CurrentCalls())
	assert.Equal(t, 2, h.up.ForecastCalls())
	logRows, current, forecast := h.rows(t)
	assert.Equal(t, 1, logRows, "download log is updated in place")
	assert.Equal(t, 2, current)
	assert.Equal(t, 2, forecast)

	var updatedAt string
	require.NoError(t, h.conn.QueryRow(`SELECT updated_at FROM weather_download_log`).Scan(&updatedAt))
	assert.Equal(t, "2024-05-01T10:00:00Z", updatedAt)
}

func TestGetWeather_LeaguesSharePartitionSnapshots(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	kbo := jamsilQuery()
	futures := jamsilQuery()
	futures.League = "FUTURES"

	_, err := h.svc.GetWeather(ctx, kbo)
	require.NoError(t, err)
	_, err = h.svc.GetWeather(ctx, futures)
	require.NoError(t, err)

	// Each league has its own log row; the second refresh hits the snapshot unique keys.
	assert.Equal(t, 2, h.up.CurrentCalls())
	logRows, current, forecast := h.rows(t)
	assert.Equal(t, 2, logRows)
	assert.Equal(t, 1, current)
	assert.Equal(t, 1, forecast)
}

func TestGetWeather_ConcurrentFirstRequests(t *testing.T) {
	tests := []struct {
		name     string
		coalesce time.Duration
	}{
		{name: "without coalescing"},
		{name: "with coalescing", coalesce: 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(o *Options) {
				o.Cache = nil
				o.CoalesceTimeout = tt.coalesce
			})
			h.up.SetDelay(50 * time.Millisecond)

			const callers = 6
			errs := make([]error, callers)
			resps := make([]models.WeatherResponse, callers)
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					resps[i], errs[i] = h.svc.GetWeather(context.Background(), jamsilQuery())
				}(i)
			}
			wg.Wait()

			for i, err := range errs {
				require.NoError(t, err, "caller %d", i)
				assert.Equal(t, resps[0], resps[i])
			}
			logRows, current, forecast := h.rows(t)
			assert.Equal(t, 1, logRows)
			assert.Equal(t, 1, current)
			assert.Equal(t, 1, forecast)
			assert.LessOrEqual(t, h.up.CurrentCalls(), callers)
		})
	}
}

func TestGetWeather_FetchFailureWritesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.up.SetCurrent(http.StatusInternalServerError, `{"cod":500,"message":"boom"}`)

	_, err := h.svc.GetWeather(context.Background(), jamsilQuery())
	require.Error(t, err)

	var rfe *client.RemoteFetchError
	require.True(t, errors.As(err, &rfe), "error = %v", err)
	assert.Equal(t, client.EndpointCurrent, rfe.Endpoint)
	assert.Equal(t, http.StatusInternalServerError, rfe.StatusCode)

	logRows, current, forecast := h.rows(t)
	assert.Zero(t, logRows)
	assert.Zero(t, current)
	assert.Zero(t, forecast)
}

func TestGetWeather_FailedRefreshRetriesNextRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.up.SetForecast(http.StatusBadGateway, `bad gateway`)

	_, err := h.svc.GetWeather(context.Background(), jamsilQuery())
	require.Error(t, err)

	h.up.SetForecast(http.StatusOK, testhelpers.SampleForecastJSON)
	_, err = h.svc.GetWeather(context.Background(), jamsilQuery())
	require.NoError(t, err)

	assert.Equal(t, 2, h.up.ForecastCalls())
	logRows, _, _ := h.rows(t)
	assert.Equal(t, 1, logRows)
}

func TestGetWeather_UnusablePayloads(t *testing.T) {
	tests := []struct {
		name     string
		current  string
		forecast string
		endpoint string
	}{
		{
			name:     "current without main",
			current:  `{"weather":[{"id":800}],"name":"Jamsil","cod":200}`,
			forecast: testhelpers.SampleForecastJSON,
			endpoint: client.EndpointCurrent,
		},
		{
			name:     "current empty object",
			current:  `{}`,
			forecast: testhelpers.SampleForecastJSON,
			endpoint: client.EndpointCurrent,
		},
		{
			name:     "forecast without list",
			current:  testhelpers.SampleCurrentJSON,
			forecast: `{"cod":"200","cnt":0}`,
			endpoint: client.EndpointForecast,
		},
		{
			name:     "forecast list not an array",
			current:  testhelpers.SampleCurrentJSON,
			forecast: `{"cod":"200","list":{"dt":1}}`,
			endpoint: client.EndpointForecast,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.up.SetCurrent(http.StatusOK, tt.current)
			h.up.SetForecast(http.StatusOK, tt.forecast)

			_, err := h.svc.GetWeather(context.Background(), jamsilQuery())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUpstreamData), "error = %v", err)

			var ude *UpstreamDataError
			require.True(t, errors.As(err, &ude))
			assert.Equal(t, tt.endpoint, ude.Endpoint)

			logRows, current, forecast := h.rows(t)
			assert.Zero(t, logRows)
			assert.Zero(t, current)
			assert.Zero(t, forecast)
		})
	}
}

func TestGetWeather_UpstreamTimeout(t *testing.T) {
	up := testhelpers.NewFakeUpstream(t)
	up.SetDelay(500 * time.Millisecond)
	wc, err := client.NewOpenWeatherClient("test-api-key-12345", up.URL(), client.Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	svc := NewWeatherService(wc, store.NewSQLStore(testhelpers.NewTestDB(t), nil), Options{})

	_, err = svc.GetWeather(context.Background(), jamsilQuery())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "error = %v", err)
	assert.True(t, errors.Is(err, client.ErrTimeout), "error = %v", err)
}

func TestGetWeather_InvalidQueryRejectedBeforeIO(t *testing.T) {
	valid := jamsilQuery()
	tests := []struct {
		name   string
		mutate func(*models.WeatherQuery)
	}{
		{name: "lowercase stadium code", mutate: func(q *models.WeatherQuery) { q.StadiumCode = "soj" }},
		{name: "four letter stadium code", mutate: func(q *models.WeatherQuery) { q.StadiumCode = "SOJX" }},
		{name: "empty league", mutate: func(q *models.WeatherQuery) { q.League = "" }},
		{name: "latitude out of range", mutate: func(q *models.WeatherQuery) { q.Lat = 91 }},
		{name: "longitude out of range", mutate: func(q *models.WeatherQuery) { q.Lon = -181 }},
		{name: "unknown units", mutate: func(q *models.WeatherQuery) { q.Units = "kelvin" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &recordingStore{}
			wc := &recordingClient{}
			svc := NewWeatherService(wc, st, Options{})

			q := valid
			tt.mutate(&q)
			_, err := svc.GetWeather(context.Background(), q)
			require.Error(t, err)
			assert.True(t, errors.Is(err, validation.ErrInvalidQuery), "error = %v", err)
			assert.Zero(t, st.calls, "store touched")
			assert.Zero(t, wc.calls, "client touched")
		})
	}
}

func TestGetWeather_NotFoundWhenLogHasNoSnapshots(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.conn.Exec(`INSERT INTO weather_download_log (league, stadium_code, updated_at) VALUES ('KBO', 'SOJ', '2024-05-01T09:00:00Z')`)
	require.NoError(t, err)

	_, err = h.svc.GetWeather(context.Background(), jamsilQuery())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound), "error = %v", err)
	assert.Zero(t, h.up.CurrentCalls())
	assert.Zero(t, h.up.ForecastCalls())
}

func TestGetWeather_StoreErrorsPropagate(t *testing.T) {
	boom := errors.New("disk I/O error")
	tests := []struct {
		name  string
		store *recordingStore
	}{
		{name: "freshness check", store: &recordingStore{existsErr: boom}},
		{name: "save refresh", store: &recordingStore{saveErr: boom}},
		{name: "latest current", store: &recordingStore{exists: true, latestErr: boom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewWeatherService(&recordingClient{current: sampleDoc(t, testhelpers.SampleCurrentJSON), forecast: sampleDoc(t, testhelpers.SampleForecastJSON)}, tt.store, Options{})
			_, err := svc.GetWeather(context.Background(), jamsilQuery())
			require.Error(t, err)
			assert.True(t, errors.Is(err, boom), "error = %v", err)
		})
	}
}

func TestGetWeather_CacheErrorsAreNotFatal(t *testing.T) {
	obsCore, logs := observer.New(zap.WarnLevel)
	h := newHarness(t, func(o *Options) {
		o.Cache = &failingCache{err: errors.New("memcache: connection refused")}
		o.Logger = zap.New(obsCore)
	})

	resp, err := h.svc.GetWeather(context.Background(), jamsilQuery())
	require.NoError(t, err)
	assert.Equal(t, "Jamsil", resp.Current.Name)
	assert.Equal(t, 1, logs.FilterMessage("cache get failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("cache set failed").Len())
}

func TestGetWeather_CacheTTLEndsWithBucket(t *testing.T) {
	c := &capturingCache{}
	h := newHarness(t, func(o *Options) { o.Cache = c })
	h.clock.Set(time.Date(2024, 5, 1, 9, 45, 0, 0, time.UTC))

	_, err := h.svc.GetWeather(context.Background(), jamsilQuery())
	require.NoError(t, err)

	require.Len(t, c.sets, 1)
	assert.Equal(t, "SOJ|KBO|2024-05-01T09:00:00Z", c.sets[0].key)
	assert.Equal(t, 15*time.Minute, c.sets[0].ttl)
}

func TestCategorizeCacheError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.Canceled, "canceled"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("cache miss"), "unknown"},
	}
	for _, tt := range tests {
		if got := categorizeCacheError(tt.err); got != tt.want {
			t.Errorf("categorizeCacheError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestProject(t *testing.T) {
	tests := []struct {
		name        string
		current     string
		forecast    string
		wantName    string
		wantCurCod  string
		wantWeather string
		wantCnt     int
		wantCod     int
	}{
		{
			name:        "typical",
			current:     testhelpers.SampleCurrentJSON,
			forecast:    testhelpers.SampleForecastJSON,
			wantName:    "Jamsil",
			wantCurCod:  `200`,
			wantWeather: `[{"id":800,"main":"Clear","description":"clear sky"}]`,
			wantCnt:     2,
			wantCod:     200,
		},
		{
			name:        "missing optional fields",
			current:     `{"main":{"temp":1}}`,
			forecast:    `{"list":[]}`,
			wantName:    "",
			wantCurCod:  `200`,
			wantWeather: `null`,
			wantCnt:     0,
			wantCod:     200,
		},
		{
			name:        "current cod kept raw",
			current:     `{"weather":[],"main":{},"cod":"404","name":12}`,
			forecast:    `{"list":[1,2,3],"cod":"abc"}`,
			wantName:    "",
			wantCurCod:  `"404"`,
			wantWeather: `[]`,
			wantCnt:     3,
			wantCod:     200,
		},
		{
			name:        "numeric forecast cod",
			current:     `{"weather":[],"main":{}}`,
			forecast:    `{"list":[{}],"cod":201.7}`,
			wantCurCod:  `200`,
			wantWeather: `[]`,
			wantCnt:     1,
			wantCod:     201,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := project(sampleDoc(t, tt.current), sampleDoc(t, tt.forecast))
			assert.Equal(t, tt.wantName, resp.Current.Name)
			assert.JSONEq(t, tt.wantCurCod, string(resp.Current.Cod))
			assert.JSONEq(t, tt.wantWeather, string(resp.Current.Weather))
			assert.Equal(t, tt.wantCnt, resp.Forecast.Cnt)
			assert.Equal(t, tt.wantCod, resp.Forecast.Cod)
		})
	}
}

func TestProject_ResponseShape(t *testing.T) {
	resp := project(sampleDoc(t, testhelpers.SampleCurrentJSON), sampleDoc(t, testhelpers.SampleForecastJSON))
	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var shape map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &shape))
	for _, k := range []string{"weather", "main", "name", "cod"} {
		assert.Contains(t, shape["current"], k)
	}
	for _, k := range []string{"list", "cnt", "cod"} {
		assert.Contains(t, shape["forecast"], k)
	}
}

func sampleDoc(t *testing.T, s string) models.Document {
	t.Helper()
	d, err := models.ParseDocument([]byte(s))
	require.NoError(t, err)
	return d
}

// recordingStore is an in-memory Store that counts calls and injects errors.
type recordingStore struct {
	mu        sync.Mutex
	calls     int
	exists    bool
	existsErr error
	saveErr   error
	latestErr error
}

func (s *recordingStore) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
}

func (s *recordingStore) DownloadLogExists(ctx context.Context, stadiumCode, league string, bucket time.Time) (bool, error) {
	s.touch()
	return s.exists, s.existsErr
}

func (s *recordingStore) SaveRefresh(ctx context.Context, rec models.RefreshRecord) (models.RefreshResult, error) {
	s.touch()
	if s.saveErr != nil {
		return models.RefreshResult{}, s.saveErr
	}
	return models.RefreshResult{CurrentInserted: true, ForecastInserted: true}, nil
}

func (s *recordingStore) LatestCurrent(ctx context.Context, stadiumCode string) (models.Snapshot, bool, error) {
	s.touch()
	return models.Snapshot{}, false, s.latestErr
}

func (s *recordingStore) LatestForecast(ctx context.Context, stadiumCode string) (models.Snapshot, bool, error) {
	s.touch()
	return models.Snapshot{}, false, s.latestErr
}

func (s *recordingStore) Ping(ctx context.Context) error {
	return nil
}

type recordingClient struct {
	mu       sync.Mutex
	calls    int
	current  models.Document
	forecast models.Document
}

func (c *recordingClient) FetchCurrent(ctx context.Context, coords models.Coordinates, units, lang string) (models.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.current, nil
}

func (c *recordingClient) FetchForecast(ctx context.Context, coords models.Coordinates, units, lang string) (models.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.forecast, nil
}

type failingCache struct {
	err error
}

func (c *failingCache) Get(ctx context.Context, key string) (models.WeatherResponse, bool, error) {
	return models.WeatherResponse{}, false, c.err
}

func (c *failingCache) Set(ctx context.Context, key string, value models.WeatherResponse, ttl time.Duration) error {
	return c.err
}

type cacheSet struct {
	key string
	ttl time.Duration
}

type capturingCache struct {
	sets []cacheSet
}

func (c *capturingCache) Get(ctx context.Context, key string) (models.WeatherResponse, bool, error) {
	return models.WeatherResponse{}, false, nil
}

func (c *capturingCache) Set(ctx context.Context, key string, value models.WeatherResponse, ttl time.Duration) error {
	c.sets = append(c.sets, cacheSet{key: key, ttl: ttl})
	return nil
}

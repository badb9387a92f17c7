package testhelpers

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	SampleCurrentJSON  = `{"coord":{"lon":127.07,"lat":37.51},"weather":[{"id":800,"main":"Clear","description":"clear sky"}],"main":{"temp":68.4,"humidity":41},"name":"Jamsil","cod":200}`
	SampleForecastJSON = `{"cod":"200","message":0,"cnt":40,"list":[{"dt":1714554000,"main":{"temp":66.2}},{"dt":1714564800,"main":{"temp":63.9}}]}`
)

// FakeUpstream serves the provider's current and forecast endpoints from
// canned responses and counts calls per endpoint.
type FakeUpstream struct {
	Server *httptest.Server

	mu       sync.Mutex
	current  cannedResponse
	forecast cannedResponse
	delay    time.Duration

	currentCalls  atomic.Int32
	forecastCalls atomic.Int32
}

type cannedResponse struct {
	status int
	body   string
}

// NewFakeUpstream starts a server returning the sample documents. Closed on cleanup.
func NewFakeUpstream(t *testing.T) *FakeUpstream {
	t.Helper()
	f := &FakeUpstream{
		current:  cannedResponse{status: http.StatusOK, body: SampleCurrentJSON},
		forecast: cannedResponse{status: http.StatusOK, body: SampleForecastJSON},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/data/2.5/weather", func(w http.ResponseWriter, r *http.Request) {
		f.currentCalls.Add(1)
		f.serve(w, r, func() cannedResponse { return f.current })
	})
	mux.HandleFunc("/data/2.5/forecast", func(w http.ResponseWriter, r *http.Request) {
		f.forecastCalls.Add(1)
		f.serve(w, r, func() cannedResponse { return f.forecast })
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeUpstream) serve(w http.ResponseWriter, r *http.Request, pick func() cannedResponse) {
	f.mu.Lock()
	resp := pick()
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

func (f *FakeUpstream) URL() string { return f.Server.URL }

func (f *FakeUpstream) SetCurrent(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = cannedResponse{status: status, body: body}
}

func (f *FakeUpstream) SetForecast(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forecast = cannedResponse{status: status, body: body}
}

// SetDelay delays every response, for timeout and concurrency tests.
func (f *FakeUpstream) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *FakeUpstream) CurrentCalls() int  { return int(f.currentCalls.Load()) }
func (f *FakeUpstream) ForecastCalls() int { return int(f.forecastCalls.Load()) }

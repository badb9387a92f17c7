package models

import (
	"encoding/json"
	"time"
)

// Coordinates is a latitude/longitude pair sent to the weather provider.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// WeatherQuery is one read-through request for a stadium's weather.
type WeatherQuery struct {
	Coordinates
	StadiumCode string `json:"stadium_code"`
	League      string `json:"league"`
	Units       string `json:"units"`
	Lang        string `json:"lang"`
}

// Partition is the cache partition key: stadium code plus league.
func (q WeatherQuery) Partition() string {
	return q.StadiumCode + "|" + q.League
}

// Snapshot is one stored provider payload for a stadium and hour bucket.
type Snapshot struct {
	StadiumCode string
	UpdatedAt   time.Time
	Payload     Document
}

// RefreshRecord is everything a successful refresh persists.
type RefreshRecord struct {
	League      string
	StadiumCode string
	Bucket      time.Time
	Current     Document
	Forecast    Document
}

// RefreshResult reports which snapshot inserts took effect. A false value
// means another refresh already wrote that bucket.
type RefreshResult struct {
	CurrentInserted  bool
	ForecastInserted bool
}

// WeatherResponse is the normalized payload served to clients.
type WeatherResponse struct {
	Current  CurrentWeather  `json:"current"`
	Forecast ForecastWeather `json:"forecast"`
}

// CurrentWeather passes the provider's "now" fields through.
type CurrentWeather struct {
	Weather json.RawMessage `json:"weather"`
	Main    json.RawMessage `json:"main"`
	Name    string          `json:"name"`
	Cod     json.RawMessage `json:"cod"`
}

// ForecastWeather carries the forecast list with a recomputed count.
type ForecastWeather struct {
	List json.RawMessage `json:"list"`
	Cnt  int             `json:"cnt"`
	Cod  int             `json:"cod"`
}

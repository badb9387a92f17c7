package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/volt772/stormbeaver/internal/models"
)

const defaultCod = 200

var (
	jsonNull       = json.RawMessage("null")
	defaultCodJSON = json.RawMessage("200")
)

// assemble loads the newest current and forecast snapshots for a stadium.
// ok is false when either is missing.
func (s *WeatherService) assemble(ctx context.Context, stadiumCode string) (models.WeatherResponse, bool, error) {
	current, ok, err := s.store.LatestCurrent(ctx, stadiumCode)
	if err != nil {
		return models.WeatherResponse{}, false, fmt.Errorf("load current snapshot: %w", err)
	}
	if !ok {
		return models.WeatherResponse{}, false, nil
	}
	forecast, ok, err := s.store.LatestForecast(ctx, stadiumCode)
	if err != nil {
		return models.WeatherResponse{}, false, fmt.Errorf("load forecast snapshot: %w", err)
	}
	if !ok {
		return models.WeatherResponse{}, false, nil
	}
	return project(current.Payload, forecast.Payload), true, nil
}

// project maps stored provider documents onto the response shape.
// cnt is always the length of the stored list, never the provider's count.
func project(current, forecast models.Document) models.WeatherResponse {
	resp := models.WeatherResponse{
		Current: models.CurrentWeather{
			Weather: fieldOr(current, "weather", jsonNull),
			Main:    fieldOr(current, "main", jsonNull),
			Name:    stringField(current, "name"),
			Cod:     fieldOr(current, "cod", defaultCodJSON),
		},
		Forecast: models.ForecastWeather{
			List: fieldOr(forecast, "list", jsonNull),
			Cod:  intCod(forecast),
		},
	}
	var items []json.RawMessage
	if err := json.Unmarshal(resp.Forecast.List, &items); err == nil {
		resp.Forecast.Cnt = len(items)
	}
	return resp
}

func fieldOr(d models.Document, name string, def json.RawMessage) json.RawMessage {
	if v, ok := d.Field(name); ok {
		return v
	}
	return def
}

func stringField(d models.Document, name string) string {
	v, ok := d.Field(name)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// intCod accepts 200 and "200"; anything else falls back to 200.
func intCod(d models.Document) int {
	v, ok := d.Field("cod")
	if !ok {
		return defaultCod
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return numberToInt(string(n))
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return numberToInt(strings.TrimSpace(s))
	}
	return defaultCod
}

func numberToInt(s string) int {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) < math.MaxInt32 {
		return int(f)
	}
	return defaultCod
}

package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/volt772/stormbeaver/internal/models"
)

// ErrInvalidQuery is wrapped by every *Error.
var ErrInvalidQuery = errors.New("invalid weather query")

// Error reports the first field that failed validation.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *Error) Unwrap() error {
	return ErrInvalidQuery
}

var stadiumCodePattern = regexp.MustCompile(`^[A-Z]{3}$`)

// rawQuery mirrors the inbound query parameters before defaults are applied.
type rawQuery struct {
	Lat         *float64 `validate:"required,latitude"`
	Lon         *float64 `validate:"required,longitude"`
	StadiumCode string   `validate:"required,stadium_code"`
	League      string   `validate:"required,max=32"`
	Units       string   `validate:"required,oneof=standard metric imperial"`
	Lang        string   `validate:"required,max=10"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("stadium_code", func(fl validator.FieldLevel) bool {
		return ValidStadiumCode(fl.Field().String())
	})
	return v
}

// ValidStadiumCode reports whether code is three uppercase ASCII letters.
func ValidStadiumCode(code string) bool {
	return stadiumCodePattern.MatchString(code)
}

// Params holds the raw string parameters of a weather request.
type Params struct {
	Lat         string
	Lon         string
	StadiumCode string
	League      string
	Units       string
	Lang        string
}

// Defaults supplies units and language when the request omits them.
type Defaults struct {
	Units string
	Lang  string
}

// ParseQuery converts raw request parameters into a validated WeatherQuery.
// Empty units and lang fall back to d. No I/O happens here.
func ParseQuery(p Params, d Defaults) (models.WeatherQuery, error) {
	rq := rawQuery{
		StadiumCode: strings.TrimSpace(p.StadiumCode),
		League:      strings.TrimSpace(p.League),
		Units:       strings.TrimSpace(p.Units),
		Lang:        strings.TrimSpace(p.Lang),
	}
	if rq.Units == "" {
		rq.Units = d.Units
	}
	if rq.Lang == "" {
		rq.Lang = d.Lang
	}
	var err error
	if rq.Lat, err = parseCoordinate("lat", p.Lat); err != nil {
		return models.WeatherQuery{}, err
	}
	if rq.Lon, err = parseCoordinate("lon", p.Lon); err != nil {
		return models.WeatherQuery{}, err
	}
	if err := check(rq); err != nil {
		return models.WeatherQuery{}, err
	}
	return models.WeatherQuery{
		Coordinates: models.Coordinates{Lat: *rq.Lat, Lon: *rq.Lon},
		StadiumCode: rq.StadiumCode,
		League:      rq.League,
		Units:       rq.Units,
		Lang:        rq.Lang,
	}, nil
}

// ValidateQuery re-checks an already built query. The service calls it so
// queries that never went through ParseQuery (warming targets) are held to
// the same rules.
func ValidateQuery(q models.WeatherQuery) error {
	lat, lon := q.Lat, q.Lon
	return check(rawQuery{
		Lat:         &lat,
		Lon:         &lon,
		StadiumCode: q.StadiumCode,
		League:      q.League,
		Units:       q.Units,
		Lang:        q.Lang,
	})
}

func parseCoordinate(field, s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, &Error{Field: field, Reason: "must be a number"}
	}
	return &v, nil
}

func check(rq rawQuery) error {
	err := validate.Struct(rq)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &Error{Field: fieldName(fe.Field()), Reason: reason(fe)}
	}
	return &Error{Field: "query", Reason: err.Error()}
}

func fieldName(structField string) string {
	switch structField {
	case "Lat":
		return "lat"
	case "Lon":
		return "lon"
	case "StadiumCode":
		return "stadium_code"
	case "League":
		return "league"
	case "Units":
		return "units"
	case "Lang":
		return "lang"
	}
	return strings.ToLower(structField)
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "latitude":
		return "must be between -90 and 90"
	case "longitude":
		return "must be between -180 and 180"
	case "stadium_code":
		return "must be three uppercase letters"
	case "oneof":
		return "must be one of " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return "failed " + fe.Tag()
}

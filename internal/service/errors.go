package service

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamData matches any *UpstreamDataError.
	ErrUpstreamData = errors.New("upstream weather data unusable")
	// ErrNotFound means no snapshots exist for the stadium after the read path ran.
	ErrNotFound = errors.New("weather data not found")
)

// UpstreamDataError reports a provider response that parsed but cannot be stored.
type UpstreamDataError struct {
	Endpoint string
	Reason   string
}

func (e *UpstreamDataError) Error() string {
	return fmt.Sprintf("%s payload: %s", e.Endpoint, e.Reason)
}

func (e *UpstreamDataError) Is(target error) bool {
	return target == ErrUpstreamData
}

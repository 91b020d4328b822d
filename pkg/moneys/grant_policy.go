package moneys

import (
	"fmt"
	"time"
)

// GrantPolicy resolves the daily grant boundary: the latest instant of the
// configured wall-clock hour in the reference location that is not after now.
type GrantPolicy struct {
	hour     int
	location *time.Location
}

// NewGrantPolicy validates the boundary hour and reference location.
func NewGrantPolicy(hour int, location *time.Location) (GrantPolicy, error) {
	if hour < 0 || hour > 23 {
		return GrantPolicy{}, fmt.Errorf("%w: hour %d outside 0-23", ErrInvalidGrantPolicy, hour)
	}
	if location == nil {
		return GrantPolicy{}, fmt.Errorf("%w: location is nil", ErrInvalidGrantPolicy)
	}
	return GrantPolicy{hour: hour, location: location}, nil
}

// DefaultGrantPolicy resets at 17:00 UTC.
func DefaultGrantPolicy() GrantPolicy {
	return GrantPolicy{hour: defaultGrantBoundaryHour, location: time.UTC}
}

// Hour returns the configured boundary hour.
func (policy GrantPolicy) Hour() int {
	return policy.hour
}

// Location returns the reference location.
func (policy GrantPolicy) Location() *time.Location {
	if policy.location == nil {
		return time.UTC
	}
	return policy.location
}

// Boundary returns the current grant boundary for nowUnixUTC, in unix seconds.
func (policy GrantPolicy) Boundary(nowUnixUTC int64) int64 {
	location := policy.Location()
	now := time.Unix(nowUnixUTC, 0).In(location)
	year, month, day := now.Date()
	boundary := time.Date(year, month, day, policy.hour, 0, 0, 0, location)
	if now.Before(boundary) {
		boundary = time.Date(year, month, day-1, policy.hour, 0, 0, 0, location)
	}
	return boundary.Unix()
}

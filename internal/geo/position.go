package geo

import (
	"context"
	"fmt"
	"time"
)

// Coords is a geographic fix. Accuracy is in meters.
type Coords struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Position is a fix reported by a provider.
type Position struct {
	Coords    Coords
	Timestamp time.Time
}

// PositionOptions are handed to the provider unchanged. The provider enforces
// Timeout itself.
type PositionOptions struct {
	EnableHighAccuracy bool
	MaximumAge         time.Duration
	Timeout            time.Duration
}

// Provider is a platform location source.
type Provider interface {
	// CurrentPosition returns one fix.
	CurrentPosition(ctx context.Context, opts PositionOptions) (Position, error)
	// Watch reports fixes until stop is called or ctx ends.
	Watch(ctx context.Context, opts PositionOptions, onPosition func(Position), onError func(error)) (stop func(), err error)
}

// ErrorCode classifies provider failures.
type ErrorCode int

const (
	PermissionDenied ErrorCode = iota + 1
	PositionUnavailable
	Timeout
)

func (c ErrorCode) String() string {
	switch c {
	case PermissionDenied:
		return "permission denied"
	case PositionUnavailable:
		return "position unavailable"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// ProviderError is a classified provider failure.
type ProviderError struct {
	Code ErrorCode
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return "geolocation: " + e.Code.String()
	}
	return fmt.Sprintf("geolocation: %s: %v", e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CachedPosition is the persisted cache entry.
type CachedPosition struct {
	Coords    Coords    `json:"coords"`
	WrittenAt time.Time `json:"written_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry must be treated as absent at now.
func (p CachedPosition) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// State is a snapshot of a Cache.
type State struct {
	Coords    Coords
	HasCoords bool
	Timestamp time.Time
	Loading   bool
	// FromCache is set when the coordinates came from the persisted entry.
	FromCache bool
	Err       error
}

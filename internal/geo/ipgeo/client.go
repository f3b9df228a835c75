// Package ipgeo is a geo.Provider that resolves the host's position from an HTTP
// IP-geolocation endpoint.
//
// The endpoint must answer GET with a JSON object carrying either
// latitude/longitude or lat/lon fields and, optionally, accuracy in meters.
// Continuous updates are produced by polling; consecutive failures stretch the
// poll interval exponentially up to maxBackoff.
package ipgeo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/five82/asyncstate/internal/geo"
)

const (
	DefaultEndpoint     = "https://ipapi.co/json/"
	DefaultPollInterval = time.Minute
	defaultUserAgent    = "asyncstate/0.1"
	requestTimeout      = 10 * time.Second
	maxBackoff          = 30 * time.Minute
)

// Ensure Client implements geo.Provider at compile time.
var _ geo.Provider = (*Client)(nil)

// Options configure a Client.
type Options struct {
	PollInterval time.Duration
	UserAgent    string
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Client talks to an IP-geolocation endpoint.
type Client struct {
	endpoint     *url.URL
	http         *http.Client
	userAgent    string
	pollInterval time.Duration
	logger       *zap.Logger

	mu   sync.Mutex
	last geo.Position
}

type payload struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Accuracy  float64  `json:"accuracy"`
	Error     bool     `json:"error"`
	Reason    string   `json:"reason"`
}

// NewClient builds a Client for endpoint. An empty endpoint uses DefaultEndpoint.
func NewClient(endpoint string, opts Options) (*Client, error) {
	u, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:     u,
		http:         httpClient,
		userAgent:    userAgent,
		pollInterval: interval,
		logger:       logger.With(zap.String("endpoint", u.String())),
	}, nil
}

// CurrentPosition fetches one fix. A previous fix younger than opts.MaximumAge is
// returned without a request.
func (c *Client) CurrentPosition(ctx context.Context, opts geo.PositionOptions) (geo.Position, error) {
	if c == nil {
		return geo.Position{}, fmt.Errorf("client is nil")
	}
	if opts.MaximumAge > 0 {
		c.mu.Lock()
		last := c.last
		c.mu.Unlock()
		if !last.Timestamp.IsZero() && time.Since(last.Timestamp) <= opts.MaximumAge {
			return last, nil
		}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	pos, err := c.fetch(ctx)
	if err != nil {
		return geo.Position{}, err
	}
	c.mu.Lock()
	c.last = pos
	c.mu.Unlock()
	return pos, nil
}

// Watch polls the endpoint until stop is called or ctx ends. The first poll runs
// immediately. stop waits for the poll loop to exit unless a callback is running,
// so onPosition and onError may call it.
func (c *Client) Watch(ctx context.Context, opts geo.PositionOptions, onPosition func(geo.Position), onError func(error)) (func(), error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var inCallback atomic.Bool

	go func() {
		defer close(done)
		failures := 0
		for {
			// MaximumAge applies to one-shot reads only; every poll hits the endpoint.
			pos, err := c.CurrentPosition(ctx, geo.PositionOptions{Timeout: opts.Timeout})
			if ctx.Err() != nil {
				return
			}
			inCallback.Store(true)
			if err != nil {
				failures++
				c.logger.Debug("position poll failed", zap.Int("failures", failures), zap.Error(err))
				if onError != nil {
					onError(err)
				}
			} else {
				failures = 0
				if onPosition != nil {
					onPosition(pos)
				}
			}
			inCallback.Store(false)

			timer := time.NewTimer(calculateBackoff(failures, c.pollInterval))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()

	return func() {
		cancel()
		if inCallback.Load() {
			return
		}
		<-done
	}, nil
}

func (c *Client) fetch(ctx context.Context) (geo.Position, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.String(), nil)
	if err != nil {
		return geo.Position{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return geo.Position{}, &geo.ProviderError{Code: geo.Timeout, Err: err}
		}
		return geo.Position{}, &geo.ProviderError{Code: geo.PositionUnavailable, Err: fmt.Errorf("execute request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return geo.Position{}, &geo.ProviderError{Code: geo.PermissionDenied, Err: fmt.Errorf("endpoint returned status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return geo.Position{}, &geo.ProviderError{Code: geo.PositionUnavailable, Err: fmt.Errorf("endpoint returned status %d", resp.StatusCode)}
	}

	var body payload
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return geo.Position{}, &geo.ProviderError{Code: geo.PositionUnavailable, Err: fmt.Errorf("decode response: %w", err)}
	}
	if body.Error {
		return geo.Position{}, &geo.ProviderError{Code: geo.PositionUnavailable, Err: errors.New(body.Reason)}
	}

	lat, lon := body.Latitude, body.Longitude
	if lat == nil || lon == nil {
		lat, lon = body.Lat, body.Lon
	}
	if lat == nil || lon == nil {
		return geo.Position{}, &geo.ProviderError{Code: geo.PositionUnavailable, Err: errors.New("response has no coordinates")}
	}
	return geo.Position{
		Coords:    geo.Coords{Latitude: *lat, Longitude: *lon, Accuracy: body.Accuracy},
		Timestamp: time.Now(),
	}, nil
}

// calculateBackoff returns the wait before the next poll: base after a success,
// doubling per consecutive failure, capped at maxBackoff.
func calculateBackoff(failures int, base time.Duration) time.Duration {
	if failures <= 0 {
		return base
	}
	backoff := base
	for i := 0; i < failures; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff
		}
	}
	return backoff
}

func parseEndpoint(endpoint string) (*url.URL, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		trimmed = DefaultEndpoint
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse endpoint %q: missing host", endpoint)
	}
	u.Fragment = ""
	return u, nil
}

package client

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient replaces the HTTP client used to open stream connections.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithReconnectDelay overrides the fixed pause between a stream error and
// the next connection attempt.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.delay = d }
}

// WithSince sets the initial resume watermark, so the first connection
// already requests replay of buffered events at or after it.
func WithSince(epochMs int64) Option {
	return func(c *Client) { c.watermark.Store(epochMs) }
}

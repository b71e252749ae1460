package socket

import (
	"time"

	"tokenfeed/internal/backoff"
	"tokenfeed/internal/metrics"
	"tokenfeed/logger"
)

// Config holds the connection parameters of one client.
type Config struct {
	Name                 string
	URL                  string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	BackoffMultiplier    float64
	HeartbeatInterval    time.Duration
	ConnectionTimeout    time.Duration
	WriteTimeout         time.Duration
	ReadLimit            int64
}

// DefaultConfig returns the aggressive reconnect profile with a thirty second
// heartbeat and a ten second connection timeout.
func DefaultConfig(name, url string) Config {
	p := backoff.Aggressive()
	return Config{
		Name:                 name,
		URL:                  url,
		MaxReconnectAttempts: p.MaxAttempts,
		ReconnectDelay:       p.BaseDelay,
		MaxReconnectDelay:    p.MaxDelay,
		BackoffMultiplier:    p.Multiplier,
		HeartbeatInterval:    30 * time.Second,
		ConnectionTimeout:    10 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadLimit:            1 << 20,
	}
}

func (c Config) policy() backoff.Policy {
	return backoff.Policy{
		BaseDelay:   c.ReconnectDelay,
		MaxDelay:    c.MaxReconnectDelay,
		Multiplier:  c.BackoffMultiplier,
		MaxAttempts: c.MaxReconnectAttempts,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Name, c.URL)
	if c.Name == "" {
		c.Name = "socket"
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = d.MaxReconnectDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	return c
}

// Reporter receives reconnect exhaustion reports.
type Reporter func(metrics.Exhaustion)

// Option customises a Client.
type Option func(*Client)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithScheduler replaces the wall clock used for timers.
func WithScheduler(s Scheduler) Option {
	return func(c *Client) { c.sched = s }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Log) Option {
	return func(c *Client) { c.log = log }
}

// WithReporter sets the exhaustion reporter. The default forwards to
// metrics.ReportExhaustion.
func WithReporter(r Reporter) Option {
	return func(c *Client) { c.report = r }
}

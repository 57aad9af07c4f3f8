// Package ratelimit provides the token-bucket limiter shared by all parallel
// ingestors against the source portal's rate budget.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a Limiter.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns a conservative default for a public SODA portal.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 4, Burst: 8}
}

// Limiter is a single shared token bucket guarding all outgoing source-portal
// requests, as required by §5's shared-resource policy.
type Limiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	config  Config
}

// New creates a Limiter from cfg, filling in defaults for non-positive values.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 4
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:  cfg,
	}
}

// Wait blocks until a request token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	limiter := l.limiter
	l.mu.RUnlock()
	return limiter.Wait(ctx)
}

// Reset rebuilds the limiter from its original configuration, used after a
// 429 response carrying a long retry-after window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter = rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst)
}

// PauseFor blocks all subsequent Wait callers until d has elapsed, by
// removing d worth of tokens from the bucket immediately.
func (l *Limiter) PauseFor(d time.Duration) {
	l.mu.RLock()
	limiter := l.limiter
	l.mu.RUnlock()
	limiter.ReserveN(time.Now(), int(d/time.Second)+1)
}

// Client wraps an *http.Client so every outgoing request waits on the shared
// limiter first.
type Client struct {
	http    *http.Client
	limiter *Limiter
}

// NewClient wraps base with rate limiting via limiter.
func NewClient(base *http.Client, limiter *Limiter) *Client {
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: base, limiter: limiter}
}

// Do waits for a token then issues req.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

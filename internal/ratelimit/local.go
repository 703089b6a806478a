// Package ratelimit provides both the in-process limiter guarding outbound
// alert dispatch (adapted from the teacher's infrastructure/ratelimit) and a
// cross-process Redis token bucket guarding provider API calls shared by
// every process in the fleet (spec §4.1).
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config tunes an in-process Limiter.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultAlertDispatchConfig throttles outbound alert channel calls (Slack,
// PagerDuty, email) so a burst of simultaneous Issues doesn't trip the
// channel's own rate limit.
func DefaultAlertDispatchConfig() Config {
	return Config{RequestsPerSecond: 5, Burst: 10}
}

// Limiter wraps golang.org/x/time/rate with a per-minute ceiling alongside
// the per-second one, mirroring the teacher's dual-window shape.
type Limiter struct {
	mu        sync.RWMutex
	perSecond *rate.Limiter
	perMinute *rate.Limiter
	config    Config
}

func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &Limiter{
		perSecond: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		perMinute: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond*60), cfg.Burst*2),
		config:    cfg,
	}
}

func (l *Limiter) Allow() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.perSecond.Allow() && l.perMinute.Allow()
}

func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.perMinute.Wait(ctx); err != nil {
		return err
	}
	return l.perSecond.Wait(ctx)
}

func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perSecond = rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst)
	l.perMinute = rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond*60), l.config.Burst*2)
}

// LimitedClient wraps an *http.Client so every outbound call waits on the
// Limiter first, used by the alert dispatcher's slack/email/pagerduty
// channels. The webhook delivery worker does not use it.
type LimitedClient struct {
	client  *http.Client
	limiter *Limiter
}

func NewLimitedClient(client *http.Client, cfg Config) *LimitedClient {
	return &LimitedClient{client: client, limiter: New(cfg)}
}

func (c *LimitedClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

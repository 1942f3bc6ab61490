// Package ratelimit implements token bucket limits for per-owner job
// submission and per-domain crawl pacing.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/sitecloner/internal/metrics"
	"github.com/JakeFAU/sitecloner/internal/policy"
)

// Limiter manages keyed token buckets.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[key] = limiter
	}
	return limiter
}

// AllowSubmit takes one submission token for ownerID without blocking. The
// returned undo puts the token back.
func (l *Limiter) AllowSubmit(ownerID string) (policy.Undo, bool) {
	if l.defaultRate == rate.Inf {
		return policy.Nop, true
	}
	b := l.bucket("owner:" + ownerID)
	now := time.Now()
	if b.TokensAt(now) >= 1 {
		r := b.ReserveN(now, 1)
		if r.OK() && r.DelayFrom(now) == 0 {
			// Cancelling as of now restores the token; a later instant
			// would treat the reservation as already spent.
			return func() { r.CancelAt(now) }, true
		}
		r.CancelAt(now)
	}
	metrics.ObserveThrottled()
	return policy.Nop, false
}

// AllowTarget implements policy.Policy; targets are never rejected here.
func (*Limiter) AllowTarget(*url.URL) bool {
	return true
}

// Wait blocks until a token is available for the URL's domain, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		domain = u.Hostname()
	}
	if err := l.bucket("domain:" + domain).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

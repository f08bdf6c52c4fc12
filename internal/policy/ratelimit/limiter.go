// Package ratelimit throttles job processing with token buckets: one global
// bucket shared by all workers and an optional bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/selfsearch/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// MaxJobs jobs may start per Window across all workers; 0 disables the
	// global bucket.
	MaxJobs int
	Window  time.Duration
	// PerHostRPS limits requests to a single host; 0 disables it.
	PerHostRPS   float64
	PerHostBurst int
}

// Limiter manages the global and per-host limits.
type Limiter struct {
	global *rate.Limiter

	mu        sync.Mutex
	hosts     map[string]*rate.Limiter
	hostRate  rate.Limit
	hostBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	l := &Limiter{hosts: make(map[string]*rate.Limiter)}
	if cfg.MaxJobs > 0 && cfg.Window > 0 {
		l.global = rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.MaxJobs)), cfg.MaxJobs)
	}
	if cfg.PerHostRPS > 0 {
		l.hostRate = rate.Limit(cfg.PerHostRPS)
		l.hostBurst = max(cfg.PerHostBurst, 1)
	}
	return l
}

// Wait blocks until both the global bucket and the bucket for rawURL's host
// have a token, or ctx ends. An empty rawURL only consults the global bucket.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	start := time.Now()
	if l.global != nil {
		if err := l.global.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if host := l.hostLimiter(rawURL); host != nil {
		if err := host.Wait(ctx); err != nil {
			return fmt.Errorf("host rate limit wait: %w", err)
		}
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(waited)
	}
	return nil
}

func (l *Limiter) hostLimiter(rawURL string) *rate.Limiter {
	if l.hostRate == 0 || rawURL == "" {
		return nil
	}
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.hosts[host]
	if !ok {
		limiter = rate.NewLimiter(l.hostRate, l.hostBurst)
		l.hosts[host] = limiter
	}
	return limiter
}

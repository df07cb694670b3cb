// Package ratelimit provides a per-domain adaptive rate limiter for
// polite content fetching.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	defaultMinDelay = 2 * time.Second
	defaultMaxDelay = 10 * time.Second
	backoffFactor   = 1.5
)

// Config tunes a Limiter. Zero values take the defaults.
type Config struct {
	// MinDelay is the baseline spacing between requests to one domain.
	MinDelay time.Duration

	// MaxDelay caps the adaptive backoff.
	MaxDelay time.Duration
}

// Limiter spaces requests per domain. Failures stretch a domain's delay by
// 1.5x up to MaxDelay; a success snaps it back to MinDelay. Safe for
// concurrent use.
type Limiter struct {
	minDelay time.Duration
	maxDelay time.Duration

	mu          sync.Mutex
	delays      map[string]time.Duration
	nextAllowed map[string]time.Time
}

// New builds a Limiter, filling zero config values with the defaults.
func New(cfg Config) *Limiter {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = defaultMinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	return &Limiter{
		minDelay:    cfg.MinDelay,
		maxDelay:    cfg.MaxDelay,
		delays:      make(map[string]time.Duration),
		nextAllowed: make(map[string]time.Time),
	}
}

// Key normalizes a host to its rate-limit key.
func Key(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimPrefix(host, "www.")
}

// Wait blocks until the domain's next slot, then claims it. Returns early
// with the context error when ctx is done.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	key := Key(domain)

	l.mu.Lock()
	now := time.Now()
	delay, ok := l.delays[key]
	if !ok {
		delay = l.minDelay
		l.delays[key] = delay
	}
	next := l.nextAllowed[key]
	var sleep time.Duration
	if next.After(now) {
		sleep = next.Sub(now)
		l.nextAllowed[key] = next.Add(delay)
	} else {
		l.nextAllowed[key] = now.Add(delay)
	}
	l.mu.Unlock()

	if sleep <= 0 {
		return nil
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ReportSuccess resets the domain's delay to the baseline.
func (l *Limiter) ReportSuccess(domain string) {
	key := Key(domain)
	l.mu.Lock()
	l.delays[key] = l.minDelay
	l.mu.Unlock()
}

// ReportFailure stretches the domain's delay by 1.5x, capped at MaxDelay.
func (l *Limiter) ReportFailure(domain string) {
	key := Key(domain)
	l.mu.Lock()
	delay, ok := l.delays[key]
	if !ok {
		delay = l.minDelay
	}
	delay = time.Duration(float64(delay) * backoffFactor)
	if delay > l.maxDelay {
		delay = l.maxDelay
	}
	l.delays[key] = delay
	l.mu.Unlock()
}

// Delay reports the current delay for a domain, for tests and stats.
func (l *Limiter) Delay(domain string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.delays[Key(domain)]; ok {
		return d
	}
	return l.minDelay
}

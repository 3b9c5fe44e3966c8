// Package ratelimit counts requests per (identifier, endpoint) in windows held
// in shared storage, so every service instance sees the same counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	EndpointWebhook    = "webhook"
	EndpointPreference = "preference"
)

var ErrUnknownEndpoint = errors.New("ratelimit: unknown endpoint")

type Rule struct {
	Max    int
	Window time.Duration
}

// Store records one request and reports whether it fits the rule. Hit must
// be atomic across instances: a window starts at its first request, counts
// up to Max, and is replaced by a fresh one once Window has elapsed.
type Store interface {
	Hit(ctx context.Context, identifier, endpoint string, rule Rule, now time.Time) (bool, error)
}

type Limiter struct {
	store    Store
	rules    map[string]Rule
	failOpen bool
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Limiter)

// FailOpen makes Allow permit requests when the store errors.
func FailOpen(enabled bool) Option {
	return func(l *Limiter) { l.failOpen = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(store Store, rules map[string]Rule, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		rules:  rules,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether identifier may call endpoint now. With fail-closed
// (the default) a storage error is returned to the caller.
func (l *Limiter) Allow(ctx context.Context, identifier, endpoint string) (bool, error) {
	rule, ok := l.rules[endpoint]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownEndpoint, endpoint)
	}

	allowed, err := l.store.Hit(ctx, identifier, endpoint, rule, l.now())
	if err != nil {
		if l.failOpen {
			l.logger.Warn("rate limit store unavailable, allowing request", "endpoint", endpoint, "err", err)
			return true, nil
		}
		return false, fmt.Errorf("rate limit %s: %w", endpoint, err)
	}
	return allowed, nil
}

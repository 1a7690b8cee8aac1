// Package ratelimit gates requests per (credential, source address, endpoint)
// with a redis-backed fixed window counter.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"node-coordinator/pkg/cache"
)

// Policy decides the outcome when redis cannot be reached.
type Policy int

const (
	FailClosed Policy = iota
	FailOpen
)

func (p Policy) String() string {
	if p == FailOpen {
		return "fail-open"
	}
	return "fail-closed"
}

// PolicyFor converts a config flag into a Policy.
func PolicyFor(failOpen bool) Policy {
	if failOpen {
		return FailOpen
	}
	return FailClosed
}

type Limiter struct {
	client      redis.Cmdable
	window      time.Duration
	maxRequests int64
	logger      *slog.Logger
}

func NewLimiter(client redis.Cmdable, window time.Duration, maxRequests int64, logger *slog.Logger) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		client:      client,
		window:      window,
		maxRequests: maxRequests,
		logger:      logger,
	}
}

func (l *Limiter) key(credential, sourceAddress, endpoint string) string {
	return cache.Key(cache.NamespaceRateLimit, cache.HashCredential(credential), sourceAddress, endpoint)
}

// Allow counts one hit and reports whether the window's count is within the
// ceiling. The count and the expiry are sent in one transaction; EXPIRE NX
// only sets a TTL on a key that has none, so a window closes exactly
// `window` after its first hit regardless of later traffic.
func (l *Limiter) Allow(ctx context.Context, credential, sourceAddress, endpoint string) (bool, error) {
	key := l.key(credential, sourceAddress, endpoint)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	return incr.Val() <= l.maxRequests, nil
}

// AllowWithPolicy applies policy to cache failures instead of returning them.
func (l *Limiter) AllowWithPolicy(ctx context.Context, policy Policy, credential, sourceAddress, endpoint string) bool {
	ok, err := l.Allow(ctx, credential, sourceAddress, endpoint)
	if err != nil {
		l.logger.Warn("Rate limiter unavailable",
			"endpoint", endpoint,
			"policy", policy.String(),
			"error", err)
		return policy == FailOpen
	}
	return ok
}

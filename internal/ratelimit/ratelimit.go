// Package ratelimit provides a pluggable rate limiting interface.
//
// The server partitions traffic into route classes (decide, read, admin)
// and keys buckets by class plus caller identity, so heavy decision
// traffic cannot starve trust-log reads. The in-memory token bucket is
// the only implementation; the Limiter interface is the contract for
// substituting a distributed one.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque — callers construct it (e.g. "decide:vk_1a2b3c4d").
	// Returning an error signals a limiter malfunction; callers should
	// treat errors as fail-open (permit the request) rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

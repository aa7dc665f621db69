// Package kv defines the small shared key-value contract used by the caches
// and the rate limiter, with in-memory, Redis and DynamoDB implementations.
// The backend is chosen at construction time; callers only see Store.
package kv

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get when a key is missing or expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrUnavailable wraps backend failures (network, throttling, closed client).
	ErrUnavailable = errors.New("kv: backend unavailable")

	errClosed = errors.New("store closed")
)

// Store is the Redis-shaped contract every backend implements.
//
// Incr is the only way counters are mutated: it adds delta and, when the key
// did not exist, applies ttl in the same atomic operation.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Keys returns keys matching a glob pattern (`*`, `?`, `[...]`).
	Keys(ctx context.Context, pattern string) ([]string, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Close() error
}

// unavailable wraps err so errors.Is(err, ErrUnavailable) holds.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// IsNotFound reports whether err is a plain miss.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// MatchGlob reports whether key matches a Redis-style glob. Unlike path.Match,
// `*` also spans `/`, which matters for URL-shaped keys.
func MatchGlob(pattern, key string) bool {
	re, err := globRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(key)
}

func globRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	inClass := false
	for _, r := range pattern {
		switch {
		case inClass:
			if r == ']' {
				inClass = false
			}
			b.WriteRune(r)
		case r == '*':
			b.WriteString(".*")
		case r == '?':
			b.WriteByte('.')
		case r == '[':
			inClass = true
			b.WriteRune(r)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

// Package cache implements the TTL cache layers (query, snippet, enrichment)
// on top of a shared kv.Store. Entries expire lazily on read; a store outage
// degrades to cache misses and is never surfaced to pipeline callers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WessleyAI/eventscout/engine/domain"
	"github.com/WessleyAI/eventscout/pkg/kv"
)

// Metadata describes where a cached value came from.
type Metadata struct {
	Source    string `json:"source,omitempty"`
	Country   string `json:"country,omitempty"`
	QueryHash string `json:"query_hash,omitempty"`
	Size      int    `json:"size,omitempty"`
}

// Entry is one cached value. Entries are replaced wholesale, never mutated.
type Entry[T any] struct {
	Data      T             `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"ttl"`
	ETag      string        `json:"etag,omitempty"`
	Version   int           `json:"version"`
	Metadata  Metadata      `json:"metadata"`
}

// ExpiresAt is Timestamp+TTL.
func (e Entry[T]) ExpiresAt() time.Time { return e.Timestamp.Add(e.TTL) }

// Expired reports whether now is past the entry's expiry.
func (e Entry[T]) Expired(now time.Time) bool { return now.After(e.ExpiresAt()) }

// Options configures a Layer.
type Options struct {
	Name    string
	TTL     time.Duration
	MaxSize int
	Logger  *slog.Logger
	Now     func() time.Time
}

// Stats is a snapshot of a layer's counters.
type Stats struct {
	Name        string  `json:"name"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Sets        int64   `json:"sets"`
	Evictions   int64   `json:"evictions"`
	Invalidated int64   `json:"invalidated"`
	Errors      int64   `json:"errors"`
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	HitRate     float64 `json:"hit_rate"`
}

// Layer is a typed TTL cache whose entries live in a kv.Store under
// "cache:<name>:". Values are JSON encoded.
//
// Size accounting and oldest-first eviction use a per-process index of
// key -> timestamp; entries written by other processes join the index when
// first read.
type Layer[T any] struct {
	store   kv.Store
	name    string
	prefix  string
	ttl     time.Duration
	maxSize int
	log     *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	index map[string]time.Time

	hits, misses, sets, evictions, invalidated, errs atomic.Int64
}

// NewLayer creates a layer. MaxSize <= 0 disables eviction.
func NewLayer[T any](store kv.Store, opts Options) *Layer[T] {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Layer[T]{
		store:   store,
		name:    opts.Name,
		prefix:  "cache:" + opts.Name + ":",
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		log:     opts.Logger.With("cache", opts.Name),
		now:     opts.Now,
		index:   make(map[string]time.Time),
	}
}

// Name returns the layer name.
func (l *Layer[T]) Name() string { return l.name }

// TTL returns the layer's default entry TTL.
func (l *Layer[T]) TTL() time.Duration { return l.ttl }

// storeErr records a backend failure and returns it wrapped as a cache outage.
func (l *Layer[T]) storeErr(op, key string, err error) error {
	l.errs.Add(1)
	l.log.Warn("cache backend error", "op", op, "key", key, "err", err)
	return fmt.Errorf("cache: %s %s: %w: %v", op, l.name, domain.ErrCacheUnavailable, err)
}

// Get returns the entry for key. Expired entries are deleted and reported as
// misses. Backend failures are misses too.
func (l *Layer[T]) Get(ctx context.Context, key string) (Entry[T], bool) {
	var zero Entry[T]
	raw, err := l.store.Get(ctx, l.prefix+key)
	if err != nil {
		if !kv.IsNotFound(err) {
			l.storeErr("get", key, err)
		}
		l.forget(key)
		l.misses.Add(1)
		return zero, false
	}

	var e Entry[T]
	if err := json.Unmarshal(raw, &e); err != nil {
		l.log.Warn("dropping undecodable cache entry", "key", key, "err", err)
		l.drop(ctx, key)
		l.misses.Add(1)
		return zero, false
	}
	if e.Expired(l.now()) {
		l.drop(ctx, key)
		l.misses.Add(1)
		return zero, false
	}

	l.mu.Lock()
	if _, ok := l.index[key]; !ok {
		l.index[key] = e.Timestamp
	}
	l.mu.Unlock()
	l.hits.Add(1)
	return e, true
}

// Peek is Get without touching the hit/miss counters or deleting expired
// entries. Used for ETag revalidation of stale entries.
func (l *Layer[T]) Peek(ctx context.Context, key string) (Entry[T], bool) {
	var e Entry[T]
	raw, err := l.store.Get(ctx, l.prefix+key)
	if err != nil {
		return e, false
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, false
	}
	return e, true
}

// Set stores e under key, evicting the single oldest entry first when the
// layer is full. Zero Timestamp/TTL/Version are filled from the layer.
func (l *Layer[T]) Set(ctx context.Context, key string, e Entry[T]) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if e.TTL <= 0 {
		e.TTL = l.ttl
	}
	if e.Version == 0 {
		e.Version = 1
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}

	if victim, ok := l.reserve(key, e.Timestamp); ok {
		if _, err := l.store.Del(ctx, l.prefix+victim); err != nil {
			l.storeErr("evict", victim, err)
		}
		l.evictions.Add(1)
	}

	// The store TTL is a backstop for backends that sweep; reads still check
	// the entry's own expiry. One extra second keeps the two from racing.
	if err := l.store.Set(ctx, l.prefix+key, raw, e.TTL+time.Second); err != nil {
		l.forget(key)
		return l.storeErr("set", key, err)
	}
	l.sets.Add(1)
	return nil
}

// Put wraps data in a fresh entry with the layer TTL and stores it.
func (l *Layer[T]) Put(ctx context.Context, key string, data T, meta Metadata) error {
	return l.Set(ctx, key, Entry[T]{Data: data, Metadata: meta})
}

// reserve records key in the index and, if that pushes the layer over
// MaxSize, removes and returns the oldest other key.
func (l *Layer[T]) reserve(key string, ts time.Time) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, exists := l.index[key]
	l.index[key] = ts
	if exists || l.maxSize <= 0 || len(l.index) <= l.maxSize {
		return "", false
	}
	var (
		victim string
		oldest time.Time
		found  bool
	)
	for k, t := range l.index {
		if k == key {
			continue
		}
		if !found || t.Before(oldest) || (t.Equal(oldest) && k < victim) {
			victim, oldest, found = k, t, true
		}
	}
	if found {
		delete(l.index, victim)
	}
	return victim, found
}

func (l *Layer[T]) forget(key string) {
	l.mu.Lock()
	delete(l.index, key)
	l.mu.Unlock()
}

func (l *Layer[T]) drop(ctx context.Context, key string) {
	l.forget(key)
	if _, err := l.store.Del(ctx, l.prefix+key); err != nil {
		l.storeErr("del", key, err)
	}
}

// Delete removes key and reports whether it existed.
func (l *Layer[T]) Delete(ctx context.Context, key string) bool {
	l.forget(key)
	n, err := l.store.Del(ctx, l.prefix+key)
	if err != nil {
		l.storeErr("del", key, err)
		return false
	}
	return n > 0
}

// Clear removes every entry of this layer and returns how many were removed.
func (l *Layer[T]) Clear(ctx context.Context) (int, error) {
	return l.remove(ctx, func(string) bool { return true })
}

// Invalidate removes every key of this layer matching the regular expression
// pattern and returns the number removed.
func (l *Layer[T]) Invalidate(ctx context.Context, pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("cache: invalidate %s: %w", l.name, err)
	}
	n, err := l.remove(ctx, re.MatchString)
	if err == nil {
		l.invalidated.Add(int64(n))
		l.log.Info("cache invalidated", "pattern", pattern, "removed", n)
	}
	return n, err
}

func (l *Layer[T]) remove(ctx context.Context, match func(string) bool) (int, error) {
	keys, err := l.store.Keys(ctx, l.prefix+"*")
	if err != nil {
		return 0, l.storeErr("keys", "*", err)
	}
	var victims []string
	for _, full := range keys {
		k := strings.TrimPrefix(full, l.prefix)
		if match(k) {
			victims = append(victims, full)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}
	n, err := l.store.Del(ctx, victims...)
	l.mu.Lock()
	for _, full := range victims {
		delete(l.index, strings.TrimPrefix(full, l.prefix))
	}
	l.mu.Unlock()
	if err != nil {
		return int(n), l.storeErr("del", "*", err)
	}
	return int(n), nil
}

// Stats returns a snapshot of the counters.
func (l *Layer[T]) Stats() Stats {
	l.mu.Lock()
	size := len(l.index)
	l.mu.Unlock()
	s := Stats{
		Name:        l.name,
		Hits:        l.hits.Load(),
		Misses:      l.misses.Load(),
		Sets:        l.sets.Load(),
		Evictions:   l.evictions.Load(),
		Invalidated: l.invalidated.Load(),
		Errors:      l.errs.Load(),
		Size:        size,
		MaxSize:     l.maxSize,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// IsUnavailable reports whether err came from a cache backend outage.
func IsUnavailable(err error) bool { return errors.Is(err, domain.ErrCacheUnavailable) }

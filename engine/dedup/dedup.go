// Package dedup collapses concurrent identical requests into one execution and
// keeps successful results for a short time.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a successful result is served without re-running.
const DefaultTTL = 60 * time.Second

// ErrFingerprint marks a request whose parameters could not be serialised.
// Only that request fails.
var ErrFingerprint = errors.New("dedup: fingerprint")

// Params is the request shape that is fingerprinted.
type Params struct {
	Query    string         `json:"query"`
	Location string         `json:"location"`
	DateFrom string         `json:"date_from"`
	DateTo   string         `json:"date_to"`
	Limit    int            `json:"limit"`
	Sources  []string       `json:"sources"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Fingerprint returns a canonical key: strings trimmed and lower-cased,
// sources sorted and de-duplicated, map keys sorted by encoding/json.
func Fingerprint(p Params) (string, error) {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	c := Params{
		Query:    strings.Join(strings.Fields(norm(p.Query)), " "),
		Location: norm(p.Location),
		DateFrom: norm(p.DateFrom),
		DateTo:   norm(p.DateTo),
		Limit:    p.Limit,
		Extra:    p.Extra,
	}
	seen := map[string]bool{}
	c.Sources = []string{}
	for _, s := range p.Sources {
		s = norm(s)
		if s != "" && !seen[s] {
			seen[s] = true
			c.Sources = append(c.Sources, s)
		}
	}
	sort.Strings(c.Sources)

	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFingerprint, err)
	}
	return string(b), nil
}

// Stats counts how requests were served.
type Stats struct {
	Executions  int64 `json:"executions"`
	CacheHits   int64 `json:"cache_hits"`
	SharedWaits int64 `json:"shared_waits"`
	Failures    int64 `json:"failures"`
	Cached      int   `json:"cached"`
}

type cached[T any] struct {
	val   T
	at    time.Time
	timer *time.Timer
}

// flight is the context of one shared execution and the callers waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Deduplicator is safe for concurrent use. The zero value is not usable; use New.
type Deduplicator[T any] struct {
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
	group singleflight.Group

	mu      sync.Mutex
	results map[string]*cached[T]
	flights map[string]*flight

	executions, hits, shared, failures atomic.Int64
}

// Options configures a Deduplicator.
type Options struct {
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// New creates a Deduplicator.
func New[T any](opts Options) *Deduplicator[T] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Deduplicator[T]{
		ttl:     opts.TTL,
		now:     opts.Now,
		log:     opts.Logger,
		results: make(map[string]*cached[T]),
		flights: make(map[string]*flight),
	}
}

// Execute returns a fresh cached result for p, or joins an in-flight
// execution, or runs exec. All callers sharing one execution see the same
// value or the same error. A waiting caller whose ctx ends returns ctx.Err()
// without disturbing the others; when the last waiter leaves, the execution's
// context is cancelled.
func (d *Deduplicator[T]) Execute(ctx context.Context, p Params, exec func(context.Context) (T, error)) (T, error) {
	key, err := Fingerprint(p)
	if err != nil {
		var zero T
		return zero, err
	}
	return d.ExecuteKey(ctx, key, exec)
}

// ExecuteKey is Execute with a precomputed fingerprint.
func (d *Deduplicator[T]) ExecuteKey(ctx context.Context, key string, exec func(context.Context) (T, error)) (T, error) {
	if v, ok := d.lookup(key); ok {
		d.hits.Add(1)
		return v, nil
	}

	f := d.join(ctx, key)
	ch := d.group.DoChan(key, func() (any, error) {
		if v, ok := d.lookup(key); ok {
			return v, nil
		}
		d.executions.Add(1)
		v, err := safeRun(f.ctx, exec)
		if err != nil {
			d.failures.Add(1)
			d.log.Debug("dedup execution failed", "err", err)
			return v, err
		}
		d.store(key, v)
		return v, nil
	})

	select {
	case r := <-ch:
		d.leave(key, f, false)
		if r.Shared {
			d.shared.Add(1)
		}
		v, _ := r.Val.(T)
		return v, r.Err
	case <-ctx.Done():
		d.leave(key, f, true)
		var zero T
		return zero, ctx.Err()
	}
}

// join registers a waiter on key's flight. The flight context keeps the
// first caller's values but not its cancellation.
func (d *Deduplicator[T]) join(ctx context.Context, key string) *flight {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		d.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops a waiter. The last one out releases the flight; if it gave up
// rather than receiving the result, the running execution is cancelled and
// detached so later callers start afresh.
func (d *Deduplicator[T]) leave(key string, f *flight, abandoned bool) {
	d.mu.Lock()
	f.waiters--
	last := f.waiters == 0
	if last && d.flights[key] == f {
		delete(d.flights, key)
	}
	d.mu.Unlock()
	if !last {
		return
	}
	f.cancel()
	if abandoned {
		d.group.Forget(key)
		d.log.Debug("dedup execution abandoned by all waiters", "key", key)
	}
}

func safeRun[T any](ctx context.Context, exec func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dedup: executor panic: %v", r)
		}
	}()
	return exec(ctx)
}

func (d *Deduplicator[T]) lookup(key string) (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.results[key]
	if !ok || d.now().Sub(c.at) >= d.ttl {
		var zero T
		return zero, false
	}
	return c.val, true
}

func (d *Deduplicator[T]) store(key string, v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.results[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	c := &cached[T]{val: v, at: d.now()}
	c.timer = time.AfterFunc(d.ttl, func() {
		d.mu.Lock()
		if d.results[key] == c {
			delete(d.results, key)
		}
		d.mu.Unlock()
	})
	d.results[key] = c
}

// Forget drops any cached result for key.
func (d *Deduplicator[T]) Forget(key string) {
	d.mu.Lock()
	if c, ok := d.results[key]; ok {
		c.timer.Stop()
		delete(d.results, key)
	}
	d.mu.Unlock()
	d.group.Forget(key)
}

// Clear drops every cached result.
func (d *Deduplicator[T]) Clear() {
	d.mu.Lock()
	for k, c := range d.results {
		c.timer.Stop()
		delete(d.results, k)
	}
	d.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (d *Deduplicator[T]) Stats() Stats {
	d.mu.Lock()
	n := len(d.results)
	d.mu.Unlock()
	return Stats{
		Executions:  d.executions.Load(),
		CacheHits:   d.hits.Load(),
		SharedWaits: d.shared.Load(),
		Failures:    d.failures.Load(),
		Cached:      n,
	}
}

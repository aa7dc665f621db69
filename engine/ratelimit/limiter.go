// Package ratelimit is the adaptive, per-service admission control in front
// of the external search providers. Counters live in a shared kv.Store so
// every pipeline process sees the same windows.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/WessleyAI/eventscout/pkg/kv"
)

// capTTL bounds how long an adjusted cap outlives the traffic that produced
// it; afterwards the static MaxPerMinute applies again.
const capTTL = 5 * time.Minute

// OutagePolicy decides what Check does when the store is unreachable.
type OutagePolicy int

const (
	// FailOpen admits requests while the store is down.
	FailOpen OutagePolicy = iota
	// FailClosed denies them.
	FailClosed
)

func (p OutagePolicy) String() string {
	if p == FailClosed {
		return "fail-closed"
	}
	return "fail-open"
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// Degraded is set when the decision was made without the store.
	Degraded bool `json:"degraded,omitempty"`
}

// Stats is a read-only view of one service's current windows.
type Stats struct {
	Service         string        `json:"service"`
	MinuteCount     int64         `json:"minute_count"`
	HourCount       int64         `json:"hour_count"`
	BurstCount      int64         `json:"burst_count"`
	StaticLimit     int           `json:"static_limit"`
	AdaptiveCap     int           `json:"adaptive_cap"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ResetAt         time.Time     `json:"reset_at"`
}

// Options configures a Limiter.
type Options struct {
	Configs  map[string]Config
	OnOutage OutagePolicy
	Logger   *slog.Logger
	Now      func() time.Time
}

// Limiter implements fixed-window counting with a self-tuning per-minute cap.
type Limiter struct {
	store    kv.Store
	configs  map[string]Config
	onOutage OutagePolicy
	log      *slog.Logger
	now      func() time.Time
}

// New creates a Limiter. Nil Configs means DefaultConfigs.
func New(store kv.Store, opts Options) (*Limiter, error) {
	if opts.Configs == nil {
		opts.Configs = DefaultConfigs()
	}
	for svc, c := range opts.Configs {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("ratelimit: %s: %w", svc, err)
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		store:    store,
		configs:  opts.Configs,
		onOutage: opts.OnOutage,
		log:      opts.Logger,
		now:      opts.Now,
	}, nil
}

// Services lists the configured service names.
func (l *Limiter) Services() []string {
	out := make([]string, 0, len(l.configs))
	for s := range l.configs {
		out = append(out, s)
	}
	return out
}

// Config returns the static config for service.
func (l *Limiter) Config(service string) (Config, bool) {
	c, ok := l.configs[service]
	return c, ok
}

type window struct {
	key   string
	limit int
	end   time.Time
}

func windowOf(now time.Time, size time.Duration) (int64, time.Time) {
	n := now.UnixMilli() / size.Milliseconds()
	return n, time.UnixMilli((n + 1) * size.Milliseconds())
}

func (l *Limiter) windows(service string, cfg Config, limit int, now time.Time) []window {
	m, mEnd := windowOf(now, time.Minute)
	ws := []window{{key: fmt.Sprintf("rl:%s:m:%d", service, m), limit: limit, end: mEnd}}
	if cfg.MaxPerHour > 0 {
		h, hEnd := windowOf(now, time.Hour)
		ws = append(ws, window{key: fmt.Sprintf("rl:%s:h:%d", service, h), limit: cfg.MaxPerHour, end: hEnd})
	}
	if cfg.BurstLimit > 0 {
		b, bEnd := windowOf(now, cfg.BurstWindow)
		ws = append(ws, window{key: fmt.Sprintf("rl:%s:b:%d", service, b), limit: cfg.BurstLimit, end: bEnd})
	}
	return ws
}

// Check counts one request against every window of service and reports
// whether it may proceed. A denied request is rolled back so it does not eat
// into the longer windows. Unknown services are always admitted.
func (l *Limiter) Check(ctx context.Context, service string) (Result, error) {
	cfg, ok := l.configs[service]
	if !ok {
		return Result{Allowed: true, Remaining: -1}, nil
	}
	now := l.now()

	limit, err := l.adaptiveCap(ctx, service, cfg)
	if err != nil {
		return l.outage(service, "read cap", err)
	}

	ws := l.windows(service, cfg, limit, now)
	remaining := math.MaxInt
	var incremented []window
	for _, w := range ws {
		n, err := l.store.Incr(ctx, w.key, 1, w.end.Sub(now))
		if err != nil {
			l.rollback(ctx, incremented, now)
			return l.outage(service, "incr", err)
		}
		incremented = append(incremented, w)
		if n > int64(w.limit) {
			l.rollback(ctx, incremented, now)
			retry := w.end.Sub(now)
			if retry < time.Second {
				retry = time.Second
			}
			l.log.Debug("rate limited", "service", service, "window", w.key, "count", n, "limit", w.limit)
			return Result{Allowed: false, Remaining: 0, ResetAt: ws[0].end, RetryAfter: retry.Round(time.Second)}, nil
		}
		if r := w.limit - int(n); r < remaining {
			remaining = r
		}
	}
	return Result{Allowed: true, Remaining: remaining, ResetAt: ws[0].end}, nil
}

func (l *Limiter) rollback(ctx context.Context, ws []window, now time.Time) {
	for _, w := range ws {
		if _, err := l.store.Incr(ctx, w.key, -1, w.end.Sub(now)); err != nil {
			l.log.Warn("rate limit rollback failed", "key", w.key, "err", err)
		}
	}
}

func (l *Limiter) outage(service, op string, err error) (Result, error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Result{}, err
	}
	if l.onOutage == FailOpen {
		l.log.Warn("rate limit store unavailable, admitting request", "service", service, "op", op, "err", err)
		return Result{Allowed: true, Remaining: -1, Degraded: true}, nil
	}
	l.log.Warn("rate limit store unavailable, denying request", "service", service, "op", op, "err", err)
	return Result{Allowed: false, Degraded: true, RetryAfter: time.Second}, fmt.Errorf("ratelimit: %s: %w", op, err)
}

func (l *Limiter) capKey(service string) string { return "rl:" + service + ":cap" }

// adaptiveCap returns the current per-minute cap, defaulting to the static
// MaxPerMinute when none is stored.
func (l *Limiter) adaptiveCap(ctx context.Context, service string, cfg Config) (int, error) {
	raw, err := l.store.Get(ctx, l.capKey(service))
	if kv.IsNotFound(err) {
		return cfg.MaxPerMinute, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil || n <= 0 {
		return cfg.MaxPerMinute, nil
	}
	return clamp(n, cfg.MinRate, cfg.MaxRate), nil
}

// RecordResponseTime folds d into the current minute's average and moves the
// adaptive cap: up by AdjustmentFactor below FastThreshold, down above
// SlowThreshold, bounded by [MinRate, MaxRate].
func (l *Limiter) RecordResponseTime(ctx context.Context, service string, d time.Duration) error {
	cfg, ok := l.configs[service]
	if !ok {
		return nil
	}
	now := l.now()
	m, end := windowOf(now, time.Minute)
	ttl := end.Sub(now) + time.Minute

	sum, err := l.store.Incr(ctx, fmt.Sprintf("rl:%s:rt:sum:%d", service, m), d.Milliseconds(), ttl)
	if err != nil {
		return fmt.Errorf("ratelimit: record %s: %w", service, err)
	}
	cnt, err := l.store.Incr(ctx, fmt.Sprintf("rl:%s:rt:n:%d", service, m), 1, ttl)
	if err != nil {
		return fmt.Errorf("ratelimit: record %s: %w", service, err)
	}
	avg := time.Duration(sum/max(cnt, 1)) * time.Millisecond

	cur, err := l.adaptiveCap(ctx, service, cfg)
	if err != nil {
		return fmt.Errorf("ratelimit: record %s: %w", service, err)
	}
	next := adjust(cur, avg, cfg)
	if next == cur && avg >= cfg.FastThreshold && avg <= cfg.SlowThreshold {
		return nil
	}
	if err := l.store.Set(ctx, l.capKey(service), []byte(strconv.Itoa(next)), capTTL); err != nil {
		return fmt.Errorf("ratelimit: store cap %s: %w", service, err)
	}
	if next != cur {
		l.log.Info("adaptive cap adjusted", "service", service, "from", cur, "to", next, "avg_ms", avg.Milliseconds())
	}
	return nil
}

// adjust moves cur by cfg.AdjustmentFactor, at least by one, within bounds.
func adjust(cur int, avg time.Duration, cfg Config) int {
	switch {
	case avg < cfg.FastThreshold:
		next := int(math.Round(float64(cur) * (1 + cfg.AdjustmentFactor)))
		if next == cur {
			next++
		}
		return clamp(next, cfg.MinRate, cfg.MaxRate)
	case avg > cfg.SlowThreshold:
		next := int(math.Round(float64(cur) * (1 - cfg.AdjustmentFactor)))
		if next == cur {
			next--
		}
		return clamp(next, cfg.MinRate, cfg.MaxRate)
	}
	return cur
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

// Stats reads the current windows of service.
func (l *Limiter) Stats(ctx context.Context, service string) (Stats, error) {
	cfg, ok := l.configs[service]
	if !ok {
		return Stats{}, fmt.Errorf("ratelimit: unknown service %q", service)
	}
	now := l.now()
	capNow, err := l.adaptiveCap(ctx, service, cfg)
	if err != nil {
		return Stats{}, fmt.Errorf("ratelimit: stats %s: %w", service, err)
	}
	st := Stats{Service: service, StaticLimit: cfg.MaxPerMinute, AdaptiveCap: capNow}

	ws := l.windows(service, cfg, capNow, now)
	st.ResetAt = ws[0].end
	counts := make([]int64, len(ws))
	for i, w := range ws {
		if counts[i], err = l.readCounter(ctx, w.key); err != nil {
			return Stats{}, fmt.Errorf("ratelimit: stats %s: %w", service, err)
		}
	}
	st.MinuteCount = counts[0]
	i := 1
	if cfg.MaxPerHour > 0 {
		st.HourCount = counts[i]
		i++
	}
	if cfg.BurstLimit > 0 {
		st.BurstCount = counts[i]
	}

	m, _ := windowOf(now, time.Minute)
	sum, err := l.readCounter(ctx, fmt.Sprintf("rl:%s:rt:sum:%d", service, m))
	if err != nil {
		return Stats{}, fmt.Errorf("ratelimit: stats %s: %w", service, err)
	}
	cnt, err := l.readCounter(ctx, fmt.Sprintf("rl:%s:rt:n:%d", service, m))
	if err != nil {
		return Stats{}, fmt.Errorf("ratelimit: stats %s: %w", service, err)
	}
	if cnt > 0 {
		st.AvgResponseTime = time.Duration(sum/cnt) * time.Millisecond
	}
	return st, nil
}

func (l *Limiter) readCounter(ctx context.Context, key string) (int64, error) {
	raw, err := l.store.Get(ctx, key)
	if kv.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// Reset deletes every counter and the adaptive cap of service.
func (l *Limiter) Reset(ctx context.Context, service string) error {
	keys, err := l.store.Keys(ctx, "rl:"+service+":*")
	if err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", service, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if _, err := l.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", service, err)
	}
	l.log.Info("rate limit reset", "service", service, "keys", len(keys))
	return nil
}

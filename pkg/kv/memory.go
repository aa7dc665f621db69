package kv

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memItem struct {
	val []byte
	exp time.Time // zero = no expiry
}

// sweepEvery is how many writes pass between sweeps of expired items.
const sweepEvery = 256

// Memory is an in-process Store. Expiry is checked on access, and every
// sweepEvery writes expired items are dropped so keys that are never read
// again do not accumulate.
type Memory struct {
	mu     sync.Mutex
	items  map[string]memItem
	closed bool
	now    func() time.Time
	writes int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memItem), now: time.Now}
}

// SetClock overrides the time source. Used by tests in other packages.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// live returns the item if present and unexpired. Must hold mu.
func (m *Memory) live(key string) (memItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if !it.exp.IsZero() && !m.now().Before(it.exp) {
		delete(m.items, key)
		return memItem{}, false
	}
	return it, true
}

// wrote counts a write and sweeps when due. Must hold mu.
func (m *Memory) wrote() {
	m.writes++
	if m.writes < sweepEvery {
		return
	}
	m.writes = 0
	now := m.now()
	for k, it := range m.items {
		if !it.exp.IsZero() && !now.Before(it.exp) {
			delete(m.items, k)
		}
	}
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return unavailable(op, errClosed)
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "get"); err != nil {
		return nil, err
	}
	it, ok := m.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(it.val))
	copy(out, it.val)
	return out, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "set"); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.items[key] = memItem{val: v, exp: m.expiry(ttl)}
	m.wrote()
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "incr"); err != nil {
		return 0, err
	}
	it, ok := m.live(key)
	var n int64
	if ok {
		parsed, err := strconv.ParseInt(string(it.val), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	} else {
		it.exp = m.expiry(ttl)
	}
	n += delta
	it.val = []byte(strconv.FormatInt(n, 10))
	m.items[key] = it
	m.wrote()
	return n, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "expire"); err != nil {
		return err
	}
	it, ok := m.live(key)
	if !ok {
		return ErrNotFound
	}
	it.exp = m.expiry(ttl)
	m.items[key] = it
	return nil
}

func (m *Memory) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "keys"); err != nil {
		return nil, err
	}
	re, err := globRegexp(pattern)
	if err != nil {
		return nil, err
	}
	var out []string
	for k := range m.items {
		if _, ok := m.live(k); !ok {
			continue
		}
		if re.MatchString(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "del"); err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		if _, ok := m.live(k); ok {
			delete(m.items, k)
			n++
		}
	}
	return n, nil
}

// Close marks the store unavailable; later calls return ErrUnavailable.
// Tests use it to simulate a backend outage.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Len returns the number of live keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.items {
		if _, ok := m.live(k); ok {
			n++
		}
	}
	return n
}

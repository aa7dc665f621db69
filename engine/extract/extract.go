// Package extract turns a search candidate into the event fields the filter
// chain works on. The production extractor is an external LLM service; the
// Heuristic extractor here reads dates, country and city straight from the
// text and is the default when none is configured.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/eventscout/engine/cache"
	"github.com/WessleyAI/eventscout/engine/country"
	"github.com/WessleyAI/eventscout/engine/domain"
)

// Extractor derives event metadata from a candidate.
type Extractor interface {
	Extract(ctx context.Context, c domain.Candidate) (domain.FilterableEvent, error)
}

// Heuristic is a regexp-based Extractor.
type Heuristic struct{}

func (Heuristic) Extract(_ context.Context, c domain.Candidate) (domain.FilterableEvent, error) {
	e := domain.FilterableEvent{
		Title:       c.Title,
		URL:         c.URL,
		Description: c.Snippet,
	}
	text := c.Text()
	if c.Content != "" {
		text += " " + c.Content
	}

	if code, ok := country.CountryForHost(domain.Host(c.URL)); ok {
		e.Country = code
	} else if m := country.Mentions(text); len(m) == 1 {
		e.Country = m[0]
	}
	if city, code, ok := country.DetectCity(text); ok {
		e.City = city
		if e.Country == "" {
			e.Country = code
		}
	}
	if t, ok := FirstDate(text); ok {
		e.StartsAt = &t
	}
	return e, nil
}

var months = map[string]time.Month{
	"january": 1, "jan": 1, "januar": 1, "jänner": 1,
	"february": 2, "feb": 2, "februar": 2,
	"march": 3, "mar": 3, "märz": 3, "maerz": 3, "mär": 3,
	"april": 4, "apr": 4,
	"may": 5, "mai": 5,
	"june": 6, "jun": 6, "juni": 6,
	"july": 7, "jul": 7, "juli": 7,
	"august": 8, "aug": 8,
	"september": 9, "sep": 9, "sept": 9,
	"october": 10, "oct": 10, "oktober": 10, "okt": 10,
	"november": 11, "nov": 11,
	"december": 12, "dec": 12, "dezember": 12, "dez": 12,
}

var monthAlt = func() string {
	names := make([]string, 0, len(months))
	for n := range months {
		names = append(names, regexp.QuoteMeta(n))
	}
	// Longest first so "march" wins over "mar".
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return strings.Join(names, "|")
}()

type datePattern struct {
	re *regexp.Regexp
	// ymd maps submatch indexes to year, month, day; a month index pointing
	// at a name is resolved through months.
	y, m, d int
}

var datePatterns = []datePattern{
	{re: regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`), y: 1, m: 2, d: 3},
	{re: regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{4})\b`), y: 3, m: 2, d: 1},
	{re: regexp.MustCompile(`(?i)\b(\d{1,2})\.?\s+(` + monthAlt + `)\.?\s+(\d{4})\b`), y: 3, m: 2, d: 1},
	{re: regexp.MustCompile(`(?i)\b(` + monthAlt + `)\.?\s+(\d{1,2}),?\s+(\d{4})\b`), y: 3, m: 1, d: 2},
}

// FirstDate returns the earliest-positioned valid date in text, as UTC
// midnight. Supported: 2026-03-02, 02.03.2026, 2 March 2026, 2. März 2026,
// March 2, 2026.
func FirstDate(text string) (time.Time, bool) {
	var (
		best    time.Time
		bestPos = -1
	)
	for _, p := range datePatterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			if bestPos >= 0 && loc[0] >= bestPos {
				break
			}
			t, ok := p.parse(text, loc)
			if !ok {
				continue
			}
			best, bestPos = t, loc[0]
			break
		}
	}
	return best, bestPos >= 0
}

func (p datePattern) parse(text string, loc []int) (time.Time, bool) {
	group := func(i int) string { return text[loc[2*i]:loc[2*i+1]] }
	y, err := strconv.Atoi(group(p.y))
	if err != nil || y < 1990 || y > 2100 {
		return time.Time{}, false
	}
	d, err := strconv.Atoi(group(p.d))
	if err != nil {
		return time.Time{}, false
	}
	var m time.Month
	if n, err := strconv.Atoi(group(p.m)); err == nil {
		m = time.Month(n)
	} else {
		m = months[strings.ToLower(group(p.m))]
	}
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if t.Month() != m || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

// Cached stores extraction results in the enrichment cache keyed by
// normalized URL.
type Cached struct {
	inner Extractor
	layer *cache.Layer[domain.FilterableEvent]
	log   *slog.Logger
}

// NewCached wraps inner. A nil layer disables caching.
func NewCached(inner Extractor, layer *cache.Layer[domain.FilterableEvent], logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{inner: inner, layer: layer, log: logger}
}

func (c *Cached) Extract(ctx context.Context, cand domain.Candidate) (domain.FilterableEvent, error) {
	key := domain.NormalizeURL(cand.URL)
	if c.layer != nil && key != "" {
		if e, ok := c.layer.Get(ctx, key); ok {
			return e.Data, nil
		}
	}
	ev, err := c.inner.Extract(ctx, cand)
	if err != nil {
		return domain.FilterableEvent{}, fmt.Errorf("extract: %s: %w", cand.URL, err)
	}
	if c.layer != nil && key != "" {
		meta := cache.Metadata{Source: cand.Provider, Country: ev.Country, Size: len(ev.Description)}
		if err := c.layer.Put(ctx, key, ev, meta); err != nil {
			c.log.Warn("enrichment cache write failed", "url", key, "err", err)
		}
	}
	return ev, nil
}

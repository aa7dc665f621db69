// Package filter implements the relaxed filter chain and the final scope
// validator. The chain runs four stages in fixed order (country, date,
// legal heuristic, dedup); the country and date stages switch between strict
// and relaxed behaviour through config.Flags.
package filter

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/WessleyAI/eventscout/engine/config"
	"github.com/WessleyAI/eventscout/engine/country"
	"github.com/WessleyAI/eventscout/engine/domain"
)

// Stage names recorded on the trace.
const (
	StageCountry = "country"
	StageDate    = "date"
	StageLegal   = "legal_heuristic"
	StageDedup   = "dedup"
	StageUndated = "undated"
)

// DefaultDomainKeywords are legal/compliance terms, English and German.
var DefaultDomainKeywords = []string{
	"legal", "law", "lawyer", "attorney", "compliance", "regulatory", "regulation",
	"gdpr", "privacy", "litigation", "contract", "governance",
	"recht", "jurist", "anwalt", "kanzlei", "datenschutz", "dsgvo", "justiz",
}

// DefaultEventKeywords are event types, English and German.
var DefaultEventKeywords = []string{
	"conference", "summit", "workshop", "seminar", "forum", "congress", "symposium",
	"meetup", "webinar", "expo", "convention", "masterclass", "roundtable",
	"konferenz", "kongress", "tagung", "fachtag", "veranstaltung", "messe", "gipfel",
}

// germanMarkers are common words that identify German-language text.
var germanMarkers = []string{" und ", " der ", " die ", " das ", " für ", " mit ", " veranstaltung", " anmeldung"}

// Options configures a Chain.
type Options struct {
	DomainKeywords []string
	EventKeywords  []string
	Logger         *slog.Logger
}

// Window is the requested date range. Zero bounds are open.
type Window struct {
	From time.Time
	To   time.Time
}

// IsZero reports whether neither bound is set.
func (w Window) IsZero() bool { return w.From.IsZero() && w.To.IsZero() }

// Contains reports whether t lies within the window, bounds inclusive. The
// upper bound covers the whole day of To.
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && t.After(endOfDay(w.To)) {
		return false
	}
	return true
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(time.Second-time.Nanosecond), t.Location())
}

// Chain is the relaxed filter chain. Safe for concurrent use.
type Chain struct {
	flags  config.Flags
	domain []string
	events []string
	log    *slog.Logger
}

// NewChain creates a chain with the given mode flags.
func NewChain(flags config.Flags, opts Options) *Chain {
	if len(opts.DomainKeywords) == 0 {
		opts.DomainKeywords = DefaultDomainKeywords
	}
	if len(opts.EventKeywords) == 0 {
		opts.EventKeywords = DefaultEventKeywords
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Chain{
		flags:  flags,
		domain: lowerAll(opts.DomainKeywords),
		events: lowerAll(opts.EventKeywords),
		log:    opts.Logger,
	}
}

// Flags returns the chain's mode flags.
func (c *Chain) Flags() config.Flags { return c.flags }

// Apply runs the stages in order and records each on tr. The input
// slice is not modified.
func (c *Chain) Apply(events []domain.FilterableEvent, target country.Context, w Window, tr *domain.Trace) []domain.FilterableEvent {
	out := append([]domain.FilterableEvent(nil), events...)
	out = c.byCountry(out, target, tr)
	out = c.byDate(out, w, tr)
	out = c.byLegal(out, tr)
	out = dedupe(out, tr)
	if c.flags.RelaxDate && !c.flags.AllowUndated {
		out = dropUndated(out, tr)
	}
	c.log.Debug("filter chain applied", "country", target.ISO2, "in", len(events), "out", len(out))
	return out
}

// reasons counts drop/keep reasons for one stage and renders them sorted.
type reasons map[string]int

func (r reasons) add(format string, args ...any) { r[fmt.Sprintf(format, args...)]++ }

func (r reasons) list() []string {
	out := make([]string, 0, len(r))
	for k, n := range r {
		out = append(out, fmt.Sprintf("%s (%d)", k, n))
	}
	sort.Strings(out)
	return out
}

func (c *Chain) byCountry(in []domain.FilterableEvent, target country.Context, tr *domain.Trace) []domain.FilterableEvent {
	rs := reasons{}
	var out []domain.FilterableEvent
	for _, e := range in {
		ok, why := c.countryMatch(e, target)
		if ok {
			if why != "" {
				rs.add("kept: %s", why)
			}
			out = append(out, e)
			continue
		}
		rs.add("dropped: %s", why)
	}
	tr.Stage(StageCountry, len(in), len(out), rs.list()...)
	return out
}

func (c *Chain) countryMatch(e domain.FilterableEvent, target country.Context) (bool, string) {
	if target.ISO2 == "EU" {
		return true, ""
	}
	code, known := country.CountryForName(e.Country)
	if known && code == target.ISO2 {
		return true, ""
	}
	if !c.flags.RelaxCountry {
		if e.Country == "" {
			return false, "no country"
		}
		return false, "country " + e.Country
	}

	// Relaxed: accept softer signals, but never an explicit other country
	// outside the German-speaking group.
	if known && country.GermanSpeaking(target.ISO2) && country.GermanSpeaking(code) {
		return true, "german-speaking country " + code
	}
	if known && e.Country != "" {
		return false, "country " + e.Country
	}
	if host := domain.Host(e.URL); target.TLD != "" && strings.HasSuffix(host, target.TLD) {
		return true, "tld " + target.TLD
	}
	text := e.Text()
	if city, ok := target.MentionsCity(text); ok {
		return true, "city " + city
	}
	if e.City != "" {
		if cc, ok := country.CountryForCity(e.City); ok && cc == target.ISO2 {
			return true, "city " + e.City
		}
	}
	for _, tok := range target.CountryNames {
		if containsFold(text, tok) {
			return true, "mentions " + tok
		}
	}
	if target.Locale == "de" && isGerman(text) {
		return true, "german-language text"
	}
	return false, "no country signal"
}

func (c *Chain) byDate(in []domain.FilterableEvent, w Window, tr *domain.Trace) []domain.FilterableEvent {
	if w.IsZero() {
		tr.Stage(StageDate, len(in), len(in), "no date window")
		return in
	}
	rs := reasons{}
	var out []domain.FilterableEvent
	for _, e := range in {
		var why string
		switch {
		case e.StartsAt == nil || e.StartsAt.IsZero():
			why = "no date"
		case !w.Contains(*e.StartsAt):
			why = "out of range"
		default:
			out = append(out, e)
			continue
		}
		if c.flags.RelaxDate {
			e.UndatedCandidate = true
			rs.add("undated candidate: %s", why)
			out = append(out, e)
			continue
		}
		rs.add("dropped: %s", why)
	}
	tr.Stage(StageDate, len(in), len(out), rs.list()...)
	return out
}

func (c *Chain) byLegal(in []domain.FilterableEvent, tr *domain.Trace) []domain.FilterableEvent {
	rs := reasons{}
	var out []domain.FilterableEvent
	for _, e := range in {
		text := strings.ToLower(e.Text())
		hasDomain := containsAny(text, c.domain)
		hasEvent := containsAny(text, c.events)
		switch {
		case hasDomain && hasEvent:
			out = append(out, e)
		case !hasDomain:
			rs.add("dropped: no domain keyword")
		default:
			rs.add("dropped: no event keyword")
		}
	}
	tr.Stage(StageLegal, len(in), len(out), rs.list()...)
	return out
}

// dedupe drops repeats by normalized URL across the whole input, then by
// normalized title among the survivors. The first occurrence wins.
func dedupe(in []domain.FilterableEvent, tr *domain.Trace) []domain.FilterableEvent {
	rs := reasons{}
	byURL := firstBy(in, func(e domain.FilterableEvent) string { return domain.NormalizeURL(e.URL) }, rs, "duplicate url")
	out := firstBy(byURL, func(e domain.FilterableEvent) string { return domain.NormalizeTitle(e.Title) }, rs, "duplicate title")
	tr.Stage(StageDedup, len(in), len(out), rs.list()...)
	return out
}

// firstBy keeps the first event per non-empty key; events with an empty key
// always pass.
func firstBy(in []domain.FilterableEvent, key func(domain.FilterableEvent) string, rs reasons, reason string) []domain.FilterableEvent {
	seen := map[string]bool{}
	var out []domain.FilterableEvent
	for _, e := range in {
		k := key(e)
		if k != "" && seen[k] {
			rs.add("%s", reason)
			continue
		}
		if k != "" {
			seen[k] = true
		}
		out = append(out, e)
	}
	return out
}

func dropUndated(in []domain.FilterableEvent, tr *domain.Trace) []domain.FilterableEvent {
	var out []domain.FilterableEvent
	for _, e := range in {
		if !e.UndatedCandidate {
			out = append(out, e)
		}
	}
	if d := len(in) - len(out); d > 0 {
		tr.Stage(StageUndated, len(in), len(out), fmt.Sprintf("dropped: undated candidates not allowed (%d)", d))
	}
	return out
}

func isGerman(text string) bool {
	t := " " + strings.ToLower(text) + " "
	hits := 0
	for _, m := range germanMarkers {
		if strings.Contains(t, m) {
			hits++
		}
	}
	return hits >= 2
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func containsFold(text, sub string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(sub))
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

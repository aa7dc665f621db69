package filter

import (
	"fmt"
	"regexp"
	"time"

	"github.com/WessleyAI/eventscout/engine/country"
	"github.com/WessleyAI/eventscout/engine/domain"
)

// StageScope is the trace stage recorded by ValidateAll.
const StageScope = "scope"

// DefaultDateTolerance is how far past DateTo an event may start.
const DefaultDateTolerance = 7 * 24 * time.Hour

// globalListPatterns match listing roots, optionally behind a two-letter
// language prefix, and pagination. Event pages below a listing root pass.
var globalListPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(/[a-z]{2})?/(events?|calendar|kalender|veranstaltungen|termine|agenda|conferences|upcoming-events)/?$`),
	regexp.MustCompile(`/page/\d+/?$`),
	regexp.MustCompile(`^(/[a-z]{2})?/(events?|calendar|kalender|veranstaltungen|termine)/(list|month|week|all)/?$`),
}

// Scope is what a candidate must fall within.
type Scope struct {
	Country          string
	DateFrom         time.Time
	DateTo           time.Time
	AllowGlobalLists bool
}

// Verdict is the validator's answer. Reason is set for every outcome.
type Verdict struct {
	Passes bool   `json:"passes"`
	Reason string `json:"reason"`
}

// ScopeValidator is the final per-candidate check.
type ScopeValidator struct {
	Tolerance time.Duration
}

// NewScopeValidator uses DefaultDateTolerance.
func NewScopeValidator() *ScopeValidator {
	return &ScopeValidator{Tolerance: DefaultDateTolerance}
}

// IsGlobalListPage reports whether rawURL looks like a listing root.
func IsGlobalListPage(rawURL string) bool {
	p := domain.Path(rawURL)
	for _, re := range globalListPatterns {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}

// Validate never panics; an internal failure yields a failing verdict.
func (v *ScopeValidator) Validate(e domain.FilterableEvent, s Scope) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			verdict = Verdict{Reason: fmt.Sprintf("validator error: %v", r)}
		}
	}()

	if e.URL != "" && !s.AllowGlobalLists && IsGlobalListPage(e.URL) {
		return Verdict{Reason: "global listing page"}
	}

	if cityCode, ok := country.CountryForCity(e.City); ok {
		if code, ok := country.CountryForName(e.Country); ok && code != "EU" && cityCode != code {
			return Verdict{Reason: fmt.Sprintf("city %s is in %s but country is %s", e.City, cityCode, code)}
		}
		// Without a country field the scope's country stands in, allowing
		// German-speaking neighbours.
		target, _ := country.ToISO2(s.Country)
		if e.Country == "" && target != "" && target != "EU" && cityCode != target &&
			!(country.GermanSpeaking(target) && country.GermanSpeaking(cityCode)) {
			return Verdict{Reason: fmt.Sprintf("city %s is in %s but scope is %s", e.City, cityCode, target)}
		}
	}

	if e.UndatedCandidate {
		return Verdict{Passes: true, Reason: "undated candidate; date deferred to relaxed date filter"}
	}
	if e.StartsAt == nil || e.StartsAt.IsZero() {
		return Verdict{Passes: true, Reason: "no date; deferred to date filter"}
	}
	start := *e.StartsAt
	if !s.DateFrom.IsZero() && start.Before(s.DateFrom) {
		return Verdict{Reason: "starts before window"}
	}
	if s.DateTo.IsZero() {
		return Verdict{Passes: true, Reason: "in scope"}
	}
	end := endOfDay(s.DateTo)
	if !start.After(end) {
		return Verdict{Passes: true, Reason: "in scope"}
	}
	tol := v.Tolerance
	if tol <= 0 {
		tol = DefaultDateTolerance
	}
	if !start.After(end.Add(tol)) {
		return Verdict{Passes: true, Reason: "within date tolerance"}
	}
	return Verdict{Reason: "starts after window"}
}

// ValidateAll keeps the events that pass and records the stage on tr.
func (v *ScopeValidator) ValidateAll(events []domain.FilterableEvent, s Scope, tr *domain.Trace) ([]domain.FilterableEvent, []Verdict) {
	rs := reasons{}
	var out []domain.FilterableEvent
	verdicts := make([]Verdict, len(events))
	for i, e := range events {
		verdicts[i] = v.Validate(e, s)
		if verdicts[i].Passes {
			out = append(out, e)
			continue
		}
		rs.add("dropped: %s", reasonKind(verdicts[i].Reason))
	}
	tr.Stage(StageScope, len(events), len(out), rs.list()...)
	return out, verdicts
}

// reasonKind collapses per-item details so trace reasons aggregate.
func reasonKind(r string) string {
	if len(r) > 5 && r[:5] == "city " {
		return "city/country conflict"
	}
	return r
}

package filter

import (
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/eventscout/engine/config"
	"github.com/WessleyAI/eventscout/engine/country"
	"github.com/WessleyAI/eventscout/engine/domain"
)

func day(s string) *time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func mustDay(s string) time.Time { return *day(s) }

var march = Window{From: mustDay("2026-03-01"), To: mustDay("2026-03-31")}

func legalEvent(url, title, countryField string, start *time.Time) domain.FilterableEvent {
	return domain.FilterableEvent{URL: url, Title: title + " legal conference", Country: countryField, StartsAt: start}
}

func TestStrictCountryExactMatchOnly(t *testing.T) {
	in := []domain.FilterableEvent{
		legalEvent("https://a.de", "A", "DE", day("2026-03-10")),
		legalEvent("https://b.de", "B", "Germany", day("2026-03-10")),
		legalEvent("https://c.at", "C", "AT", day("2026-03-10")),
		legalEvent("https://d.de", "D Berlin", "", day("2026-03-10")),
	}
	tr := domain.NewTrace()
	out := NewChain(config.Flags{}, Options{}).Apply(in, country.GetContext("DE"), march, tr)
	if len(out) != 2 || out[0].URL != "https://a.de" || out[1].URL != "https://b.de" {
		t.Fatalf("got %+v", out)
	}
	st, _ := tr.Get(StageCountry)
	if st.Before != 4 || st.After != 2 || len(st.Reasons) == 0 {
		t.Fatalf("trace %+v", st)
	}
}

func TestRelaxedCountryAcceptsSofterSignals(t *testing.T) {
	in := []domain.FilterableEvent{
		legalEvent("https://c.at", "Austria", "AT", day("2026-03-10")),
		legalEvent("https://d.de", "TLD only", "", day("2026-03-10")),
		legalEvent("https://x.com", "Event in München", "", day("2026-03-10")),
		legalEvent("https://y.com", "Deutschland edition", "", day("2026-03-10")),
		{URL: "https://z.com", Title: "Die Legal Tech Konferenz für Juristen und Kanzleien", StartsAt: day("2026-03-10")},
		legalEvent("https://p.fr", "Paris", "FR", day("2026-03-10")),
		legalEvent("https://q.com", "Nowhere", "", day("2026-03-10")),
	}
	out := NewChain(config.Flags{RelaxCountry: true}, Options{}).Apply(in, country.GetContext("DE"), march, nil)
	var got []string
	for _, e := range out {
		got = append(got, e.URL)
	}
	want := []string{"https://c.at", "https://d.de", "https://x.com", "https://y.com", "https://z.com"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestStrictDateDropsMissingAndOutOfRange(t *testing.T) {
	in := []domain.FilterableEvent{
		legalEvent("https://a.de", "in", "DE", day("2026-03-31")),
		legalEvent("https://b.de", "late", "DE", day("2026-04-02")),
		legalEvent("https://c.de", "none", "DE", nil),
	}
	out := NewChain(config.Flags{}, Options{}).Apply(in, country.GetContext("DE"), march, nil)
	if len(out) != 1 || out[0].URL != "https://a.de" || out[0].UndatedCandidate {
		t.Fatalf("got %+v", out)
	}
}

func TestRelaxedDateMarksUndated(t *testing.T) {
	in := []domain.FilterableEvent{
		legalEvent("https://a.de", "in", "DE", day("2026-03-15")),
		legalEvent("https://b.de", "late", "DE", day("2026-05-01")),
		legalEvent("https://c.de", "none", "DE", nil),
	}

	tr := domain.NewTrace()
	out := NewChain(config.Flags{RelaxDate: true, AllowUndated: true}, Options{}).Apply(in, country.GetContext("DE"), march, tr)
	if len(out) != 3 || out[0].UndatedCandidate || !out[1].UndatedCandidate || !out[2].UndatedCandidate {
		t.Fatalf("got %+v", out)
	}
	if in[1].UndatedCandidate {
		t.Fatal("input must not be modified")
	}

	out = NewChain(config.Flags{RelaxDate: true}, Options{}).Apply(in, country.GetContext("DE"), march, tr)
	if len(out) != 1 || out[0].URL != "https://a.de" {
		t.Fatalf("undated must be excluded without ALLOW_UNDATED, got %+v", out)
	}
	if st, ok := tr.Get(StageUndated); !ok || st.After != 1 {
		t.Fatalf("trace %+v", st)
	}
}

func TestAllowUndatedAloneIsStrict(t *testing.T) {
	in := []domain.FilterableEvent{legalEvent("https://c.de", "none", "DE", nil)}
	out := NewChain(config.Flags{AllowUndated: true}, Options{}).Apply(in, country.GetContext("DE"), march, nil)
	if len(out) != 0 {
		t.Fatalf("got %+v", out)
	}
}

func TestLegalHeuristicNeedsBothKeywordKinds(t *testing.T) {
	in := []domain.FilterableEvent{
		{URL: "https://a.de", Title: "Compliance Summit 2026", Country: "DE"},
		{URL: "https://b.de", Title: "Datenschutz Tagung", Country: "DE"},
		{URL: "https://c.de", Title: "Cooking conference", Country: "DE"},
		{URL: "https://d.de", Title: "New GDPR guidance", Country: "DE"},
	}
	tr := domain.NewTrace()
	out := NewChain(config.Flags{}, Options{}).Apply(in, country.GetContext("DE"), Window{}, tr)
	if len(out) != 2 || out[0].URL != "https://a.de" || out[1].URL != "https://b.de" {
		t.Fatalf("got %+v", out)
	}
	st, _ := tr.Get(StageLegal)
	if len(st.Reasons) != 2 {
		t.Fatalf("reasons %v", st.Reasons)
	}
}

func TestDedupByURLThenTitle(t *testing.T) {
	in := []domain.FilterableEvent{
		{URL: "https://a.de/x/", Title: "Legal Summit", Country: "DE"},
		{URL: "http://A.DE/x", Title: "Other legal summit copy", Country: "DE"},
		{URL: "https://b.de/y", Title: "legal   summit!", Country: "DE"},
		{URL: "https://c.de/z", Title: "Compliance Workshop", Country: "DE"},
	}
	tr := domain.NewTrace()
	out := NewChain(config.Flags{}, Options{}).Apply(in, country.GetContext("DE"), Window{}, tr)
	if len(out) != 2 || out[0].URL != "https://a.de/x/" || out[1].URL != "https://c.de/z" {
		t.Fatalf("got %+v", out)
	}
	st, _ := tr.Get(StageDedup)
	if st.Before != 4 || st.After != 2 {
		t.Fatalf("trace %+v", st)
	}

	// A title duplicate still claims its URL for later items.
	in = []domain.FilterableEvent{
		{URL: "https://a.de/1", Title: "Legal Summit", Country: "DE"},
		{URL: "https://b.de/2", Title: "Legal Summit", Country: "DE"},
		{URL: "https://b.de/2", Title: "Compliance Conference", Country: "DE"},
	}
	out = NewChain(config.Flags{}, Options{}).Apply(in, country.GetContext("DE"), Window{}, nil)
	if len(out) != 1 || out[0].URL != "https://a.de/1" {
		t.Fatalf("got %+v", out)
	}
}

func TestStagesRecordedInOrder(t *testing.T) {
	tr := domain.NewTrace()
	NewChain(config.Flags{}, Options{}).Apply(nil, country.GetContext("DE"), march, tr)
	var names []string
	for _, s := range tr.Stages() {
		names = append(names, s.Name)
	}
	if strings.Join(names, ",") != "country,date,legal_heuristic,dedup" {
		t.Fatalf("stages %v", names)
	}
}

func TestCustomKeywords(t *testing.T) {
	in := []domain.FilterableEvent{{Title: "Tax Hackathon", Country: "DE"}}
	c := NewChain(config.Flags{}, Options{DomainKeywords: []string{"TAX"}, EventKeywords: []string{"hackathon"}})
	if out := c.Apply(in, country.GetContext("DE"), Window{}, nil); len(out) != 1 {
		t.Fatalf("got %+v", out)
	}
}

func TestScopeGlobalListPages(t *testing.T) {
	v := NewScopeValidator()
	cases := map[string]bool{
		"https://x.de/events":                   false,
		"https://x.de/events/":                  false,
		"https://x.de/de/veranstaltungen":       false,
		"https://x.de/calendar/page/2":          false,
		"https://x.de/events/legal-summit-2026": true,
		"https://x.de/konferenz":                true,
	}
	for u, want := range cases {
		got := v.Validate(domain.FilterableEvent{URL: u}, Scope{})
		if got.Passes != want {
			t.Errorf("%s: got %+v", u, got)
		}
		if got.Reason == "" {
			t.Errorf("%s: empty reason", u)
		}
	}
	if !v.Validate(domain.FilterableEvent{URL: "https://x.de/events"}, Scope{AllowGlobalLists: true}).Passes {
		t.Fatal("AllowGlobalLists must let listing pages through")
	}
}

func TestScopeCityCountryConflict(t *testing.T) {
	v := NewScopeValidator()
	if got := v.Validate(domain.FilterableEvent{City: "Berlin", Country: "France"}, Scope{}); got.Passes {
		t.Fatalf("conflict must fail: %+v", got)
	}
	if got := v.Validate(domain.FilterableEvent{City: "Berlin", Country: "DE"}, Scope{}); !got.Passes {
		t.Fatalf("consistent fields must pass: %+v", got)
	}
	if got := v.Validate(domain.FilterableEvent{City: "Paris"}, Scope{Country: "DE"}); got.Passes {
		t.Fatalf("city outside scope country must fail: %+v", got)
	}
	if got := v.Validate(domain.FilterableEvent{City: "Wien"}, Scope{Country: "DE"}); !got.Passes {
		t.Fatalf("german-speaking neighbour must pass: %+v", got)
	}
	if got := v.Validate(domain.FilterableEvent{City: "Springfield", Country: "FR"}, Scope{}); !got.Passes {
		t.Fatalf("unknown city carries no signal: %+v", got)
	}
}

func TestScopeDateTolerance(t *testing.T) {
	v := NewScopeValidator()
	s := Scope{DateFrom: mustDay("2026-03-01"), DateTo: mustDay("2026-03-31")}
	cases := []struct {
		start *time.Time
		want  bool
	}{
		{day("2026-03-15"), true},
		{day("2026-03-31"), true},
		{day("2026-04-07"), true},
		{day("2026-04-08"), false},
		{day("2026-02-28"), false},
		{nil, true},
	}
	for _, tc := range cases {
		got := v.Validate(domain.FilterableEvent{StartsAt: tc.start}, s)
		if got.Passes != tc.want {
			t.Errorf("%v: got %+v", tc.start, got)
		}
	}
}

func TestValidateAllRecordsStage(t *testing.T) {
	tr := domain.NewTrace()
	events := []domain.FilterableEvent{
		{URL: "https://x.de/events"},
		{URL: "https://x.de/e/1", City: "Berlin", Country: "FR"},
		{URL: "https://x.de/e/2"},
	}
	out, verdicts := NewScopeValidator().ValidateAll(events, Scope{}, tr)
	if len(out) != 1 || len(verdicts) != 3 {
		t.Fatalf("out %+v verdicts %+v", out, verdicts)
	}
	st, _ := tr.Get(StageScope)
	if st.Before != 3 || st.After != 1 || len(st.Reasons) != 2 {
		t.Fatalf("trace %+v", st)
	}
}

func TestUndatedCandidatesSurviveScope(t *testing.T) {
	in := []domain.FilterableEvent{
		legalEvent("https://a.de/e/1", "in", "DE", day("2026-03-15")),
		legalEvent("https://b.de/e/2", "late", "DE", day("2026-05-01")),
		legalEvent("https://e.de/e/3", "early", "DE", day("2026-01-10")),
	}
	scope := Scope{Country: "DE", DateFrom: march.From, DateTo: march.To}

	tr := domain.NewTrace()
	chained := NewChain(config.Flags{RelaxDate: true, AllowUndated: true}, Options{}).Apply(in, country.GetContext("DE"), march, tr)
	out, verdicts := NewScopeValidator().ValidateAll(chained, scope, tr)
	if len(out) != 3 {
		t.Fatalf("out %+v verdicts %+v", out, verdicts)
	}
	if verdicts[1].Reason != "undated candidate; date deferred to relaxed date filter" {
		t.Fatalf("verdict %+v", verdicts[1])
	}

	// Unmarked events keep the strict date check.
	out, _ = NewScopeValidator().ValidateAll(in, scope, nil)
	if len(out) != 1 || out[0].URL != "https://a.de/e/1" {
		t.Fatalf("got %+v", out)
	}

	// City conflicts still apply to undated candidates.
	e := chained[1]
	e.City, e.Country = "Paris", "DE"
	if v := NewScopeValidator().Validate(e, scope); v.Passes {
		t.Fatalf("verdict %+v", v)
	}
}

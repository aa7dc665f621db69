package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/eventscout/engine/domain"
	"github.com/WessleyAI/eventscout/engine/filter"
	"github.com/WessleyAI/eventscout/engine/gateway"
	"github.com/WessleyAI/eventscout/engine/provider"
	"github.com/WessleyAI/eventscout/engine/rerank"
	"github.com/WessleyAI/eventscout/engine/snippet"
	"github.com/WessleyAI/eventscout/pkg/metrics"
)

func static(name string, results ...provider.Result) provider.Func {
	return provider.Func{ID: name, Fn: func(context.Context, provider.Request) (provider.Response, error) {
		return provider.Response{Results: results, Metrics: provider.Metrics{CostPence: 2}}, nil
	}}
}

func failing(name string) provider.Func {
	return provider.Func{ID: name, Fn: func(context.Context, provider.Request) (provider.Response, error) {
		return provider.Response{}, &domain.ProviderError{Provider: name, Status: 503, Err: errors.New("unavailable")}
	}}
}

var marchResults = []provider.Result{
	{URL: "https://kanzlei.de/events/legal-tech-konferenz", Title: "Legal Tech Konferenz Berlin", Snippet: "Compliance conference am 10.03.2026 in Berlin"},
	{URL: "https://www.eventbrite.de/e/123", Title: "Legal Konferenz Tickets", Snippet: "10.03.2026"},
	{URL: "https://legal.example.fr/summit", Title: "Legal Summit Paris", Snippet: "Conference 12.03.2026"},
	{URL: "https://koch.de/kurs", Title: "Kochkurs Konferenz", Snippet: "am 11.03.2026"},
	{URL: "https://recht.de/tagung", Title: "Datenschutz Tagung München", Snippet: "15.03.2026"},
}

func march() (time.Time, time.Time) {
	return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
}

func newPipeline(pub TracePublisher, providers ...provider.Provider) *Pipeline {
	return New(Options{
		Gateway:   gateway.New(gateway.Options{Providers: providers}),
		Publisher: pub,
		Metrics:   metrics.New(),
	})
}

func TestSearchEndToEnd(t *testing.T) {
	from, to := march()
	p := newPipeline(nil, static("p", marchResults...))
	resp, err := p.Search(context.Background(), Request{Query: "legal conference", Country: "DE", DateFrom: from, DateTo: to})
	if err != nil {
		t.Fatal(err)
	}
	var urls []string
	for _, r := range resp.Results {
		urls = append(urls, r.URL)
	}
	want := "https://kanzlei.de/events/legal-tech-konferenz,https://recht.de/tagung"
	if strings.Join(urls, ",") != want {
		t.Fatalf("got %v", urls)
	}
	first := resp.Results[0]
	if first.Provider != "p" || first.Event.City != "Berlin" || first.Event.Country != "DE" || first.Score <= resp.Results[1].Score {
		t.Fatalf("first result %+v", first)
	}
	if resp.Country != "DE" || resp.Locale != "de" || resp.CostPence != 2 {
		t.Fatalf("response %+v", resp)
	}

	stages := map[string]domain.StageTrace{}
	var names []string
	for _, s := range resp.Trace.Stages {
		stages[s.Name] = s
		names = append(names, s.Name)
	}
	wantOrder := []string{
		gateway.StageName, StagePrefilter, rerank.StageName, StageExtract,
		filter.StageCountry, filter.StageDate, filter.StageLegal, filter.StageDedup,
		filter.StageScope, StageLimit,
	}
	if strings.Join(names, ",") != strings.Join(wantOrder, ",") {
		t.Fatalf("stages %v", names)
	}
	if pf := stages[StagePrefilter]; pf.Before != 5 || pf.After != 4 {
		t.Fatalf("prefilter %+v", pf)
	}
	if c := stages[filter.StageCountry]; c.After != 3 {
		t.Fatalf("country %+v", c)
	}
	if l := stages[filter.StageLegal]; l.After != 2 {
		t.Fatalf("legal %+v", l)
	}
}

func TestCountryLocalizationProperty(t *testing.T) {
	cases := []struct {
		country, locale, tld string
		forbidden            []string
	}{
		{"DE", "de", "site:.de", []string{".fr", "France", "Paris"}},
		{"FR", "en", "site:.fr", []string{".de", "Deutschland", "Berlin"}},
	}
	for _, tc := range cases {
		p := newPipeline(nil, static("p"))
		resp, err := p.Search(context.Background(), Request{Query: "legal conference", Country: tc.country})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Locale != tc.locale {
			t.Errorf("%s: locale %q", tc.country, resp.Locale)
		}
		q := resp.Providers[0].Query
		if !strings.Contains(q, tc.tld) {
			t.Errorf("%s: query %q lacks %s", tc.country, q, tc.tld)
		}
		for _, f := range tc.forbidden {
			if strings.Contains(q, f) {
				t.Errorf("%s: query %q leaks %q", tc.country, q, f)
			}
		}
	}
}

func TestSearchLimit(t *testing.T) {
	from, to := march()
	p := newPipeline(nil, static("p", marchResults...))
	resp, err := p.Search(context.Background(), Request{Query: "legal conference", Country: "DE", DateFrom: from, DateTo: to, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("got %d results", len(resp.Results))
	}
	last := resp.Trace.Stages[len(resp.Trace.Stages)-1]
	if last.Name != StageLimit || last.Before != 2 || last.After != 1 ||
		len(last.Reasons) != 1 || last.Reasons[0] != "dropped: over limit 1 (1)" {
		t.Fatalf("limit stage %+v", last)
	}
}

func TestInvalidInputIsTheOnlyError(t *testing.T) {
	pub := &MemoryPublisher{}
	p := newPipeline(pub, static("p"))
	_, err := p.Search(context.Background(), Request{Query: "  "})
	if !errors.Is(err, domain.ErrEmptyQuery) {
		t.Fatalf("got %v", err)
	}
	from, to := march()
	_, err = p.Search(context.Background(), Request{Query: "x", DateFrom: to, DateTo: from})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || !errors.Is(err, domain.ErrInvalidDateRange) {
		t.Fatalf("got %v", err)
	}
	if len(pub.Events()) != 0 {
		t.Fatal("rejected searches must not publish traces")
	}
}

func TestAllProvidersFailingIsNotAnError(t *testing.T) {
	p := newPipeline(nil, failing("a"), failing("b"))
	resp, err := p.Search(context.Background(), Request{Query: "legal conference", Country: "DE"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 0 || len(resp.Providers) != 2 {
		t.Fatalf("response %+v", resp)
	}
	if len(resp.Trace.Notes) < 2 {
		t.Fatalf("provider failures must be noted: %v", resp.Trace.Notes)
	}
}

func TestUnknownCountryFallsBackToDE(t *testing.T) {
	p := newPipeline(nil, static("p"))
	resp, err := p.Search(context.Background(), Request{Query: "legal conference", Country: "INVALID"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Country != "DE" || resp.Locale != "de" {
		t.Fatalf("response %+v", resp)
	}
	if len(resp.Trace.Notes) == 0 || !strings.Contains(resp.Trace.Notes[0], "INVALID") {
		t.Fatalf("notes %v", resp.Trace.Notes)
	}
}

func TestTracesArePublished(t *testing.T) {
	pub := &MemoryPublisher{}
	p := newPipeline(pub, static("p", marchResults...))
	from, to := march()
	resp, err := p.Search(context.Background(), Request{Query: "legal conference", Country: "DE", DateFrom: from, DateTo: to})
	if err != nil {
		t.Fatal(err)
	}
	evs := pub.Events()
	if len(evs) != 1 || evs[0].Trace.ID != resp.Trace.ID || evs[0].Results != len(resp.Results) {
		t.Fatalf("published %+v", evs)
	}

	pub.Err = errors.New("nats down")
	if _, err := p.Search(context.Background(), Request{Query: "legal conference"}); err != nil {
		t.Fatalf("publish failure must not fail the search: %v", err)
	}
}

func TestSearchFunctionShape(t *testing.T) {
	p := newPipeline(nil, static("p", marchResults...), failing("q"))
	res, err := p.SearchFunction(context.Background(), "legal conference", "DE")
	if err != nil {
		t.Fatal(err)
	}
	if res.Metrics.Providers != 2 || res.Metrics.ProvidersFailed != 1 || res.Metrics.CostPence != 2 {
		t.Fatalf("metrics %+v", res.Metrics)
	}
	// No date window: both German events survive the strict chain.
	if len(res.Results) != 2 || res.Results[0].URL != "https://kanzlei.de/events/legal-tech-konferenz" {
		t.Fatalf("results %+v", res.Results)
	}
	if res.Metrics.Stages[StageLimit] != 2 {
		t.Fatalf("stages %v", res.Metrics.Stages)
	}
	if _, err := p.SearchFunction(context.Background(), "", "DE"); err == nil {
		t.Fatal("empty query must fail")
	}
}

func TestSnippetEnrichment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`<html><head><title>Legal Tech Konferenz</title>
<meta name="description" content="Compliance Konferenz am 10.03.2026 in Berlin"></head>
<body><p>Programm und Anmeldung</p></body></html>`))
	}))
	defer srv.Close()

	from, to := march()
	p := New(Options{
		Gateway: gateway.New(gateway.Options{Providers: []provider.Provider{
			static("p", provider.Result{URL: srv.URL + "/ltk"}, provider.Result{URL: srv.URL + "/gone"}),
		}}),
		Snippets: snippet.New(snippet.Options{Client: srv.Client()}),
	})
	resp, err := p.Search(context.Background(), Request{Query: "legal conference", Country: "DE", DateFrom: from, DateTo: to})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("results %+v", resp.Results)
	}
	r := resp.Results[0]
	if r.Title != "Legal Tech Konferenz" || r.Snippet != "Compliance Konferenz am 10.03.2026 in Berlin" || r.Event.City != "Berlin" {
		t.Fatalf("result %+v", r)
	}
	var st domain.StageTrace
	for _, s := range resp.Trace.Stages {
		if s.Name == StageSnippets {
			st = s
		}
	}
	if st.Name == "" || len(st.Reasons) != 1 {
		t.Fatalf("snippet stage %+v", st)
	}
}

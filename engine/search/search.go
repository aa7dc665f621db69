// Package search is the pipeline entry point. A Pipeline resolves the target
// country, fans the query out through the gateway, drops aggregator noise,
// reranks, extracts event metadata, filters and scope-checks the candidates
// and returns a bounded result set with the per-stage trace.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/WessleyAI/eventscout/engine/config"
	"github.com/WessleyAI/eventscout/engine/country"
	"github.com/WessleyAI/eventscout/engine/domain"
	"github.com/WessleyAI/eventscout/engine/extract"
	"github.com/WessleyAI/eventscout/engine/filter"
	"github.com/WessleyAI/eventscout/engine/gateway"
	"github.com/WessleyAI/eventscout/engine/rerank"
	"github.com/WessleyAI/eventscout/engine/snippet"
	"github.com/WessleyAI/eventscout/pkg/fn"
	"github.com/WessleyAI/eventscout/pkg/metrics"
)

// Trace stages recorded by the pipeline itself; the gateway, filter chain,
// rerank and scope stages are recorded by their packages.
const (
	StagePrefilter = "prefilter"
	StageSnippets  = "snippets"
	StageExtract   = "extract"
	StageLimit     = "limit"
)

const defaultLimit = 20

// Options wires a Pipeline. Gateway is required; everything else has a
// usable default.
type Options struct {
	Gateway   *gateway.Gateway
	Reranker  *rerank.Reranker
	Snippets  *snippet.Fetcher
	Extractor extract.Extractor
	Chain     *filter.Chain
	Scope     *filter.ScopeValidator
	Publisher TracePublisher
	Metrics   *metrics.Registry
	Logger    *slog.Logger

	// MinNonAggregator is the prefilter backstop threshold.
	MinNonAggregator int
	// SnippetMax bounds how many candidates get a page fetch.
	SnippetMax     int
	SnippetWorkers int
	SnippetTimeout time.Duration
	ExtractWorkers int
	DefaultLimit   int
}

// Pipeline is safe for concurrent use; each Search gets its own trace.
type Pipeline struct {
	opts Options
	log  *slog.Logger

	searches  *metrics.Counter
	invalid   *metrics.Counter
	empty     *metrics.Counter
	duration  *metrics.Histogram
	returned  *metrics.Histogram
	publishes *metrics.Counter
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Gateway == nil {
		panic("search: nil gateway")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reranker == nil {
		opts.Reranker = rerank.New(nil, rerank.Weights{}, opts.Logger)
	}
	if opts.Extractor == nil {
		opts.Extractor = extract.Heuristic{}
	}
	if opts.Chain == nil {
		opts.Chain = filter.NewChain(config.Flags{}, filter.Options{Logger: opts.Logger})
	}
	if opts.Scope == nil {
		opts.Scope = filter.NewScopeValidator()
	}
	if opts.SnippetMax <= 0 {
		opts.SnippetMax = 20
	}
	if opts.SnippetWorkers <= 0 {
		opts.SnippetWorkers = 4
	}
	if opts.SnippetTimeout <= 0 {
		opts.SnippetTimeout = 10 * time.Second
	}
	if opts.ExtractWorkers <= 0 {
		opts.ExtractWorkers = 8
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = defaultLimit
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	m := opts.Metrics
	return &Pipeline{
		opts:      opts,
		log:       opts.Logger,
		searches:  m.Counter("eventscout_searches_total", "Pipeline invocations"),
		invalid:   m.Counter("eventscout_search_invalid_total", "Searches rejected by input validation"),
		empty:     m.Counter("eventscout_search_empty_total", "Searches that returned no results"),
		duration:  m.Histogram("eventscout_search_duration_seconds", "Pipeline latency", nil),
		returned:  m.Histogram("eventscout_search_results", "Results returned per search", []float64{0, 1, 5, 10, 20, 50, 100}),
		publishes: m.Counter("eventscout_trace_publish_errors_total", "Failed trace publications"),
	}
}

// Request is the pipeline input.
type Request = domain.SearchRequest

// Response is the pipeline output.
type Response struct {
	Query     string               `json:"query"`
	Country   string               `json:"country"`
	Locale    string               `json:"locale"`
	Results   []domain.Result      `json:"results"`
	Providers []gateway.Outcome    `json:"providers"`
	Rerank    rerank.Metrics       `json:"rerank"`
	CostPence float64              `json:"cost_pence"`
	Took      time.Duration        `json:"took"`
	Trace     domain.TraceSnapshot `json:"trace"`
}

// run wraps one pipeline stage in an OTel span.
func run[In, Out any](ctx context.Context, name string, in In, f func(context.Context, In) Out) Out {
	r := fn.TracedStage(name, func(ctx context.Context, in In) fn.Result[Out] {
		return fn.Ok(f(ctx, in))
	})(ctx, in)
	v, _ := r.Unwrap()
	return v
}

// Search runs the pipeline. It fails only on invalid input; provider, rate
// limit and cache failures degrade the result and are explained on the trace.
func (p *Pipeline) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if err := domain.ValidateRequest(req); err != nil {
		p.invalid.Inc()
		return nil, err
	}
	p.searches.Inc()

	ctx, span := otel.Tracer("engine/search").Start(ctx, "search.pipeline")
	defer span.End()

	tr := domain.NewTrace()
	target := country.GetContext(req.Country)
	if code, ok := country.ToISO2(req.Country); req.Country != "" && (!ok || code != target.ISO2) {
		tr.Note("country %q not recognised; using %s", req.Country, target.ISO2)
	}
	locale := country.DeriveLocale(target.ISO2, req.Locale)
	span.SetAttributes(
		attribute.String("query", req.Query),
		attribute.String("country", target.ISO2),
		attribute.String("locale", locale),
		attribute.String("trace_id", tr.ID()),
	)

	// Gateway.
	gres := run(ctx, "search.gateway", gateway.Request{
		Query:    strings.TrimSpace(req.Query),
		Country:  target,
		Locale:   locale,
		DateFrom: req.DateFrom,
		DateTo:   req.DateTo,
		Sources:  req.Sources,
	}, func(ctx context.Context, gr gateway.Request) *gateway.Result {
		return p.opts.Gateway.Search(ctx, gr, tr)
	})
	byURL := make(map[string]domain.Candidate, len(gres.Candidates))
	urls := make([]string, 0, len(gres.Candidates))
	for _, c := range gres.Candidates {
		byURL[c.URL] = c
		urls = append(urls, c.URL)
	}

	// Aggregator prefilter.
	pf := rerank.PreFilterAggregators(urls, p.opts.MinNonAggregator)
	var pfReasons []string
	if pf.AggregatorDropped > 0 {
		pfReasons = append(pfReasons, fmt.Sprintf("%d aggregator urls dropped", pf.AggregatorDropped))
	}
	if pf.BackstopKept > 0 {
		pfReasons = append(pfReasons, "kept one aggregator url as backstop")
	}
	tr.Stage(StagePrefilter, len(urls), len(pf.URLs), pfReasons...)

	cands := make([]domain.Candidate, 0, len(pf.URLs))
	for _, u := range pf.URLs {
		cands = append(cands, byURL[u])
	}

	// Snippet enrichment.
	if p.opts.Snippets != nil {
		cands = run(ctx, "search.snippets", cands, func(ctx context.Context, cs []domain.Candidate) []domain.Candidate {
			return p.enrich(ctx, cs, tr)
		})
	}

	// Rerank.
	items := make([]rerank.Item, len(cands))
	for i, c := range cands {
		items[i] = rerank.Item{URL: c.URL, Title: c.Title, Snippet: c.Snippet}
		byURL[c.URL] = c
	}
	ranked := run(ctx, "search.rerank", items, func(ctx context.Context, items []rerank.Item) rerank.Output {
		return p.opts.Reranker.Rerank(ctx, items, target, rerank.BaseParams{
			Query: req.Query, Country: target.ISO2, Locale: locale,
		}, tr)
	})
	scores := make(map[string]float64, len(ranked.Items))
	ordered := make([]domain.Candidate, 0, len(ranked.Items))
	for _, s := range ranked.Items {
		scores[s.URL] = s.Score
		ordered = append(ordered, byURL[s.URL])
	}

	// Extraction.
	events := run(ctx, "search.extract", ordered, func(ctx context.Context, cs []domain.Candidate) []domain.FilterableEvent {
		return p.extract(ctx, cs, tr)
	})

	// Filter chain and scope.
	events = run(ctx, "search.filter", events, func(_ context.Context, evs []domain.FilterableEvent) []domain.FilterableEvent {
		return p.opts.Chain.Apply(evs, target, filter.Window{From: req.DateFrom, To: req.DateTo}, tr)
	})
	events, _ = p.opts.Scope.ValidateAll(events, filter.Scope{
		Country:          target.ISO2,
		DateFrom:         req.DateFrom,
		DateTo:           req.DateTo,
		AllowGlobalLists: req.AllowGlobalLists,
	}, tr)

	// Limit.
	limit := req.Limit
	if limit == 0 {
		limit = p.opts.DefaultLimit
	}
	before := len(events)
	if len(events) > limit {
		events = events[:limit]
	}
	tr.Stage(StageLimit, before, len(events))
	if before > limit {
		tr.Reason(StageLimit, "dropped: over limit %d (%d)", limit, before-limit)
	}

	resp := &Response{
		Query:     req.Query,
		Country:   target.ISO2,
		Locale:    locale,
		Results:   make([]domain.Result, 0, len(events)),
		Providers: gres.Outcomes,
		Rerank:    ranked.Metrics,
	}
	for _, e := range events {
		c := byURL[e.URL]
		resp.Results = append(resp.Results, domain.Result{
			URL:      e.URL,
			Title:    firstNonEmpty(e.Title, c.Title),
			Snippet:  c.Snippet,
			Provider: c.Provider,
			Score:    scores[e.URL],
			Event:    e,
		})
	}
	for _, o := range gres.Outcomes {
		resp.CostPence += o.CostPence
	}
	resp.Took = time.Since(start)
	resp.Trace = tr.Snapshot()

	p.duration.Since(start)
	p.returned.Observe(float64(len(resp.Results)))
	if len(resp.Results) == 0 {
		p.empty.Inc()
	}
	span.SetAttributes(attribute.Int("results", len(resp.Results)))
	p.log.Info("search done",
		"trace", tr.ID(),
		"query", req.Query,
		"country", target.ISO2,
		"candidates", len(gres.Candidates),
		"results", len(resp.Results),
		"took", resp.Took,
	)
	p.publish(ctx, resp)
	return resp, nil
}

// enrich fetches page snippets for candidates that arrived without one.
func (p *Pipeline) enrich(ctx context.Context, cands []domain.Candidate, tr *domain.Trace) []domain.Candidate {
	var need []string
	for _, c := range cands {
		if c.Snippet == "" && len(need) < p.opts.SnippetMax {
			need = append(need, c.URL)
		}
	}
	if len(need) == 0 {
		tr.Stage(StageSnippets, len(cands), len(cands))
		return cands
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.SnippetTimeout)
	defer cancel()
	got := p.opts.Snippets.FetchAll(ctx, need, p.opts.SnippetWorkers)

	out := make([]domain.Candidate, len(cands))
	copy(out, cands)
	for i, c := range out {
		s, ok := got[c.URL]
		if !ok {
			continue
		}
		if c.Title == "" {
			out[i].Title = s.Title
		}
		out[i].Snippet = firstNonEmpty(s.Description, s.Text)
		out[i].Content = s.Text
	}
	var reasons []string
	if miss := len(need) - len(got); miss > 0 {
		reasons = append(reasons, fmt.Sprintf("%d page fetches failed", miss))
	}
	tr.Stage(StageSnippets, len(cands), len(cands), reasons...)
	tr.Note("fetched %d of %d missing snippets", len(got), len(need))
	return out
}

// extract derives events in candidate order. A failed extraction keeps the
// candidate with only its title, URL and snippet.
func (p *Pipeline) extract(ctx context.Context, cands []domain.Candidate, tr *domain.Trace) []domain.FilterableEvent {
	type res struct {
		ev  domain.FilterableEvent
		err error
	}
	results := fn.ParMap(cands, p.opts.ExtractWorkers, func(c domain.Candidate) res {
		ev, err := p.opts.Extractor.Extract(ctx, c)
		if err != nil {
			return res{ev: domain.FilterableEvent{Title: c.Title, URL: c.URL, Description: c.Snippet}, err: err}
		}
		if ev.URL == "" {
			ev.URL = c.URL
		}
		return res{ev: ev}
	})
	out := make([]domain.FilterableEvent, len(results))
	failed := 0
	for i, r := range results {
		out[i] = r.ev
		if r.err != nil {
			failed++
			p.log.Debug("extraction failed", "url", r.ev.URL, "err", r.err)
		}
	}
	var reasons []string
	if failed > 0 {
		reasons = append(reasons, fmt.Sprintf("%d extractions failed; kept bare", failed))
	}
	tr.Stage(StageExtract, len(cands), len(out), reasons...)
	return out
}

func (p *Pipeline) publish(ctx context.Context, resp *Response) {
	if p.opts.Publisher == nil {
		return
	}
	ev := TraceEvent{
		Query:     resp.Query,
		Country:   resp.Country,
		Locale:    resp.Locale,
		Results:   len(resp.Results),
		CostPence: resp.CostPence,
		TookMs:    resp.Took.Milliseconds(),
		Trace:     resp.Trace,
	}
	if err := p.opts.Publisher.PublishTrace(ctx, ev); err != nil {
		p.publishes.Inc()
		p.log.Warn("trace publish failed", "trace", resp.Trace.ID, "err", err)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

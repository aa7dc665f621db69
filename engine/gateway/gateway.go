// Package gateway fans a localized query out to every search provider. Each
// call goes through the request deduplicator, the query cache, the adaptive
// rate limiter and a per-provider circuit breaker, and a failing provider is
// skipped rather than failing the search.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WessleyAI/eventscout/engine/cache"
	"github.com/WessleyAI/eventscout/engine/country"
	"github.com/WessleyAI/eventscout/engine/dedup"
	"github.com/WessleyAI/eventscout/engine/domain"
	"github.com/WessleyAI/eventscout/engine/provider"
	"github.com/WessleyAI/eventscout/engine/ratelimit"
	"github.com/WessleyAI/eventscout/pkg/fn"
	"github.com/WessleyAI/eventscout/pkg/metrics"
	"github.com/WessleyAI/eventscout/pkg/resilience"
)

// StageName is the trace stage recorded by Search.
const StageName = "gateway"

// Limiter is the part of ratelimit.Limiter the gateway uses.
type Limiter interface {
	Check(ctx context.Context, service string) (ratelimit.Result, error)
	RecordResponseTime(ctx context.Context, service string, d time.Duration) error
}

// Options configures a Gateway. Cache, Limiter, Dedup and Metrics are
// optional; a nil one is skipped.
type Options struct {
	Providers []provider.Provider
	Cache     *cache.Layer[[]domain.Candidate]
	Limiter   Limiter
	Dedup     *dedup.Deduplicator[Fetch]
	Metrics   *metrics.Registry
	Breaker   resilience.BreakerOpts

	// ProviderTimeout bounds a single provider call.
	ProviderTimeout time.Duration
	// MaxRateLimitWait caps the one wait allowed after a denial; longer
	// retry-afters fail the provider immediately.
	MaxRateLimitWait time.Duration
	// PerProviderLimit is the result count asked of each provider.
	PerProviderLimit int
	RelaxCountry     bool
	Logger           *slog.Logger
}

// Gateway is safe for concurrent use.
type Gateway struct {
	opts     Options
	builder  QueryBuilder
	breakers map[string]*resilience.Breaker
	log      *slog.Logger
}

// New creates a Gateway.
func New(opts Options) *Gateway {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 20 * time.Second
	}
	if opts.MaxRateLimitWait <= 0 {
		opts.MaxRateLimitWait = 10 * time.Second
	}
	if opts.PerProviderLimit <= 0 {
		opts.PerProviderLimit = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	g := &Gateway{
		opts:     opts,
		builder:  QueryBuilder{RelaxCountry: opts.RelaxCountry},
		breakers: make(map[string]*resilience.Breaker, len(opts.Providers)),
		log:      opts.Logger,
	}
	for _, p := range opts.Providers {
		g.breakers[p.Name()] = resilience.NewBreaker(g.breakerOpts(p.Name()))
	}
	return g
}

// breakerOpts derives the per-provider breaker options. A caller giving up
// is not a provider failure.
func (g *Gateway) breakerOpts(name string) resilience.BreakerOpts {
	bo := g.opts.Breaker
	if bo.IsFailure == nil {
		bo.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	var gauge *metrics.Gauge
	if g.opts.Metrics != nil {
		gauge = g.opts.Metrics.Gauge(metrics.WithLabels("eventscout_provider_circuit_state", "provider", name),
			"Provider circuit state: 0 closed, 1 open, 2 half-open")
	}
	user := bo.OnStateChange
	bo.OnStateChange = func(from, to resilience.State) {
		g.log.Warn("provider circuit", "provider", name, "from", from.String(), "to", to.String())
		if gauge != nil {
			gauge.Set(int64(to))
		}
		if user != nil {
			user(from, to)
		}
	}
	return bo
}

// Providers returns the configured provider names in order.
func (g *Gateway) Providers() []string {
	out := make([]string, len(g.opts.Providers))
	for i, p := range g.opts.Providers {
		out[i] = p.Name()
	}
	return out
}

// BreakerState returns the circuit state of the named provider.
func (g *Gateway) BreakerState(name string) (resilience.State, bool) {
	b, ok := g.breakers[name]
	if !ok {
		return 0, false
	}
	return b.State(), true
}

// Request is one gateway search.
type Request struct {
	Query    string
	Country  country.Context
	Locale   string
	DateFrom time.Time
	DateTo   time.Time
	// Sources restricts the providers used; empty means all.
	Sources []string
}

// Outcome describes what happened with one provider.
type Outcome struct {
	Provider   string        `json:"provider"`
	Query      string        `json:"query"`
	Results    int           `json:"results"`
	Cached     bool          `json:"cached,omitempty"`
	Latency    time.Duration `json:"latency"`
	CostPence  float64       `json:"cost_pence,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Err        error         `json:"-"`
	Error      string        `json:"error,omitempty"`
}

// Result is the merged gateway output.
type Result struct {
	Candidates []domain.Candidate `json:"candidates"`
	Outcomes   []Outcome          `json:"outcomes"`
}

// Succeeded counts providers that returned without error.
func (r *Result) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

// Search queries every selected provider concurrently and merges their
// candidates in provider order, dropping repeated URLs. It never fails;
// provider problems are reported in Outcomes and on the trace.
func (g *Gateway) Search(ctx context.Context, req Request, tr *domain.Trace) *Result {
	ctx, span := otel.Tracer("engine/gateway").Start(ctx, "gateway.search")
	defer span.End()

	providers := g.selected(req.Sources)
	span.SetAttributes(attribute.String("country", req.Country.ISO2), attribute.Int("providers", len(providers)))

	outcomes := fn.ParMap(providers, len(providers), func(p provider.Provider) providerRun {
		return g.run(ctx, p, req)
	})

	res := &Result{}
	seen := map[string]bool{}
	raw := 0
	for _, o := range outcomes {
		res.Outcomes = append(res.Outcomes, o.outcome)
		if o.outcome.Err != nil {
			tr.Note("provider %s failed: %v", o.outcome.Provider, o.outcome.Err)
			continue
		}
		if o.outcome.Cached {
			tr.Note("provider %s served from query cache", o.outcome.Provider)
		}
		for _, c := range o.candidates {
			raw++
			key := domain.NormalizeURL(c.URL)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			res.Candidates = append(res.Candidates, c)
		}
	}

	var reasons []string
	if d := raw - len(res.Candidates); d > 0 {
		reasons = append(reasons, fmt.Sprintf("%d duplicate urls across providers", d))
	}
	if len(providers) > 0 && res.Succeeded() == 0 {
		reasons = append(reasons, "all providers failed")
		span.SetStatus(codes.Error, "all providers failed")
	}
	tr.Stage(StageName, raw, len(res.Candidates), reasons...)
	span.SetAttributes(attribute.Int("candidates", len(res.Candidates)))
	return res
}

func (g *Gateway) selected(sources []string) []provider.Provider {
	if len(sources) == 0 {
		return g.opts.Providers
	}
	want := map[string]bool{}
	for _, s := range sources {
		want[s] = true
	}
	var out []provider.Provider
	for _, p := range g.opts.Providers {
		if want[p.Name()] {
			out = append(out, p)
		}
	}
	return out
}

// Fetch is the shared result of one deduplicated provider call.
type Fetch struct {
	Candidates []domain.Candidate
	Cached     bool
	CostPence  float64
}

type providerRun struct {
	outcome    Outcome
	candidates []domain.Candidate
}

func (g *Gateway) run(ctx context.Context, p provider.Provider, req Request) providerRun {
	name := p.Name()
	q := g.builder.Build(req.Query, req.Country, provider.StyleOf(p))
	out := providerRun{outcome: Outcome{Provider: name, Query: q}}
	start := time.Now()

	params := dedup.Params{
		Query:    q,
		Location: req.Country.ISO2,
		Limit:    g.opts.PerProviderLimit,
		Sources:  []string{name},
		Extra:    map[string]any{"locale": req.Locale},
	}
	if !req.DateFrom.IsZero() {
		params.DateFrom = req.DateFrom.Format(time.DateOnly)
	}
	if !req.DateTo.IsZero() {
		params.DateTo = req.DateTo.Format(time.DateOnly)
	}
	key, err := dedup.Fingerprint(params)
	if err != nil {
		return g.finish(out, start, err)
	}

	exec := func(ctx context.Context) (Fetch, error) {
		return g.fetch(ctx, p, q, key, req)
	}
	var f Fetch
	if g.opts.Dedup != nil {
		f, err = g.opts.Dedup.ExecuteKey(ctx, key, exec)
	} else {
		f, err = exec(ctx)
	}
	out.candidates = f.Candidates
	out.outcome.Cached = f.Cached
	out.outcome.CostPence = f.CostPence
	return g.finish(out, start, err)
}

func (g *Gateway) finish(out providerRun, start time.Time, err error) providerRun {
	o := &out.outcome
	o.Latency = time.Since(start)
	o.Results = len(out.candidates)
	status := "ok"
	if o.Cached {
		status = "cached"
	}
	if err != nil {
		o.Err = err
		o.Error = err.Error()
		status = "error"
		var rl *domain.RateLimitError
		switch {
		case errors.As(err, &rl):
			o.RetryAfter = rl.RetryAfter
			status = "rate_limited"
		case errors.Is(err, resilience.ErrCircuitOpen):
			status = "circuit_open"
		}
		g.log.Warn("provider skipped", "provider", o.Provider, "status", status, "err", err)
	}
	if m := g.opts.Metrics; m != nil {
		m.Counter(metrics.WithLabels("eventscout_provider_calls_total", "provider", o.Provider, "status", status),
			"Provider calls by outcome").Inc()
		m.Histogram(metrics.WithLabels("eventscout_provider_latency_seconds", "provider", o.Provider),
			"Provider call latency", nil).Observe(o.Latency.Seconds())
	}
	return out
}

// fetch is the deduplicated unit of work: query cache, then rate limiter,
// then the breaker-guarded provider call.
func (g *Gateway) fetch(ctx context.Context, p provider.Provider, q, key string, req Request) (Fetch, error) {
	name := p.Name()
	ctx, cancel := context.WithTimeout(ctx, g.opts.ProviderTimeout+g.opts.MaxRateLimitWait)
	defer cancel()

	sum := sha256.Sum256([]byte(key))
	cacheKey := hex.EncodeToString(sum[:16])
	if g.opts.Cache != nil {
		if e, ok := g.opts.Cache.Get(ctx, cacheKey); ok {
			return Fetch{Candidates: e.Data, Cached: true}, nil
		}
	}

	if err := g.admit(ctx, name); err != nil {
		return Fetch{}, err
	}

	var resp provider.Response
	callStart := time.Now()
	invoked := false
	err := g.breakers[name].Call(ctx, func(ctx context.Context) error {
		invoked = true
		var err error
		resp, err = p.Search(ctx, provider.Request{
			Query:   q,
			Country: req.Country.ISO2,
			Locale:  req.Locale,
			Limit:   g.opts.PerProviderLimit,
			Timeout: g.opts.ProviderTimeout,
		})
		return err
	})
	if invoked && g.opts.Limiter != nil {
		if rerr := g.opts.Limiter.RecordResponseTime(ctx, name, time.Since(callStart)); rerr != nil {
			g.log.Warn("record response time", "provider", name, "err", rerr)
		}
	}
	if err != nil {
		return Fetch{}, err
	}

	cands := make([]domain.Candidate, 0, len(resp.Results))
	for _, r := range resp.Results {
		cands = append(cands, domain.Candidate{URL: r.URL, Title: r.Title, Snippet: r.Snippet, Content: r.Content, Provider: name})
	}
	if g.opts.Cache != nil {
		meta := cache.Metadata{Source: name, Country: req.Country.ISO2, QueryHash: cacheKey, Size: len(cands)}
		if err := g.opts.Cache.Put(ctx, cacheKey, cands, meta); err != nil {
			g.log.Warn("query cache write failed, continuing uncached", "provider", name, "err", err)
		}
	}
	return Fetch{Candidates: cands, CostPence: resp.Metrics.CostPence}, nil
}

// admit asks the limiter for a slot, waiting RetryAfter once if denied.
func (g *Gateway) admit(ctx context.Context, name string) error {
	if g.opts.Limiter == nil {
		return nil
	}
	res, err := g.opts.Limiter.Check(ctx, name)
	if err != nil {
		return fmt.Errorf("gateway: %s: %w", name, err)
	}
	if res.Allowed {
		return nil
	}
	if res.RetryAfter > g.opts.MaxRateLimitWait {
		return &domain.RateLimitError{Provider: name, RetryAfter: res.RetryAfter}
	}

	g.log.Info("rate limited, waiting once", "provider", name, "retry_after", res.RetryAfter)
	t := time.NewTimer(res.RetryAfter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	res, err = g.opts.Limiter.Check(ctx, name)
	if err != nil {
		return fmt.Errorf("gateway: %s: %w", name, err)
	}
	if !res.Allowed {
		return &domain.RateLimitError{Provider: name, RetryAfter: res.RetryAfter}
	}
	return nil
}

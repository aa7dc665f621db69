package search

import (
	"context"

	"github.com/WessleyAI/eventscout/engine/domain"
	"github.com/WessleyAI/eventscout/engine/gateway"
	"github.com/WessleyAI/eventscout/pkg/fn"
)

// EvalItem is one result in the evaluation-harness shape.
type EvalItem struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// EvalMetrics summarises one evaluation run.
type EvalMetrics struct {
	LatencyMs       int64          `json:"latencyMs"`
	CostPence       float64        `json:"costPence"`
	Providers       int            `json:"providers"`
	ProvidersFailed int            `json:"providersFailed"`
	Stages          map[string]int `json:"stages"`
}

// EvalResult is what SearchFunction returns. Its shape is relied upon by the
// evaluation harness and must stay stable.
type EvalResult struct {
	Results []EvalItem  `json:"results"`
	Metrics EvalMetrics `json:"metrics"`
}

// SearchFunction runs the pipeline with only a query and a country, the way
// the evaluation harness calls it.
func (p *Pipeline) SearchFunction(ctx context.Context, query, countryCode string) (EvalResult, error) {
	resp, err := p.Search(ctx, Request{Query: query, Country: countryCode})
	if err != nil {
		return EvalResult{}, err
	}
	out := EvalResult{
		Results: fn.Map(resp.Results, func(r domain.Result) EvalItem {
			return EvalItem{URL: r.URL, Title: r.Title, Snippet: r.Snippet, Score: r.Score}
		}),
		Metrics: EvalMetrics{
			LatencyMs: resp.Took.Milliseconds(),
			CostPence: resp.CostPence,
			Providers: len(resp.Providers),
			ProvidersFailed: len(fn.Filter(resp.Providers, func(o gateway.Outcome) bool {
				return o.Err != nil
			})),
			Stages: make(map[string]int, len(resp.Trace.Stages)),
		},
	}
	for _, s := range resp.Trace.Stages {
		out.Metrics.Stages[s.Name] = s.After
	}
	return out, nil
}

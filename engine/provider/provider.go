// Package provider defines the search-provider contract the gateway consumes
// and ships HTTP clients for Firecrawl, Google Custom Search and Tavily plus a
// keyword-matching RSS/Atom feed provider.
package provider

import (
	"context"
	"time"
)

// Request is one provider query. Query is already localized by the gateway.
type Request struct {
	Query   string
	Country string
	Locale  string
	Limit   int
	Timeout time.Duration
}

// Result is a single hit.
type Result struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Content string `json:"content,omitempty"`
}

// Metrics describes the cost of one call.
type Metrics struct {
	LatencyMs int64   `json:"latency_ms"`
	CostPence float64 `json:"cost_pence"`
}

// Response is what every provider returns.
type Response struct {
	Results []Result `json:"results"`
	Metrics Metrics  `json:"metrics"`
}

// Provider is a search or crawl backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, req Request) (Response, error)
}

// QueryStyle tells the query builder how a provider wants its query.
type QueryStyle int

const (
	// StyleOperators accepts search operators such as site:.
	StyleOperators QueryStyle = iota
	// StyleKeywords wants plain keywords only.
	StyleKeywords
)

// Styled is implemented by providers that do not take search operators.
type Styled interface {
	QueryStyle() QueryStyle
}

// StyleOf returns p's query style, defaulting to StyleOperators.
func StyleOf(p Provider) QueryStyle {
	if s, ok := p.(Styled); ok {
		return s.QueryStyle()
	}
	return StyleOperators
}

// Func adapts a function to Provider. Useful for tests and one-off sources.
type Func struct {
	ID string
	Fn func(ctx context.Context, req Request) (Response, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Search(ctx context.Context, req Request) (Response, error) {
	return f.Fn(ctx, req)
}

package provider

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/WessleyAI/eventscout/engine/ratelimit"
)

// Firecrawl calls the Firecrawl /v1/search endpoint, which returns page
// markdown alongside each hit.
type Firecrawl struct {
	http *httpClient
}

// NewFirecrawl creates the provider. BaseURL defaults to the public API.
func NewFirecrawl(opts HTTPOptions) *Firecrawl {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.firecrawl.dev"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Firecrawl{http: newHTTPClient(ratelimit.Firecrawl, opts)}
}

func (f *Firecrawl) Name() string { return ratelimit.Firecrawl }

type firecrawlRequest struct {
	Query         string         `json:"query"`
	Limit         int            `json:"limit"`
	Lang          string         `json:"lang,omitempty"`
	Country       string         `json:"country,omitempty"`
	ScrapeOptions map[string]any `json:"scrapeOptions,omitempty"`
}

type firecrawlResponse struct {
	Success bool `json:"success"`
	Data    []struct {
		URL         string `json:"url"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Markdown    string `json:"markdown"`
	} `json:"data"`
}

func (f *Firecrawl) Search(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()
	start := time.Now()

	body := firecrawlRequest{
		Query:         req.Query,
		Limit:         clampLimit(req.Limit, 10, 20),
		Lang:          req.Locale,
		Country:       strings.ToLower(req.Country),
		ScrapeOptions: map[string]any{"formats": []string{"markdown"}, "onlyMainContent": true},
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+f.http.opts.APIKey)

	var out firecrawlResponse
	if err := f.http.doJSON(ctx, http.MethodPost, f.http.opts.BaseURL+"/v1/search", h, body, &out); err != nil {
		return Response{}, err
	}

	resp := Response{Metrics: Metrics{LatencyMs: time.Since(start).Milliseconds()}}
	for _, d := range out.Data {
		if d.URL == "" {
			continue
		}
		resp.Results = append(resp.Results, Result{URL: d.URL, Title: d.Title, Snippet: d.Description, Content: d.Markdown})
	}
	resp.Metrics.CostPence = f.http.opts.CostPerCall * float64(max(len(resp.Results), 1))
	return resp, nil
}

package provider

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/WessleyAI/eventscout/engine/ratelimit"
)

// Tavily calls the Tavily /search endpoint.
type Tavily struct {
	http *httpClient
}

// NewTavily creates the provider.
func NewTavily(opts HTTPOptions) *Tavily {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.tavily.com"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Tavily{http: newHTTPClient(ratelimit.Tavily, opts)}
}

func (t *Tavily) Name() string { return ratelimit.Tavily }

type tavilyRequest struct {
	Query             string `json:"query"`
	MaxResults        int    `json:"max_results"`
	SearchDepth       string `json:"search_depth"`
	IncludeRawContent bool   `json:"include_raw_content"`
	Country           string `json:"country,omitempty"`
}

type tavilyResponse struct {
	Results []struct {
		URL        string  `json:"url"`
		Title      string  `json:"title"`
		Content    string  `json:"content"`
		RawContent string  `json:"raw_content"`
		Score      float64 `json:"score"`
	} `json:"results"`
}

func (t *Tavily) Search(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()
	start := time.Now()

	body := tavilyRequest{
		Query:       req.Query,
		MaxResults:  clampLimit(req.Limit, 10, 20),
		SearchDepth: "basic",
	}
	body.Country = tavilyCountries[strings.ToUpper(req.Country)]
	h := http.Header{}
	h.Set("Authorization", "Bearer "+t.http.opts.APIKey)

	var out tavilyResponse
	if err := t.http.doJSON(ctx, http.MethodPost, t.http.opts.BaseURL+"/search", h, body, &out); err != nil {
		return Response{}, err
	}

	resp := Response{Metrics: Metrics{LatencyMs: time.Since(start).Milliseconds(), CostPence: t.http.opts.CostPerCall}}
	for _, r := range out.Results {
		resp.Results = append(resp.Results, Result{URL: r.URL, Title: r.Title, Snippet: r.Content, Content: r.RawContent})
	}
	return resp, nil
}

// tavilyCountries maps ISO2 to the lower-case English names the API accepts.
var tavilyCountries = map[string]string{
	"DE": "germany",
	"AT": "austria",
	"CH": "switzerland",
	"FR": "france",
	"NL": "netherlands",
	"GB": "united kingdom",
	"IT": "italy",
	"ES": "spain",
	"US": "united states",
}

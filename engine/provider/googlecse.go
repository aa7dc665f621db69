package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/eventscout/engine/ratelimit"
)

// GoogleCSE queries a Google Programmable Search Engine.
type GoogleCSE struct {
	http *httpClient
	cx   string
}

// NewGoogleCSE creates the provider for search engine id cx.
func NewGoogleCSE(opts HTTPOptions, cx string) *GoogleCSE {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://www.googleapis.com"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &GoogleCSE{http: newHTTPClient(ratelimit.GoogleCSE, opts), cx: cx}
}

func (g *GoogleCSE) Name() string { return ratelimit.GoogleCSE }

type cseResponse struct {
	Items []struct {
		Link    string `json:"link"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

func (g *GoogleCSE) Search(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()
	start := time.Now()

	q := url.Values{}
	q.Set("key", g.http.opts.APIKey)
	q.Set("cx", g.cx)
	q.Set("q", req.Query)
	// The API caps num at 10.
	q.Set("num", strconv.Itoa(clampLimit(req.Limit, 10, 10)))
	if req.Country != "" && len(req.Country) == 2 {
		q.Set("gl", strings.ToLower(req.Country))
	}
	if req.Locale != "" {
		q.Set("lr", "lang_"+req.Locale)
		q.Set("hl", req.Locale)
	}
	u := fmt.Sprintf("%s/customsearch/v1?%s", g.http.opts.BaseURL, q.Encode())

	var out cseResponse
	if err := g.http.doJSON(ctx, http.MethodGet, u, nil, nil, &out); err != nil {
		return Response{}, err
	}

	resp := Response{Metrics: Metrics{LatencyMs: time.Since(start).Milliseconds(), CostPence: g.http.opts.CostPerCall}}
	for _, it := range out.Items {
		resp.Results = append(resp.Results, Result{URL: it.Link, Title: it.Title, Snippet: it.Snippet})
	}
	return resp, nil
}

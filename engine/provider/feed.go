package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// Feed pulls a fixed list of RSS/Atom feeds and matches items locally
// against the query keywords. Feeds are not queryable, so it wants
// StyleKeywords queries.
type Feed struct {
	name   string
	urls   []string
	client *http.Client
}

// NewFeed creates a feed provider over urls.
func NewFeed(name string, urls []string, client *http.Client) *Feed {
	if name == "" {
		name = "feeds"
	}
	if client == nil {
		client = NewHTTPClient(15 * time.Second)
	}
	return &Feed{name: name, urls: urls, client: client}
}

func (f *Feed) Name() string { return f.name }

func (f *Feed) QueryStyle() QueryStyle { return StyleKeywords }

type scoredItem struct {
	res   Result
	score int
}

func (f *Feed) Search(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()
	start := time.Now()

	keywords := keywordsOf(req.Query)
	if len(keywords) == 0 || len(f.urls) == 0 {
		return Response{}, nil
	}

	parser := gofeed.NewParser()
	parser.Client = f.client
	parser.UserAgent = userAgent

	var (
		items   []scoredItem
		lastErr error
		ok      int
	)
	for _, u := range f.urls {
		feed, err := parser.ParseURLWithContext(u, ctx)
		if err != nil {
			lastErr = err
			continue
		}
		ok++
		for _, it := range feed.Items {
			link := strings.TrimSpace(it.Link)
			if link == "" {
				continue
			}
			text := strings.ToLower(it.Title + " " + it.Description)
			score := 0
			for _, k := range keywords {
				if strings.Contains(text, k) {
					score++
				}
			}
			if score == 0 {
				continue
			}
			items = append(items, scoredItem{
				res:   Result{URL: link, Title: strings.TrimSpace(it.Title), Snippet: strings.TrimSpace(it.Description), Content: it.Content},
				score: score,
			})
		}
	}
	if ok == 0 && lastErr != nil {
		return Response{}, fmt.Errorf("provider %s: %w", f.name, lastErr)
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })
	limit := clampLimit(req.Limit, 10, 50)
	resp := Response{Metrics: Metrics{LatencyMs: time.Since(start).Milliseconds()}}
	for i := 0; i < len(items) && i < limit; i++ {
		resp.Results = append(resp.Results, items[i].res)
	}
	return resp, nil
}

// keywordsOf splits a keyword query into lower-case terms, dropping short
// words and anything that looks like a search operator.
func keywordsOf(q string) []string {
	var out []string
	seen := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(q)) {
		w = strings.Trim(w, `"'(),.;:`)
		if len(w) < 3 || strings.Contains(w, ":") || strings.HasPrefix(w, "-") || w == "and" || w == "the" || w == "und" {
			continue
		}
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

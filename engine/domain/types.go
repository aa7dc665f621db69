// Package domain defines the shared types, error taxonomy and input
// validation of the eventscout retrieval pipeline. It acts as the validation
// gate at pipeline entry points.
package domain

import "time"

// SearchRequest is the caller-facing pipeline input.
type SearchRequest struct {
	Query    string    `json:"query"`
	Country  string    `json:"country,omitempty"`
	Locale   string    `json:"locale,omitempty"`
	DateFrom time.Time `json:"date_from,omitzero"`
	DateTo   time.Time `json:"date_to,omitzero"`
	Limit    int       `json:"limit,omitempty"`
	Sources  []string  `json:"sources,omitempty"`
	// AllowGlobalLists lets listing roots such as /events through scope validation.
	AllowGlobalLists bool `json:"allow_global_lists,omitempty"`
}

// Candidate is one URL returned by a search provider, merged by the gateway.
type Candidate struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
	Content  string `json:"content,omitempty"`
	Provider string `json:"provider"`
}

// Text is the title and snippet joined, used for keyword and city matching.
func (c Candidate) Text() string {
	if c.Snippet == "" {
		return c.Title
	}
	return c.Title + " " + c.Snippet
}

// FilterableEvent is the per-candidate metadata the filter chain and scope
// validator work on. All fields are optional. UndatedCandidate is set only by
// the relaxed date filter.
type FilterableEvent struct {
	Title            string     `json:"title,omitempty"`
	URL              string     `json:"url,omitempty"`
	Country          string     `json:"country,omitempty"`
	City             string     `json:"city,omitempty"`
	StartsAt         *time.Time `json:"starts_at,omitempty"`
	EndsAt           *time.Time `json:"ends_at,omitempty"`
	Description      string     `json:"description,omitempty"`
	UndatedCandidate bool       `json:"undated_candidate,omitempty"`
}

// Text is the title and description joined.
func (e FilterableEvent) Text() string {
	if e.Description == "" {
		return e.Title
	}
	return e.Title + " " + e.Description
}

// Snippet is the fetched text of a page, stored in the snippet cache.
type Snippet struct {
	URL         string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Text        string    `json:"text,omitempty"`
	Language    string    `json:"language,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Result is one ranked, scoped pipeline output item.
type Result struct {
	URL      string          `json:"url"`
	Title    string          `json:"title,omitempty"`
	Snippet  string          `json:"snippet,omitempty"`
	Provider string          `json:"provider,omitempty"`
	Score    float64         `json:"score"`
	Event    FilterableEvent `json:"event"`
}

// Package rerank drops aggregator listing sites from gateway output and
// reorders the rest: an external base reranker supplies relevance order and
// a deterministic layer adds country bonuses on top.
package rerank

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/WessleyAI/eventscout/engine/country"
	"github.com/WessleyAI/eventscout/engine/domain"
)

// StageName is the trace stage recorded by Reranker.Rerank.
const StageName = "rerank"

// Weights are the additive score adjustments. Base scores are in (0, 1].
type Weights struct {
	TLDBonus        float64 `yaml:"tld_bonus" json:"tld_bonus"`
	CityBonus       float64 `yaml:"city_bonus" json:"city_bonus"`
	ConflictPenalty float64 `yaml:"conflict_penalty" json:"conflict_penalty"`
}

// DefaultWeights returns the standard bonus weights.
func DefaultWeights() Weights {
	return Weights{TLDBonus: 0.3, CityBonus: 0.2, ConflictPenalty: 0.4}
}

// Item is one candidate to rerank.
type Item struct {
	URL     string
	Title   string
	Snippet string
}

// Scored is an item with its final score and the adjustments applied.
type Scored struct {
	Item
	Base      float64  `json:"base"`
	Score     float64  `json:"score"`
	Bonuses   []string `json:"bonuses,omitempty"`
	Penalties []string `json:"penalties,omitempty"`
}

// Metrics counts what the bonus layer did.
type Metrics struct {
	Bonused    int  `json:"bonused"`
	Penalized  int  `json:"penalized"`
	BaseFailed bool `json:"base_failed"`
}

// Output is the reordered list.
type Output struct {
	Items   []Scored `json:"items"`
	Metrics Metrics  `json:"metrics"`
}

// URLs returns the reordered URLs.
func (o Output) URLs() []string {
	out := make([]string, len(o.Items))
	for i, s := range o.Items {
		out[i] = s.URL
	}
	return out
}

// Reranker applies country bonuses on top of a base ordering.
type Reranker struct {
	base    BaseReranker
	weights Weights
	log     *slog.Logger
}

// New creates a Reranker. A nil base uses Passthrough.
func New(base BaseReranker, w Weights, logger *slog.Logger) *Reranker {
	if base == nil {
		base = Passthrough{}
	}
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reranker{base: base, weights: w, log: logger}
}

// Rerank orders items for the target country. A base reranker failure falls
// back to input order and is noted on the trace; it never fails the call.
func (r *Reranker) Rerank(ctx context.Context, items []Item, target country.Context, p BaseParams, tr *domain.Trace) Output {
	byURL := make(map[string]Item, len(items))
	urls := make([]string, 0, len(items))
	for _, it := range items {
		if _, dup := byURL[it.URL]; dup {
			continue
		}
		byURL[it.URL] = it
		urls = append(urls, it.URL)
	}

	var out Output
	if p.Country == "" {
		p.Country = target.ISO2
	}
	base, err := r.base.Rerank(ctx, urls, p)
	if err != nil {
		r.log.Warn("base rerank failed, keeping input order", "err", err)
		tr.Note("base rerank failed: %v", err)
		out.Metrics.BaseFailed = true
		base = BaseResult{URLs: urls}
	}
	ordered := completeOrder(base.URLs, urls, byURL)

	scores := map[string]float64{}
	if len(base.Scores) == len(base.URLs) {
		for i, u := range base.URLs {
			scores[u] = base.Scores[i]
		}
	}
	n := float64(len(ordered))
	for i, u := range ordered {
		s := Scored{Item: byURL[u], Base: (n - float64(i)) / n}
		if v, ok := scores[u]; ok {
			s.Base = v
		}
		s.Score = s.Base
		r.adjust(&s, target)
		if len(s.Bonuses) > 0 {
			out.Metrics.Bonused++
		}
		if len(s.Penalties) > 0 {
			out.Metrics.Penalized++
		}
		out.Items = append(out.Items, s)
	}
	sort.SliceStable(out.Items, func(i, j int) bool { return out.Items[i].Score > out.Items[j].Score })

	var reasons []string
	if out.Metrics.Bonused > 0 {
		reasons = append(reasons, fmt.Sprintf("%d bonused", out.Metrics.Bonused))
	}
	if out.Metrics.Penalized > 0 {
		reasons = append(reasons, fmt.Sprintf("%d penalized for a conflicting country", out.Metrics.Penalized))
	}
	tr.Stage(StageName, len(items), len(out.Items), reasons...)
	return out
}

// completeOrder keeps the base order for URLs we know about and appends any
// the base reranker dropped, in input order.
func completeOrder(base, input []string, known map[string]Item) []string {
	seen := make(map[string]bool, len(input))
	out := make([]string, 0, len(input))
	for _, u := range base {
		if _, ok := known[u]; ok && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, u := range input {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

func (r *Reranker) adjust(s *Scored, target country.Context) {
	host := domain.Host(s.URL)
	if target.TLD != "" && strings.HasSuffix(host, target.TLD) {
		s.Score += r.weights.TLDBonus
		s.Bonuses = append(s.Bonuses, "tld "+target.TLD)
	}
	text := s.Title + " " + s.Snippet
	if city, ok := target.MentionsCity(text); ok {
		s.Score += r.weights.CityBonus
		s.Bonuses = append(s.Bonuses, "city "+city)
	}
	if c := conflictingCountry(host, text, target.ISO2); c != "" {
		s.Score -= r.weights.ConflictPenalty
		s.Penalties = append(s.Penalties, "country "+c)
	}
}

// conflictingCountry returns another country the page points at, if the page
// does not also point at the target. The TLD wins over text mentions.
func conflictingCountry(host, text, target string) string {
	if target == "EU" {
		return ""
	}
	if code, ok := country.CountryForHost(host); ok && code != target {
		return code
	}
	mentions := country.Mentions(text)
	if len(mentions) == 0 || slices.Contains(mentions, target) {
		return ""
	}
	for _, m := range mentions {
		if m != "EU" {
			return m
		}
	}
	return ""
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/eventscout/engine/domain"
	"github.com/WessleyAI/eventscout/pkg/kv"
)

// Layer names, also used as key prefixes and in the admin API.
const (
	QueryLayer      = "query"
	SnippetLayer    = "snippet"
	EnrichmentLayer = "enrichment"
)

// LayerConfig sizes one layer.
type LayerConfig struct {
	TTL     time.Duration `yaml:"ttl" json:"ttl"`
	MaxSize int           `yaml:"max_size" json:"max_size"`
}

// Config sizes all three layers.
type Config struct {
	Query      LayerConfig `yaml:"query" json:"query"`
	Snippet    LayerConfig `yaml:"snippet" json:"snippet"`
	Enrichment LayerConfig `yaml:"enrichment" json:"enrichment"`
}

// DefaultConfig: query 12h/10k, snippet 7d/50k, enrichment 14d/20k.
func DefaultConfig() Config {
	return Config{
		Query:      LayerConfig{TTL: 12 * time.Hour, MaxSize: 10_000},
		Snippet:    LayerConfig{TTL: 7 * 24 * time.Hour, MaxSize: 50_000},
		Enrichment: LayerConfig{TTL: 14 * 24 * time.Hour, MaxSize: 20_000},
	}
}

// SnippetCache maps URL -> fetched page text and supports ETag revalidation.
type SnippetCache struct {
	*Layer[domain.Snippet]
}

// NeedsRefresh reports whether url must be fetched again: no live entry, or
// the server's current etag differs from the cached one.
func (s *SnippetCache) NeedsRefresh(ctx context.Context, url, etag string) bool {
	e, ok := s.Get(ctx, url)
	if !ok {
		return true
	}
	return etag != "" && e.ETag != etag
}

// Layers bundles the three caches that share one store.
type Layers struct {
	Query      *Layer[[]domain.Candidate]
	Snippet    *SnippetCache
	Enrichment *Layer[domain.FilterableEvent]
}

// NewLayers builds the three layers on store. Zero fields in cfg take the
// defaults.
func NewLayers(store kv.Store, cfg Config, logger *slog.Logger, now func() time.Time) *Layers {
	def := DefaultConfig()
	pick := func(c, d LayerConfig) LayerConfig {
		if c.TTL <= 0 {
			c.TTL = d.TTL
		}
		if c.MaxSize == 0 {
			c.MaxSize = d.MaxSize
		}
		return c
	}
	q := pick(cfg.Query, def.Query)
	s := pick(cfg.Snippet, def.Snippet)
	e := pick(cfg.Enrichment, def.Enrichment)
	return &Layers{
		Query: NewLayer[[]domain.Candidate](store, Options{
			Name: QueryLayer, TTL: q.TTL, MaxSize: q.MaxSize, Logger: logger, Now: now,
		}),
		Snippet: &SnippetCache{NewLayer[domain.Snippet](store, Options{
			Name: SnippetLayer, TTL: s.TTL, MaxSize: s.MaxSize, Logger: logger, Now: now,
		})},
		Enrichment: NewLayer[domain.FilterableEvent](store, Options{
			Name: EnrichmentLayer, TTL: e.TTL, MaxSize: e.MaxSize, Logger: logger, Now: now,
		}),
	}
}

// Stats returns per-layer stats keyed by layer name.
func (l *Layers) Stats() map[string]Stats {
	return map[string]Stats{
		QueryLayer:      l.Query.Stats(),
		SnippetLayer:    l.Snippet.Stats(),
		EnrichmentLayer: l.Enrichment.Stats(),
	}
}

// ErrUnknownLayer is returned by Invalidate for a layer name it does not know.
var ErrUnknownLayer = errors.New("unknown layer")

type invalidator interface {
	Invalidate(ctx context.Context, pattern string) (int, error)
}

// Invalidate removes keys matching pattern from the named layer, or from all
// layers when layer is "" or "all". It returns removed counts per layer.
func (l *Layers) Invalidate(ctx context.Context, layer, pattern string) (map[string]int, error) {
	all := map[string]invalidator{
		QueryLayer:      l.Query,
		SnippetLayer:    l.Snippet,
		EnrichmentLayer: l.Enrichment,
	}
	targets := all
	if layer != "" && layer != "all" {
		inv, ok := all[layer]
		if !ok {
			return nil, fmt.Errorf("cache: %w %q", ErrUnknownLayer, layer)
		}
		targets = map[string]invalidator{layer: inv}
	}
	out := make(map[string]int, len(targets))
	for name, inv := range targets {
		n, err := inv.Invalidate(ctx, pattern)
		if err != nil {
			return out, err
		}
		out[name] = n
	}
	return out, nil
}

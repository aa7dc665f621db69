// Package app wires one process worth of pipeline components from a
// config.Config. Every shared resource (store, caches, limiter, deduplicator,
// gateway) is built exactly once here and passed by handle; nothing is a
// package-level singleton.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/eventscout/engine/cache"
	"github.com/WessleyAI/eventscout/engine/config"
	"github.com/WessleyAI/eventscout/engine/dedup"
	"github.com/WessleyAI/eventscout/engine/extract"
	"github.com/WessleyAI/eventscout/engine/filter"
	"github.com/WessleyAI/eventscout/engine/gateway"
	"github.com/WessleyAI/eventscout/engine/provider"
	"github.com/WessleyAI/eventscout/engine/ratelimit"
	"github.com/WessleyAI/eventscout/engine/rerank"
	"github.com/WessleyAI/eventscout/engine/search"
	"github.com/WessleyAI/eventscout/engine/snippet"
	"github.com/WessleyAI/eventscout/pkg/kv"
	"github.com/WessleyAI/eventscout/pkg/metrics"
	"github.com/WessleyAI/eventscout/pkg/resilience"
)

// Options overrides parts of the wiring. Zero fields are built from config.
type Options struct {
	Logger    *slog.Logger
	Metrics   *metrics.Registry
	Store     kv.Store
	Providers []provider.Provider
	Base      rerank.BaseReranker
	Publisher search.TracePublisher
}

// App holds the process-wide components.
type App struct {
	Config   config.Config
	Store    kv.Store
	Caches   *cache.Layers
	Limiter  *ratelimit.Limiter
	Dedup    *dedup.Deduplicator[gateway.Fetch]
	Gateway  *gateway.Gateway
	Pipeline *search.Pipeline
	Metrics  *metrics.Registry

	log     *slog.Logger
	closers []func() error
}

// New builds the App. The caller owns it and must Close it.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	log := opts.Logger
	a := &App{Config: cfg, Metrics: opts.Metrics, log: log}

	store := opts.Store
	if store == nil {
		var err error
		if store, err = OpenStore(ctx, cfg.Store); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
	}
	a.Store = store

	a.Caches = cache.NewLayers(store, cfg.Cache, log, nil)

	policy := ratelimit.FailOpen
	if cfg.Store.FailClosed {
		policy = ratelimit.FailClosed
	}
	lim, err := ratelimit.New(store, ratelimit.Options{Configs: cfg.RateLimits, OnOutage: policy, Logger: log})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Limiter = lim

	a.Dedup = dedup.New[gateway.Fetch](dedup.Options{TTL: cfg.Gateway.DedupTTL, Logger: log})

	providers := opts.Providers
	if providers == nil {
		providers = BuildProviders(cfg.Providers)
	}
	if len(providers) == 0 {
		log.Warn("no search providers configured; searches will return nothing")
	}
	a.Gateway = gateway.New(gateway.Options{
		Providers:        providers,
		Cache:            a.Caches.Query,
		Limiter:          lim,
		Dedup:            a.Dedup,
		Metrics:          a.Metrics,
		Breaker:          resilience.BreakerOpts{},
		ProviderTimeout:  cfg.Gateway.ProviderTimeout,
		MaxRateLimitWait: cfg.Gateway.MaxRateLimitWait,
		PerProviderLimit: cfg.Gateway.PerProviderLimit,
		RelaxCountry:     cfg.Flags.RelaxCountry,
		Logger:           log,
	})

	base := opts.Base
	if base == nil && cfg.Rerank.Addr != "" {
		conn, err := rerank.Dial(cfg.Rerank.Addr)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: rerank: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		base = rerank.NewGRPCReranker(conn, cfg.Rerank.Method, cfg.Rerank.Timeout)
	}

	var fetcher *snippet.Fetcher
	if cfg.Snippets.Enabled {
		fetcher = snippet.New(snippet.Options{
			Client: provider.NewHTTPClient(cfg.Snippets.Timeout),
			Cache:  a.Caches.Snippet,
			Logger: log,
		})
	}

	a.Pipeline = search.New(search.Options{
		Gateway:          a.Gateway,
		Reranker:         rerank.New(base, cfg.Rerank.Weights, log),
		Snippets:         fetcher,
		Extractor:        extract.NewCached(extract.Heuristic{}, a.Caches.Enrichment, log),
		Chain:            filter.NewChain(cfg.Flags, filter.Options{Logger: log}),
		Scope:            filter.NewScopeValidator(),
		Publisher:        opts.Publisher,
		Metrics:          a.Metrics,
		Logger:           log,
		MinNonAggregator: cfg.Rerank.MinNonAggregator,
		SnippetMax:       cfg.Snippets.MaxFetch,
		SnippetWorkers:   cfg.Snippets.Concurrency,
		SnippetTimeout:   cfg.Snippets.Timeout,
		DefaultLimit:     cfg.DefaultLimit,
	})

	log.Info("pipeline ready",
		"store", cfg.Store.Backend,
		"providers", a.Gateway.Providers(),
		"rerank", cfg.Rerank.Addr != "",
		"snippets", cfg.Snippets.Enabled,
		"relax_country", cfg.Flags.RelaxCountry,
		"relax_date", cfg.Flags.RelaxDate,
		"allow_undated", cfg.Flags.AllowUndated,
	)
	return a, nil
}

// OpenStore connects the configured key-value backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (kv.Store, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return kv.NewMemory(), nil
	case config.BackendRedis:
		r, err := kv.NewRedis(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("app: redis: %w", err)
		}
		return r, nil
	case config.BackendDynamoDB:
		d, err := kv.NewDynamoDB(ctx, cfg.DynamoTable, cfg.DynamoRegion)
		if err != nil {
			return nil, fmt.Errorf("app: dynamodb: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("app: unknown store backend %q", cfg.Backend)
	}
}

// BuildProviders returns the providers that have credentials configured, in
// a fixed order.
func BuildProviders(cfg config.ProvidersConfig) []provider.Provider {
	opts := func(p config.ProviderConfig) provider.HTTPOptions {
		return provider.HTTPOptions{
			BaseURL:     p.BaseURL,
			APIKey:      p.APIKey,
			RPS:         p.RPS,
			Burst:       p.Burst,
			CostPerCall: p.CostPence,
		}
	}
	var out []provider.Provider
	if cfg.Firecrawl.APIKey != "" {
		out = append(out, provider.NewFirecrawl(opts(cfg.Firecrawl)))
	}
	if cfg.GoogleCSE.APIKey != "" && cfg.GoogleCX != "" {
		out = append(out, provider.NewGoogleCSE(opts(cfg.GoogleCSE), cfg.GoogleCX))
	}
	if cfg.Tavily.APIKey != "" {
		out = append(out, provider.NewTavily(opts(cfg.Tavily)))
	}
	if len(cfg.FeedURLs) > 0 {
		out = append(out, provider.NewFeed("feeds", cfg.FeedURLs, nil))
	}
	return out
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

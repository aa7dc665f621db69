package app

import (
	"context"
	"strings"
	"testing"

	"github.com/WessleyAI/eventscout/engine/config"
	"github.com/WessleyAI/eventscout/engine/provider"
	"github.com/WessleyAI/eventscout/engine/search"
	"github.com/WessleyAI/eventscout/pkg/kv"
)

func fakeProvider(calls *int) provider.Func {
	return provider.Func{ID: "fake", Fn: func(context.Context, provider.Request) (provider.Response, error) {
		*calls++
		return provider.Response{Results: []provider.Result{
			{URL: "https://kanzlei.de/events/ltk", Title: "Legal Tech Konferenz", Snippet: "am 10.03.2026 in Berlin"},
			{URL: "https://recht.de/tagung", Title: "Compliance Tagung", Snippet: "12.03.2026 Hamburg"},
		}}, nil
	}}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Snippets.Enabled = false
	return cfg
}

func TestAppWiresPipeline(t *testing.T) {
	calls := 0
	a, err := New(context.Background(), testConfig(), Options{Providers: []provider.Provider{fakeProvider(&calls)}})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ctx := context.Background()
	for range 2 {
		resp, err := a.Pipeline.Search(ctx, search.Request{Query: "legal conference", Country: "DE"})
		if err != nil {
			t.Fatal(err)
		}
		if len(resp.Results) != 2 {
			t.Fatalf("results %+v", resp.Results)
		}
	}
	if calls != 1 {
		t.Fatalf("second search must be served by dedup or query cache, provider called %d times", calls)
	}
	if st := a.Caches.Stats()["enrichment"]; st.Sets != 2 || st.Hits != 2 {
		t.Fatalf("enrichment cache %+v", st)
	}
	if !strings.Contains(a.Metrics.Render(), "eventscout_searches_total 2") {
		t.Fatalf("metrics:\n%s", a.Metrics.Render())
	}
}

func TestOpenStore(t *testing.T) {
	s, err := OpenStore(context.Background(), config.StoreConfig{Backend: config.BackendMemory})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*kv.Memory); !ok {
		t.Fatalf("got %T", s)
	}
	if _, err := OpenStore(context.Background(), config.StoreConfig{Backend: "etcd"}); err == nil {
		t.Fatal("unknown backend must fail")
	}
	r, err := OpenStore(context.Background(), config.StoreConfig{Backend: config.BackendRedis, RedisURL: "redis://localhost:6379/0"})
	if err != nil {
		t.Fatal(err)
	}
	r.Close()
	if _, err := OpenStore(context.Background(), config.StoreConfig{Backend: config.BackendRedis, RedisURL: "::bad"}); err == nil {
		t.Fatal("bad redis url must fail")
	}
}

func TestBuildProviders(t *testing.T) {
	if got := BuildProviders(config.ProvidersConfig{}); len(got) != 0 {
		t.Fatalf("no credentials, got %d providers", len(got))
	}
	got := BuildProviders(config.ProvidersConfig{
		Firecrawl: config.ProviderConfig{APIKey: "fc"},
		GoogleCSE: config.ProviderConfig{APIKey: "g"},
		Tavily:    config.ProviderConfig{APIKey: "tv"},
		FeedURLs:  []string{"https://example.org/feed.xml"},
	})
	var names []string
	for _, p := range got {
		names = append(names, p.Name())
	}
	// Google CSE needs a cx as well.
	if strings.Join(names, ",") != "firecrawl,tavily,feeds" {
		t.Fatalf("providers %v", names)
	}
}

func TestCloseReleasesOwnedStoreOnly(t *testing.T) {
	shared := kv.NewMemory()
	a, err := New(context.Background(), testConfig(), Options{Store: shared, Providers: []provider.Provider{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := shared.Set(context.Background(), "k", []byte("v"), 0); err != nil {
		t.Fatalf("caller-owned store must stay open: %v", err)
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/eventscout/engine/app"
	"github.com/WessleyAI/eventscout/engine/config"
	"github.com/WessleyAI/eventscout/engine/provider"
	"github.com/WessleyAI/eventscout/engine/search"
	"github.com/WessleyAI/eventscout/pkg/mid"
	"github.com/WessleyAI/eventscout/pkg/natsutil"
)

func testServer(t *testing.T) (*app.App, http.Handler) {
	t.Helper()
	cfg := config.Default()
	cfg.Snippets.Enabled = false
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := provider.Func{ID: "fake", Fn: func(context.Context, provider.Request) (provider.Response, error) {
		return provider.Response{Results: []provider.Result{
			{URL: "https://kanzlei.de/events/ltk", Title: "Legal Tech Konferenz", Snippet: "am 10.03.2026 in Berlin"},
		}}, nil
	}}
	a, err := app.New(context.Background(), cfg, app.Options{Logger: logger, Providers: []provider.Provider{p}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a, newHandler(a, logger)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	handleHealth(rec, httptest.NewRequest("GET", "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
}

func TestSearchEndpoint(t *testing.T) {
	_, h := testServer(t)
	rec := do(h, http.MethodPost, "/api/search",
		`{"query":"legal tech","country":"DE","date_from":"2026-03-01","date_to":"2026-03-31"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(mid.RequestIDHeader) == "" {
		t.Fatal("missing request id header")
	}
	var resp search.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].URL != "https://kanzlei.de/events/ltk" {
		t.Fatalf("results %+v", resp.Results)
	}
	if resp.Trace.ID == "" || len(resp.Trace.Stages) == 0 {
		t.Fatalf("trace %+v", resp.Trace)
	}
}

func TestSearchEndpointRejectsBadInput(t *testing.T) {
	_, h := testServer(t)
	for name, body := range map[string]string{
		"not json":      "not json",
		"empty query":   `{"query":"  "}`,
		"bad date":      `{"query":"x","date_from":"March"}`,
		"reverse range": `{"query":"x","date_from":"2026-04-01","date_to":"2026-03-01"}`,
		"negative":      `{"query":"x","limit":-1}`,
	} {
		if rec := do(h, http.MethodPost, "/api/search", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestCacheEndpoints(t *testing.T) {
	_, h := testServer(t)
	do(h, http.MethodPost, "/api/search", `{"query":"legal tech","country":"DE"}`)

	rec := do(h, http.MethodGet, "/api/cache/stats", "")
	var stats map[string]map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats["query"]["sets"].(float64) < 1 {
		t.Fatalf("query layer %+v", stats["query"])
	}

	rec = do(h, http.MethodPost, "/api/cache/invalidate", `{"layer":"query","pattern":""}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("invalidate %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Removed map[string]int `json:"removed"`
	}
	json.NewDecoder(rec.Body).Decode(&out)
	if out.Removed["query"] < 1 {
		t.Fatalf("removed %+v", out.Removed)
	}

	if rec := do(h, http.MethodPost, "/api/cache/invalidate", `{"layer":"nope"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown layer: %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/api/cache/invalidate", `{"pattern":"("}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad pattern: %d", rec.Code)
	}
}

func TestRateLimitEndpoint(t *testing.T) {
	_, h := testServer(t)
	rec := do(h, http.MethodGet, "/api/ratelimit/tavily", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st map[string]any
	json.NewDecoder(rec.Body).Decode(&st)
	if st["service"] != "tavily" {
		t.Fatalf("stats %+v", st)
	}
	if rec := do(h, http.MethodGet, "/api/ratelimit/bing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown service: %d", rec.Code)
	}
}

func TestHTTPMetricsAreRecorded(t *testing.T) {
	a, h := testServer(t)
	do(h, http.MethodGet, "/api/health", "")
	if !strings.Contains(a.Metrics.Render(), `eventscout_http_requests_total{route="GET /api/health",status="200"} 1`) {
		t.Fatalf("metrics:\n%s", a.Metrics.Render())
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("debug") != slog.LevelDebug || parseLevel("WARN") != slog.LevelWarn || parseLevel("loud") != slog.LevelInfo {
		t.Fatal("level parsing")
	}
}

func TestBodyLimit(t *testing.T) {
	_, h := testServer(t)
	big := `{"query":"` + string(bytes.Repeat([]byte("a"), maxBody+1)) + `"}`
	if rec := do(h, http.MethodPost, "/api/search", big); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestInvalidationsOverNATS(t *testing.T) {
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	defer srv.Shutdown()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	a, h := testServer(t)
	do(h, http.MethodPost, "/api/search", `{"query":"legal tech","country":"DE"}`)
	if a.Caches.Stats()["query"].Size == 0 {
		t.Fatal("query cache empty after search")
	}

	sub, err := subscribeInvalidations(nc, a.Caches, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	if err := natsutil.Publish(context.Background(), nc, InvalidateSubject, InvalidateRequest{Layer: "query"}); err != nil {
		t.Fatal(err)
	}
	nc.Flush()

	deadline := time.Now().Add(5 * time.Second)
	for a.Caches.Stats()["query"].Size != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("query cache not invalidated: %+v", a.Caches.Stats()["query"])
		}
		time.Sleep(10 * time.Millisecond)
	}
}

package rerank

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/WessleyAI/eventscout/engine/country"
	"github.com/WessleyAI/eventscout/engine/domain"
)

func TestPreFilterKeepsAllNonAggregators(t *testing.T) {
	in := []string{
		"https://legaltech-summit.de/2026",
		"https://www.eventbrite.com/e/legal-123",
		"https://compliance-forum.de",
		"https://meetup.com/legal-berlin",
	}
	got := PreFilterAggregators(in, DefaultMinNonAggregator)
	if len(got.URLs) != 2 || got.URLs[0] != in[0] || got.URLs[1] != in[2] {
		t.Fatalf("urls %v", got.URLs)
	}
	if got.AggregatorDropped != 2 || got.BackstopKept != 0 {
		t.Fatalf("counts %+v", got)
	}
}

func TestPreFilterBackstopWhenTooFew(t *testing.T) {
	in := []string{
		"https://10times.com/a",
		"https://legaltech-summit.de/2026",
		"https://meetup.com/b",
		"https://eventbrite.de/c",
	}
	got := PreFilterAggregators(in, DefaultMinNonAggregator)
	if len(got.URLs) != 2 || got.BackstopKept != 1 || got.AggregatorDropped != 2 {
		t.Fatalf("got %+v", got)
	}
	if got.URLs[0] != "https://10times.com/a" {
		t.Fatalf("backstop must be the first aggregator, got %v", got.URLs)
	}
}

func TestPreFilterAllAggregators(t *testing.T) {
	for n := 1; n <= 5; n++ {
		var in []string
		for i := 0; i < n; i++ {
			in = append(in, "https://sub.eventbrite.com/e/"+string(rune('a'+i)))
		}
		got := PreFilterAggregators(in, 0)
		if len(got.URLs) != 1 || got.BackstopKept != 1 || got.AggregatorDropped != n-1 {
			t.Fatalf("n=%d: %+v", n, got)
		}
	}
}

func TestPreFilterEmpty(t *testing.T) {
	got := PreFilterAggregators(nil, 2)
	if len(got.URLs) != 0 || got.BackstopKept != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestIsAggregatorMatchesSubdomainsOnly(t *testing.T) {
	cases := map[string]bool{
		"https://www.meetup.com/x":      true,
		"https://de.eventbrite.com/e/1": true,
		"https://notmeetup.com/x":       false,
		"https://legal.de/meetup.com":   false,
		"":                              false,
	}
	for u, want := range cases {
		if IsAggregator(u) != want {
			t.Errorf("IsAggregator(%q) = %v", u, !want)
		}
	}
}

func TestBonusesReorderForTargetCountry(t *testing.T) {
	items := []Item{
		{URL: "https://summit.com/legal", Title: "Legal summit"},
		{URL: "https://kanzlei.de/konferenz", Title: "Compliance Konferenz Berlin"},
		{URL: "https://example.org/fr", Title: "Legal forum Paris"},
	}
	r := New(nil, Weights{}, nil)
	tr := domain.NewTrace()
	out := r.Rerank(context.Background(), items, country.GetContext("DE"), BaseParams{}, tr)

	got := out.URLs()
	if got[0] != "https://kanzlei.de/konferenz" {
		t.Fatalf("tld+city match must lead, got %v", got)
	}
	if got[2] != "https://example.org/fr" {
		t.Fatalf("conflicting country must trail, got %v", got)
	}
	if out.Metrics.Bonused != 1 || out.Metrics.Penalized != 1 {
		t.Fatalf("metrics %+v", out.Metrics)
	}
	if st, ok := tr.Get(StageName); !ok || st.Before != 3 || st.After != 3 {
		t.Fatalf("trace %+v", st)
	}
}

func TestEqualScoresKeepBaseOrder(t *testing.T) {
	items := []Item{{URL: "https://a.com"}, {URL: "https://b.com"}, {URL: "https://c.com"}}
	base := fakeBase{result: BaseResult{
		URLs:   []string{"https://c.com", "https://a.com", "https://b.com"},
		Scores: []float64{0.5, 0.5, 0.5},
	}}
	out := New(base, Weights{}, nil).Rerank(context.Background(), items, country.GetContext("DE"), BaseParams{}, nil)
	got := out.URLs()
	if got[0] != "https://c.com" || got[1] != "https://a.com" || got[2] != "https://b.com" {
		t.Fatalf("stable sort broken: %v", got)
	}
}

func TestBaseDroppedURLsAreAppended(t *testing.T) {
	items := []Item{{URL: "https://a.com"}, {URL: "https://b.com"}}
	base := fakeBase{result: BaseResult{URLs: []string{"https://b.com", "https://unknown.com"}}}
	got := New(base, Weights{}, nil).Rerank(context.Background(), items, country.GetContext("DE"), BaseParams{}, nil).URLs()
	if len(got) != 2 || got[0] != "https://b.com" || got[1] != "https://a.com" {
		t.Fatalf("got %v", got)
	}
}

func TestBaseFailureFallsBackToInputOrder(t *testing.T) {
	items := []Item{{URL: "https://a.com"}, {URL: "https://b.com"}}
	tr := domain.NewTrace()
	out := New(fakeBase{err: errors.New("unavailable")}, Weights{}, nil).
		Rerank(context.Background(), items, country.GetContext("DE"), BaseParams{}, tr)
	if !out.Metrics.BaseFailed || out.URLs()[0] != "https://a.com" {
		t.Fatalf("out %+v", out)
	}
	if len(tr.Notes()) != 1 {
		t.Fatalf("notes %v", tr.Notes())
	}
}

type fakeBase struct {
	result BaseResult
	err    error
}

func (f fakeBase) Rerank(context.Context, []string, BaseParams) (BaseResult, error) {
	return f.result, f.err
}

type fakeConn struct {
	method string
	req    *structpb.Struct
	resp   *structpb.Struct
	err    error
}

func (f *fakeConn) Invoke(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	f.method = method
	f.req = args.(*structpb.Struct)
	if f.err != nil {
		return f.err
	}
	proto.Merge(reply.(proto.Message), f.resp)
	return nil
}

func (f *fakeConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("not supported")
}

func TestGRPCRerankerRoundTrip(t *testing.T) {
	resp, _ := structpb.NewStruct(map[string]any{
		"urls":    []any{"https://b.de", "https://a.de"},
		"scores":  []any{0.9, 0.4},
		"metrics": map[string]any{"latency_ms": 12},
	})
	conn := &fakeConn{resp: resp}
	g := NewGRPCReranker(conn, "", 0)

	res, err := g.Rerank(context.Background(), []string{"https://a.de", "https://b.de"}, BaseParams{Query: "legal", Country: "DE", TopK: 2})
	if err != nil {
		t.Fatal(err)
	}
	if conn.method != DefaultMethod {
		t.Fatalf("method %q", conn.method)
	}
	if got := conn.req.GetFields()["country"].GetStringValue(); got != "DE" {
		t.Fatalf("request country %q", got)
	}
	if len(res.URLs) != 2 || res.URLs[0] != "https://b.de" || res.Scores[0] != 0.9 {
		t.Fatalf("result %+v", res)
	}
	if res.Metrics["latency_ms"] != 12 {
		t.Fatalf("metrics %v", res.Metrics)
	}
}

func TestGRPCRerankerError(t *testing.T) {
	g := NewGRPCReranker(&fakeConn{err: errors.New("unavailable")}, "/x.Y/Z", 0)
	if _, err := g.Rerank(context.Background(), []string{"https://a.de"}, BaseParams{}); err == nil {
		t.Fatal("expected error")
	}
}

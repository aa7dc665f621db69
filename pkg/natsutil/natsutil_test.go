package natsutil

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type invalidation struct {
	Layer   string `json:"layer"`
	Pattern string `json:"pattern"`
}

func TestHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*headerCarrier)(msg)

	if got := carrier.Get("missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if keys := carrier.Keys(); keys != nil {
		t.Fatalf("expected nil keys, got %v", keys)
	}

	carrier.Set("traceparent", "00-abc-def-01")
	if got := carrier.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("expected traceparent, got %q", got)
	}
	if keys := carrier.Keys(); len(keys) != 1 {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestEncodeDecodePropagatesTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	msg, err := encode(ctx, "eventscout.cache.invalidate", invalidation{Layer: "query", Pattern: "^abc"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Header.Get("traceparent") == "" {
		t.Fatal("traceparent not injected")
	}

	got, v, err := decode[invalidation](msg)
	if err != nil {
		t.Fatal(err)
	}
	if v.Layer != "query" || v.Pattern != "^abc" {
		t.Fatalf("decoded %+v", v)
	}
	if trace.SpanContextFromContext(got).TraceID() != tid {
		t.Fatal("trace id not propagated")
	}
}

func TestHandlerDropsMalformed(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	called := 0
	h := handle(func(context.Context, invalidation) { called++ }, logger)

	h(&nats.Msg{Subject: "eventscout.cache.invalidate", Data: []byte("{invalid json")})
	if called != 0 {
		t.Fatal("handler called for malformed message")
	}
	if !strings.Contains(buf.String(), "dropping malformed message") {
		t.Fatalf("log: %s", buf.String())
	}

	h(&nats.Msg{Subject: "eventscout.cache.invalidate", Data: []byte(`{"layer":"snippet"}`)})
	if called != 1 {
		t.Fatal("handler not called for valid message")
	}
}

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	nc := startTestNATS(t)

	ch := make(chan invalidation, 1)
	sub, err := Subscribe(nc, "eventscout.cache.invalidate", func(_ context.Context, m invalidation) {
		ch <- m
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := nc.Publish("eventscout.cache.invalidate", []byte("garbage")); err != nil {
		t.Fatal(err)
	}
	if err := Publish(context.Background(), nc, "eventscout.cache.invalidate", invalidation{Layer: "enrichment", Pattern: "kanzlei"}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		if got.Layer != "enrichment" || got.Pattern != "kanzlei" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

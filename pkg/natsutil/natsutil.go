// Package natsutil provides typed JSON publish/subscribe helpers over NATS
// with OpenTelemetry trace propagation in message headers.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// headerCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// encode builds the message Publish sends.
func encode[T any](ctx context.Context, subject string, v T) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: encode %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return msg, nil
}

// decode is the inverse of encode. The returned context carries the
// publisher's trace.
func decode[T any](msg *nats.Msg) (context.Context, T, error) {
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return nil, v, fmt.Errorf("natsutil: decode %s: %w", msg.Subject, err)
	}
	return otel.GetTextMapPropagator().Extract(context.Background(), (*headerCarrier)(msg)), v, nil
}

// Publish serializes v as JSON and publishes it on subject.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	msg, err := encode(ctx, subject, v)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Subscribe calls handler with each JSON message on subject decoded as T.
// Malformed messages are logged and dropped; nil logger uses slog.Default.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T), logger *slog.Logger) (*nats.Subscription, error) {
	return nc.Subscribe(subject, handle(handler, logger))
}

func handle[T any](handler func(context.Context, T), logger *slog.Logger) nats.MsgHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(msg *nats.Msg) {
		ctx, v, err := decode[T](msg)
		if err != nil {
			logger.Warn("dropping malformed message", "subject", msg.Subject, "err", err)
			return
		}
		handler(ctx, v)
	}
}

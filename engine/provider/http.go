package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/WessleyAI/eventscout/engine/domain"
	"github.com/WessleyAI/eventscout/pkg/fn"
)

const (
	userAgent       = "eventscout/1.0 (+event discovery)"
	maxResponseBody = 4 << 20
	defaultTimeout  = 20 * time.Second
)

// HTTPOptions is shared by the HTTP-backed providers.
type HTTPOptions struct {
	BaseURL string
	APIKey  string
	// RPS paces outgoing requests from this process; 0 disables pacing.
	RPS   float64
	Burst int
	// CostPerCall is reported in Metrics.CostPence.
	CostPerCall float64
	Client      *http.Client
	// Retry applies to transport errors and 5xx responses. Zero uses
	// DefaultRetry.
	Retry fn.RetryOpts
}

// DefaultRetry makes one extra attempt after a short pause.
var DefaultRetry = fn.RetryOpts{MaxAttempts: 2, InitialWait: 250 * time.Millisecond, MaxWait: 2 * time.Second, Jitter: true}

// NewHTTPClient returns a client whose transport is instrumented with OTel.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

type httpClient struct {
	name   string
	opts   HTTPOptions
	client *http.Client
	pace   *rate.Limiter
}

func newHTTPClient(name string, opts HTTPOptions) *httpClient {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetry
	}
	c := &httpClient{name: name, opts: opts, client: opts.Client}
	if c.client == nil {
		c.client = NewHTTPClient(defaultTimeout)
	}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.pace = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return c
}

// doJSON sends body (if non-nil) as JSON and decodes a 2xx response into out.
// Transport failures and non-2xx statuses become *domain.ProviderError.
// Transport failures and 5xx are retried while ctx is live.
func (c *httpClient) doJSON(ctx context.Context, method, url string, header http.Header, body, out any) error {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("provider %s: encode request: %w", c.name, err)
		}
		raw = b
	}
	retry := c.opts.Retry
	retry.Retryable = func(err error) bool {
		var pe *domain.ProviderError
		return ctx.Err() == nil && errors.As(err, &pe) && (pe.Status == 0 || pe.Status >= 500)
	}
	_, err := fn.Retry(ctx, retry, func(ctx context.Context) fn.Result[struct{}] {
		return fn.FromPair(struct{}{}, c.attempt(ctx, method, url, header, raw, out))
	}).Unwrap()
	return err
}

func (c *httpClient) attempt(ctx context.Context, method, url string, header http.Header, body []byte, out any) error {
	if c.pace != nil {
		if err := c.pace.Wait(ctx); err != nil {
			return &domain.ProviderError{Provider: c.name, Err: err}
		}
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return fmt.Errorf("provider %s: build request: %w", c.name, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &domain.ProviderError{Provider: c.name, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &domain.ProviderError{Provider: c.name, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(raw)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return &domain.ProviderError{Provider: c.name, Status: resp.StatusCode, Err: errors.New(msg)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &domain.ProviderError{Provider: c.name, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

// withTimeout applies req.Timeout to ctx when set.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func clampLimit(n, def, hi int) int {
	if n <= 0 {
		n = def
	}
	return min(n, hi)
}

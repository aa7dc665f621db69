// Package snippet fetches candidate pages and reduces them to a title,
// description and a short text excerpt. Results live in the snippet cache;
// stale entries carrying an ETag are revalidated with a conditional GET.
package snippet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/WessleyAI/eventscout/engine/cache"
	"github.com/WessleyAI/eventscout/engine/domain"
	"github.com/WessleyAI/eventscout/engine/provider"
	"github.com/WessleyAI/eventscout/pkg/fn"
)

const (
	userAgent      = "eventscout/1.0 (+event discovery)"
	maxBody        = 2 << 20
	defaultMaxText = 2000
	defaultMaxAge  = 24 * time.Hour
)

// Options configures a Fetcher.
type Options struct {
	Client *http.Client
	Cache  *cache.SnippetCache
	// MaxAge is how long a cached snippet is served without revalidation.
	// It is shorter than the cache TTL so ETags get a chance to work.
	MaxAge  time.Duration
	MaxText int
	Logger  *slog.Logger
	Now     func() time.Time
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	client  *http.Client
	cache   *cache.SnippetCache
	maxAge  time.Duration
	maxText int
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Fetcher. A nil Cache fetches every time.
func New(opts Options) *Fetcher {
	if opts.Client == nil {
		opts.Client = provider.NewHTTPClient(10 * time.Second)
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.MaxText <= 0 {
		opts.MaxText = defaultMaxText
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Fetcher{
		client:  opts.Client,
		cache:   opts.Cache,
		maxAge:  opts.MaxAge,
		maxText: opts.MaxText,
		log:     opts.Logger,
		now:     opts.Now,
	}
}

// Fetch returns the snippet for rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (domain.Snippet, error) {
	key := domain.NormalizeURL(rawURL)
	var cached *cache.Entry[domain.Snippet]
	if f.cache != nil {
		if e, ok := f.cache.Get(ctx, key); ok {
			if f.now().Sub(e.Timestamp) < f.maxAge || e.ETag == "" {
				return e.Data, nil
			}
			cached = &e
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return domain.Snippet{}, fmt.Errorf("snippet: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if cached != nil {
		req.Header.Set("If-None-Match", cached.ETag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return domain.Snippet{}, &domain.ProviderError{Provider: "snippet", Err: err}
	}
	defer resp.Body.Close()

	etag := resp.Header.Get("ETag")
	if resp.StatusCode == http.StatusNotModified && cached != nil {
		f.store(ctx, key, cached.Data, cached.ETag)
		return cached.Data, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return domain.Snippet{}, &domain.ProviderError{Provider: "snippet", Status: resp.StatusCode, Err: fmt.Errorf("GET %s", rawURL)}
	}
	// The server ignored If-None-Match but the content is unchanged.
	if cached != nil && etag != "" && !f.cache.NeedsRefresh(ctx, key, etag) {
		f.store(ctx, key, cached.Data, etag)
		return cached.Data, nil
	}

	s, err := f.parse(io.LimitReader(resp.Body, maxBody), rawURL)
	if err != nil {
		return domain.Snippet{}, err
	}
	f.store(ctx, key, s, etag)
	return s, nil
}

func (f *Fetcher) store(ctx context.Context, key string, s domain.Snippet, etag string) {
	if f.cache == nil {
		return
	}
	e := cache.Entry[domain.Snippet]{
		Data:     s,
		ETag:     etag,
		Metadata: cache.Metadata{Source: "snippet", Size: len(s.Text)},
	}
	if err := f.cache.Set(ctx, key, e); err != nil {
		f.log.Warn("snippet cache write failed", "url", key, "err", err)
	}
}

func (f *Fetcher) parse(r io.Reader, rawURL string) (domain.Snippet, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return domain.Snippet{}, fmt.Errorf("snippet: parse %s: %w", rawURL, err)
	}
	s := domain.Snippet{URL: rawURL, FetchedAt: f.now().UTC()}

	s.Title = collapse(doc.Find("title").First().Text())
	if s.Title == "" {
		s.Title = meta(doc, `meta[property="og:title"]`)
	}
	s.Description = meta(doc, `meta[name="description"]`)
	if s.Description == "" {
		s.Description = meta(doc, `meta[property="og:description"]`)
	}
	if lang, ok := doc.Find("html").Attr("lang"); ok {
		s.Language = strings.ToLower(strings.SplitN(strings.TrimSpace(lang), "-", 2)[0])
	}

	body := doc.Find("body")
	body.Find("script, style, noscript, nav, footer, header, form").Remove()
	s.Text = truncate(collapse(body.Text()), f.maxText)
	return s, nil
}

func meta(doc *goquery.Document, sel string) string {
	v, _ := doc.Find(sel).First().Attr("content")
	return collapse(v)
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// FetchAll fetches urls with bounded concurrency. Failures are logged and
// left out of the result.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string, workers int) map[string]domain.Snippet {
	type res struct {
		url string
		s   domain.Snippet
		err error
	}
	results := fn.ParMap(urls, workers, func(u string) res {
		s, err := f.Fetch(ctx, u)
		return res{url: u, s: s, err: err}
	})
	out := make(map[string]domain.Snippet, len(urls))
	for _, r := range results {
		if r.err != nil {
			f.log.Debug("snippet fetch failed", "url", r.url, "err", r.err)
			continue
		}
		out[r.url] = r.s
	}
	return out
}

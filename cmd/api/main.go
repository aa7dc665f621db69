// Package main implements the eventscout API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/eventscout/engine/app"
	"github.com/WessleyAI/eventscout/engine/cache"
	"github.com/WessleyAI/eventscout/engine/config"
	"github.com/WessleyAI/eventscout/engine/domain"
	"github.com/WessleyAI/eventscout/engine/search"
	"github.com/WessleyAI/eventscout/pkg/mid"
	"github.com/WessleyAI/eventscout/pkg/natsutil"
)

// InvalidateSubject carries cache invalidation requests from other processes.
const InvalidateSubject = "eventscout.cache.invalidate"

const maxBody = 1 << 20

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- NATS (optional) ---
	var nc *nats.Conn
	opts := app.Options{Logger: logger}
	if cfg.NATSURL != "" {
		var err error
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("eventscout-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		opts.Publisher = search.NewNATSPublisher(nc)
	}

	a, err := app.New(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if nc != nil {
		sub, err := subscribeInvalidations(nc, a.Caches, logger)
		if err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer sub.Unsubscribe()
	}

	a.Metrics.CollectRuntime(ctx, "eventscout", 15*time.Second)
	a.Metrics.ServeAsync(cfg.MetricsPort, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newHandler(a, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "metrics_port", cfg.MetricsPort)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// subscribeInvalidations applies InvalidateRequests published by other
// processes to this process's caches.
func subscribeInvalidations(nc *nats.Conn, c *cache.Layers, logger *slog.Logger) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, InvalidateSubject, func(ctx context.Context, req InvalidateRequest) {
		n, err := c.Invalidate(ctx, req.Layer, req.Pattern)
		if err != nil {
			logger.Warn("cache invalidation failed", "layer", req.Layer, "pattern", req.Pattern, "err", err)
			return
		}
		logger.Info("cache invalidated", "layer", req.Layer, "pattern", req.Pattern, "removed", n)
	}, logger)
}

func newHandler(a *app.App, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/search", handleSearch(a.Pipeline, logger))
	mux.HandleFunc("GET /api/cache/stats", handleCacheStats(a.Caches))
	mux.HandleFunc("POST /api/cache/invalidate", handleInvalidate(a.Caches, logger))
	mux.HandleFunc("GET /api/ratelimit/{service}", handleRateLimit(a))

	return mid.Chain(mux,
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(a.Config.CORSOrigin),
		mid.OTel("eventscout-api"),
		mid.MaxBody(maxBody),
		mid.Metrics(a.Metrics),
	)
}

// --- Handlers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SearchRequest is the JSON body for POST /api/search. Dates are
// YYYY-MM-DD or RFC 3339.
type SearchRequest struct {
	Query            string   `json:"query"`
	Country          string   `json:"country,omitempty"`
	Locale           string   `json:"locale,omitempty"`
	DateFrom         string   `json:"date_from,omitempty"`
	DateTo           string   `json:"date_to,omitempty"`
	Limit            int      `json:"limit,omitempty"`
	Sources          []string `json:"sources,omitempty"`
	AllowGlobalLists bool     `json:"allow_global_lists,omitempty"`
}

func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, domain.NewValidationError(field, s, domain.ErrInvalidDateRange)
}

func (r SearchRequest) toDomain() (search.Request, error) {
	from, err := parseDate("date_from", r.DateFrom)
	if err != nil {
		return search.Request{}, err
	}
	to, err := parseDate("date_to", r.DateTo)
	if err != nil {
		return search.Request{}, err
	}
	return search.Request{
		Query:            r.Query,
		Country:          r.Country,
		Locale:           r.Locale,
		DateFrom:         from,
		DateTo:           to,
		Limit:            r.Limit,
		Sources:          r.Sources,
		AllowGlobalLists: r.AllowGlobalLists,
	}, nil
}

type searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

func handleSearch(p searcher, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req, err := body.toDomain()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		resp, err := p.Search(r.Context(), req)
		if err != nil {
			var ve *domain.ValidationError
			if errors.As(err, &ve) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			logger.Error("search failed", "err", err, "request_id", mid.RequestIDFrom(r.Context()))
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleCacheStats(c *cache.Layers) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, c.Stats())
	}
}

// InvalidateRequest is the body of POST /api/cache/invalidate and of
// messages on InvalidateSubject. An empty layer means all layers; an empty
// pattern matches every key. Pattern is a regular expression over cache keys.
type InvalidateRequest struct {
	Layer   string `json:"layer"`
	Pattern string `json:"pattern"`
}

func handleInvalidate(c *cache.Layers, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InvalidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if _, err := regexp.Compile(req.Pattern); err != nil {
			writeError(w, http.StatusBadRequest, "invalid pattern: "+err.Error())
			return
		}
		removed, err := c.Invalidate(r.Context(), req.Layer, req.Pattern)
		if err != nil {
			if errors.Is(err, cache.ErrUnknownLayer) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			logger.Error("cache invalidation failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
	}
}

func handleRateLimit(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := r.PathValue("service")
		known := false
		for _, s := range a.Limiter.Services() {
			if s == svc {
				known = true
				break
			}
		}
		if !known {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown service %q", svc))
			return
		}
		st, err := a.Limiter.Stats(r.Context(), svc)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

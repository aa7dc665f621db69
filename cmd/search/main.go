// Command search runs one event search from the command line and prints the
// results, or the full response and trace with -json.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/WessleyAI/eventscout/engine/app"
	"github.com/WessleyAI/eventscout/engine/config"
	"github.com/WessleyAI/eventscout/engine/provider"
	"github.com/WessleyAI/eventscout/engine/search"
)

type options struct {
	configPath string
	query      string
	country    string
	locale     string
	from, to   string
	limit      int
	jsonOut    bool
	eval       bool
	verbose    bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	fs.StringVar(&o.query, "q", "", "search query (required)")
	fs.StringVar(&o.country, "country", "DE", "target country: ISO code, name or EU")
	fs.StringVar(&o.locale, "locale", "", "locale override, e.g. de or en")
	fs.StringVar(&o.from, "from", "", "window start, YYYY-MM-DD")
	fs.StringVar(&o.to, "to", "", "window end, YYYY-MM-DD")
	fs.IntVar(&o.limit, "limit", 0, "maximum results (0 uses the configured default)")
	fs.BoolVar(&o.jsonOut, "json", false, "print the full response as JSON")
	fs.BoolVar(&o.eval, "eval", false, "print the evaluation-harness result shape")
	fs.BoolVar(&o.verbose, "v", false, "debug logging to stderr")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.query == "" && fs.NArg() > 0 {
		o.query = fs.Arg(0)
	}
	if o.query == "" {
		return o, fmt.Errorf("missing query: use -q")
	}
	return o, nil
}

func (o options) request() (search.Request, error) {
	req := search.Request{Query: o.query, Country: o.country, Locale: o.locale, Limit: o.limit}
	var err error
	if o.from != "" {
		if req.DateFrom, err = time.Parse(time.DateOnly, o.from); err != nil {
			return req, fmt.Errorf("-from: %w", err)
		}
	}
	if o.to != "" {
		if req.DateTo, err = time.Parse(time.DateOnly, o.to); err != nil {
			return req, fmt.Errorf("-to: %w", err)
		}
	}
	return req, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, nil); err != nil {
		fmt.Fprintln(os.Stderr, "search:", err)
		os.Exit(1)
	}
}

// run executes one search. providers overrides the configured ones when
// non-nil.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, providers []provider.Provider) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	req, err := o.request()
	if err != nil {
		return err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	pub := &search.MemoryPublisher{}
	a, err := app.New(ctx, cfg, app.Options{Logger: logger, Providers: providers, Publisher: pub})
	if err != nil {
		return err
	}
	defer a.Close()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	if o.eval {
		res, err := a.Pipeline.SearchFunction(ctx, req.Query, req.Country)
		if err != nil {
			return err
		}
		return enc.Encode(res)
	}

	resp, err := a.Pipeline.Search(ctx, req)
	if err != nil {
		return err
	}
	if o.jsonOut {
		return enc.Encode(resp)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tSCORE\tDATE\tTITLE\tURL\n")
	for i, r := range resp.Results {
		date := "-"
		if r.Event.StartsAt != nil {
			date = r.Event.StartsAt.Format(time.DateOnly)
		}
		fmt.Fprintf(tw, "%d\t%.3f\t%s\t%s\t%s\n", i+1, r.Score, date, r.Title, r.URL)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "\n%d results for %q in %s (locale %s), %d providers, %.1fp, %s, trace %s\n",
		len(resp.Results), resp.Query, resp.Country, resp.Locale, len(resp.Providers),
		resp.CostPence, resp.Took.Round(time.Millisecond), resp.Trace.ID)
	for _, st := range resp.Trace.Stages {
		fmt.Fprintf(stdout, "  %-16s %3d -> %3d\n", st.Name, st.Before, st.After)
	}
	if n := len(pub.Events()); n != 1 {
		logger.Warn("trace not recorded", "events", n)
	}
	return nil
}

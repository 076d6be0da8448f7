// statline aggregates recorded statistics into fixed-width buckets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/xtxerr/statline/internal/client"
	"github.com/xtxerr/statline/internal/logging"
	"github.com/xtxerr/statline/internal/storage"
	"github.com/xtxerr/statline/internal/storage/config"
	"github.com/xtxerr/statline/internal/storage/query"
	"github.com/xtxerr/statline/internal/store"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	names := flag.String("names", "", "comma-separated metric names to query")
	start := flag.String("start", "", "range start (epoch seconds or RFC3339)")
	end := flag.String("end", "", "range end (epoch seconds or RFC3339, default now)")
	last := flag.Duration("last", 0, "query the trailing window ending at -end")
	resolution := flag.String("resolution", "", "bucket width (duration or minute|5min|hourly|daily|weekly)")
	format := flag.String("format", "", "output format: table or wire (default table on a terminal)")
	importPath := flag.String("import", "", "import a parquet snapshot")
	exportPath := flag.String("export", "", "export stored rows to a parquet snapshot")
	exportPrefix := flag.String("prefix", "", "only export metrics with this name prefix")
	cleanup := flag.Bool("cleanup", false, "delete expired rows")
	compact := flag.Bool("compact", false, "merge old rows into coarser buckets")
	dryRun := flag.Bool("dry-run", false, "with -cleanup or -compact, report without changing rows")
	listNames := flag.Bool("list", false, "list stored metrics")
	interactive := flag.Bool("i", false, "interactive shell")
	estimate := flag.Int("estimate", 0, "print resource estimates for this many metrics and exit")
	interval := flag.Duration("interval", time.Minute, "with -estimate, collection interval")
	remote := flag.String("remote", "", "query a statline server at this address instead of the local store")
	token := flag.String("token", "", "with -remote, auth token (or STATLINE_TOKEN env)")
	useTLS := flag.Bool("tls", false, "with -remote, connect with TLS")
	tlsSkipVerify := flag.Bool("tls-skip-verify", false, "with -tls, skip certificate verification")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Logging: %v", err)
	}
	logging.Init(level, cfg.Logging.JSON)
	logging.Debug("statline starting", "version", Version, "config", *cfgPath)

	if *estimate > 0 {
		if *interval <= 0 {
			log.Fatalf("Estimate: -interval must be positive")
		}
		req := cfg.EstimateRequirements(*estimate, *interval)
		fmt.Print(req.FormatRequirements())
		return
	}

	// =========================================================================
	// Signal Handling
	// =========================================================================

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := runOptions{
		names:        *names,
		start:        *start,
		end:          *end,
		last:         *last,
		resolution:   *resolution,
		format:       *format,
		importPath:   *importPath,
		exportPath:   *exportPath,
		exportPrefix: *exportPrefix,
		cleanup:      *cleanup,
		compact:      *compact,
		dryRun:       *dryRun,
		listNames:    *listNames,
		interactive:  *interactive,
	}

	if *remote != "" {
		authToken := *token
		if authToken == "" {
			authToken = os.Getenv("STATLINE_TOKEN")
		}
		c := client.New(&client.Config{
			Addr:          *remote,
			Token:         authToken,
			TLS:           *useTLS,
			TLSSkipVerify: *tlsSkipVerify,
		})
		code := runRemote(ctx, c, opts)
		stop()
		os.Exit(code)
	}

	svc, err := storage.New(cfg)
	if err != nil {
		log.Fatalf("Create storage: %v", err)
	}

	code := run(ctx, svc, opts)

	if err := svc.Stop(); err != nil {
		logging.Warn("storage stop failed", "error", err)
	}
	os.Exit(code)
}

type runOptions struct {
	names        string
	start        string
	end          string
	last         time.Duration
	resolution   string
	format       string
	importPath   string
	exportPath   string
	exportPrefix string
	cleanup      bool
	compact      bool
	dryRun       bool
	listNames    bool
	interactive  bool
}

// run executes the requested actions in a fixed order: import, cleanup,
// compact, export, list, query, shell. It returns the process exit code.
func run(ctx context.Context, svc *storage.Service, opts runOptions) int {
	if opts.importPath != "" {
		n, err := svc.Import(ctx, opts.importPath)
		if err != nil {
			logging.Error("import failed", "path", opts.importPath, "error", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "imported %d rows from %s\n", n, opts.importPath)
	}

	if opts.cleanup {
		cleanup := svc.RunRetention
		if opts.dryRun {
			cleanup = svc.DryRunRetention
		}
		results, err := cleanup(ctx)
		if err != nil {
			logging.Error("cleanup failed", "error", err)
			return 1
		}
		printCleanup(os.Stdout, results, opts.dryRun)
	}

	if opts.compact {
		if opts.dryRun {
			jobs, err := svc.PlanCompaction(ctx)
			if err != nil {
				logging.Error("compaction plan failed", "error", err)
				return 1
			}
			printCompactionPlan(os.Stdout, jobs)
		} else {
			results, err := svc.RunCompaction(ctx)
			if err != nil {
				logging.Error("compaction failed", "error", err)
				return 1
			}
			printCompaction(os.Stdout, results)
		}
	}

	if opts.exportPath != "" {
		n, err := svc.Export(ctx, opts.exportPath, store.NameFilter{Prefix: opts.exportPrefix})
		if err != nil {
			logging.Error("export failed", "path", opts.exportPath, "error", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "exported %d rows to %s\n", n, opts.exportPath)
	}

	if opts.listNames {
		summaries, err := svc.Summaries(ctx, store.NameFilter{})
		if err != nil {
			logging.Error("list failed", "error", err)
			return 1
		}
		printSummaries(os.Stdout, summaries)
	}

	if opts.names != "" {
		req, err := buildRequest(opts, time.Now())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}

		result, err := svc.Collect(ctx, req)
		if err != nil {
			logging.Error("query failed", "error", err)
			return 1
		}

		if err := writeResult(os.Stdout, outputFormat(opts.format), result); err != nil {
			logging.Error("write result failed", "error", err)
			return 1
		}
	}

	if opts.interactive {
		// The shell records events, so the recorder and retention run.
		if err := svc.Start(); err != nil {
			logging.Error("start failed", "error", err)
			return 1
		}
		newShell(svc).run()
	}

	return 0
}

// runRemote answers -list and -names from a statline server. Actions that
// change rows need the local store and are refused.
func runRemote(ctx context.Context, c *client.Client, opts runOptions) int {
	if opts.importPath != "" || opts.exportPath != "" || opts.cleanup || opts.compact || opts.interactive {
		fmt.Fprintln(os.Stderr, "-remote supports only -list and -names")
		return 2
	}

	if err := c.Connect(ctx); err != nil {
		logging.Error("connect failed", "error", err)
		return 1
	}
	defer c.Close()

	if opts.listNames {
		names, err := c.Names(ctx)
		if err != nil {
			logging.Error("list failed", "error", err)
			return 1
		}
		for _, name := range names {
			fmt.Println(name)
		}
	}

	if opts.names != "" {
		req, err := buildRequest(opts, time.Now())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}

		result, err := c.Collect(ctx, req)
		if err != nil {
			logging.Error("query failed", "error", err)
			return 1
		}
		if err := writeResult(os.Stdout, outputFormat(opts.format), result); err != nil {
			logging.Error("write result failed", "error", err)
			return 1
		}
	}

	return 0
}

// outputFormat picks the table format on a terminal and the wire format
// otherwise, unless one was requested.
func outputFormat(format string) string {
	if format != "" {
		return format
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return "table"
	}
	return "wire"
}

// buildRequest turns the query flags into a request. Unset times stay 0 so
// the query service applies its defaults.
func buildRequest(opts runOptions, now time.Time) (query.Request, error) {
	req := query.Request{Names: splitNames(opts.names)}

	var err error
	if opts.end != "" {
		if req.End, err = parseTime(opts.end); err != nil {
			return req, fmt.Errorf("-end: %w", err)
		}
	}

	switch {
	case opts.last > 0 && opts.start != "":
		return req, fmt.Errorf("-last and -start are mutually exclusive")
	case opts.last > 0:
		end := req.End
		if end == 0 {
			end = float64(now.Unix())
			req.End = end
		}
		req.Start = end - opts.last.Seconds()
	case opts.start != "":
		if req.Start, err = parseTime(opts.start); err != nil {
			return req, fmt.Errorf("-start: %w", err)
		}
	}

	if opts.resolution != "" {
		if req.Resolution, err = parseResolution(opts.resolution); err != nil {
			return req, fmt.Errorf("-resolution: %w", err)
		}
	}

	return req, nil
}

func splitNames(s string) []string {
	var names []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

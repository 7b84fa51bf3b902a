// Command codefuse serves fused code search over MCP and offers one-shot
// index and search commands for the terminal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/dshills/codefuse/internal/config"
	"github.com/dshills/codefuse/internal/logging"
	"github.com/dshills/codefuse/internal/mcp"
	"github.com/dshills/codefuse/internal/metrics"
	"github.com/dshills/codefuse/internal/searcher"
	"github.com/dshills/codefuse/internal/storage"
	"github.com/dshills/codefuse/internal/workspace"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// usageError marks errors caused by bad command-line input.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var usage *usageError
		if errors.As(err, &usage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	dataDir     string
	logLevel    string
	logFormat   string
	metricsAddr string
	showVersion bool

	force      bool
	limit      int
	mode       string
	noRerank   bool
	jsonOutput bool
}

func newFlagSet(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("codefuse", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&opts.dataDir, "data-dir", "", "directory holding per-project databases and snapshots")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&opts.showVersion, "version", false, "print version information and exit")

	fs.BoolVar(&opts.force, "force", false, "index: re-index files even when unchanged")
	fs.IntVarP(&opts.limit, "limit", "n", 0, "search: maximum number of results")
	fs.StringVar(&opts.mode, "mode", "", "search: hybrid, keyword or vector")
	fs.BoolVar(&opts.noRerank, "no-rerank", false, "search: skip query-aware reranking")
	fs.BoolVar(&opts.jsonOutput, "json", false, "print results as JSON")
	fs.BoolP("help", "h", false, "show help")
	return fs
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var opts options
	fs := newFlagSet(&opts)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stdout, fs)
			return nil
		}
		return &usageError{msg: err.Error()}
	}
	if help, _ := fs.GetBool("help"); help {
		printHelp(stdout, fs)
		return nil
	}
	if opts.showVersion {
		printVersion(stdout)
		return nil
	}

	cfg, err := loadConfig(fs, &opts)
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, stderr)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Addr, reg, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	positional := fs.Args()
	command := "serve"
	if len(positional) > 0 {
		command, positional = positional[0], positional[1:]
	}

	switch command {
	case "serve":
		return serve(ctx, cfg, m, logger, stdin, stdout)
	case "index":
		if len(positional) != 1 {
			return &usageError{msg: "usage: codefuse index <path>"}
		}
		return runIndex(ctx, cfg, m, logger, positional[0], &opts, stdout)
	case "search":
		if len(positional) < 2 {
			return &usageError{msg: "usage: codefuse search <path> <query...>"}
		}
		return runSearch(ctx, cfg, m, logger, positional[0], strings.Join(positional[1:], " "), &opts, stdout)
	case "status":
		if len(positional) != 1 {
			return &usageError{msg: "usage: codefuse status <path>"}
		}
		return runStatus(ctx, cfg, m, logger, positional[0], stdout)
	case "version":
		printVersion(stdout)
		return nil
	default:
		return &usageError{msg: fmt.Sprintf("unknown command %q", command)}
	}
}

// loadConfig reads the config file and lets explicitly set flags win.
func loadConfig(fs *pflag.FlagSet, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if fs.Changed("data-dir") {
		cfg.Storage.DataDir = opts.dataDir
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Logging.Format = opts.logFormat
	}
	if fs.Changed("metrics-addr") {
		cfg.Metrics.Enabled = opts.metricsAddr != ""
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger, stdin io.Reader, stdout io.Writer) error {
	logger.Info("codefuse starting",
		"version", version,
		"build_mode", storage.BuildMode,
		"driver", storage.DriverName)

	registry := workspace.NewRegistry(cfg, m, logger)
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Error("failed to close workspaces", "error", err)
		}
	}()

	err := mcp.NewServer(registry, logger).Serve(ctx, stdin, stdout)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func runIndex(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger, path string, opts *options, stdout io.Writer) error {
	ws, err := workspace.Open(ctx, path, cfg, m, logger)
	if err != nil {
		return err
	}
	defer ws.Close()

	indexOpts := ws.DefaultIndexOptions()
	indexOpts.Force = opts.force
	stats, err := ws.Index(ctx, indexOpts)
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		return writeJSON(stdout, stats)
	}
	fmt.Fprintf(stdout, "indexed %d files (%d skipped, %d failed, %d removed): %d chunks, %d symbols, %d embeddings in %s\n",
		stats.FilesIndexed, stats.FilesSkipped, stats.FilesFailed, stats.FilesRemoved,
		stats.ChunksCreated, stats.SymbolsExtracted, stats.EmbeddingsCreated,
		stats.Duration.Round(time.Millisecond))
	for _, msg := range stats.ErrorMessages {
		fmt.Fprintf(stdout, "  error: %s\n", msg)
	}
	return nil
}

func runSearch(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger, path, query string, opts *options, stdout io.Writer) error {
	mode, err := searcher.ParseMode(opts.mode)
	if err != nil {
		return &usageError{msg: err.Error()}
	}

	ws, err := workspace.Open(ctx, path, cfg, m, logger)
	if err != nil {
		return err
	}
	defer ws.Close()

	resp, err := ws.Search(ctx, searcher.SearchRequest{
		Query:  query,
		Limit:  opts.limit,
		Mode:   mode,
		Rerank: ws.SearchDefaults().Rerank && !opts.noRerank,
	})
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		return writeJSON(stdout, resp)
	}
	if len(resp.Results) == 0 {
		fmt.Fprintln(stdout, "no results")
		return nil
	}
	for i, r := range resp.Results {
		fmt.Fprintf(stdout, "%2d. %s:%d-%d  %s  %.3f", i+1, r.FilePath, r.StartLine, r.EndLine, r.MatchType, r.Score)
		if r.Symbol != "" {
			fmt.Fprintf(stdout, "  %s", r.Symbol)
		}
		fmt.Fprintln(stdout)
		if line := firstLine(r.Content); line != "" {
			fmt.Fprintf(stdout, "      %s\n", line)
		}
	}
	if resp.Degraded {
		fmt.Fprintln(stdout, "(degraded: statistical results unavailable)")
	}
	return nil
}

func runStatus(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger, path string, stdout io.Writer) error {
	ws, err := workspace.Open(ctx, path, cfg, m, logger)
	if err != nil {
		return err
	}
	defer ws.Close()

	status, err := ws.Status(ctx)
	if err != nil {
		return err
	}
	return writeJSON(stdout, status)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "codefuse %s\n", version)
	fmt.Fprintf(w, "Build Time: %s\n", buildTime)
	fmt.Fprintf(w, "Build Mode: %s\n", storage.BuildMode)
	fmt.Fprintf(w, "SQLite Driver: %s\n", storage.DriverName)
}

func printHelp(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, `codefuse: fused exact, symbol, semantic and BM25 code search.

Usage:
  codefuse [flags]                        serve MCP on stdio
  codefuse index <path> [flags]           index a project
  codefuse search <path> <query> [flags]  search an indexed project
  codefuse status <path>                  print index status as JSON
  codefuse version                        print build information

Flags:
%s`, fs.FlagUsages())
}

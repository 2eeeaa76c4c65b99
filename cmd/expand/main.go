// expand unpacks collected containers (archives, mail stores, directories)
// into leaf documents, normalizes their metadata and forwards one record per
// document to the result store or, in distributed mode, to the queue.
//
// Commands:
//
//	expand run ROOT...   expand roots and exit
//	expand drain         move queued records into the result store
//	expand export        write the delimited load file from the result store
//	expand serve         serve /status and /healthz (and MCP on stdio with --mcp)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/hazyhaar/ediscovery/processing"
)

type options struct {
	configPath  string
	logLevel    string
	workers     int
	scratch     string
	capability  string
	digest      string
	mode        string
	catalog     string
	separator   string
	maxDepth    int
	distributed bool
	render      bool
	storePath   string
	queuePath   string
	exportPath  string
	listen      string
	mcp         bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var o options
	fs := pflag.NewFlagSet("expand", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", env("EXPAND_CONFIG", ""), "YAML configuration file")
	fs.StringVar(&o.logLevel, "log-level", env("LOG_LEVEL", "info"), "debug, info, warn or error")
	fs.IntVarP(&o.workers, "workers", "w", 0, "roots expanded concurrently")
	fs.StringVar(&o.scratch, "scratch", "", "scratch directory for staged members")
	fs.StringVar(&o.capability, "capability", "", "emission capability: auto, concurrent or serialized")
	fs.StringVar(&o.digest, "digest", "", "dedup digest: md5 or blake3")
	fs.StringVar(&o.mode, "mode", "", "metadata mode: standard or all")
	fs.StringVar(&o.catalog, "catalog", "", "metadata catalog file (yaml, jsonc or properties)")
	fs.StringVar(&o.separator, "separator", "", "export field separator")
	fs.IntVar(&o.maxDepth, "max-depth", 0, "maximum container nesting, 0 for unbounded")
	fs.BoolVar(&o.distributed, "distributed", false, "publish records to the queue and delete expanded roots")
	fs.BoolVar(&o.render, "render", false, "render a PDF artifact for every document")
	fs.StringVar(&o.storePath, "store", "", "result store database")
	fs.StringVar(&o.queuePath, "queue", "", "distributed queue database")
	fs.StringVarP(&o.exportPath, "export", "o", "", "load file written after run, drain or export")
	fs.StringVar(&o.listen, "listen", "", "status HTTP address (empty disables it for run and drain)")
	fs.BoolVar(&o.mcp, "mcp", false, "serve the MCP tools on stdio (serve only)")
	fs.BoolP("help", "h", false, "show help")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(fs)
			return nil
		}
		return err
	}
	if help, _ := fs.GetBool("help"); help || fs.NArg() == 0 {
		printHelp(fs)
		return nil
	}

	logger := newLogger(o.logLevel, o.mcp)
	slog.SetDefault(logger)

	cfg, err := loadConfig(fs, &o)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	args := fs.Args()
	switch args[0] {
	case "run":
		if len(args) < 2 {
			return errors.New("run: at least one root is required")
		}
		return cmdRun(ctx, cfg, &o, logger, args[1:])
	case "drain":
		return cmdDrain(ctx, cfg, &o, logger)
	case "export":
		return cmdExport(ctx, cfg, &o, logger)
	case "serve":
		return cmdServe(ctx, cfg, &o, logger)
	default:
		return fmt.Errorf("unknown command %q (use run, drain, export or serve)", args[0])
	}
}

// loadConfig reads the config file, then applies the flags that were set.
func loadConfig(fs *pflag.FlagSet, o *options) (*processing.Config, error) {
	cfg := processing.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = processing.LoadConfig(o.configPath); err != nil {
			return nil, err
		}
	}
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}
	set("workers", func() { cfg.Workers = o.workers })
	set("scratch", func() { cfg.ScratchDir = o.scratch })
	set("capability", func() { cfg.Capability = o.capability })
	set("digest", func() { cfg.Digest = o.digest })
	set("mode", func() { cfg.Metadata.Mode = o.mode })
	set("catalog", func() { cfg.Metadata.Catalog = o.catalog })
	set("separator", func() { cfg.Metadata.Separator = unescape(o.separator) })
	set("max-depth", func() { cfg.MaxDepth = o.maxDepth })
	set("distributed", func() { cfg.Distributed = o.distributed })
	set("render", func() { cfg.Render.Enabled = o.render })
	set("store", func() { cfg.Store.Path = o.storePath })
	set("queue", func() { cfg.Queue.Path = o.queuePath })
	set("export", func() { cfg.Store.Export = o.exportPath })
	set("listen", func() { cfg.Status.Listen = o.listen })
	if !fs.Changed("listen") && fs.Arg(0) != "serve" {
		cfg.Status.Listen = ""
	}
	return cfg, cfg.Validate()
}

// newLogger writes JSON to stderr when stdout carries the MCP protocol.
func newLogger(level string, mcpOnStdio bool) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	w := os.Stdout
	if mcpOnStdio {
		w = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// unescape lets "\t" be passed as a separator on the command line.
func unescape(s string) string {
	return strings.NewReplacer(`\t`, "\t", `\n`, "\n").Replace(s)
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printHelp(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `expand: recursive container expansion for e-discovery collections.

Usage:
  expand [flags] run ROOT...
  expand [flags] drain
  expand [flags] export
  expand [flags] serve

Flags:
%s`, fs.FlagUsages())
}

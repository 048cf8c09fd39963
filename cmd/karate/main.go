// Package main is the entry point for the test runner CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/relaytest/karate-go/internal/callcache"
	"github.com/relaytest/karate-go/internal/engine"
	"github.com/relaytest/karate-go/internal/gherkin"
	"github.com/relaytest/karate-go/internal/listener"
	"github.com/relaytest/karate-go/internal/perf"
	"github.com/relaytest/karate-go/internal/report"
	"github.com/relaytest/karate-go/internal/runnerconfig"
	"github.com/relaytest/karate-go/internal/runtimeconfig"
	"github.com/relaytest/karate-go/internal/suite"
	"github.com/relaytest/karate-go/pkg/logger"
)

const (
	toolName    = "karate-go"
	toolVersion = "1.0.0"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file")
		tagSelector = flag.String("tags", "", "tag selector, overrides config's run.tag_selector")
		workers     = flag.Int("workers", 0, "worker count, 0 keeps config's run.workers")
		outputDir   = flag.String("output", "", "report output dir, overrides config's report.output_dir")
		statusAddr  = flag.String("status", "", "live-status server address, overrides config's status.addr")
		env         = flag.String("env", "", "karate.env value exposed to feature scripts")
		showVersion = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", toolName, toolVersion)
		os.Exit(0)
	}

	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s [options] <feature-path>...\n", os.Args[0])
		os.Exit(2)
	}

	cfg, err := runnerconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if *tagSelector != "" {
		cfg.Run.TagSelector = *tagSelector
	}
	if *workers > 0 {
		cfg.Run.Workers = *workers
	}
	if *outputDir != "" {
		cfg.Report.OutputDir = *outputDir
	}
	if *statusAddr != "" {
		cfg.Status.Addr = *statusAddr
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)

	features, err := discoverFeatures(paths)
	if err != nil {
		log.Error("discovering features", "error", err)
		os.Exit(1)
	}
	if len(features) == 0 {
		log.Error("no .feature files found", "paths", paths)
		os.Exit(1)
	}
	log.Info("loaded features", "count", len(features))

	cache, err := buildCallCache(cfg, log)
	if err != nil {
		log.Error("building call cache", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Report.OutputDir, 0o755); err != nil {
		log.Error("creating report output dir", "error", err)
		os.Exit(1)
	}
	ndjsonPath := filepath.Join(cfg.Report.OutputDir, "karate-results.ndjson")
	writer, err := report.Create(ndjsonPath)
	if err != nil {
		log.Error("creating ndjson report", "error", err)
		os.Exit(1)
	}
	defer writer.Close()

	bus := listener.New()
	bus.Register(writer)

	s := suite.New(suite.Options{
		Features:            features,
		TagSelector:         cfg.Run.TagSelector,
		Workers:             cfg.Run.Workers,
		AbortSuiteOnFailure: cfg.Run.AbortSuiteOnFailure,
		EngineFactory:       engine.NewGoja,
		BaseConfig:          runtimeconfig.New(),
		Env:                 *env,
		PerfHook:            perf.NewPipeline(),
		Listeners:           bus,
		SuiteCache:          callcache.NewSingle(cache, func() int64 { return int64(cfg.Cache.DefaultTTL.Seconds()) }),
		StatusAddr:          cfg.Status.Addr,
		Logger:              log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sr, err := s.Run(ctx)
	if err != nil {
		log.Error("suite run failed", "error", err)
		os.Exit(1)
	}

	passed, failed, total := sr.Counts()
	log.Info("suite finished", "passed", passed, "failed", failed, "total", total, "exitCode", sr.ExitCode())
	os.Exit(sr.ExitCode())
}

// buildCallCache picks the in-memory LRU backend, or the Redis backend
// when cache.redis_addr is set so a callSingle cache can be shared
// across multiple runner processes (spec.md §4.3).
func buildCallCache(cfg *runnerconfig.Config, log *slog.Logger) (callcache.Cache, error) {
	if cfg.Cache.RedisAddr != "" {
		return callcache.NewRedisCache(cfg.Cache.RedisAddr, log)
	}
	return callcache.NewLRUCache(cfg.Cache.MaxEntries, log)
}

// discoverFeatures expands each of paths into the .feature files it
// names: a bare file is used as-is, a directory is walked recursively.
func discoverFeatures(paths []string) ([]*gherkin.Feature, error) {
	var out []*gherkin.Feature
	seen := map[string]bool{}

	add := func(path string) error {
		if seen[path] {
			return nil
		}
		seen[path] = true
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		feat, err := gherkin.Read(path, f)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		out = append(out, feat)
		return nil
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.IsDir() {
			if err := add(p); err != nil {
				return nil, err
			}
			continue
		}
		walkErr := filepath.Walk(p, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() || !strings.HasSuffix(path, ".feature") {
				return nil
			}
			return add(path)
		})
		if walkErr != nil {
			return nil, walkErr
		}
	}
	return out, nil
}

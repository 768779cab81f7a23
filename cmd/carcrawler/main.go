package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carliecode/cars-info-website-scraper/internal/config"
	"github.com/carliecode/cars-info-website-scraper/internal/crawler"
	"github.com/carliecode/cars-info-website-scraper/internal/ingest"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to crawler configuration file")
	crawlOnly := flag.Bool("crawl-only", false, "Crawl and write day files without ingesting them")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Logging)
	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := crawler.NewMetrics()
	if cfg.Metrics.Addr != "" {
		startMetricsServer(ctx, cfg.Metrics.Addr, metrics, logger)
	}

	engine := crawler.New(cfg, runID, logger, metrics)

	logger.Info("crawl starting",
		"base_url", cfg.Crawl.BaseURL,
		"max_pages", cfg.Crawl.MaxPages,
		"workers", cfg.Crawl.Workers,
	)
	summary, err := engine.Run(ctx)
	logger.Info("crawl finished",
		"pages", summary.Pages,
		"listings", summary.Listings,
		"records", summary.Records,
		"skipped", summary.Skipped,
	)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("crawl interrupted, day files keep what was flushed")
			os.Exit(1)
		}
		logger.Error("crawl failed", "error", err)
		os.Exit(1)
	}
	if err := engine.ClearCheckpoint(); err != nil {
		logger.Warn("failed to clear checkpoint", "error", err)
	}

	if *crawlOnly {
		return
	}
	if !cfg.DB.Enabled() {
		logger.Warn("no database configured, day files left in place for later ingestion")
		return
	}
	if err := runIngestion(ctx, cfg, engine.OutputPaths(), logger); err != nil {
		logger.Error("ingestion failed", "error", err)
		os.Exit(1)
	}
}

func runIngestion(ctx context.Context, cfg *config.Config, paths []string, logger *slog.Logger) error {
	ing, err := ingest.New(cfg.DB, logger)
	if err != nil {
		return err
	}
	defer ing.Close()

	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if _, err := ing.IngestFile(ctx, path, cfg.Output.ArchiveDir); err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
	}
	return nil
}

func startMetricsServer(ctx context.Context, addr string, metrics *crawler.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Package crawler walks the paginated listing index, extracts a detail record
// for every advert, and flushes each page's records to the day file before
// moving on.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/carliecode/cars-info-website-scraper/internal/browser"
	"github.com/carliecode/cars-info-website-scraper/internal/checkpoint"
	"github.com/carliecode/cars-info-website-scraper/internal/config"
	"github.com/carliecode/cars-info-website-scraper/internal/extract"
	"github.com/carliecode/cars-info-website-scraper/internal/retry"
	"github.com/carliecode/cars-info-website-scraper/internal/store"
	"github.com/carliecode/cars-info-website-scraper/pkg/types"
)

// Summary aggregates what a crawl run accomplished.
type Summary struct {
	Pages    int
	Listings int
	Records  int
	Skipped  int
}

func (s *Summary) add(other Summary) {
	s.Pages += other.Pages
	s.Listings += other.Listings
	s.Records += other.Records
	s.Skipped += other.Skipped
}

// pageRange is a contiguous, inclusive span of index pages owned by one worker.
type pageRange struct {
	start int
	end   int
}

// Engine drives the crawl. Each worker owns a browser session, a retry
// controller, and an output file; workers never share mutable state beyond
// the pacer and metrics, which are safe for concurrent use.
type Engine struct {
	cfg         *config.Config
	runID       string
	logger      *slog.Logger
	metrics     *Metrics
	pacer       *Pacer
	checkpoints *checkpoint.Store
	now         func() time.Time

	newManager func(worker int) *browser.Manager
	newWriter  func(worker int) (*store.Writer, error)
}

// New builds an engine backed by real browser sessions. metrics may be nil.
func New(cfg *config.Config, runID string, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:     cfg,
		runID:   runID,
		logger:  logger,
		metrics: metrics,
		pacer:   NewPacer(cfg.Crawl),
		now:     time.Now,
	}
	if cfg.Checkpoint.Enabled {
		e.checkpoints = checkpoint.NewStore(cfg.Checkpoint.Path)
	}
	e.newManager = func(worker int) *browser.Manager {
		return browser.NewManager(cfg.Browser, logger.With("worker", worker))
	}
	e.newWriter = func(worker int) (*store.Writer, error) {
		return store.Open(e.outputPath(worker))
	}
	return e
}

func (e *Engine) workers() int {
	if e.cfg.Crawl.Workers > 1 {
		return e.cfg.Crawl.Workers
	}
	return 1
}

func (e *Engine) outputPath(worker int) string {
	return store.DayFilePath(e.cfg.Output.DataDir, e.now(), worker, e.workers())
}

// OutputPaths lists the day files this run writes, one per worker.
func (e *Engine) OutputPaths() []string {
	paths := make([]string, e.workers())
	for i := range paths {
		paths[i] = e.outputPath(i)
	}
	return paths
}

// ClearCheckpoint removes the recorded resume point. Call it after a run
// finishes cleanly so the next run starts from page one again.
func (e *Engine) ClearCheckpoint() error {
	if e.checkpoints == nil {
		return nil
	}
	return e.checkpoints.Clear()
}

// Run crawls the full page range, splitting it across the configured workers,
// and blocks until every worker finishes. A worker error does not stop its
// siblings; all errors are joined in the returned error.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	workers := e.workers()
	ranges := splitPages(e.cfg.Crawl.MaxPages, workers)

	summaries := make([]Summary, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			summaries[worker], errs[worker] = e.runWorker(ctx, worker, ranges[worker])
		}(i)
	}
	wg.Wait()

	var total Summary
	for _, s := range summaries {
		total.add(s)
	}
	return total, errors.Join(errs...)
}

func (e *Engine) runWorker(ctx context.Context, worker int, pages pageRange) (Summary, error) {
	var summary Summary
	logger := e.logger.With("worker", worker)

	manager := e.newManager(worker)
	controller := retry.NewController(manager, e.cfg.Retry, logger)
	if e.metrics != nil {
		controller.OnRetry(e.metrics.RetriesTotal.Inc)
	}
	extractor := extract.NewExtractor(controller, logger)

	writer, err := e.newWriter(worker)
	if err != nil {
		return summary, fmt.Errorf("worker %d: %w", worker, err)
	}
	defer writer.Close()

	sess, err := manager.Acquire(ctx)
	if err != nil {
		return summary, fmt.Errorf("worker %d: acquire session: %w", worker, err)
	}
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	start := e.resumePoint(worker, pages, logger)
	batch := &store.Batch{}
	for page := start; page <= pages.end; page++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		pageStart := e.now()

		if every := e.cfg.Crawl.SessionRestartEvery; every > 0 && page > start && (page-start)%every == 0 {
			logger.Debug("scheduled session restart", "page", page)
			if sess, err = manager.Replace(ctx, sess); err != nil {
				return summary, fmt.Errorf("worker %d: restart session: %w", worker, err)
			}
			if e.metrics != nil {
				e.metrics.SessionRestarts.Inc()
			}
		}

		stubs, done, err := e.fetchIndexPage(ctx, controller, &sess, page, logger)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			// A page that cannot be fetched is skipped, but a browser
			// environment that cannot produce sessions at all is fatal.
			if errors.Is(err, browser.ErrAcquireFailed) {
				return summary, fmt.Errorf("worker %d: %w", worker, err)
			}
			e.observePage("error", pageStart)
			continue
		}
		if done {
			e.observePage("empty", pageStart)
			logger.Info("empty page past threshold, crawl complete", "page", page)
			return summary, nil
		}
		if len(stubs) == 0 {
			e.observePage("empty", pageStart)
			continue
		}

		summary.Listings += len(stubs)
		if e.metrics != nil {
			e.metrics.ListingsTotal.Add(float64(len(stubs)))
		}

		for _, stub := range stubs {
			if err := e.pacer.Wait(ctx); err != nil {
				return summary, err
			}
			var rec *types.VehicleRecord
			sess, rec, err = extractor.Extract(ctx, sess, stub)
			if err != nil {
				if ctx.Err() != nil {
					return summary, ctx.Err()
				}
				if errors.Is(err, browser.ErrAcquireFailed) {
					return summary, fmt.Errorf("worker %d: %w", worker, err)
				}
				logger.Warn("skipping listing", "url", stub.DetailURL, "error", err)
				summary.Skipped++
				if e.metrics != nil {
					e.metrics.ErrorsTotal.WithLabelValues("detail").Inc()
				}
				continue
			}
			batch.Append(rec)
		}

		// Flush failures are fatal: records would be silently lost otherwise.
		if err := writer.Flush(batch); err != nil {
			return summary, fmt.Errorf("worker %d: flush page %d: %w", worker, page, err)
		}
		summary.Records += batch.Len()
		if e.metrics != nil {
			e.metrics.RecordsFlushed.Add(float64(batch.Len()))
		}
		batch.Clear()

		if e.checkpoints != nil {
			if err := e.checkpoints.Save(e.runID, worker, page); err != nil {
				logger.Warn("checkpoint save failed", "page", page, "error", err)
			}
		}

		summary.Pages++
		e.observePage("ok", pageStart)
		logger.Info("page complete", "page", page, "listings", len(stubs))
	}
	return summary, nil
}

// fetchIndexPage loads one index page and parses its listing stubs. done is
// true when an empty page at or past the threshold ends the crawl; an empty
// page earlier in the range is treated as a rendering hiccup and skipped.
func (e *Engine) fetchIndexPage(ctx context.Context, controller *retry.Controller, sess *browser.Session, page int, logger *slog.Logger) (stubs []types.ListingStub, done bool, err error) {
	indexURL := e.cfg.Crawl.BaseURL + strconv.Itoa(page)

	var markup string
	*sess, err = controller.Do(ctx, "fetch index page", *sess, func(opCtx context.Context, s browser.Session) error {
		if err := s.Navigate(opCtx, indexURL); err != nil {
			return err
		}
		m, err := s.Markup(opCtx)
		if err != nil {
			return err
		}
		markup = m
		return nil
	})
	if err != nil {
		logger.Warn("skipping index page", "page", page, "error", err)
		if e.metrics != nil {
			e.metrics.ErrorsTotal.WithLabelValues("index").Inc()
		}
		return nil, false, err
	}

	stubs, err = extract.ParseStubs(markup, e.cfg.Crawl.SiteRoot)
	if err != nil {
		logger.Warn("unparsable index page", "page", page, "error", err)
		if e.metrics != nil {
			e.metrics.ErrorsTotal.WithLabelValues("parse").Inc()
		}
		return nil, false, err
	}
	if len(stubs) == 0 {
		if page >= e.cfg.Crawl.EmptyPageThreshold {
			return nil, true, nil
		}
		logger.Warn("empty index page before threshold", "page", page)
	}
	return stubs, false, nil
}

// resumePoint returns the first page this worker should visit, honouring a
// recorded checkpoint when it falls inside the worker's range.
func (e *Engine) resumePoint(worker int, pages pageRange, logger *slog.Logger) int {
	if e.checkpoints == nil {
		return pages.start
	}
	snap, ok, err := e.checkpoints.Load(worker)
	if err != nil {
		logger.Warn("checkpoint load failed, starting from scratch", "error", err)
		return pages.start
	}
	if !ok || snap.LastPage < pages.start || snap.LastPage > pages.end {
		return pages.start
	}
	logger.Info("resuming from checkpoint", "last_page", snap.LastPage)
	return snap.LastPage + 1
}

func (e *Engine) observePage(outcome string, started time.Time) {
	if e.metrics != nil {
		e.metrics.ObservePage(outcome, started)
	}
}

// splitPages divides 1..maxPages into contiguous, near-equal ranges.
func splitPages(maxPages, workers int) []pageRange {
	ranges := make([]pageRange, workers)
	base := maxPages / workers
	rem := maxPages % workers
	next := 1
	for i := 0; i < workers; i++ {
		size := base
		if i < rem {
			size++
		}
		ranges[i] = pageRange{start: next, end: next + size - 1}
		next += size
	}
	return ranges
}

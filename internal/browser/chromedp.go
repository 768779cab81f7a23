package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

const aliveProbeTimeout = 3 * time.Second

// chromedpSession runs one headless Chrome process via chromedp.
type chromedpSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	navTimeout  time.Duration
	closeOnce   sync.Once
}

// NewChromedpSession starts a Chrome process configured per opts. The session
// inherits the parent context's lifetime.
func NewChromedpSession(parent context.Context, opts Options) (Session, error) {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 120 * time.Second
	}

	execOpts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	}
	if opts.UserAgent != "" {
		execOpts = append(execOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ProxyURL != "" {
		execOpts = append(execOpts, chromedp.ProxyServer(opts.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, execOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	// Run with no actions forces the browser process to start now, so a
	// missing or broken Chrome binary fails acquisition instead of the first
	// navigation.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &chromedpSession{
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		navTimeout:  opts.NavigationTimeout,
	}, nil
}

func (s *chromedpSession) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := s.runContext(ctx, s.navTimeout)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *chromedpSession) Markup(ctx context.Context) (string, error) {
	runCtx, cancel := s.runContext(ctx, s.navTimeout)
	defer cancel()

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read markup: %w", err)
	}
	return html, nil
}

func (s *chromedpSession) Evaluate(ctx context.Context, script string, out any) error {
	runCtx, cancel := s.runContext(ctx, s.navTimeout)
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}
	return nil
}

func (s *chromedpSession) Alive(ctx context.Context) bool {
	if s.ctx.Err() != nil {
		return false
	}
	probeCtx, cancel := s.runContext(ctx, aliveProbeTimeout)
	defer cancel()

	var state string
	return chromedp.Run(probeCtx, chromedp.Evaluate("document.readyState", &state)) == nil
}

func (s *chromedpSession) Close() error {
	s.closeOnce.Do(func() {
		// chromedp.Cancel waits for the browser process to exit gracefully.
		_ = chromedp.Cancel(s.ctx)
		s.cancel()
		s.allocCancel()
	})
	return nil
}

// runContext derives a timeout-bounded context from the session, also wired to
// the caller's cancellation.
func (s *chromedpSession) runContext(caller context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	stop := context.AfterFunc(caller, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

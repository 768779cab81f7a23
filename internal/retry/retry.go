// Package retry wraps fallible session operations with bounded, jittered
// retries, recreating the browser session between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/carliecode/cars-info-website-scraper/internal/browser"
	"github.com/carliecode/cars-info-website-scraper/internal/config"
)

// ErrAttemptsExhausted is returned when every attempt failed with a transient
// error. Callers treat it as "skip this unit of work", never as fatal.
var ErrAttemptsExhausted = errors.New("attempts exhausted")

// Operation is one logical network operation executed against a live session.
type Operation func(ctx context.Context, sess browser.Session) error

// Permanent marks err as not retryable regardless of its underlying type.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Transient reports whether err is retry-eligible: a disconnected session, a
// navigation timeout, or a network error. Parse and structural errors are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var perm permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return browser.IsSessionError(err)
}

// Controller retries operations with a fixed jittered backoff, replacing the
// browser session between attempts.
type Controller struct {
	manager     *browser.Manager
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger

	// sleep and jitter are injectable for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(base time.Duration) time.Duration

	onRetry func()
}

// OnRetry registers fn to run each time a retry is scheduled, typically to
// feed a metrics counter.
func (c *Controller) OnRetry(fn func()) {
	c.onRetry = fn
}

// NewController builds a controller over the given session manager.
func NewController(manager *browser.Manager, cfg config.RetryConfig, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		manager:     manager,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff.Duration,
		logger:      logger,
		sleep:       sleepContext,
		jitter:      jitterDuration,
	}
}

// Do runs op at most maxAttempts times, ensuring a live session before each
// attempt. On a transient failure it sleeps a jittered duration in
// [backoff, 2*backoff) and replaces the session. A non-transient failure or a
// session-acquisition failure returns immediately; the latter is fatal to the
// caller. Do returns the session in use so callers keep ownership across
// replacements.
func (c *Controller) Do(ctx context.Context, label string, sess browser.Session, op Operation) (browser.Session, error) {
	var opErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return sess, err
		}

		var err error
		sess, err = c.manager.EnsureAlive(ctx, sess)
		if err != nil {
			return sess, err
		}

		opErr = op(ctx, sess)
		if opErr == nil {
			return sess, nil
		}
		if !Transient(opErr) {
			c.logger.Error("operation failed", "op", label, "error", opErr)
			return sess, opErr
		}

		remaining := c.maxAttempts - attempt
		if remaining == 0 {
			break
		}

		if c.onRetry != nil {
			c.onRetry()
		}
		wait := c.jitter(c.backoff)
		c.logger.Info("transient failure, retrying",
			"op", label,
			"wait", wait.Round(time.Millisecond).String(),
			"attempts_remaining", remaining,
			"error", opErr,
		)
		if err := c.sleep(ctx, wait); err != nil {
			return sess, err
		}
		sess, err = c.manager.Replace(ctx, sess)
		if err != nil {
			return sess, err
		}
	}

	c.logger.Error("giving up after transient failures",
		"op", label, "attempts", c.maxAttempts, "error", opErr)
	return sess, fmt.Errorf("%s: %w", label, ErrAttemptsExhausted)
}

func jitterDuration(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	return base + time.Duration(rand.Int63n(int64(base)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

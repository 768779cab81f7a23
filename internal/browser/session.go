// Package browser owns headless browser sessions: acquisition with a rotated
// client identity, health checks, and replacement of dead sessions.
package browser

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Session is the browser-control capability the crawl pipeline consumes.
// Implementations are not safe for concurrent use; each worker owns one.
type Session interface {
	// Navigate loads url and waits for the document body to be ready.
	Navigate(ctx context.Context, url string) error
	// Markup returns the rendered outer HTML of the current page.
	Markup(ctx context.Context) (string, error)
	// Evaluate runs script in the page and decodes the result into out.
	Evaluate(ctx context.Context, script string, out any) error
	// Alive reports whether the underlying browser process still responds.
	Alive(ctx context.Context) bool
	// Close releases the session and terminates the browser process.
	Close() error
}

// ErrDisconnected indicates the underlying browser process has terminated.
var ErrDisconnected = errors.New("browser session disconnected")

// ErrAcquireFailed indicates a new session could not be created at all.
// Unlike a dead session, this is not recoverable by retrying: the browser
// environment itself is broken, and callers must abort rather than continue.
var ErrAcquireFailed = errors.New("browser session acquisition failed")

// Options configures a single session.
type Options struct {
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	ProxyURL          string
}

// Factory creates sessions. Tests substitute fakes; production code uses
// NewChromedpSession.
type Factory func(ctx context.Context, opts Options) (Session, error)

// IsSessionError reports whether err indicates the session transport itself
// failed, as opposed to a page-level problem.
func IsSessionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDisconnected) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"websocket",
		"chrome failed to start",
		"target closed",
		"browser closed",
		"connection refused",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

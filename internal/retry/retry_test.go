package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/carliecode/cars-info-website-scraper/internal/browser"
	"github.com/carliecode/cars-info-website-scraper/internal/config"
)

type stubSession struct {
	alive bool
}

func (s *stubSession) Navigate(ctx context.Context, url string) error { return nil }
func (s *stubSession) Markup(ctx context.Context) (string, error)     { return "", nil }
func (s *stubSession) Evaluate(ctx context.Context, script string, out any) error {
	return nil
}
func (s *stubSession) Alive(ctx context.Context) bool { return s.alive }
func (s *stubSession) Close() error                   { return nil }

func newTestController(t *testing.T, maxAttempts int) *Controller {
	t.Helper()
	factory := func(ctx context.Context, opts browser.Options) (browser.Session, error) {
		return &stubSession{alive: true}, nil
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := browser.NewManagerWithFactory(config.Default().Browser, factory, logger)

	ctrl := NewController(manager, config.RetryConfig{
		MaxAttempts: maxAttempts,
		Backoff:     config.DurationFrom(time.Second),
	}, logger)
	ctrl.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	ctrl.jitter = func(base time.Duration) time.Duration { return base }
	return ctrl
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	ctrl := newTestController(t, 3)
	calls := 0
	_, err := ctrl.Do(context.Background(), "op", nil, func(ctx context.Context, sess browser.Session) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoExhaustsTransientFailures(t *testing.T) {
	ctrl := newTestController(t, 3)
	calls := 0
	_, err := ctrl.Do(context.Background(), "op", nil, func(ctx context.Context, sess browser.Session) error {
		calls++
		return browser.ErrDisconnected
	})
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestDoReportsScheduledRetries(t *testing.T) {
	ctrl := newTestController(t, 3)
	retries := 0
	ctrl.OnRetry(func() { retries++ })

	attempts := 0
	_, err := ctrl.Do(context.Background(), "op", nil, func(ctx context.Context, sess browser.Session) error {
		attempts++
		if attempts < 3 {
			return browser.ErrDisconnected
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Two failures scheduled a retry each; the final success scheduled none.
	if retries != 2 {
		t.Fatalf("expected 2 scheduled retries, got %d", retries)
	}
}

func TestDoDoesNotRetryNonTransient(t *testing.T) {
	ctrl := newTestController(t, 3)
	parseErr := errors.New("missing attribute block")
	calls := 0
	_, err := ctrl.Do(context.Background(), "op", nil, func(ctx context.Context, sess browser.Session) error {
		calls++
		return parseErr
	})
	if !errors.Is(err, parseErr) {
		t.Fatalf("expected parse error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt for non-transient failure, got %d", calls)
	}
}

func TestDoHonoursPermanentWrapper(t *testing.T) {
	ctrl := newTestController(t, 3)
	calls := 0
	_, err := ctrl.Do(context.Background(), "op", nil, func(ctx context.Context, sess browser.Session) error {
		calls++
		return Permanent(context.DeadlineExceeded)
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single non-retried failure, calls=%d err=%v", calls, err)
	}
}

func TestDoReplacesSessionBetweenAttempts(t *testing.T) {
	created := 0
	factory := func(ctx context.Context, opts browser.Options) (browser.Session, error) {
		created++
		return &stubSession{alive: true}, nil
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := browser.NewManagerWithFactory(config.Default().Browser, factory, logger)
	ctrl := NewController(manager, config.RetryConfig{
		MaxAttempts: 2,
		Backoff:     config.DurationFrom(time.Second),
	}, logger)
	ctrl.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	var sessions []browser.Session
	_, _ = ctrl.Do(context.Background(), "op", nil, func(ctx context.Context, sess browser.Session) error {
		sessions = append(sessions, sess)
		return browser.ErrDisconnected
	})
	if len(sessions) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(sessions))
	}
	if sessions[0] == sessions[1] {
		t.Fatal("expected a fresh session on the retry")
	}
	if created < 2 {
		t.Fatalf("expected at least 2 sessions created, got %d", created)
	}
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	ctrl := newTestController(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := ctrl.Do(ctx, "op", nil, func(ctx context.Context, sess browser.Session) error {
		calls++
		cancel()
		return browser.ErrDisconnected
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected no further attempts after cancel, got %d", calls)
	}
}

func TestTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"disconnected", browser.ErrDisconnected, true},
		{"parse error", errors.New("selector matched nothing"), false},
		{"permanent timeout", Permanent(context.DeadlineExceeded), false},
	}
	for _, tc := range cases {
		if got := Transient(tc.err); got != tc.want {
			t.Errorf("%s: Transient(%v) = %v, want %v", tc.name, tc.err, got, tc.want)
		}
	}
}

func TestJitterWithinBounds(t *testing.T) {
	base := time.Second
	for i := 0; i < 100; i++ {
		d := jitterDuration(base)
		if d < base || d >= 2*base {
			t.Fatalf("jitter %s outside [base, 2*base)", d)
		}
	}
}

package browser

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/carliecode/cars-info-website-scraper/internal/config"
)

// Manager acquires sessions with a rotated identity and replaces sessions
// whose browser process has died.
type Manager struct {
	cfg     config.BrowserConfig
	factory Factory
	logger  *slog.Logger
}

// NewManager builds a manager backed by chromedp sessions.
func NewManager(cfg config.BrowserConfig, logger *slog.Logger) *Manager {
	return NewManagerWithFactory(cfg, NewChromedpSession, logger)
}

// NewManagerWithFactory injects a session factory; used by tests.
func NewManagerWithFactory(cfg config.BrowserConfig, factory Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, factory: factory, logger: logger}
}

// Acquire creates a fresh session with a randomly selected user agent.
// Failure here is fatal to the caller: there is no recovery without fixing
// the environment.
func (m *Manager) Acquire(ctx context.Context) (Session, error) {
	opts := Options{
		Headless:          m.cfg.Headless,
		UserAgent:         m.identity(),
		NavigationTimeout: m.cfg.NavigationTimeout.Duration,
		ProxyURL:          m.cfg.ProxyURL,
	}
	session, err := m.factory(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcquireFailed, err)
	}
	m.logger.Debug("session acquired", "user_agent", opts.UserAgent)
	return session, nil
}

// EnsureAlive returns sess when healthy, otherwise discards it and acquires a
// replacement.
func (m *Manager) EnsureAlive(ctx context.Context, sess Session) (Session, error) {
	if sess != nil && sess.Alive(ctx) {
		return sess, nil
	}
	if sess != nil {
		m.logger.Info("session disconnected, replacing")
		_ = sess.Close()
	}
	return m.Acquire(ctx)
}

// Replace discards sess unconditionally and acquires a new one. Used for
// proactive rotation independent of health checks.
func (m *Manager) Replace(ctx context.Context, sess Session) (Session, error) {
	if sess != nil {
		_ = sess.Close()
	}
	return m.Acquire(ctx)
}

func (m *Manager) identity() string {
	agents := m.cfg.UserAgents
	if len(agents) == 0 {
		return ""
	}
	return agents[rand.Intn(len(agents))]
}

package crawler

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/carliecode/cars-info-website-scraper/internal/config"
)

// Pacer spaces out detail-page visits. Every wait sleeps a random duration
// between the configured bounds so request timing never looks mechanical; an
// optional token bucket additionally caps the overall request rate across
// workers.
type Pacer struct {
	min     time.Duration
	max     time.Duration
	limiter *rate.Limiter
	sleep   func(context.Context, time.Duration) error
}

// NewPacer builds a pacer from the crawl configuration. A zero
// RequestsPerSecond disables the rate cap.
func NewPacer(cfg config.CrawlConfig) *Pacer {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Pacer{
		min:     cfg.MinItemDelay.Duration,
		max:     cfg.MaxItemDelay.Duration,
		limiter: limiter,
		sleep:   sleepContext,
	}
}

// Wait blocks for the next allowed request slot, or until ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return p.sleep(ctx, p.delay())
}

// delay draws from the top-level rand source, which is safe for use from
// every worker goroutine at once.
func (p *Pacer) delay() time.Duration {
	if p.max <= p.min {
		return p.min
	}
	return p.min + time.Duration(rand.Int63n(int64(p.max-p.min)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

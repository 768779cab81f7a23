package crawler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carliecode/cars-info-website-scraper/internal/config"
)

func pacerConfig(min, max time.Duration) config.CrawlConfig {
	cfg := config.Default().Crawl
	cfg.MinItemDelay = config.DurationFrom(min)
	cfg.MaxItemDelay = config.DurationFrom(max)
	return cfg
}

func TestPacerDelayWithinBounds(t *testing.T) {
	p := NewPacer(pacerConfig(2*time.Millisecond, 5*time.Millisecond))
	for i := 0; i < 100; i++ {
		d := p.delay()
		assert.GreaterOrEqual(t, d, 2*time.Millisecond)
		assert.Less(t, d, 5*time.Millisecond)
	}
}

func TestPacerDelayDegenerateBounds(t *testing.T) {
	p := NewPacer(pacerConfig(3*time.Millisecond, 3*time.Millisecond))
	assert.Equal(t, 3*time.Millisecond, p.delay())
}

func TestPacerSharedAcrossWorkers(t *testing.T) {
	// One pacer serves every worker goroutine at once, as the engine shares
	// it across its page-range workers.
	p := NewPacer(pacerConfig(time.Microsecond, 3*time.Microsecond))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := p.Wait(context.Background()); err != nil {
					errs[worker] = err
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestPacerWaitStopsOnCancelledContext(t *testing.T) {
	p := NewPacer(pacerConfig(time.Hour, 2*time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Wait(ctx), context.Canceled)
}

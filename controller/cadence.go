package controller

import (
	"context"
	"log"
	"time"
)

// runEvery runs fn in a skew-corrected loop: the next cycle starts period
// after the previous one began, never sooner than the work finished. Every
// pipeline shares this loop; cancellation is observed before every cycle
// and during every pad sleep.
func runEvery(ctx context.Context, logger *log.Logger, name string, period time.Duration, fn func(context.Context)) {
	logger.Printf("[%s] started with period %v", name, period)

	for {
		if ctx.Err() != nil {
			logger.Printf("[%s] stopped", name)
			return
		}

		start := time.Now()
		fn(ctx)

		pad := period - time.Since(start)
		if pad < 0 {
			pad = 0
		}

		select {
		case <-ctx.Done():
			logger.Printf("[%s] stopped", name)
			return
		case <-time.After(pad):
		}
	}
}

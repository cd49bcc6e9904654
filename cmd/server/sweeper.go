package main

import (
	"context"
	"log/slog"
	"time"

	"vodforge/internal/observability/logging"
)

type sessionSweeper interface {
	SweepAbandoned(ctx context.Context) (int, error)
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

// runSweeper removes abandoned upload sessions every interval until ctx is
// done.
func runSweeper(ctx context.Context, logger *slog.Logger, sessions sessionSweeper, interval time.Duration) {
	runSweeperWithTicker(ctx, logger, sessions, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func runSweeperWithTicker(ctx context.Context, logger *slog.Logger, sessions sessionSweeper, interval time.Duration, newTicker tickerFactory) {
	if sessions == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logging.WithComponent(logger, "sweeper")
	ticker := newTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := sessions.SweepAbandoned(ctx); err != nil && ctx.Err() == nil {
				logger.Error("failed to sweep abandoned uploads", "error", err)
			}
		}
	}
}

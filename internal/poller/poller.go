package poller

import (
	"context"
	"log/slog"
	"time"
)

// Ticker runs one polling cycle.
type Ticker interface {
	PollOnce(ctx context.Context) error
}

type Poller struct {
	ticker    Ticker
	interval  time.Duration
	refreshCh chan struct{}
	logger    *slog.Logger
}

func New(t Ticker, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{ticker: t, interval: interval, refreshCh: make(chan struct{}, 1), logger: logger}
}

// TriggerRefresh requests an immediate tick without waiting for the interval.
func (p *Poller) TriggerRefresh() {
	select {
	case p.refreshCh <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled. A failed tick is logged and the loop
// carries on with the next one.
func (p *Poller) Run(ctx context.Context) error {
	for {
		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-p.refreshCh:
			timer.Stop()
		case <-timer.C:
		}
		if err := p.ticker.PollOnce(ctx); err != nil {
			p.logger.Error("poll failed", "err", err)
		}
	}
}

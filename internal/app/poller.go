package app

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"ledger_sync/internal/domain"
)

// Poller refreshes the view on a fixed interval while the ledger stream is down.
type Poller struct {
	status   domain.LiveStatus
	refresh  func(ctx context.Context) error
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller creates a poller. refresh is typically Syncer.RefreshAll.
func NewPoller(status domain.LiveStatus, refresh func(ctx context.Context) error, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Poller{
		status:   status,
		refresh:  refresh,
		interval: interval,
		logger:   logger.With(slog.String("module", "poller")),
	}
}

// Run ticks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick refreshes once unless the stream is live. It reports whether a refresh ran.
func (p *Poller) Tick(ctx context.Context) (polled bool) {
	if p.status.IsLive() {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			polled = true
			p.logger.Error("Poll panic recovered",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	p.logger.Debug("Polling while stream is down", slog.String("state", p.status.State().String()))
	if err := p.refresh(ctx); err != nil {
		p.logger.Warn("Poll refresh failed", slog.Any("error", err))
	}
	return true
}

package auth

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often expired refresh tokens are swept.
const DefaultSweepInterval = 1 * time.Hour

// Housekeeping periodically sweeps expired refresh tokens so revoked
// sessions disappear from storage instead of lingering until next use.
type Housekeeping struct {
	logger   *slog.Logger
	manager  *Manager
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

func NewHousekeeping(m *Manager, interval time.Duration, logger *slog.Logger) *Housekeeping {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Housekeeping{
		logger:   logger.With("component", "auth_housekeeping"),
		manager:  m,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in its own goroutine.
func (h *Housekeeping) Start() {
	go h.run()
}

// Stop halts the loop and waits for it to exit.
func (h *Housekeeping) Stop() {
	close(h.stop)
	<-h.done
}

func (h *Housekeeping) run() {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-h.stop:
			return
		}
	}
}

func (h *Housekeeping) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := h.manager.RemoveExpiredRefreshTokens(ctx)
	if err != nil {
		h.logger.Error("expired token sweep failed", "error", err)
		return
	}
	if removed > 0 {
		h.logger.Info("swept expired refresh tokens", "count", removed)
	}
}

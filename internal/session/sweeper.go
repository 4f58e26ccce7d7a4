// ABOUTME: Background expiry sweep scheduled with robfig/cron
// ABOUTME: Periodically times out idle sessions; shutdown waits for in-flight runs

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the manager's expiry sweep on a fixed interval. It is the
// mandatory closing path for idle sessions; the router's per-message sweep
// is only an opportunistic supplement.
type Sweeper struct {
	manager  *Manager
	cron     *cron.Cron
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(manager *Manager, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		manager:  manager,
		cron:     cron.New(),
		interval: interval,
		logger:   logger.With("component", "sweeper"),
	}
}

// Start schedules the sweep and begins running it in the background.
func (s *Sweeper) Start() error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return fmt.Errorf("scheduling session sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("session sweeper started", "interval", s.interval)
	return nil
}

// Stop cancels the schedule and blocks until any in-flight sweep finishes,
// so shutdown never leaves a partial sweep behind.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("session sweeper stopped")
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := s.manager.SweepExpired(ctx); err != nil {
		s.logger.Error("session sweep failed", "error", err)
	}
}

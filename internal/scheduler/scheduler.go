// Package scheduler triggers periodic sync runs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"schedsync/internal/logging"
)

// Runner is the job executed on every tick.
type Runner interface {
	RunAll(ctx context.Context) error
}

// Scheduler runs a Runner on a cron schedule with a seconds field. A tick that fires while
// the previous run is still going is skipped.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	running bool
}

// New parses spec ("0 */15 * * * *" style, or descriptors such as "@every 5m") and returns a
// stopped scheduler. timeout bounds a single run; zero means no bound.
func New(spec string, runner Runner, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		runner:  runner,
		timeout: timeout,
		logger:  logging.WithOperation(logging.OrDiscard(logger), "scheduled_sync"),
		ctx:     context.Background(),
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing. Runs use ctx, so cancelling it aborts an in-flight run.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("Sync scheduler started.", "next", s.Next())
}

// Stop stops firing and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Sync scheduler stopped.")
}

// Next returns the next activation time, or zero when not started.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("Previous sync still running, skipping tick")
		return
	}
	s.running = true
	ctx := s.ctx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	started := time.Now()
	if err := s.runner.RunAll(ctx); err != nil {
		s.logger.Error("Scheduled sync failed", logging.Err(err))
		return
	}
	s.logger.Info("Scheduled sync finished", "duration", time.Since(started))
}

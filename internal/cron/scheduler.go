// Package cron periodically persists a running constellation's state,
// on a standard 5-field cron expression, independent of the final save
// a coordinator performs on shutdown. This bounds how much progress a
// crash between snapshots can lose.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/constellation/internal/dag"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the snapshot scheduler.
type Config struct {
	Store  *dag.Store
	C      *dag.Constellation
	Logger *slog.Logger
	// Expr is a standard 5-field cron expression. Empty defaults to
	// "*/5 * * * *" (every five minutes).
	Expr string
}

// Scheduler periodically saves a Constellation to its Store.
type Scheduler struct {
	store  *dag.Store
	c      *dag.Constellation
	logger *slog.Logger
	sched  cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a Scheduler from cfg. Returns an error if Expr
// fails to parse.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Expr
	if expr == "" {
		expr = "*/5 * * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: cfg.Store, c: cfg.C, logger: logger, sched: sched}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("snapshot scheduler started")
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("snapshot scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	next := s.sched.Next(time.Now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Snapshot(ctx)
			next = s.sched.Next(time.Now())
			timer.Reset(time.Until(next))
		}
	}
}

// Snapshot saves the wrapped Constellation immediately, outside the
// regular cron cadence. Exported so callers (and tests) can force a
// save without waiting for the next scheduled tick.
func (s *Scheduler) Snapshot(ctx context.Context) {
	if err := s.store.Save(ctx, s.c); err != nil {
		s.logger.Error("cron: snapshot save failed", "constellation_id", s.c.ConstellationID, "error", err)
		return
	}
	s.logger.Info("cron: snapshot saved", "constellation_id", s.c.ConstellationID)
}

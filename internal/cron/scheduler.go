// Package cron runs the retention cleanup on a cron schedule.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/chorus/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store         *persistence.Store
	Logger        *slog.Logger
	Schedule      string // cron expression; defaults to 03:00 daily
	RetentionDays int    // rows older than this are eligible; defaults to 90
}

// Scheduler fires persistence.Cleanup whenever the configured cron
// expression comes due.
type Scheduler struct {
	store         *persistence.Store
	logger        *slog.Logger
	schedule      cronlib.Schedule
	retentionDays int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler, validating the cron expression up front.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 3 * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	days := cfg.RetentionDays
	if days <= 0 {
		days = 90
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         cfg.Store,
		logger:        logger,
		schedule:      schedule,
		retentionDays: days,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started",
		"retention_days", s.retentionDays,
		"next_run_at", s.schedule.Next(time.Now()))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one cleanup pass and logs per-table counts. Exported so
// the daemon can trigger an immediate pass at startup or on demand.
func (s *Scheduler) RunOnce(ctx context.Context) persistence.CleanupResult {
	result, err := s.store.Cleanup(ctx, s.retentionDays)
	if err != nil {
		// Per-table deletes are independent; partial counts are still valid.
		s.logger.Error("retention cleanup incomplete", "error", err,
			"activities_deleted", result.ActivitiesDeleted,
			"metrics_deleted", result.MetricsDeleted,
			"sessions_deleted", result.SessionsDeleted)
		return result
	}
	s.logger.Info("retention cleanup done",
		"retention_days", s.retentionDays,
		"activities_deleted", result.ActivitiesDeleted,
		"metrics_deleted", result.MetricsDeleted,
		"sessions_deleted", result.SessionsDeleted)
	return result
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

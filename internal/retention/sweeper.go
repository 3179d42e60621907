// Package retention runs the scheduled purge of old audit rows. The
// schedule is a standard 5-field cron expression; the sweep itself is
// idempotent so a missed or doubled run is harmless.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskgate/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention sweeper.
type Config struct {
	Store          *persistence.Store
	Logger         *slog.Logger
	Schedule       string        // cron expression, e.g. "0 3 * * *"
	TaskEventsDays int           // <= 0 disables purging
	Interval       time.Duration // tick interval; defaults to 1 minute
}

// Sweeper wakes up on a cron schedule and purges task_events rows older
// than the retention window.
type Sweeper struct {
	store    *persistence.Store
	logger   *slog.Logger
	schedule cronlib.Schedule
	days     int
	interval time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	nextRun time.Time
}

// NewSweeper creates a Sweeper. The cron expression is validated here so
// a bad schedule fails at startup, not at 3am.
func NewSweeper(cfg Config) (*Sweeper, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		logger:   logger,
		schedule: sched,
		days:     cfg.TaskEventsDays,
		interval: interval,
	}, nil
}

// Start begins the sweep loop in a background goroutine. A non-positive
// retention window means nothing to do, so Start is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	if s.days <= 0 {
		s.logger.Info("retention sweeper disabled", "task_events_days", s.days)
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.nextRun = s.schedule.Next(time.Now())
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started",
		"task_events_days", s.days, "next_run", s.nextRun)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(s.nextRun) {
				continue
			}
			s.nextRun = s.schedule.Next(now)
			s.sweep(ctx)
		}
	}
}

// Sweep runs one purge pass immediately, outside the schedule. Used by
// the status subcommand and tests.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	return s.store.PurgeTaskEvents(ctx, s.days)
}

func (s *Sweeper) sweep(ctx context.Context) {
	purged, err := s.store.PurgeTaskEvents(ctx, s.days)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	s.logger.Info("retention sweep complete",
		"purged_events", purged, "next_run", s.nextRun)
}

// NextRunTime parses expr and returns the next fire time after the given
// time. Exposed for the status subcommand.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

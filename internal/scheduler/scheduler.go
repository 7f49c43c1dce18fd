// Package scheduler drives background maintenance in loop mode. It wraps
// gocron and runs two periodic tasks against the job store:
//
//  1. Refresh scan: every scan interval, read player_ingestion_state for
//     players whose next_* timestamps have passed and enqueue the matching
//     refresh jobs. Dedup keys make the scan idempotent — a job already
//     queued for the same player and kind is merged, not duplicated.
//  2. Stale-lock sweep: return jobs locked longer than the lock timeout to
//     the queue. A worker that died mid-job holds its lock forever
//     otherwise.
//
// Both tasks run in singleton mode: if a previous tick is still running when
// the next fires, the new execution is skipped.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/rookery-io/rookery/internal/config"
	"github.com/rookery-io/rookery/internal/db"
	"github.com/rookery-io/rookery/internal/metrics"
	"github.com/rookery-io/rookery/internal/repositories"
)

// dueScanLimit caps how many players one refresh scan enqueues for. Anyone
// missed is picked up by the next tick.
const dueScanLimit = 500

// Scheduler wraps gocron and coordinates the periodic scan and sweep.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	cron    gocron.Scheduler
	players repositories.PlayerRepository
	jobs    repositories.JobRepository
	cfg     config.Config
	logger  *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin processing.
func New(
	players repositories.PlayerRepository,
	jobs repositories.JobRepository,
	cfg config.Config,
	logger *zap.Logger,
) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:    s,
		players: players,
		jobs:    jobs,
		cfg:     cfg,
		logger:  logger.Named("scheduler"),
	}, nil
}

// Start registers the periodic tasks and starts the underlying gocron
// scheduler. It should be called once at startup, after the database
// connection is established.
func (s *Scheduler) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.RefreshScan),
		gocron.NewTask(s.scanDueRefreshes),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for refresh scan: %w", err)
	}

	_, err = s.cron.NewJob(
		gocron.DurationJob(s.cfg.RefreshScan),
		gocron.NewTask(s.sweepStaleLocks),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for stale-lock sweep: %w", err)
	}

	s.logger.Info("scheduler started",
		zap.Duration("scan_interval", s.cfg.RefreshScan),
		zap.Duration("lock_timeout", s.cfg.LockTimeout),
	)
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running task to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// scanDueRefreshes enqueues refresh jobs for every player with an overdue
// next_* timestamp. Priorities match the seed jobs, so a due profile refresh
// outranks a backlog of games jobs.
func (s *Scheduler) scanDueRefreshes() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().Unix()
	due, err := s.players.ListDueRefreshes(ctx, now, dueScanLimit)
	if err != nil {
		s.logger.Error("refresh scan failed", zap.Error(err))
		return
	}

	enqueued := 0
	for i := range due {
		d := &due[i]
		scope := db.JobScope{Username: d.Username}
		if d.ProfileDue {
			if s.enqueue(ctx, db.JobKindProfile, d.PlayerID, scope, 1) {
				enqueued++
			}
		}
		if d.StatsDue {
			if s.enqueue(ctx, db.JobKindStats, d.PlayerID, scope, 2) {
				enqueued++
			}
		}
		if d.ArchivesDue {
			if s.enqueue(ctx, db.JobKindArchives, d.PlayerID, scope, 3) {
				enqueued++
			}
		}
	}
	if enqueued > 0 {
		s.logger.Info("refresh scan enqueued jobs",
			zap.Int("players_due", len(due)), zap.Int("jobs", enqueued))
	}

	s.refreshQueueDepth(ctx)
}

func (s *Scheduler) enqueue(ctx context.Context, kind string, playerID int64, scope db.JobScope, priority int) bool {
	_, err := s.jobs.Enqueue(ctx, kind, &playerID, scope, repositories.EnqueueOptions{
		Priority:    priority,
		MaxAttempts: s.cfg.MaxAttempts,
	})
	if err != nil {
		s.logger.Error("failed to enqueue refresh job",
			zap.String("kind", kind),
			zap.Int64("player_id", playerID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// sweepStaleLocks requeues jobs whose worker went away without resolving
// them.
func (s *Scheduler) sweepStaleLocks() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recovered, err := s.jobs.SweepStaleLocks(ctx, s.cfg.LockTimeout)
	if err != nil {
		s.logger.Error("stale-lock sweep failed", zap.Error(err))
		return
	}
	if recovered > 0 {
		metrics.StaleLocksRecovered.Add(float64(recovered))
		s.logger.Warn("recovered stale locks", zap.Int64("jobs", recovered))
	}
}

// refreshQueueDepth republishes the queue-depth gauge. Stale series are
// reset first so a drained (status, kind) bucket reads zero, not its last
// value.
func (s *Scheduler) refreshQueueDepth(ctx context.Context) {
	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		s.logger.Error("queue depth refresh failed", zap.Error(err))
		return
	}
	metrics.QueueDepth.Reset()
	for _, c := range counts {
		metrics.QueueDepth.WithLabelValues(c.Status, c.JobType).Set(float64(c.Count))
	}
}

// Package worker runs the claim/process/resolve loop. Any number of workers
// may run against the same database; the claim query guarantees each job is
// processed by at most one of them.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rookery-io/rookery/internal/chesscom"
	"github.com/rookery-io/rookery/internal/config"
	"github.com/rookery-io/rookery/internal/db"
	"github.com/rookery-io/rookery/internal/ingest"
	"github.com/rookery-io/rookery/internal/metrics"
	"github.com/rookery-io/rookery/internal/repositories"
)

const maxBackoff = time.Hour

// Worker drains the job queue. Each instance carries a random identity that
// is stamped on its claims, so an operator can tell which process holds a
// lock.
type Worker struct {
	id        string
	jobs      repositories.JobRepository
	processor *ingest.Processor
	cfg       config.Config
	logger    *zap.Logger
}

// New builds a Worker with a fresh identity.
func New(jobs repositories.JobRepository, processor *ingest.Processor, cfg config.Config, logger *zap.Logger) *Worker {
	id := uuid.NewString()
	return &Worker{
		id:        id,
		jobs:      jobs,
		processor: processor,
		cfg:       cfg,
		logger:    logger.Named("worker").With(zap.String("worker_id", id)),
	}
}

// ID returns the worker's identity as stamped on claimed jobs.
func (w *Worker) ID() string { return w.id }

// Run drains the queue. With once set it returns as soon as the queue is
// empty (or after the first job); otherwise it polls until the context is
// cancelled. Shutdown is graceful: an in-flight job always runs to its
// success or failure mark before Run returns.
func (w *Worker) Run(ctx context.Context, once bool) error {
	w.logger.Info("starting worker", zap.Bool("once", once))
	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("worker stopping", zap.Error(err))
			return nil
		}

		job, err := w.jobs.Claim(ctx, w.id)
		if err != nil {
			return err
		}
		if job == nil {
			if once {
				w.logger.Info("no pending jobs, exiting")
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		w.runOne(ctx, job)
		if once {
			return nil
		}
	}
}

// runOne executes one claimed job and resolves its outcome. Handler errors
// never propagate: every claim ends in exactly one of mark success, retry, or
// terminal failure.
func (w *Worker) runOne(ctx context.Context, job *db.IngestionJob) {
	log := w.logger.With(
		zap.Int64("job_id", job.ID),
		zap.String("kind", job.JobType),
		zap.Int("attempt", job.Attempts))
	log.Info("processing job")

	start := time.Now()
	err := w.processor.Process(ctx, job)
	metrics.JobDuration.WithLabelValues(job.JobType).Observe(time.Since(start).Seconds())

	if err == nil {
		if markErr := w.jobs.MarkSuccess(ctx, job.ID); markErr != nil {
			log.Error("failed to mark job succeeded", zap.Error(markErr))
			return
		}
		metrics.JobsProcessed.WithLabelValues(job.JobType, "succeeded").Inc()
		log.Info("job succeeded", zap.Duration("took", time.Since(start)))
		return
	}

	w.processor.RecordFailure(ctx, job, err)

	if errors.Is(err, repositories.ErrBadScope) {
		log.Error("job has unrepairable input", zap.Error(err))
		if markErr := w.jobs.MarkPermanentFailure(ctx, job.ID, err.Error()); markErr != nil {
			log.Error("failed to mark job failed", zap.Error(markErr))
		}
		metrics.JobsProcessed.WithLabelValues(job.JobType, "failed").Inc()
		return
	}

	backoff := w.backoff(err, job.Attempts)
	log.Warn("job failed", zap.Error(err), zap.Duration("backoff", backoff))
	if markErr := w.jobs.MarkFailure(ctx, job.ID, err.Error(), backoff); markErr != nil {
		log.Error("failed to mark job for retry", zap.Error(markErr))
		return
	}
	result := "retried"
	if job.Attempts >= job.MaxAttempts {
		result = "failed"
	}
	metrics.JobsProcessed.WithLabelValues(job.JobType, result).Inc()
}

// backoff computes the retry delay: base * 2^(attempts-1), capped at an
// hour. When the upstream sent a Retry-After, the delay is at least that.
func (w *Worker) backoff(err error, attempts int) time.Duration {
	backoff := w.cfg.RetryBase
	for i := 1; i < attempts && backoff < maxBackoff; i++ {
		backoff *= 2
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	var upstream *chesscom.UpstreamError
	if errors.As(err, &upstream) && upstream.RetryAfter > backoff {
		backoff = upstream.RetryAfter
	}
	return backoff
}

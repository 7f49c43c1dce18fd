package repositories

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rookery-io/rookery/internal/db"
)

const maxErrorLength = 500

// DedupeKey builds the stable fingerprint that collapses duplicate enqueues:
// the job kind prefixing a SHA-1 over the canonical JSON of the player id and
// scope. Map marshaling sorts keys, so the serialization is deterministic,
// and zero-valued scope fields are omitted so that equivalent scopes hash
// identically regardless of how they were constructed.
func DedupeKey(kind string, playerID *int64, scope db.JobScope) string {
	scopeDoc := map[string]interface{}{}
	if scope.Username != "" {
		scopeDoc["username"] = scope.Username
	}
	if scope.ArchiveURL != "" {
		scopeDoc["archive_url"] = scope.ArchiveURL
	}
	if scope.Year != 0 {
		scopeDoc["year"] = scope.Year
	}
	if scope.Month != 0 {
		scopeDoc["month"] = scope.Month
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"player_id": playerID,
		"scope":     scopeDoc,
	})
	digest := sha1.Sum(payload)
	return kind + ":" + hex.EncodeToString(digest[:])
}

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func (r *gormJobRepository) Enqueue(ctx context.Context, kind string, playerID *int64, scope db.JobScope, opts EnqueueOptions) (int64, error) {
	if opts.Priority == 0 {
		opts.Priority = 5
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}

	now := nowSeconds()
	dedupeKey := DedupeKey(kind, playerID, scope)
	row := db.IngestionJob{
		PlayerID:    playerID,
		JobType:     kind,
		Scope:       scope,
		DedupeKey:   dedupeKey,
		Status:      db.JobQueued,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		AvailableAt: now + int64(opts.Delay/time.Second),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var id int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Terminal rows keep everything; live rows converge to queued and
		// take the tighter priority/available_at and the looser max_attempts.
		// CASE WHEN instead of LEAST/GREATEST keeps the statement valid on
		// both dialects.
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "dedupe_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"priority":     gorm.Expr("CASE WHEN status IN ('succeeded','cancelled') OR priority <= excluded.priority THEN priority ELSE excluded.priority END"),
				"available_at": gorm.Expr("CASE WHEN status IN ('succeeded','cancelled') OR available_at <= excluded.available_at THEN available_at ELSE excluded.available_at END"),
				"max_attempts": gorm.Expr("CASE WHEN status IN ('succeeded','cancelled') OR max_attempts >= excluded.max_attempts THEN max_attempts ELSE excluded.max_attempts END"),
				"updated_at":   gorm.Expr("CASE WHEN status IN ('succeeded','cancelled') THEN updated_at ELSE excluded.updated_at END"),
				"status":       gorm.Expr("CASE WHEN status IN ('succeeded','cancelled') THEN status ELSE 'queued' END"),
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}

		var existing db.IngestionJob
		if err := tx.Select("id").First(&existing, "dedupe_key = ?", dedupeKey).Error; err != nil {
			return err
		}
		id = existing.ID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("jobs: enqueue %s: %w", kind, err)
	}
	return id, nil
}

func (r *gormJobRepository) Claim(ctx context.Context, workerID string) (*db.IngestionJob, error) {
	now := nowSeconds()
	var claimed *db.IngestionJob

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("status = ? AND available_at <= ?", db.JobQueued, now).
			Order("priority ASC, id ASC")
		// Row locks only exist on postgres; the sqlite dialect serializes
		// writers, which gives the same at-most-one-claimer guarantee.
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var job db.IngestionJob
		if err := query.First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		err := tx.Model(&db.IngestionJob{}).Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":     db.JobLocked,
				"locked_at":  now,
				"locked_by":  workerID,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now,
			}).Error
		if err != nil {
			return err
		}

		job.Status = db.JobLocked
		job.LockedAt = &now
		job.LockedBy = &workerID
		job.Attempts++
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: claim: %w", err)
	}
	return claimed, nil
}

func (r *gormJobRepository) MarkSuccess(ctx context.Context, id int64) error {
	now := nowSeconds()
	err := r.db.WithContext(ctx).Model(&db.IngestionJob{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       db.JobSucceeded,
			"completed_at": now,
			"locked_at":    nil,
			"locked_by":    nil,
			"error":        nil,
			"updated_at":   now,
		}).Error
	if err != nil {
		return fmt.Errorf("jobs: mark success: %w", err)
	}
	return nil
}

func (r *gormJobRepository) MarkFailure(ctx context.Context, id int64, errMsg string, backoff time.Duration) error {
	now := nowSeconds()
	availableAt := now + int64(backoff/time.Second)
	err := r.db.WithContext(ctx).Model(&db.IngestionJob{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       gorm.Expr("CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END"),
			"available_at": gorm.Expr("CASE WHEN attempts >= max_attempts THEN available_at ELSE ? END", availableAt),
			"completed_at": gorm.Expr("CASE WHEN attempts >= max_attempts THEN ? ELSE completed_at END", now),
			"error":        truncateError(errMsg),
			"locked_at":    nil,
			"locked_by":    nil,
			"updated_at":   now,
		}).Error
	if err != nil {
		return fmt.Errorf("jobs: mark failure: %w", err)
	}
	return nil
}

func (r *gormJobRepository) MarkPermanentFailure(ctx context.Context, id int64, errMsg string) error {
	now := nowSeconds()
	err := r.db.WithContext(ctx).Model(&db.IngestionJob{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       db.JobFailed,
			"completed_at": now,
			"error":        truncateError(errMsg),
			"locked_at":    nil,
			"locked_by":    nil,
			"updated_at":   now,
		}).Error
	if err != nil {
		return fmt.Errorf("jobs: mark permanent failure: %w", err)
	}
	return nil
}

// SweepStaleLocks requeues jobs abandoned by a dead worker. The attempt
// consumed by the orphaned claim is refunded so a crash loop cannot burn
// through the attempt cap without the handler ever running to failure.
func (r *gormJobRepository) SweepStaleLocks(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := nowSeconds()
	cutoff := now - int64(olderThan/time.Second)
	res := r.db.WithContext(ctx).Model(&db.IngestionJob{}).
		Where("status = ? AND locked_at IS NOT NULL AND locked_at < ?", db.JobLocked, cutoff).
		Updates(map[string]interface{}{
			"status":     db.JobQueued,
			"attempts":   gorm.Expr("CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END"),
			"locked_at":  nil,
			"locked_by":  nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("jobs: sweep stale locks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *gormJobRepository) CountByStatus(ctx context.Context) ([]JobStatusCount, error) {
	var counts []JobStatusCount
	err := r.db.WithContext(ctx).Model(&db.IngestionJob{}).
		Select("status, job_type, COUNT(*) AS count").
		Group("status").Group("job_type").
		Order("status, job_type").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: count by status: %w", err)
	}
	return counts, nil
}

func truncateError(errMsg string) *string {
	if len(errMsg) > maxErrorLength {
		errMsg = errMsg[:maxErrorLength]
	}
	return &errMsg
}

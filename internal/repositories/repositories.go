// Package repositories contains the persistence layer: idempotent entity
// upserts and the job store. Every upsert keys on a natural key and merges
// with COALESCE semantics so that re-running any write converges to the same
// state. All implementations are backed by GORM and work on both the
// PostgreSQL and SQLite dialects.
package repositories

import (
	"context"
	"time"

	"github.com/rookery-io/rookery/internal/chesscom"
	"github.com/rookery-io/rookery/internal/db"
	"github.com/rookery-io/rookery/internal/lichess"
)

// StateTouch describes which refresh timestamps of a player's ingestion
// state to set. A nil Next* leaves that refresh type untouched; the matching
// last_* field is set to the touch time. Status and Error always win.
type StateTouch struct {
	ProfileNext  *int64
	StatsNext    *int64
	ArchivesNext *int64
	Status       string
	Error        *string
}

// DueRefresh is one player whose ingestion state says a refresh is overdue.
type DueRefresh struct {
	PlayerID    int64
	Username    string
	ProfileDue  bool
	StatsDue    bool
	ArchivesDue bool
}

// PlayerRepository covers chess.com players, their ingestion state, and
// their stats rows.
type PlayerRepository interface {
	// UpsertPlayer translates a profile document into a players row, keyed on
	// the platform player id, and returns the internal player id.
	UpsertPlayer(ctx context.Context, profile *chesscom.Profile) (int64, error)

	// GetIDByUsername resolves a lowercase username to the internal id.
	// Returns ErrNotFound when the player is not materialized yet.
	GetIDByUsername(ctx context.Context, username string) (int64, error)

	// GetUsernameByID is the reverse lookup, used to resolve jobs that carry
	// only a player reference.
	GetUsernameByID(ctx context.Context, id int64) (string, error)

	// TouchIngestionState records the outcome of a refresh. Only the touched
	// timestamp pairs are written; the rest are preserved.
	TouchIngestionState(ctx context.Context, playerID int64, touch StateTouch) error

	// UpsertStats writes all per-mode stats rows plus the tactics, lessons
	// and puzzle-rush sub-stats found in the payload.
	UpsertStats(ctx context.Context, playerID int64, stats *chesscom.Stats) error

	// ListDueRefreshes returns players with at least one overdue refresh,
	// with flags for which types are due at the given epoch second.
	ListDueRefreshes(ctx context.Context, now int64, limit int) ([]DueRefresh, error)
}

// ArchiveRepository covers monthly archives and the games they yield.
type ArchiveRepository interface {
	// UpsertMonthlyArchive returns the archive row id and whether the row was
	// newly inserted. On an existing row a succeeded status and its retry
	// count are sticky, and priority keeps the more urgent of old and new.
	UpsertMonthlyArchive(ctx context.Context, playerID int64, year, month int, url string, priority int) (int64, bool, error)

	// GetArchiveID resolves (player, year, month) to the archive row id.
	GetArchiveID(ctx context.Context, playerID int64, year, month int) (int64, error)

	// MarkArchiveSucceeded flips the archive to succeeded, clears the retry
	// counter, and records the success timestamp.
	MarkArchiveSucceeded(ctx context.Context, playerID int64, year, month int, now int64) error

	// UpsertGame writes one game keyed on its URL. Non-null player references
	// on either side never revert to null on update.
	UpsertGame(ctx context.Context, game *db.Game) error
}

// EnqueueOptions tunes one enqueue. Zero values mean: priority 5, no delay,
// max attempts 5.
type EnqueueOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
}

// JobStatusCount is one (status, job_type) bucket of the queue.
type JobStatusCount struct {
	Status  string
	JobType string
	Count   int64
}

// JobRepository is the persistent work queue.
type JobRepository interface {
	// Enqueue inserts a job or merges with the existing row carrying the same
	// dedupe key. Terminal rows (succeeded, cancelled) are never revived;
	// live rows take the tighter priority and available_at and the looser
	// max_attempts. Returns the job id.
	Enqueue(ctx context.Context, kind string, playerID *int64, scope db.JobScope, opts EnqueueOptions) (int64, error)

	// Claim atomically selects the most urgent eligible job and locks it for
	// the given worker, incrementing its attempt counter. Returns nil when
	// the queue is empty. Concurrent workers never claim the same job.
	Claim(ctx context.Context, workerID string) (*db.IngestionJob, error)

	// MarkSuccess finishes a job.
	MarkSuccess(ctx context.Context, id int64) error

	// MarkFailure requeues a job after the given backoff, or fails it
	// terminally once its attempt cap is reached. The error string is
	// truncated to 500 characters.
	MarkFailure(ctx context.Context, id int64, errMsg string, backoff time.Duration) error

	// MarkPermanentFailure fails a job immediately regardless of remaining
	// attempts. Used for unrepairable inputs (ErrBadScope).
	MarkPermanentFailure(ctx context.Context, id int64, errMsg string) error

	// SweepStaleLocks returns locked jobs whose lock is older than the
	// threshold to the queue, without consuming an attempt. Returns the
	// number of jobs recovered.
	SweepStaleLocks(ctx context.Context, olderThan time.Duration) (int64, error)

	// CountByStatus reports queue depth grouped by status and kind.
	CountByStatus(ctx context.Context) ([]JobStatusCount, error)
}

// FetchLogRepository is the append-only journal of outbound HTTP calls.
// It satisfies chesscom.FetchSink.
type FetchLogRepository interface {
	LogFetch(ctx context.Context, url string, statusCode int, etag, lastModified, errMsg *string)
}

// LichessRepository covers the lichess mirror tables.
type LichessRepository interface {
	// UpsertUser writes the lichess_players row keyed on the lowercase
	// username and returns the internal id.
	UpsertUser(ctx context.Context, user *lichess.User) (int64, error)

	// UpsertPerfs writes one stats row per perf carrying a rating.
	UpsertPerfs(ctx context.Context, playerID int64, perfs map[string]lichess.Perf) error

	// GetIDByUsername resolves the internal id for a lowercase username.
	// Returns ErrNotFound when the player was never ingested.
	GetIDByUsername(ctx context.Context, username string) (int64, error)

	// TouchState records the outcome of a profile refresh (epoch ms).
	TouchState(ctx context.Context, playerID int64, profileFetchMs *int64, status string, errMsg *string) error
}

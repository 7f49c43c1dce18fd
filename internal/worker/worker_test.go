package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rookery-io/rookery/internal/chesscom"
	"github.com/rookery-io/rookery/internal/config"
	"github.com/rookery-io/rookery/internal/db"
	"github.com/rookery-io/rookery/internal/ingest"
	"github.com/rookery-io/rookery/internal/lichess"
	"github.com/rookery-io/rookery/internal/repositories"
)

func TestBackoff(t *testing.T) {
	w := &Worker{cfg: config.Config{RetryBase: 10 * time.Second}, logger: zap.NewNop()}
	plain := errors.New("boom")

	tests := []struct {
		name     string
		err      error
		attempts int
		want     time.Duration
	}{
		{"first attempt", plain, 1, 10 * time.Second},
		{"doubles per attempt", plain, 3, 40 * time.Second},
		{"capped at one hour", plain, 20, time.Hour},
		{"retry-after below backoff ignored", &chesscom.UpstreamError{StatusCode: 429, RetryAfter: 5 * time.Second}, 3, 40 * time.Second},
		{"retry-after raises backoff", &chesscom.UpstreamError{StatusCode: 429, RetryAfter: 5 * time.Minute}, 1, 5 * time.Minute},
		{"wrapped retry-after honored", fmt.Errorf("fetch: %w", &chesscom.UpstreamError{StatusCode: 503, RetryAfter: 2 * time.Minute}), 2, 2 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.backoff(tt.err, tt.attempts); got != tt.want {
				t.Errorf("backoff(%v, %d) = %v, want %v", tt.err, tt.attempts, got, tt.want)
			}
		})
	}
}

func newTestWorker(t *testing.T, handler http.Handler) (*Worker, *gorm.DB, repositories.JobRepository) {
	t.Helper()

	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Config{
		PollInterval:       50 * time.Millisecond,
		RetryBase:          time.Second,
		MaxAttempts:        5,
		ProfileRefresh:     6 * time.Hour,
		StatsRefresh:       2 * time.Hour,
		ArchiveRefresh:     12 * time.Hour,
		ArchiveMonthLimit:  12,
		ArchiveJobPriority: 5,
	}

	logger := zap.NewNop()
	jobs := repositories.NewJobRepository(database)
	processor := ingest.NewProcessor(
		repositories.NewPlayerRepository(database),
		repositories.NewArchiveRepository(database),
		jobs,
		repositories.NewLichessRepository(database),
		chesscom.NewClient(srv.URL, "test-agent", 5*time.Second, nil, logger),
		lichess.NewClient(srv.URL, "test-agent", 5*time.Second, nil, logger),
		cfg, logger)

	return New(jobs, processor, cfg, logger), database, jobs
}

func TestRunOnceProcessesJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/player/alice", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"player_id": 42, "username": "Alice"}`)) //nolint:errcheck
	})
	w, database, jobs := newTestWorker(t, mux)
	ctx := context.Background()

	id, err := jobs.Enqueue(ctx, db.JobKindProfile, nil, db.JobScope{Username: "alice"},
		repositories.EnqueueOptions{Priority: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := w.Run(ctx, true); err != nil {
		t.Fatalf("run: %v", err)
	}

	var job db.IngestionJob
	if err := database.First(&job, id).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != db.JobSucceeded {
		t.Errorf("status = %q, want succeeded", job.Status)
	}
	if job.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if job.LockedBy != nil {
		t.Errorf("locked_by = %v, want nil after resolution", job.LockedBy)
	}

	var count int64
	database.Model(&db.Player{}).Count(&count)
	if count != 1 {
		t.Errorf("player rows = %d, want 1", count)
	}
}

func TestRunOnceRetriesUpstreamFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/player/alice", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	w, database, jobs := newTestWorker(t, mux)
	ctx := context.Background()

	id, err := jobs.Enqueue(ctx, db.JobKindProfile, nil, db.JobScope{Username: "alice"},
		repositories.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := w.Run(ctx, true); err != nil {
		t.Fatalf("run: %v", err)
	}

	var job db.IngestionJob
	if err := database.First(&job, id).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != db.JobQueued {
		t.Errorf("status = %q, want queued for retry", job.Status)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}
	if job.Error == nil {
		t.Fatal("error not recorded")
	}

	// Retry-After 120s beats the 1s base backoff.
	offset := job.AvailableAt - time.Now().Unix()
	if offset < 115 || offset > 125 {
		t.Errorf("available_at offset = %ds, want ~120s", offset)
	}
}

func TestRunOncePermanentlyFailsBadScope(t *testing.T) {
	w, database, jobs := newTestWorker(t, http.NotFoundHandler())
	ctx := context.Background()

	// A games job with no archive scope can never succeed on retry.
	id, err := jobs.Enqueue(ctx, db.JobKindGames, nil, db.JobScope{Username: "alice"},
		repositories.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := w.Run(ctx, true); err != nil {
		t.Fatalf("run: %v", err)
	}

	var job db.IngestionJob
	if err := database.First(&job, id).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != db.JobFailed {
		t.Errorf("status = %q, want failed", job.Status)
	}
	if job.CompletedAt == nil {
		t.Error("completed_at not set on terminal failure")
	}
}

func TestRunOnceEmptyQueueReturns(t *testing.T) {
	w, _, _ := newTestWorker(t, http.NotFoundHandler())
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), true) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run --once did not return on empty queue")
	}
}

func TestRunOnceRecordsErrorState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/player/alice", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"player_id": 42, "username": "Alice"}`)) //nolint:errcheck
	})
	mux.HandleFunc("/player/alice/stats", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	w, database, jobs := newTestWorker(t, mux)
	ctx := context.Background()

	if _, err := jobs.Enqueue(ctx, db.JobKindProfile, nil, db.JobScope{Username: "alice"},
		repositories.EnqueueOptions{Priority: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// First pass materializes the player; the cascaded stats job then fails.
	if err := w.Run(ctx, true); err != nil {
		t.Fatalf("profile run: %v", err)
	}
	if err := w.Run(ctx, true); err != nil {
		t.Fatalf("stats run: %v", err)
	}

	var player db.Player
	if err := database.First(&player, "username = ?", "alice").Error; err != nil {
		t.Fatalf("player missing: %v", err)
	}
	var state db.PlayerIngestionState
	if err := database.First(&state, "player_id = ?", player.ID).Error; err != nil {
		t.Fatalf("state missing: %v", err)
	}
	if state.Status != db.IngestError {
		t.Errorf("status = %q, want error", state.Status)
	}
	if state.Error == nil || !strings.Contains(*state.Error, "500") {
		t.Errorf("error = %v, want the upstream status recorded", state.Error)
	}
	// The successful profile touch from the first pass is preserved.
	if state.NextProfileFetch == nil {
		t.Error("next_profile_fetch cleared by error mark")
	}
}

package ops

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rookery-io/rookery/internal/db"
	"github.com/rookery-io/rookery/internal/ingest"
	"github.com/rookery-io/rookery/internal/repositories"
)

type handlers struct {
	db        *gorm.DB
	jobs      repositories.JobRepository
	processor *ingest.Processor
	logger    *zap.Logger
}

// Health reports liveness: 200 when the database answers a ping.
func (h *handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := db.Ping(r.Context(), h.db); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		JSON(w, http.StatusServiceUnavailable, envelope{"status": "degraded"})
		return
	}
	JSON(w, http.StatusOK, envelope{"status": "ok"})
}

// QueueDepth reports ingestion_jobs rows grouped by status and kind.
func (h *handlers) QueueDepth(w http.ResponseWriter, r *http.Request) {
	counts, err := h.jobs.CountByStatus(r.Context())
	if err != nil {
		h.logger.Error("queue depth query failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, counts)
}

// seedRequest is the body of POST /api/v1/players.
type seedRequest struct {
	Username string `json:"username"`
	Platform string `json:"platform,omitempty"` // "chesscom" (default) or "lichess"
}

// SeedPlayer enqueues the seed jobs for one username. Repeated calls are
// idempotent thanks to the job dedup keys.
func (h *handlers) SeedPlayer(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" {
		ErrBadRequest(w, "username is required")
		return
	}

	var err error
	switch req.Platform {
	case "", "chesscom":
		err = h.processor.EnqueueSeedJobs(r.Context(), username)
	case "lichess":
		err = h.processor.EnqueueLichessSeed(r.Context(), username)
	default:
		ErrBadRequest(w, "unknown platform "+req.Platform)
		return
	}
	if err != nil {
		h.logger.Error("seed enqueue failed", zap.String("username", username), zap.Error(err))
		ErrInternal(w)
		return
	}
	Accepted(w, envelope{"username": username})
}

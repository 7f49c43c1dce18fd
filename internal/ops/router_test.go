package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/rookery-io/rookery/internal/chesscom"
	"github.com/rookery-io/rookery/internal/config"
	"github.com/rookery-io/rookery/internal/db"
	"github.com/rookery-io/rookery/internal/ingest"
	"github.com/rookery-io/rookery/internal/lichess"
	"github.com/rookery-io/rookery/internal/repositories"
)

func newTestRouter(t *testing.T) (http.Handler, repositories.JobRepository) {
	t.Helper()

	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	logger := zap.NewNop()
	jobs := repositories.NewJobRepository(database)
	cfg := config.Config{MaxAttempts: 5}
	processor := ingest.NewProcessor(
		repositories.NewPlayerRepository(database),
		repositories.NewArchiveRepository(database),
		jobs,
		repositories.NewLichessRepository(database),
		chesscom.NewClient("http://unused.invalid", "test-agent", 0, nil, logger),
		lichess.NewClient("http://unused.invalid", "test-agent", 0, nil, logger),
		cfg, logger)

	return NewRouter(RouterConfig{DB: database, Jobs: jobs, Processor: processor, Logger: logger}), jobs
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestSeedPlayerEnqueues(t *testing.T) {
	router, jobs := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/players", `{"username": "Alice"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Data["username"] != "alice" {
		t.Errorf("username = %q, want alice", body.Data["username"])
	}

	counts, err := jobs.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	var queued int64
	for _, c := range counts {
		if c.Status == db.JobQueued {
			queued += c.Count
		}
	}
	if queued != 3 {
		t.Errorf("queued jobs = %d, want 3", queued)
	}
}

func TestSeedPlayerValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty username", `{"username": "  "}`, http.StatusBadRequest},
		{"unknown platform", `{"username": "alice", "platform": "fide"}`, http.StatusBadRequest},
		{"unknown field", `{"username": "alice", "priority": 1}`, http.StatusBadRequest},
		{"malformed json", `{"username":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/api/v1/players", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestQueueDepthEndpoint(t *testing.T) {
	router, jobs := newTestRouter(t)

	if _, err := jobs.Enqueue(context.Background(), db.JobKindProfile, nil,
		db.JobScope{Username: "alice"}, repositories.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/v1/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Data []repositories.JobStatusCount `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].Status != db.JobQueued || body.Data[0].Count != 1 {
		t.Errorf("counts = %+v, want one queued profile bucket", body.Data)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output missing default collectors")
	}
}

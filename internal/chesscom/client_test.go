package chesscom

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// recordingSink captures journal entries for assertions.
type recordingSink struct {
	mu      sync.Mutex
	entries []sinkEntry
}

type sinkEntry struct {
	url    string
	status int
	errMsg *string
}

func (s *recordingSink) LogFetch(_ context.Context, url string, statusCode int, _, _, errMsg *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, sinkEntry{url: url, status: statusCode, errMsg: errMsg})
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func newTestClient(t *testing.T, handler http.Handler, sink FetchSink) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-agent/1.0 (test@example.com)", 5*time.Second, sink, zap.NewNop()), srv
}

func TestFetchJSONSendsUserAgent(t *testing.T) {
	var gotUA string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(`{}`)) //nolint:errcheck
	}), nil)

	status, body, _, err := client.FetchJSON(context.Background(), client.baseURL+"/player/alice", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if status != http.StatusOK || body == nil {
		t.Errorf("status=%d body=%v, want 200 with body", status, body)
	}
	if gotUA != "test-agent/1.0 (test@example.com)" {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

func TestFetchJSONNon200ReturnsStatusWithoutError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}), nil)

	status, body, _, err := client.FetchJSON(context.Background(), client.baseURL+"/player/ghost", nil)
	if err != nil {
		t.Fatalf("non-200 must not be a FetchJSON error, got %v", err)
	}
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
	if body != nil {
		t.Errorf("body = %q, want nil", body)
	}
}

func TestFetchJSONInvalidBody(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"truncated":`)) //nolint:errcheck
	}), nil)

	_, _, _, err := client.FetchJSON(context.Background(), client.baseURL+"/player/alice", nil)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Errorf("error = %v, want DecodeError", err)
	}
}

func TestFetchProfileUpstreamError(t *testing.T) {
	sink := &recordingSink{}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}), sink)

	_, err := client.FetchProfile(context.Background(), "alice")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("error = %v, want UpstreamError", err)
	}
	if upstream.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", upstream.StatusCode)
	}
	if upstream.RetryAfter != 2*time.Minute {
		t.Errorf("retry-after = %v, want 2m", upstream.RetryAfter)
	}
	if sink.len() != 1 {
		t.Errorf("journal entries = %d, want 1 (failures journaled too)", sink.len())
	}
}

func TestFetchProfileDecodesAndJournals(t *testing.T) {
	sink := &recordingSink{}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/player/alice" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte(`{"player_id": 42, "username": "Alice", "verified": true}`)) //nolint:errcheck
	}), sink)

	profile, err := client.FetchProfile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("fetch profile: %v", err)
	}
	if profile.PlayerID != 42 || profile.Username != "Alice" || !profile.Verified {
		t.Errorf("profile = %+v", profile)
	}
	if sink.len() != 1 {
		t.Errorf("journal entries = %d, want 1", sink.len())
	}
}

func TestFetchArchives(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"archives": ["https://x/2024/01", "https://x/2024/02"]}`)) //nolint:errcheck
	}), nil)

	archives, err := client.FetchArchives(context.Background(), "alice")
	if err != nil {
		t.Fatalf("fetch archives: %v", err)
	}
	if len(archives) != 2 || archives[0] != "https://x/2024/01" {
		t.Errorf("archives = %v", archives)
	}
}

func TestRetryAfterParsing(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"60", time.Minute},
		{"0", 0},
		{"-5", 0},
		{"Wed, 21 Oct 2026 07:28:00 GMT", 0}, // HTTP-date form ignored
	}
	for _, tt := range tests {
		h := http.Header{}
		if tt.value != "" {
			h.Set("Retry-After", tt.value)
		}
		if got := retryAfter(h); got != tt.want {
			t.Errorf("retryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

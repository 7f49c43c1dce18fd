// Package lichess wraps the lichess public API. Unlike chess.com, lichess
// delivers the profile and all per-perf ratings in a single /api/user call,
// so the adapter surface is one fetch.
package lichess

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rookery-io/rookery/internal/chesscom"
)

// User is the /api/user/{username} document.
type User struct {
	ID           string          `json:"id"` // lowercase username
	Username     string          `json:"username"`
	Title        *string         `json:"title"`
	Patron       bool            `json:"patron"`
	TosViolation bool            `json:"tosViolation"`
	Disabled     bool            `json:"disabled"`
	Verified     bool            `json:"verified"`
	CreatedAt    *int64          `json:"createdAt"` // epoch ms
	SeenAt       *int64          `json:"seenAt"`    // epoch ms
	PlayTime     *PlayTime       `json:"playTime"`
	URL          *string         `json:"url"`
	Profile      *UserProfile    `json:"profile"`
	Flair        *string         `json:"flair"`
	Perfs        map[string]Perf `json:"perfs"`
}

// PlayTime is total and TV play time in seconds.
type PlayTime struct {
	Total *int64 `json:"total"`
	TV    *int64 `json:"tv"`
}

// UserProfile is the optional free-form profile block.
type UserProfile struct {
	Bio     *string `json:"bio"`
	Country *string `json:"country"`
}

// Perf is one rating pool entry. Entries without a rating (counts-only pools
// like "storm") are skipped by the upsert layer.
type Perf struct {
	Rating *int64 `json:"rating"`
	RD     *int64 `json:"rd"`
	Prog   *int64 `json:"prog"`
	Games  *int64 `json:"games"`
	Prov   bool   `json:"prov"`
}

// Client is the lichess API client. Safe for concurrent use.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	sink      chesscom.FetchSink
	logger    *zap.Logger
}

// NewClient builds a Client. sink may be nil to disable fetch journaling.
func NewClient(baseURL, userAgent string, timeout time.Duration, sink chesscom.FetchSink, logger *zap.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		userAgent: userAgent,
		http:      &http.Client{Timeout: timeout},
		sink:      sink,
		logger:    logger.Named("lichess"),
	}
}

// FetchUser fetches profile and stats in one call.
func (c *Client) FetchUser(ctx context.Context, username string) (*User, error) {
	url := fmt.Sprintf("%s/user/%s", c.baseURL, username)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("lichess: build request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("request failed", zap.String("url", url), zap.Error(err))
		return nil, fmt.Errorf("lichess: get %s: %w", url, err)
	}
	defer resp.Body.Close()

	c.journal(ctx, url, resp.StatusCode, resp.Header)

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, &chesscom.UpstreamError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("lichess: read body from %s: %w", url, err)
	}
	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, &chesscom.DecodeError{URL: url, Err: err}
	}
	return &user, nil
}

func (c *Client) journal(ctx context.Context, url string, status int, headers http.Header) {
	if c.sink == nil {
		return
	}
	var etag, lastModified *string
	if v := headers.Get("ETag"); v != "" {
		etag = &v
	}
	if v := headers.Get("Last-Modified"); v != "" {
		lastModified = &v
	}
	c.sink.LogFetch(ctx, url, status, etag, lastModified, nil)
}

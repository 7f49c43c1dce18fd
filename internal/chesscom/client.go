// Package chesscom wraps the chess.com public API. A single shared
// http.Client reuses TCP+TLS connections across requests, every call carries
// the identifying User-Agent the platform policy requires, and every call —
// success or failure — is journaled through the fetch sink.
package chesscom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// UpstreamError reports a non-200 response from the API. RetryAfter is
// non-zero when the upstream supplied a parseable Retry-After header
// (429/503); the retry policy takes the larger of it and the backoff.
type UpstreamError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %d for %s", e.StatusCode, e.URL)
}

// DecodeError reports a 200 response whose body was not valid JSON.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid JSON from %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FetchSink receives one journal entry per outbound call. Implementations
// are best-effort: sink failures are logged and swallowed, never propagated
// into the fetch result.
type FetchSink interface {
	LogFetch(ctx context.Context, url string, statusCode int, etag, lastModified, errMsg *string)
}

// Client is the chess.com API client. Safe for concurrent use.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	sink      FetchSink
	logger    *zap.Logger
}

// NewClient builds a Client. sink may be nil to disable fetch journaling
// (tests do this).
func NewClient(baseURL, userAgent string, timeout time.Duration, sink FetchSink, logger *zap.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		userAgent: userAgent,
		http:      &http.Client{Timeout: timeout},
		sink:      sink,
		logger:    logger.Named("chesscom"),
	}
}

// FetchJSON performs one GET. A non-200 response returns the status with a
// nil body and no error; a transport failure returns the wrapped network
// error; a 200 with an unparseable body returns a DecodeError. The response
// headers are returned for ETag/Last-Modified/Retry-After inspection.
func (c *Client) FetchJSON(ctx context.Context, url string, extraHeaders map[string]string) (int, json.RawMessage, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("chesscom: build request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("request failed", zap.String("url", url), zap.Error(err))
		return 0, nil, nil, fmt.Errorf("chesscom: get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return resp.StatusCode, nil, resp.Header, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, resp.Header, fmt.Errorf("chesscom: read body from %s: %w", url, err)
	}
	if !json.Valid(body) {
		c.logger.Error("invalid JSON", zap.String("url", url))
		return resp.StatusCode, nil, resp.Header, &DecodeError{URL: url, Err: errors.New("body is not valid JSON")}
	}
	return resp.StatusCode, body, resp.Header, nil
}

// FetchProfile fetches and decodes /player/{username}.
func (c *Client) FetchProfile(ctx context.Context, username string) (*Profile, error) {
	var profile Profile
	if err := c.fetchInto(ctx, fmt.Sprintf("%s/player/%s", c.baseURL, username), &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// FetchStats fetches and decodes /player/{username}/stats.
func (c *Client) FetchStats(ctx context.Context, username string) (*Stats, error) {
	var stats Stats
	if err := c.fetchInto(ctx, fmt.Sprintf("%s/player/%s/stats", c.baseURL, username), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// FetchArchives fetches /player/{username}/games/archives and returns the
// monthly archive URLs, oldest first as the upstream delivers them.
func (c *Client) FetchArchives(ctx context.Context, username string) ([]string, error) {
	var list ArchiveList
	if err := c.fetchInto(ctx, fmt.Sprintf("%s/player/%s/games/archives", c.baseURL, username), &list); err != nil {
		return nil, err
	}
	return list.Archives, nil
}

// FetchArchiveGames fetches the body of one monthly archive URL.
func (c *Client) FetchArchiveGames(ctx context.Context, archiveURL string) (*ArchiveGames, error) {
	var games ArchiveGames
	if err := c.fetchInto(ctx, archiveURL, &games); err != nil {
		return nil, err
	}
	return &games, nil
}

// fetchInto runs FetchJSON, journals the call, and decodes a 200 body into
// dst. Non-200 responses become UpstreamError.
func (c *Client) fetchInto(ctx context.Context, url string, dst interface{}) error {
	status, body, headers, err := c.FetchJSON(ctx, url, nil)
	c.journal(ctx, url, status, headers, err)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &UpstreamError{URL: url, StatusCode: status, RetryAfter: retryAfter(headers)}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &DecodeError{URL: url, Err: err}
	}
	return nil
}

func (c *Client) journal(ctx context.Context, url string, status int, headers http.Header, err error) {
	if c.sink == nil {
		return
	}
	var etag, lastModified, errMsg *string
	if headers != nil {
		if v := headers.Get("ETag"); v != "" {
			etag = &v
		}
		if v := headers.Get("Last-Modified"); v != "" {
			lastModified = &v
		}
	}
	if err != nil {
		msg := err.Error()
		errMsg = &msg
	}
	c.sink.LogFetch(ctx, url, status, etag, lastModified, errMsg)
}

// retryAfter parses an integer-seconds Retry-After header. HTTP-date values
// are rare on this API and are ignored.
func retryAfter(headers http.Header) time.Duration {
	if headers == nil {
		return 0
	}
	v := headers.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

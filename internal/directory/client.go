// Package directory is a thin client for the external stream directory: it
// creates stream records and lists live streams. There is no caching and no
// retry; every failure reaches the caller wrapped in
// live.ErrDirectoryUnavailable.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"livecast/internal/live"
	"livecast/internal/platform/logger"
)

const (
	createPath = "/api/streams/create"
	livePath   = "/api/streams/live"
)

// Metadata describes a stream to create.
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	IsLive      bool   `json:"isLive"`
}

// Stream is one entry of the live stream listing.
type Stream struct {
	ID          live.StreamID `json:"streamKey"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
}

type createResponse struct {
	StreamKey live.StreamID `json:"streamKey"`
}

// Client talks to the directory REST API.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
	log     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sends "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// NewClient returns a Client for the directory rooted at baseURL.
func NewClient(baseURL string, log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     logger.WithComponent(log, "directory"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateStream registers a new stream and returns the identifier assigned to it.
func (c *Client) CreateStream(ctx context.Context, meta Metadata) (live.StreamID, error) {
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, createPath, meta, &resp); err != nil {
		return "", err
	}
	if resp.StreamKey == "" {
		return "", fmt.Errorf("%w: create stream: empty stream key", live.ErrDirectoryUnavailable)
	}
	c.log.Info("stream created", slog.String("stream_id", string(resp.StreamKey)), slog.String("title", meta.Title))
	return resp.StreamKey, nil
}

// ListLiveStreams returns the live streams in the order the directory reports them.
func (c *Client) ListLiveStreams(ctx context.Context) ([]Stream, error) {
	var streams []Stream
	if err := c.do(ctx, http.MethodGet, livePath, nil, &streams); err != nil {
		return nil, err
	}
	if streams == nil {
		streams = []Stream{}
	}
	return streams, nil
}

// FirstLive returns the first live stream, or ok=false when none is live.
func (c *Client) FirstLive(ctx context.Context) (Stream, bool, error) {
	streams, err := c.ListLiveStreams(ctx)
	if err != nil {
		return Stream{}, false, err
	}
	if len(streams) == 0 {
		return Stream{}, false, nil
	}
	return streams[0], true, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", live.ErrDirectoryUnavailable, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", live.ErrDirectoryUnavailable, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("directory request failed", slog.String("method", method), slog.String("path", path), slog.String("error", err.Error()))
		return fmt.Errorf("%w: %s %s: %v", live.ErrDirectoryUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warn("directory request rejected", slog.String("path", path), slog.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: %s %s: %s: %s", live.ErrDirectoryUnavailable, method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", live.ErrDirectoryUnavailable, path, err)
	}
	return nil
}

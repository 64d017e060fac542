// Package omeapi is a client for the media server's session API, which
// creates WHIP sessions and starts or stops RTMP push relays.
package omeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

var ErrMissingSessionID = errors.New("omeapi: response has no session id")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("omeapi: %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("omeapi: %s: status %d", e.Op, e.StatusCode)
}

// Session is the result of session creation.
type Session struct {
	ID      string
	WHIPURL string
}

type Config struct {
	BaseURL string
	// AuthToken is sent verbatim as the Authorization header.
	AuthToken string
	// Timeout bounds each call. Zero means no timeout.
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("omeapi: invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("omeapi: invalid base url %q: expected http or https", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{base: base, token: cfg.AuthToken, http: hc}, nil
}

type createRequest struct {
	ExternalID string `json:"external_id"`
}

type createResponse struct {
	Data struct {
		ID      string `json:"_id"`
		WHIPURL string `json:"whip_url"`
	} `json:"data"`
}

type startPushRequest struct {
	StreamID string `json:"stream_id"`
	RTMPURL  string `json:"rtmp_url"`
}

type stopPushRequest struct {
	StreamID string `json:"stream_id"`
}

// CreateSession registers a publishing session for callerID. The returned
// WHIPURL may be empty, in which case the caller keeps its own endpoint.
func (c *Client) CreateSession(ctx context.Context, callerID string) (Session, error) {
	var resp createResponse
	if err := c.post(ctx, "create", createRequest{ExternalID: callerID}, &resp); err != nil {
		return Session{}, err
	}
	if resp.Data.ID == "" {
		return Session{}, ErrMissingSessionID
	}
	return Session{ID: resp.Data.ID, WHIPURL: resp.Data.WHIPURL}, nil
}

func (c *Client) StartPush(ctx context.Context, sessionID, rtmpURL string) error {
	return c.post(ctx, "startPush", startPushRequest{StreamID: sessionID, RTMPURL: rtmpURL}, nil)
}

func (c *Client) StopPush(ctx context.Context, sessionID string) error {
	return c.post(ctx, "stopPush", stopPushRequest{StreamID: sessionID}, nil)
}

func (c *Client) post(ctx context.Context, op string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("omeapi: %s: encode request: %w", op, err)
	}

	endpoint := c.base.JoinPath("ome", op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("omeapi: %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("omeapi: %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("omeapi: %s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(raw), Body: string(raw)}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		if out != nil {
			return fmt.Errorf("omeapi: %s: empty response body", op)
		}
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("omeapi: %s: decode response: %w", op, err)
	}
	return nil
}

// errorMessage extracts {"message": "..."} or {"error": "..."} if present.
func errorMessage(raw []byte) string {
	var env struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	if env.Message != "" {
		return env.Message
	}
	return env.Error
}

package engine

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

	"dealbase/internal/apperr"
)

// Client submits runs to a remote engine over HTTP and polls their status.
type Client struct {
	host        string
	callbackURL string
	httpClient  *http.Client
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("engine API error (%d): %s", e.Status, e.Body)
}

func NewClient(httpClient *http.Client, host, callbackURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		host:        strings.TrimRight(strings.TrimSpace(host), "/"),
		callbackURL: strings.TrimSpace(callbackURL),
		httpClient:  httpClient,
	}
}

func (c *Client) Submit(ctx context.Context, req ComputeRequest) error {
	const op = "engine.Submit"
	if req.RunID == "" {
		return apperr.InvalidInput(op, "run_id is required")
	}
	if req.CallbackURL == "" {
		req.CallbackURL = c.callbackURL
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, op, http.MethodPost, "/v1/runs", payload)
	return err
}

func (c *Client) Status(ctx context.Context, runID string) (StatusUpdate, error) {
	const op = "engine.Status"
	if runID == "" {
		return StatusUpdate{}, apperr.InvalidInput(op, "run_id is required")
	}
	body, err := c.do(ctx, op, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return StatusUpdate{}, apperr.NotFound(op, "engine has no run %s", runID)
		}
		return StatusUpdate{}, err
	}
	var update StatusUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return StatusUpdate{}, fmt.Errorf("decode engine status: %w", err)
	}
	if update.RunID == "" {
		update.RunID = runID
	}
	return update, nil
}

// do sends one request. Transport failures and 5xx responses come back as
// upstream-unavailable errors; other non-2xx responses as *APIError.
func (c *Client) do(ctx context.Context, op, method, path string, payload []byte) ([]byte, error) {
	if c.host == "" {
		return nil, apperr.Upstream(op, errors.New("engine base url is empty"))
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Upstream(op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Upstream(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		if resp.StatusCode >= 500 {
			return nil, apperr.Upstream(op, apiErr)
		}
		return nil, apiErr
	}
	return b, nil
}

var _ Engine = (*Client)(nil)

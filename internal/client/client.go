// Package client talks to a running conveyor daemon over its control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"conveyor/internal/api"
	"conveyor/internal/config"
)

// Client is an HTTP client for the daemon control API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New builds a client for the configured API bind address.
func New(cfg *config.Config) *Client {
	return &Client{
		base:  "http://" + strings.TrimSpace(cfg.API.Bind),
		token: cfg.API.Token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

// NewForAddress builds a client against an explicit base URL.
func NewForAddress(base, token string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Submit enqueues a new pipeline request.
func (c *Client) Submit(ctx context.Context, payloadRef string) (api.Request, error) {
	var out api.Request
	err := c.do(ctx, http.MethodPost, "/api/requests", api.SubmitRequest{PayloadRef: payloadRef}, &out)
	return out, err
}

// Describe fetches a request with its history and outputs.
func (c *Client) Describe(ctx context.Context, id string) (*api.RequestDetail, error) {
	var out api.RequestDetail
	if err := c.do(ctx, http.MethodGet, "/api/requests/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns requests, optionally filtered by state names.
func (c *Client) List(ctx context.Context, states ...string) ([]api.Request, error) {
	path := "/api/requests"
	if len(states) > 0 {
		path += "?state=" + url.QueryEscape(strings.Join(states, ","))
	}
	var out api.RequestListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// Abort cancels a request.
func (c *Client) Abort(ctx context.Context, id string) (api.AbortResponse, error) {
	var out api.AbortResponse
	err := c.do(ctx, http.MethodPost, "/api/requests/"+url.PathEscape(id)+"/abort", nil, &out)
	return out, err
}

// Health fetches pipeline health counts.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &out)
	return out, err
}

// Stages returns the registered stages in pipeline order.
func (c *Client) Stages(ctx context.Context) ([]api.StageView, error) {
	var out api.StageListResponse
	if err := c.do(ctx, http.MethodGet, "/api/stages", nil, &out); err != nil {
		return nil, err
	}
	return out.Stages, nil
}

// UpdateStage tunes a stage's endpoint and retry policy.
func (c *Client) UpdateStage(ctx context.Context, view api.StageView) (api.StageView, error) {
	var out api.StageView
	err := c.do(ctx, http.MethodPut, "/api/stages/"+url.PathEscape(view.Name), view, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

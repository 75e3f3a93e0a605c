package memobase

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

	"github.com/rs/zerolog"
)

// Config holds HTTP client configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // per-request, default 30s
	Logger  zerolog.Logger
}

// HTTPClient implements Client against a Memobase-compatible HTTP API
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

// NewHTTPClient creates a new HTTP client
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  cfg.Logger,
	}
}

// envelope is the service's standard response wrapper
type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errno  int             `json:"errno"`
	Errmsg string          `json:"errmsg"`
}

// Ping checks service liveness
func (c *HTTPClient) Ping(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/api/v1/healthcheck", nil, nil); err != nil {
		return fmt.Errorf("healthcheck failed: %w", err)
	}
	return nil
}

// GetUser resolves an existing user
func (c *HTTPClient) GetUser(ctx context.Context, id string) (UserHandle, error) {
	if id == "" {
		return nil, fmt.Errorf("user id is required")
	}

	var data struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(id), nil, &data)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Errno == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	return &User{client: c, id: id}, nil
}

// AddUser creates a new remote user and returns its id
func (c *HTTPClient) AddUser(ctx context.Context, metadata map[string]string) (string, error) {
	body := map[string]interface{}{"data": metadata}

	var data struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/users", body, &data); err != nil {
		return "", fmt.Errorf("add user: %w", err)
	}
	if data.ID == "" {
		return "", fmt.Errorf("add user: service returned empty id")
	}

	return data.ID, nil
}

// do performs a request and decodes the response envelope
func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Memobase request")

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return &APIError{Errno: http.StatusNotFound, Errmsg: "not found"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Errno != 0 {
		return &APIError{Errno: env.Errno, Errmsg: env.Errmsg}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}

	return nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned when the referenced process does not exist (or
// belongs to another key).
var ErrNotFound = errors.New("not found")

// ErrUnauthorized is returned when the API key is rejected.
var ErrUnauthorized = errors.New("unauthorized")

// Client talks to the expbot backend. Construct one per API key with New;
// there is no package-level singleton.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
	meta    map[string]any
}

// Config holds client configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// New creates a new expbot API client.
func New(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
		meta:    autoMetadata(),
	}, nil
}

// Notify sends a chat notification. It never fails loudly: transport and
// server errors are logged and reported as false so experiment code keeps
// running when the notification path is down.
func (c *Client) Notify(ctx context.Context, message string, metadata map[string]any) bool {
	req := notifyRequest{Message: message, Metadata: c.mergeMeta(metadata)}
	if err := c.do(ctx, http.MethodPost, "/api/notify", req, nil); err != nil {
		c.logger.Warn("notify failed", slog.Any("err", err))
		return false
	}
	return true
}

// Validate checks that the API key is accepted by the backend.
func (c *Client) Validate(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/validate", nil, nil)
}

// StartProcess registers a tracked process and returns its id. With an empty
// ProcessID the server generates one.
func (c *Client) StartProcess(ctx context.Context, req StartProcessRequest) (string, error) {
	body := startProcessBody{
		ProcessID: req.ProcessID,
		Name:      req.Name,
		Metadata:  c.mergeMeta(req.Metadata),
		ParentID:  req.ParentID,
	}
	var out struct {
		ProcessID string `json:"process_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/process/start", body, &out); err != nil {
		return "", fmt.Errorf("start process: %w", err)
	}
	return out.ProcessID, nil
}

// EndProcess marks the process finished and returns its duration in seconds.
func (c *Client) EndProcess(ctx context.Context, req EndProcessRequest) (float64, error) {
	body := endProcessBody{
		ProcessID: req.ProcessID,
		Status:    req.Status,
		Metadata:  req.Metadata,
	}
	var out struct {
		DurationSeconds float64 `json:"duration_seconds"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/process/end", body, &out); err != nil {
		return 0, fmt.Errorf("end process: %w", err)
	}
	return out.DurationSeconds, nil
}

// Heartbeat signals the process is still alive, optionally attaching
// metadata to the process record. It never changes the process status.
func (c *Client) Heartbeat(ctx context.Context, processID string, metadata map[string]any) error {
	body := map[string]any{"process_id": processID}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	if err := c.do(ctx, http.MethodPost, "/api/process/heartbeat", body, nil); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		if out != nil {
			return json.NewDecoder(resp.Body).Decode(out)
		}
		return nil
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

// mergeMeta overlays caller metadata on top of the auto-collected host
// metadata. Caller keys win.
func (c *Client) mergeMeta(metadata map[string]any) map[string]any {
	if len(metadata) == 0 && len(c.meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(c.meta)+len(metadata))
	for k, v := range c.meta {
		out[k] = v
	}
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusInfo is the account summary returned by the backend for /status.
type StatusInfo struct {
	APIKey        string    `json:"api_key"`
	DisplayName   string    `json:"display_name"`
	CreatedAt     time.Time `json:"created_at"`
	LastActive    time.Time `json:"last_active"`
	MessageCount  int64     `json:"message_count"`
	Muted         bool      `json:"muted"`
	OpenProcesses int64     `json:"open_processes"`
}

// Backend is what the command handlers need from the relay service.
// BackendClient talks HTTP; tests substitute a fake.
type Backend interface {
	Register(ctx context.Context, platformUserID, chatID int64, displayName string) (apiKey string, created bool, err error)
	Revoke(ctx context.Context, platformUserID int64) (string, error)
	Status(ctx context.Context, platformUserID int64) (StatusInfo, error)
	SetMuted(ctx context.Context, platformUserID int64, muted bool) error
}

// BackendClient is the bot's HTTP client for the backend's bot-secret
// endpoints.
type BackendClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

func NewBackendClient(baseURL, secret string) *BackendClient {
	return &BackendClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 8 * time.Second},
	}
}

func (c *BackendClient) Register(ctx context.Context, platformUserID, chatID int64, displayName string) (string, bool, error) {
	var out struct {
		APIKey  string `json:"api_key"`
		Created bool   `json:"created"`
	}
	body := map[string]any{
		"platform_user_id": platformUserID,
		"chat_id":          chatID,
		"display_name":     displayName,
	}
	if err := c.post(ctx, "/api/register", body, &out); err != nil {
		return "", false, err
	}
	return out.APIKey, out.Created, nil
}

func (c *BackendClient) Revoke(ctx context.Context, platformUserID int64) (string, error) {
	var out struct {
		APIKey string `json:"api_key"`
	}
	if err := c.post(ctx, "/api/revoke", map[string]any{"platform_user_id": platformUserID}, &out); err != nil {
		return "", err
	}
	return out.APIKey, nil
}

func (c *BackendClient) Status(ctx context.Context, platformUserID int64) (StatusInfo, error) {
	var out struct {
		Status StatusInfo `json:"status"`
	}
	url := c.baseURL + "/api/user/status?platform_user_id=" + strconv.FormatInt(platformUserID, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusInfo{}, err
	}
	req.Header.Set("X-Bot-Secret", c.secret)
	resp, err := c.http.Do(req)
	if err != nil {
		return StatusInfo{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return StatusInfo{}, ErrNotRegistered
	}
	if resp.StatusCode != http.StatusOK {
		return StatusInfo{}, fmt.Errorf("backend status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StatusInfo{}, err
	}
	return out.Status, nil
}

func (c *BackendClient) SetMuted(ctx context.Context, platformUserID int64, muted bool) error {
	path := "/api/user/mute"
	if !muted {
		path = "/api/user/unmute"
	}
	return c.post(ctx, path, map[string]any{"platform_user_id": platformUserID}, nil)
}

func (c *BackendClient) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bot-Secret", c.secret)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotRegistered
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend %s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

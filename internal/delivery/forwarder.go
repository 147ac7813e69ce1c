package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushRequest is the wire shape the bot front end accepts on its push endpoint.
type PushRequest struct {
	ChatID    int64          `json:"chat_id"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ProcessID string         `json:"process_id,omitempty"`
}

// HTTPForwarder forwards jobs to the bot front end over HTTP, authenticated
// with the shared bot secret.
type HTTPForwarder struct {
	pushURL string
	secret  string
	client  *http.Client
}

func NewHTTPForwarder(pushURL, secret string, timeout time.Duration) *HTTPForwarder {
	if timeout <= 0 {
		timeout = defaultForwardTimeout
	}
	return &HTTPForwarder{
		pushURL: pushURL,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTPForwarder) Forward(ctx context.Context, job Job) error {
	body, err := json.Marshal(PushRequest{
		ChatID:    job.ChatID,
		Message:   job.Message,
		Metadata:  job.Metadata,
		ProcessID: job.ProcessID,
	})
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.pushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bot-Secret", f.secret)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push rejected: HTTP %d", resp.StatusCode)
	}
	return nil
}

package client

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Run is one tracked process scope. Obtain one with Begin, finish it with
// End. End is idempotent; only the first call reports.
type Run struct {
	c    *Client
	id   string
	name string

	mu    sync.Mutex
	ended bool
}

// Begin starts a tracked process on the backend and returns its scope.
func (c *Client) Begin(ctx context.Context, name string, metadata map[string]any) (*Run, error) {
	id, err := c.StartProcess(ctx, StartProcessRequest{Name: name, Metadata: metadata})
	if err != nil {
		return nil, err
	}
	return &Run{c: c, id: id, name: name}, nil
}

// ID returns the backend-assigned process id.
func (r *Run) ID() string { return r.id }

// Heartbeat signals the run is still alive.
func (r *Run) Heartbeat(ctx context.Context) error {
	return r.c.Heartbeat(ctx, r.id, nil)
}

// End reports the run finished: completed when err is nil, error otherwise.
// The error's message, type, and a truncated stack are attached as metadata.
// Reporting is best-effort; a failed report is logged, not returned, so End
// is safe in defer chains.
func (r *Run) End(ctx context.Context, err error) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	r.mu.Unlock()

	status := StatusCompleted
	var md map[string]any
	if err != nil {
		status = StatusError
		md = map[string]any{
			"error":      err.Error(),
			"error_type": fmt.Sprintf("%T", err),
			"stack":      truncatedStack(),
		}
	}
	if _, repErr := r.c.EndProcess(ctx, EndProcessRequest{ProcessID: r.id, Status: status, Metadata: md}); repErr != nil {
		r.c.logger.Warn("end report failed",
			slog.String("process_id", r.id), slog.Any("err", repErr))
	}
}

// Go runs fn as a tracked process. fn's error comes back unchanged; a panic
// inside fn is reported as an error-status end and then re-raised unchanged.
func (c *Client) Go(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	run, err := c.Begin(ctx, name, nil)
	if err != nil {
		return err
	}

	defer func() {
		if rec := recover(); rec != nil {
			// End with a fresh context: the panic may have killed ctx's parent.
			endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			run.End(endCtx, fmt.Errorf("panic: %v", rec))
			cancel()
			panic(rec)
		}
	}()

	fnErr := fn(ctx)
	run.End(ctx, fnErr)
	return fnErr
}

const maxStackBytes = 2048

func truncatedStack() string {
	s := debug.Stack()
	if len(s) > maxStackBytes {
		s = s[:maxStackBytes]
	}
	return string(s)
}

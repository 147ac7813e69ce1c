package client

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRunEndIsIdempotent(t *testing.T) {
	fb := &fakeBackend{notifyOK: true}
	c := newTestClient(t, fb)
	ctx := context.Background()

	run, err := c.Begin(ctx, "train", nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	before := fb.count()
	run.End(ctx, nil)
	run.End(ctx, nil)
	run.End(ctx, errors.New("late"))
	if got := fb.count() - before; got != 1 {
		t.Fatalf("End must report once, reported %d times", got)
	}
	if fb.last().body["status"] != "completed" {
		t.Fatalf("first End wins, got %v", fb.last().body)
	}
}

func TestRunEndWithErrorAttachesDetails(t *testing.T) {
	fb := &fakeBackend{notifyOK: true}
	c := newTestClient(t, fb)
	ctx := context.Background()

	run, err := c.Begin(ctx, "train", nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	run.End(ctx, errors.New("out of memory"))

	body := fb.last().body
	if body["status"] != "error" {
		t.Fatalf("expected error status: %v", body)
	}
	md, _ := body["metadata"].(map[string]any)
	if md["error"] != "out of memory" {
		t.Fatalf("error message missing: %v", md)
	}
	if md["error_type"] != "*errors.errorString" {
		t.Fatalf("error type missing: %v", md)
	}
	stack, _ := md["stack"].(string)
	if stack == "" || len(stack) > maxStackBytes {
		t.Fatalf("stack missing or not truncated: %d bytes", len(stack))
	}
}

func TestGoReturnsFnErrorUnchanged(t *testing.T) {
	fb := &fakeBackend{notifyOK: true}
	c := newTestClient(t, fb)
	sentinel := errors.New("training diverged")

	err := c.Go(context.Background(), "train", func(ctx context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Go must return fn's error unchanged, got %v", err)
	}
	if fb.last().body["status"] != "error" {
		t.Fatalf("error run must end with error status: %v", fb.last().body)
	}

	if err := c.Go(context.Background(), "ok", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Go must return nil for a clean run, got %v", err)
	}
	if fb.last().body["status"] != "completed" {
		t.Fatalf("clean run must end completed: %v", fb.last().body)
	}
}

func TestGoReportsAndRepanics(t *testing.T) {
	fb := &fakeBackend{notifyOK: true}
	c := newTestClient(t, fb)

	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("panic must propagate")
		}
		if rec != "kaboom" {
			t.Fatalf("panic value must be unchanged, got %v", rec)
		}
		body := fb.last().body
		if body["status"] != "error" {
			t.Fatalf("panic run must end with error status: %v", body)
		}
		md, _ := body["metadata"].(map[string]any)
		msg, _ := md["error"].(string)
		if !strings.Contains(msg, "kaboom") {
			t.Fatalf("panic message missing from report: %v", md)
		}
	}()

	_ = c.Go(context.Background(), "explode", func(ctx context.Context) error {
		panic("kaboom")
	})
}

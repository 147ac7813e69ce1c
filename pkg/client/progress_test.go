package client

import (
	"context"
	"slices"
	"strings"
	"testing"
)

func collectNotifies(fb *fakeBackend) []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []string
	for _, r := range fb.requests {
		if r.path == "/api/notify" {
			msg, _ := r.body["message"].(string)
			out = append(out, msg)
		}
	}
	return out
}

func countingSeq(n int) func(yield func(int) bool) {
	return func(yield func(int) bool) {
		for i := 0; i < n; i++ {
			if !yield(i) {
				return
			}
		}
	}
}

func TestProgressYieldsAllItemsUnchanged(t *testing.T) {
	fb := &fakeBackend{notifyOK: true}
	c := newTestClient(t, fb)

	var got []int
	for v := range Progress(context.Background(), c, "scan", countingSeq(25), ProgressOptions{Every: 10}) {
		got = append(got, v)
	}
	want := make([]int, 25)
	for i := range want {
		want[i] = i
	}
	if !slices.Equal(got, want) {
		t.Fatalf("sequence altered: %v", got)
	}
}

func TestProgressNotifiesEveryN(t *testing.T) {
	fb := &fakeBackend{notifyOK: true}
	c := newTestClient(t, fb)

	for range Progress(context.Background(), c, "scan", countingSeq(25), ProgressOptions{Every: 10}) {
	}
	msgs := collectNotifies(fb)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 interval notifications, got %v", msgs)
	}
	if !strings.Contains(msgs[0], "10 items") || !strings.Contains(msgs[1], "20 items") {
		t.Fatalf("unexpected messages: %v", msgs)
	}
}

func TestProgressNotifiesPercentSteps(t *testing.T) {
	fb := &fakeBackend{notifyOK: true}
	c := newTestClient(t, fb)

	for range Progress(context.Background(), c, "epochs", countingSeq(10), ProgressOptions{Total: 10, PercentStep: 50}) {
	}
	msgs := collectNotifies(fb)
	if len(msgs) != 2 {
		t.Fatalf("expected 50%% and 100%% notifications, got %v", msgs)
	}
	if !strings.Contains(msgs[0], "(50%)") || !strings.Contains(msgs[1], "(100%)") {
		t.Fatalf("unexpected messages: %v", msgs)
	}
}

func TestProgressEarlyBreakStopsNotifying(t *testing.T) {
	fb := &fakeBackend{notifyOK: true}
	c := newTestClient(t, fb)

	n := 0
	for range Progress(context.Background(), c, "scan", countingSeq(100), ProgressOptions{Every: 10}) {
		n++
		if n == 5 {
			break
		}
	}
	if msgs := collectNotifies(fb); len(msgs) != 0 {
		t.Fatalf("no notifications expected before the first interval, got %v", msgs)
	}
}

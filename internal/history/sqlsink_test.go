package history

import (
	"context"
	"testing"
	"time"
)

func TestSQLSinkSendAndSchema(t *testing.T) {
	sink, err := NewSQLSinkFromDSN(":memory:")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	events := []Event{
		{Type: EventProcessStarted, OccurredAt: time.Now(), UserID: 1, ProcessID: "p-1", ProcessName: "train"},
		{Type: EventProcessEnded, OccurredAt: time.Now(), UserID: 1, ProcessID: "p-1", ProcessName: "train", Status: "completed", DurationSeconds: 12.5},
		{Type: EventNotificationDelivered, OccurredAt: time.Now(), UserID: 1, NotificationID: 7},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}

	var n int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM event_history").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != len(events) {
		t.Fatalf("expected %d rows, got %d", len(events), n)
	}

	var event, status string
	err = sink.db.QueryRowContext(ctx,
		"SELECT event, status FROM event_history WHERE process_id = ? AND event = ?",
		"p-1", string(EventProcessEnded)).Scan(&event, &status)
	if err != nil {
		t.Fatalf("query ended event: %v", err)
	}
	if status != "completed" {
		t.Fatalf("expected status completed, got %q", status)
	}
}

func TestNewSinkFromDSN(t *testing.T) {
	if s, err := NewSinkFromDSN(""); err != nil || s != nil {
		t.Fatalf("empty DSN should disable history, got sink=%v err=%v", s, err)
	}
	if s, err := NewSinkFromDSN("none"); err != nil || s != nil {
		t.Fatalf("none DSN should disable history, got sink=%v err=%v", s, err)
	}
	s, err := NewSinkFromDSN("sqlite://:memory:")
	if err != nil {
		t.Fatalf("sqlite DSN: %v", err)
	}
	if _, ok := s.(*SQLSink); !ok {
		t.Fatalf("expected SQLSink, got %T", s)
	}
	_ = s.Close()
	if _, err := NewSinkFromDSN("redis://localhost"); err == nil {
		t.Fatal("expected error for unsupported DSN")
	}
}

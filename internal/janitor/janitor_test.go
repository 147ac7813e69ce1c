package janitor

import (
	"context"
	"testing"
	"time"

	"expbot/internal/store"
	"expbot/internal/store/sqlite"
)

type fakeNotifier struct {
	messages []string
	users    []int64
}

func (f *fakeNotifier) Notify(_ context.Context, u store.User, message string, _ map[string]any) (bool, error) {
	f.messages = append(f.messages, message)
	f.users = append(f.users, u.ID)
	return true, nil
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedUser(t *testing.T, st store.Store) store.User {
	t.Helper()
	u := store.User{
		PlatformUserID: 1, ChatID: 2, DisplayName: "alice",
		APIKey: "exp_k", CreatedAt: time.Now().UTC(), LastActive: time.Now().UTC(), Active: true,
	}
	if err := st.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestRunOncePurgesOldDelivered(t *testing.T) {
	st := newStore(t)
	u := seedUser(t, st)
	ctx := context.Background()

	old := store.Notification{UserID: u.ID, Message: "old", CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	if err := st.CreateNotification(ctx, &old); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if _, err := st.MarkDelivered(ctx, old.ID, time.Now().UTC()); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	undelivered := store.Notification{UserID: u.ID, Message: "pending", CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	if err := st.CreateNotification(ctx, &undelivered); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	fresh := store.Notification{UserID: u.ID, Message: "fresh", CreatedAt: time.Now().UTC()}
	if err := st.CreateNotification(ctx, &fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	if _, err := st.MarkDelivered(ctx, fresh.ID, time.Now().UTC()); err != nil {
		t.Fatalf("mark fresh delivered: %v", err)
	}

	j := New(Config{Retention: 24 * time.Hour}, st, &fakeNotifier{}, nil)
	j.RunOnce(ctx)

	// Only the old delivered row should be gone.
	if got, err := st.PurgeDelivered(ctx, time.Now().UTC().Add(-24*time.Hour)); err != nil || got != 0 {
		t.Fatalf("expected nothing left to purge, got %d err %v", got, err)
	}
}

func TestRunOnceWarnsStaleOnce(t *testing.T) {
	st := newStore(t)
	u := seedUser(t, st)
	ctx := context.Background()

	p := store.Process{
		UserID: u.ID, ProcessID: "p-stale", Name: "train",
		Status: store.StatusStarted, StartedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	if err := st.CreateProcess(ctx, &p); err != nil {
		t.Fatalf("create process: %v", err)
	}
	live := store.Process{
		UserID: u.ID, ProcessID: "p-live", Name: "eval",
		Status: store.StatusStarted, StartedAt: time.Now().UTC(),
	}
	if err := st.CreateProcess(ctx, &live); err != nil {
		t.Fatalf("create live process: %v", err)
	}

	fn := &fakeNotifier{}
	j := New(Config{StaleAfter: 30 * time.Minute}, st, fn, nil)

	j.RunOnce(ctx)
	if len(fn.messages) != 1 {
		t.Fatalf("expected one stale warning, got %d", len(fn.messages))
	}

	// A second pass must not warn again.
	j.RunOnce(ctx)
	if len(fn.messages) != 1 {
		t.Fatalf("stale process warned twice")
	}

	// Status is untouched.
	got, err := st.GetProcess(ctx, u.ID, "p-stale")
	if err != nil {
		t.Fatalf("get process: %v", err)
	}
	if got.Status != store.StatusStarted || got.EndedAt.Valid {
		t.Fatalf("janitor must not mutate process state: %+v", got)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	j := New(Config{Schedule: "not a schedule"}, newStore(t), &fakeNotifier{}, nil)
	if err := j.Start(); err == nil {
		j.Stop()
		t.Fatal("expected schedule parse error")
	}
}

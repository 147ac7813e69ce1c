package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"expbot/internal/store"
)

// startPostgresContainer starts a PostgreSQL container for tests and returns
// a DSN suitable for pgx stdlib. It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}

	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}
	return dsn, terminate
}

func waitForPostgres(t *testing.T, dsn string) {
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	defer terminate()
	waitForPostgres(t, dsn)

	db, err := New(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	now := time.Now().UTC()
	u := store.User{PlatformUserID: 11, ChatID: 110, DisplayName: "pg", APIKey: "exp_pg1", CreatedAt: now, LastActive: now}
	if err := db.CreateUser(ctx, &u); err != nil {
		t.Fatalf("create user: %v", err)
	}

	dup := store.User{PlatformUserID: 11, ChatID: 1, APIKey: "exp_pg2", CreatedAt: now, LastActive: now}
	if err := db.CreateUser(ctx, &dup); !errors.Is(err, store.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	p := store.Process{UserID: u.ID, ProcessID: "pg-run", Name: "job", Status: store.StatusStarted, StartedAt: now}
	if err := db.CreateProcess(ctx, &p); err != nil {
		t.Fatalf("create process: %v", err)
	}
	ended, err := db.EndProcess(ctx, u.ID, "pg-run", store.StatusCompleted, now.Add(time.Second), map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("end process: %v", err)
	}
	if !ended.EndedAt.Valid || ended.Status != store.StatusCompleted {
		t.Fatalf("unexpected ended process: %+v", ended)
	}
	if _, err := db.EndProcess(ctx, u.ID, "pg-run", store.StatusError, now, nil); !errors.Is(err, store.ErrProcessEnded) {
		t.Fatalf("double end: got %v", err)
	}

	n := store.Notification{UserID: u.ID, Message: "hi", CreatedAt: now}
	if err := db.CreateNotification(ctx, &n); err != nil {
		t.Fatalf("create notification: %v", err)
	}
	ok, err := db.MarkDelivered(ctx, n.ID, now)
	if err != nil || !ok {
		t.Fatalf("mark delivered: ok=%v err=%v", ok, err)
	}
	ok, err = db.MarkDelivered(ctx, n.ID, now)
	if err != nil || ok {
		t.Fatalf("delivered should flip once: ok=%v err=%v", ok, err)
	}
}

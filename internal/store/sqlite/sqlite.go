package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"expbot/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// Path is a filesystem path to the database file. Use ":memory:" for tests.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// single writer keeps modernc sqlite happy under concurrent handlers
	d.SetMaxOpenConns(1)
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			platform_user_id INTEGER NOT NULL UNIQUE,
			chat_id INTEGER NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP NOT NULL,
			last_active TIMESTAMP NOT NULL,
			active BOOLEAN NOT NULL DEFAULT 1,
			muted BOOLEAN NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_users_api_key ON users(api_key);`,
		`CREATE TABLE IF NOT EXISTS processes(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			process_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NULL,
			last_heartbeat TIMESTAMP NULL,
			metadata TEXT NULL,
			parent_id TEXT NULL,
			stale_notified BOOLEAN NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_processes_user_id ON processes(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_processes_process_id ON processes(process_id);`,
		`CREATE TABLE IF NOT EXISTS notifications(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			process_id TEXT NULL,
			message TEXT NOT NULL,
			metadata TEXT NULL,
			created_at TIMESTAMP NOT NULL,
			delivered BOOLEAN NOT NULL DEFAULT 0,
			delivered_at TIMESTAMP NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user_id ON notifications(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_delivered ON notifications(delivered);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

// --- Users ---

const userCols = `id, platform_user_id, chat_id, display_name, api_key, created_at, last_active, active, muted, message_count`

func (s *DB) CreateUser(ctx context.Context, u *store.User) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users(platform_user_id, chat_id, display_name, api_key, created_at, last_active, active, muted, message_count)
		VALUES(?, ?, ?, ?, ?, ?, 1, 0, 0);`,
		u.PlatformUserID, u.ChatID, u.DisplayName, u.APIKey, u.CreatedAt.UTC(), u.LastActive.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrUserExists
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	u.ID = id
	u.Active = true
	return nil
}

func (s *DB) GetUserByID(ctx context.Context, id int64) (store.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?;`, id)
	return scanUser(row)
}

func (s *DB) GetUserByAPIKey(ctx context.Context, key string) (store.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE api_key=?;`, key)
	return scanUser(row)
}

func (s *DB) GetUserByPlatformID(ctx context.Context, platformUserID int64) (store.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE platform_user_id=?;`, platformUserID)
	return scanUser(row)
}

func (s *DB) UpdateUserContact(ctx context.Context, platformUserID, chatID int64, displayName string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET chat_id=?, display_name=?, last_active=?
		WHERE platform_user_id=?;`,
		chatID, displayName, at.UTC(), platformUserID)
	if err != nil {
		return err
	}
	return requireRow(res, store.ErrUserNotFound)
}

func (s *DB) ReplaceAPIKey(ctx context.Context, platformUserID int64, newKey string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET api_key=?, last_active=? WHERE platform_user_id=?;`,
		newKey, at.UTC(), platformUserID)
	if err != nil {
		return err
	}
	return requireRow(res, store.ErrUserNotFound)
}

func (s *DB) TouchUser(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_active=? WHERE id=?;`, at.UTC(), userID)
	return err
}

func (s *DB) SetMuted(ctx context.Context, platformUserID int64, muted bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET muted=? WHERE platform_user_id=?;`, muted, platformUserID)
	if err != nil {
		return err
	}
	return requireRow(res, store.ErrUserNotFound)
}

func (s *DB) IncrementMessageCount(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET message_count=message_count+1 WHERE id=?;`, userID)
	return err
}

func (s *DB) CountOpenProcesses(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processes WHERE user_id=? AND ended_at IS NULL;`, userID).Scan(&n)
	return n, err
}

// --- Processes ---

const processCols = `id, user_id, process_id, name, status, started_at, ended_at, last_heartbeat, metadata, parent_id, stale_notified`

func (s *DB) CreateProcess(ctx context.Context, p *store.Process) error {
	md, err := store.EncodeMetadata(p.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processes(user_id, process_id, name, status, started_at, last_heartbeat, metadata, parent_id, stale_notified)
		VALUES(?, ?, ?, ?, ?, NULL, ?, ?, 0);`,
		p.UserID, p.ProcessID, p.Name, string(p.Status), p.StartedAt.UTC(), md, p.ParentID)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrProcessExists
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

func (s *DB) GetProcess(ctx context.Context, userID int64, processID string) (store.Process, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+processCols+` FROM processes WHERE user_id=? AND process_id=?;`, userID, processID)
	return scanProcess(row)
}

func (s *DB) EndProcess(ctx context.Context, userID int64, processID string, status store.ProcessStatus, endedAt time.Time, metadata map[string]any) (store.Process, error) {
	p, err := s.GetProcess(ctx, userID, processID)
	if err != nil {
		return store.Process{}, err
	}
	if p.EndedAt.Valid {
		return store.Process{}, store.ErrProcessEnded
	}
	merged := store.MergeMetadata(p.Metadata, metadata)
	md, err := store.EncodeMetadata(merged)
	if err != nil {
		return store.Process{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE processes SET status=?, ended_at=?, metadata=?
		WHERE user_id=? AND process_id=? AND ended_at IS NULL;`,
		string(status), endedAt.UTC(), md, userID, processID)
	if err != nil {
		return store.Process{}, err
	}
	if err := requireRow(res, store.ErrProcessEnded); err != nil {
		return store.Process{}, err
	}
	p.Status = status
	p.EndedAt = sql.NullTime{Time: endedAt.UTC(), Valid: true}
	p.Metadata = merged
	return p, nil
}

func (s *DB) HeartbeatProcess(ctx context.Context, userID int64, processID string, at time.Time, metadata map[string]any) error {
	if len(metadata) > 0 {
		p, err := s.GetProcess(ctx, userID, processID)
		if err != nil {
			return err
		}
		if p.EndedAt.Valid {
			return store.ErrProcessNotFound
		}
		md, err := store.EncodeMetadata(store.MergeMetadata(p.Metadata, metadata))
		if err != nil {
			return err
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE processes SET last_heartbeat=?, metadata=?
			WHERE user_id=? AND process_id=? AND ended_at IS NULL;`,
			at.UTC(), md, userID, processID)
		if err != nil {
			return err
		}
		return requireRow(res, store.ErrProcessNotFound)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE processes SET last_heartbeat=?
		WHERE user_id=? AND process_id=? AND ended_at IS NULL;`,
		at.UTC(), userID, processID)
	if err != nil {
		return err
	}
	return requireRow(res, store.ErrProcessNotFound)
}

func (s *DB) ListStaleProcesses(ctx context.Context, heartbeatBefore time.Time) ([]store.Process, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+processCols+` FROM processes
		WHERE ended_at IS NULL AND stale_notified=0
		  AND COALESCE(last_heartbeat, started_at) < ?
		ORDER BY started_at ASC;`, heartbeatBefore.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Process, 0)
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *DB) MarkStaleNotified(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE processes SET stale_notified=1 WHERE id=?;`, id)
	return err
}

// --- Notifications ---

func (s *DB) CreateNotification(ctx context.Context, n *store.Notification) error {
	md, err := store.EncodeMetadata(n.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications(user_id, process_id, message, metadata, created_at, delivered, delivered_at)
		VALUES(?, ?, ?, ?, ?, 0, NULL);`,
		n.UserID, n.ProcessID, n.Message, md, n.CreatedAt.UTC())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	n.ID = id
	return nil
}

func (s *DB) MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET delivered=1, delivered_at=?
		WHERE id=? AND delivered=0;`, at.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *DB) PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications WHERE delivered=1 AND created_at < ?;`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (store.User, error) {
	var u store.User
	err := row.Scan(&u.ID, &u.PlatformUserID, &u.ChatID, &u.DisplayName, &u.APIKey,
		&u.CreatedAt, &u.LastActive, &u.Active, &u.Muted, &u.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, store.ErrUserNotFound
	}
	return u, err
}

func scanProcess(row rowScanner) (store.Process, error) {
	var p store.Process
	var md sql.NullString
	err := row.Scan(&p.ID, &p.UserID, &p.ProcessID, &p.Name, &p.Status,
		&p.StartedAt, &p.EndedAt, &p.LastHeartbeat, &md, &p.ParentID, &p.StaleNotified)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Process{}, store.ErrProcessNotFound
	}
	if err != nil {
		return store.Process{}, err
	}
	p.Metadata = store.DecodeMetadata(md)
	return p, nil
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

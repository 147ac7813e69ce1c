package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"expbot/internal/store"
)

// DB implements store.Store for PostgreSQL via the pgx stdlib driver.

type DB struct {
	db *sql.DB
}

// New opens a connection pool for the given DSN.
func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users(
			id BIGSERIAL PRIMARY KEY,
			platform_user_id BIGINT NOT NULL UNIQUE,
			chat_id BIGINT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL,
			last_active TIMESTAMPTZ NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			muted BOOLEAN NOT NULL DEFAULT FALSE,
			message_count BIGINT NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_users_api_key ON users(api_key);`,
		`CREATE TABLE IF NOT EXISTS processes(
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			process_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NULL,
			last_heartbeat TIMESTAMPTZ NULL,
			metadata TEXT NULL,
			parent_id TEXT NULL,
			stale_notified BOOLEAN NOT NULL DEFAULT FALSE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_processes_user_id ON processes(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_processes_process_id ON processes(process_id);`,
		`CREATE TABLE IF NOT EXISTS notifications(
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			process_id TEXT NULL,
			message TEXT NOT NULL,
			metadata TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			delivered BOOLEAN NOT NULL DEFAULT FALSE,
			delivered_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user_id ON notifications(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_delivered ON notifications(delivered);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

// --- Users ---

const userCols = `id, platform_user_id, chat_id, display_name, api_key, created_at, last_active, active, muted, message_count`

func (p *DB) CreateUser(ctx context.Context, u *store.User) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO users(platform_user_id, chat_id, display_name, api_key, created_at, last_active, active, muted, message_count)
		VALUES($1, $2, $3, $4, $5, $6, TRUE, FALSE, 0)
		RETURNING id;`,
		u.PlatformUserID, u.ChatID, u.DisplayName, u.APIKey, u.CreatedAt.UTC(), u.LastActive.UTC()).Scan(&u.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrUserExists
		}
		return err
	}
	u.Active = true
	return nil
}

func (p *DB) GetUserByID(ctx context.Context, id int64) (store.User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=$1;`, id)
	return scanUser(row)
}

func (p *DB) GetUserByAPIKey(ctx context.Context, key string) (store.User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE api_key=$1;`, key)
	return scanUser(row)
}

func (p *DB) GetUserByPlatformID(ctx context.Context, platformUserID int64) (store.User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE platform_user_id=$1;`, platformUserID)
	return scanUser(row)
}

func (p *DB) UpdateUserContact(ctx context.Context, platformUserID, chatID int64, displayName string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET chat_id=$1, display_name=$2, last_active=$3
		WHERE platform_user_id=$4;`,
		chatID, displayName, at.UTC(), platformUserID)
	if err != nil {
		return err
	}
	return requireRow(res, store.ErrUserNotFound)
}

func (p *DB) ReplaceAPIKey(ctx context.Context, platformUserID int64, newKey string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET api_key=$1, last_active=$2 WHERE platform_user_id=$3;`,
		newKey, at.UTC(), platformUserID)
	if err != nil {
		return err
	}
	return requireRow(res, store.ErrUserNotFound)
}

func (p *DB) TouchUser(ctx context.Context, userID int64, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE users SET last_active=$1 WHERE id=$2;`, at.UTC(), userID)
	return err
}

func (p *DB) SetMuted(ctx context.Context, platformUserID int64, muted bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET muted=$1 WHERE platform_user_id=$2;`, muted, platformUserID)
	if err != nil {
		return err
	}
	return requireRow(res, store.ErrUserNotFound)
}

func (p *DB) IncrementMessageCount(ctx context.Context, userID int64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE users SET message_count=message_count+1 WHERE id=$1;`, userID)
	return err
}

func (p *DB) CountOpenProcesses(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processes WHERE user_id=$1 AND ended_at IS NULL;`, userID).Scan(&n)
	return n, err
}

// --- Processes ---

const processCols = `id, user_id, process_id, name, status, started_at, ended_at, last_heartbeat, metadata, parent_id, stale_notified`

func (p *DB) CreateProcess(ctx context.Context, pr *store.Process) error {
	md, err := store.EncodeMetadata(pr.Metadata)
	if err != nil {
		return err
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO processes(user_id, process_id, name, status, started_at, last_heartbeat, metadata, parent_id, stale_notified)
		VALUES($1, $2, $3, $4, $5, NULL, $6, $7, FALSE)
		RETURNING id;`,
		pr.UserID, pr.ProcessID, pr.Name, string(pr.Status), pr.StartedAt.UTC(), md, pr.ParentID).Scan(&pr.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrProcessExists
		}
		return err
	}
	return nil
}

func (p *DB) GetProcess(ctx context.Context, userID int64, processID string) (store.Process, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+processCols+` FROM processes WHERE user_id=$1 AND process_id=$2;`, userID, processID)
	return scanProcess(row)
}

func (p *DB) EndProcess(ctx context.Context, userID int64, processID string, status store.ProcessStatus, endedAt time.Time, metadata map[string]any) (store.Process, error) {
	pr, err := p.GetProcess(ctx, userID, processID)
	if err != nil {
		return store.Process{}, err
	}
	if pr.EndedAt.Valid {
		return store.Process{}, store.ErrProcessEnded
	}
	merged := store.MergeMetadata(pr.Metadata, metadata)
	md, err := store.EncodeMetadata(merged)
	if err != nil {
		return store.Process{}, err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE processes SET status=$1, ended_at=$2, metadata=$3
		WHERE user_id=$4 AND process_id=$5 AND ended_at IS NULL;`,
		string(status), endedAt.UTC(), md, userID, processID)
	if err != nil {
		return store.Process{}, err
	}
	if err := requireRow(res, store.ErrProcessEnded); err != nil {
		return store.Process{}, err
	}
	pr.Status = status
	pr.EndedAt = sql.NullTime{Time: endedAt.UTC(), Valid: true}
	pr.Metadata = merged
	return pr, nil
}

func (p *DB) HeartbeatProcess(ctx context.Context, userID int64, processID string, at time.Time, metadata map[string]any) error {
	if len(metadata) > 0 {
		pr, err := p.GetProcess(ctx, userID, processID)
		if err != nil {
			return err
		}
		if pr.EndedAt.Valid {
			return store.ErrProcessNotFound
		}
		md, err := store.EncodeMetadata(store.MergeMetadata(pr.Metadata, metadata))
		if err != nil {
			return err
		}
		res, err := p.db.ExecContext(ctx, `
			UPDATE processes SET last_heartbeat=$1, metadata=$2
			WHERE user_id=$3 AND process_id=$4 AND ended_at IS NULL;`,
			at.UTC(), md, userID, processID)
		if err != nil {
			return err
		}
		return requireRow(res, store.ErrProcessNotFound)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE processes SET last_heartbeat=$1
		WHERE user_id=$2 AND process_id=$3 AND ended_at IS NULL;`,
		at.UTC(), userID, processID)
	if err != nil {
		return err
	}
	return requireRow(res, store.ErrProcessNotFound)
}

func (p *DB) ListStaleProcesses(ctx context.Context, heartbeatBefore time.Time) ([]store.Process, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+processCols+` FROM processes
		WHERE ended_at IS NULL AND stale_notified=FALSE
		  AND COALESCE(last_heartbeat, started_at) < $1
		ORDER BY started_at ASC;`, heartbeatBefore.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Process, 0)
	for rows.Next() {
		pr, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *DB) MarkStaleNotified(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE processes SET stale_notified=TRUE WHERE id=$1;`, id)
	return err
}

// --- Notifications ---

func (p *DB) CreateNotification(ctx context.Context, n *store.Notification) error {
	md, err := store.EncodeMetadata(n.Metadata)
	if err != nil {
		return err
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO notifications(user_id, process_id, message, metadata, created_at, delivered, delivered_at)
		VALUES($1, $2, $3, $4, $5, FALSE, NULL)
		RETURNING id;`,
		n.UserID, n.ProcessID, n.Message, md, n.CreatedAt.UTC()).Scan(&n.ID)
}

func (p *DB) MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET delivered=TRUE, delivered_at=$1
		WHERE id=$2 AND delivered=FALSE;`, at.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *DB) PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM notifications WHERE delivered=TRUE AND created_at < $1;`, olderThan.UTC())
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
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

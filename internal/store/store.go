package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
	ErrProcessNotFound = errors.New("process not found")
	ErrProcessExists   = errors.New("process already exists")
	ErrProcessEnded    = errors.New("process already ended")
)

// ProcessStatus is the coarse lifecycle state of a tracked process.
// Allowed transitions: started -> running (repeatable) -> completed | error.
type ProcessStatus string

const (
	StatusStarted   ProcessStatus = "started"
	StatusRunning   ProcessStatus = "running"
	StatusCompleted ProcessStatus = "completed"
	StatusError     ProcessStatus = "error"
)

// TerminalStatus reports whether s is a valid status for EndProcess.
func TerminalStatus(s ProcessStatus) bool {
	return s == StatusCompleted || s == StatusError
}

// User is a registered chat user. PlatformUserID and APIKey are unique.
// The key is immutable once issued except via ReplaceAPIKey (revoke).
type User struct {
	ID             int64
	PlatformUserID int64
	ChatID         int64
	DisplayName    string
	APIKey         string
	CreatedAt      time.Time
	LastActive     time.Time
	Active         bool
	Muted          bool
	MessageCount   int64
}

// Process is a tracked unit of external work. ProcessID is the caller-visible
// identifier and is unique across all rows. EndedAt is set at most once.
type Process struct {
	ID            int64
	UserID        int64
	ProcessID     string
	Name          string
	Status        ProcessStatus
	StartedAt     time.Time
	EndedAt       sql.NullTime
	LastHeartbeat sql.NullTime
	Metadata      map[string]any
	ParentID      sql.NullString
	StaleNotified bool
}

// Notification is one message destined for a user's chat.
// Delivered flips false -> true at most once, after a successful forward.
type Notification struct {
	ID          int64
	UserID      int64
	ProcessID   sql.NullString
	Message     string
	Metadata    map[string]any
	CreatedAt   time.Time
	Delivered   bool
	DeliveredAt sql.NullTime
}

// Store is the persistence boundary for the backend. All timestamps are UTC.
// Implementations live in the sqlite and postgres subpackages.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Close() error

	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id int64) (User, error)
	GetUserByAPIKey(ctx context.Context, key string) (User, error)
	GetUserByPlatformID(ctx context.Context, platformUserID int64) (User, error)
	UpdateUserContact(ctx context.Context, platformUserID, chatID int64, displayName string, at time.Time) error
	ReplaceAPIKey(ctx context.Context, platformUserID int64, newKey string, at time.Time) error
	TouchUser(ctx context.Context, userID int64, at time.Time) error
	SetMuted(ctx context.Context, platformUserID int64, muted bool) error
	IncrementMessageCount(ctx context.Context, userID int64) error
	CountOpenProcesses(ctx context.Context, userID int64) (int64, error)

	// Processes
	CreateProcess(ctx context.Context, p *Process) error
	GetProcess(ctx context.Context, userID int64, processID string) (Process, error)
	EndProcess(ctx context.Context, userID int64, processID string, status ProcessStatus, endedAt time.Time, metadata map[string]any) (Process, error)
	HeartbeatProcess(ctx context.Context, userID int64, processID string, at time.Time, metadata map[string]any) error
	ListStaleProcesses(ctx context.Context, heartbeatBefore time.Time) ([]Process, error)
	MarkStaleNotified(ctx context.Context, id int64) error

	// Notifications
	CreateNotification(ctx context.Context, n *Notification) error
	MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error)
	PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error)
}

// EncodeMetadata marshals metadata for a TEXT column. Nil and empty maps
// are stored as SQL NULL so the column stays cheap to scan.
func EncodeMetadata(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// DecodeMetadata is the inverse of EncodeMetadata. Corrupt JSON yields nil
// rather than an error; metadata is advisory and must not break reads.
func DecodeMetadata(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return m
}

// MergeMetadata overlays b on top of a without mutating either.
func MergeMetadata(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"expbot/internal/apikey"
	"expbot/internal/delivery"
	"expbot/internal/history"
	"expbot/internal/metrics"
	"expbot/internal/store"
)

var (
	ErrAuthFailed    = errors.New("authentication failed")
	ErrInvalidStatus = errors.New("invalid terminal status")
	ErrEmptyMessage  = errors.New("empty message")
	ErrEmptyName     = errors.New("empty process name")
)

// Enqueuer accepts delivery jobs. delivery.Queue satisfies this; tests use
// a recording fake.
type Enqueuer interface {
	Enqueue(job delivery.Job) bool
}

// Manager implements the backend operations on top of a store and the
// delivery queue. It is safe for concurrent use.
type Manager struct {
	mu    sync.RWMutex
	st    store.Store
	queue Enqueuer
	sinks []history.Sink
	log   *slog.Logger

	now func() time.Time
}

func New(st store.Store, queue Enqueuer, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		st:    st,
		queue: queue,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetHistorySinks configures external history sinks (ClickHouse, SQL, etc.).
// Passing nil or no sinks clears the list.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.sinks = nil
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	m.mu.Unlock()
}

// DeliveryObserver returns an observer for the delivery queue that exports
// delivered/dropped events to the configured history sinks.
func (m *Manager) DeliveryObserver() delivery.Observer {
	return func(job delivery.Job, delivered bool) {
		typ := history.EventNotificationDropped
		if delivered {
			typ = history.EventNotificationDelivered
		}
		m.emit(history.Event{
			Type:           typ,
			OccurredAt:     m.now(),
			NotificationID: job.NotificationID,
			ProcessID:      job.ProcessID,
		})
	}
}

func (m *Manager) emit(e history.Event) {
	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Send(context.Background(), e); err != nil {
			m.log.Debug("history sink send failed",
				slog.String("event", string(e.Type)), slog.Any("err", err))
		}
	}
}

// Authenticate resolves an API key to its user and bumps last-active.
// Any failure, including a revoked or inactive key, comes back as
// ErrAuthFailed so callers cannot distinguish unknown keys from dead ones.
func (m *Manager) Authenticate(ctx context.Context, key string) (store.User, error) {
	if !apikey.Valid(key) {
		metrics.IncAuthFailure()
		return store.User{}, ErrAuthFailed
	}
	u, err := m.st.GetUserByAPIKey(ctx, key)
	if err != nil {
		metrics.IncAuthFailure()
		return store.User{}, ErrAuthFailed
	}
	if !u.Active {
		metrics.IncAuthFailure()
		return store.User{}, ErrAuthFailed
	}
	now := m.now()
	if err := m.st.TouchUser(ctx, u.ID, now); err != nil {
		m.log.Warn("touch user failed", slog.Int64("user_id", u.ID), slog.Any("err", err))
	}
	u.LastActive = now
	return u, nil
}

// Register creates a user for a chat identity or refreshes an existing one.
// It is idempotent on the platform user id: re-registering returns the
// existing key and updates the chat id and display name.
func (m *Manager) Register(ctx context.Context, platformUserID, chatID int64, displayName string) (store.User, bool, error) {
	now := m.now()
	u, err := m.st.GetUserByPlatformID(ctx, platformUserID)
	if err == nil {
		if err := m.st.UpdateUserContact(ctx, platformUserID, chatID, displayName, now); err != nil {
			return store.User{}, false, fmt.Errorf("update user contact: %w", err)
		}
		u.ChatID = chatID
		u.DisplayName = displayName
		u.LastActive = now
		return u, false, nil
	}
	if !errors.Is(err, store.ErrUserNotFound) {
		return store.User{}, false, fmt.Errorf("lookup user: %w", err)
	}

	key, err := apikey.New()
	if err != nil {
		return store.User{}, false, fmt.Errorf("generate api key: %w", err)
	}
	nu := store.User{
		PlatformUserID: platformUserID,
		ChatID:         chatID,
		DisplayName:    displayName,
		APIKey:         key,
		CreatedAt:      now,
		LastActive:     now,
		Active:         true,
	}
	if err := m.st.CreateUser(ctx, &nu); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			// Lost a registration race; the winner's row is authoritative.
			return m.Register(ctx, platformUserID, chatID, displayName)
		}
		return store.User{}, false, fmt.Errorf("create user: %w", err)
	}
	m.log.Info("user registered",
		slog.Int64("platform_user_id", platformUserID),
		slog.String("api_key", apikey.Mask(key)))
	return nu, true, nil
}

// Revoke replaces the user's API key. The old key stops authenticating from
// the moment the update commits.
func (m *Manager) Revoke(ctx context.Context, platformUserID int64) (string, error) {
	key, err := apikey.New()
	if err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	if err := m.st.ReplaceAPIKey(ctx, platformUserID, key, m.now()); err != nil {
		return "", err
	}
	m.log.Info("api key revoked",
		slog.Int64("platform_user_id", platformUserID),
		slog.String("api_key", apikey.Mask(key)))
	return key, nil
}

// SetMuted toggles notification delivery for a user. Muted users keep their
// notification rows; nothing is enqueued for them.
func (m *Manager) SetMuted(ctx context.Context, platformUserID int64, muted bool) error {
	return m.st.SetMuted(ctx, platformUserID, muted)
}

// Status is the account summary shown by the bot's /status command.
type Status struct {
	User          store.User
	MaskedKey     string
	OpenProcesses int64
}

func (m *Manager) UserStatus(ctx context.Context, platformUserID int64) (Status, error) {
	u, err := m.st.GetUserByPlatformID(ctx, platformUserID)
	if err != nil {
		return Status{}, err
	}
	open, err := m.st.CountOpenProcesses(ctx, u.ID)
	if err != nil {
		return Status{}, fmt.Errorf("count open processes: %w", err)
	}
	return Status{User: u, MaskedKey: apikey.Mask(u.APIKey), OpenProcesses: open}, nil
}

// Notify persists a notification for the user and offers it to the delivery
// queue. It returns whether a delivery job was enqueued: false for muted
// users and when the queue is full or stopped. The notification row exists
// either way.
func (m *Manager) Notify(ctx context.Context, u store.User, message string, metadata map[string]any) (bool, error) {
	return m.notify(ctx, u, message, metadata, "")
}

func (m *Manager) notify(ctx context.Context, u store.User, message string, metadata map[string]any, processID string) (bool, error) {
	if message == "" {
		return false, ErrEmptyMessage
	}
	n := store.Notification{
		UserID:    u.ID,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: m.now(),
	}
	if processID != "" {
		n.ProcessID.String = processID
		n.ProcessID.Valid = true
	}
	if err := m.st.CreateNotification(ctx, &n); err != nil {
		return false, fmt.Errorf("create notification: %w", err)
	}
	if u.Muted {
		metrics.IncMuted()
		m.log.Debug("user muted, notification not enqueued",
			slog.Int64("user_id", u.ID), slog.Int64("notification_id", n.ID))
		return false, nil
	}
	queued := m.queue.Enqueue(delivery.Job{
		NotificationID: n.ID,
		ChatID:         u.ChatID,
		Message:        message,
		Metadata:       metadata,
		ProcessID:      processID,
	})
	if queued {
		if err := m.st.IncrementMessageCount(ctx, u.ID); err != nil {
			m.log.Warn("increment message count failed",
				slog.Int64("user_id", u.ID), slog.Any("err", err))
		}
	}
	return queued, nil
}

// StartProcess registers a new tracked process and notifies the user's chat.
// When processID is empty a new id is generated.
func (m *Manager) StartProcess(ctx context.Context, u store.User, processID, name string, metadata map[string]any, parentID string) (store.Process, error) {
	if name == "" {
		return store.Process{}, ErrEmptyName
	}
	if processID == "" {
		processID = uuid.NewString()
	}
	now := m.now()
	p := store.Process{
		UserID:    u.ID,
		ProcessID: processID,
		Name:      name,
		Status:    store.StatusStarted,
		StartedAt: now,
		Metadata:  metadata,
	}
	if parentID != "" {
		p.ParentID.String = parentID
		p.ParentID.Valid = true
	}
	if err := m.st.CreateProcess(ctx, &p); err != nil {
		return store.Process{}, err
	}
	metrics.IncProcessStart()
	m.emit(history.Event{
		Type:        history.EventProcessStarted,
		OccurredAt:  now,
		UserID:      u.ID,
		ProcessID:   processID,
		ProcessName: name,
	})
	msg := fmt.Sprintf("Process *%s* started\n`%s`", name, processID)
	if _, err := m.notify(ctx, u, msg, nil, processID); err != nil {
		m.log.Warn("start notification failed",
			slog.String("process_id", processID), slog.Any("err", err))
	}
	return p, nil
}

// EndProcess marks a process finished with a terminal status and notifies
// the user's chat. A process ends at most once; a second call fails with
// store.ErrProcessEnded. Returns the final row and the duration in seconds.
func (m *Manager) EndProcess(ctx context.Context, u store.User, processID string, status store.ProcessStatus, metadata map[string]any) (store.Process, float64, error) {
	if !store.TerminalStatus(status) {
		return store.Process{}, 0, ErrInvalidStatus
	}
	now := m.now()
	p, err := m.st.EndProcess(ctx, u.ID, processID, status, now, metadata)
	if err != nil {
		return store.Process{}, 0, err
	}
	dur := p.EndedAt.Time.Sub(p.StartedAt).Seconds()
	if dur < 0 {
		dur = 0
	}
	metrics.IncProcessEnd(string(status))
	metrics.ObserveProcessDuration(dur)
	m.emit(history.Event{
		Type:            history.EventProcessEnded,
		OccurredAt:      now,
		UserID:          u.ID,
		ProcessID:       processID,
		ProcessName:     p.Name,
		Status:          string(status),
		DurationSeconds: dur,
	})
	verb := "completed"
	if status == store.StatusError {
		verb = "failed"
	}
	msg := fmt.Sprintf("Process *%s* %s after %s\n`%s`", p.Name, verb, formatDuration(dur), processID)
	if _, err := m.notify(ctx, u, msg, metadata, processID); err != nil {
		m.log.Warn("end notification failed",
			slog.String("process_id", processID), slog.Any("err", err))
	}
	return p, dur, nil
}

// Heartbeat refreshes a process's liveness timestamp and merges any caller
// metadata into the process record. The status is left untouched; heartbeats
// never transition a process.
func (m *Manager) Heartbeat(ctx context.Context, u store.User, processID string, metadata map[string]any) error {
	return m.st.HeartbeatProcess(ctx, u.ID, processID, m.now(), metadata)
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

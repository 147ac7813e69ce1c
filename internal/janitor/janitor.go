package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"expbot/internal/store"
)

// Notifier sends a maintenance notification to a user. manager.Manager
// satisfies this.
type Notifier interface {
	Notify(ctx context.Context, u store.User, message string, metadata map[string]any) (bool, error)
}

// Config tunes the maintenance schedule. Zero values get defaults.
type Config struct {
	Schedule   string        `toml:"schedule" mapstructure:"schedule"`
	Retention  time.Duration `toml:"retention" mapstructure:"retention"`
	StaleAfter time.Duration `toml:"stale_after" mapstructure:"stale_after"`
}

const (
	defaultSchedule   = "@every 10m"
	defaultRetention  = 7 * 24 * time.Hour
	defaultStaleAfter = 30 * time.Minute
)

// Janitor runs periodic maintenance: purging delivered notifications past
// the retention window and warning users about processes that stopped
// heartbeating. It never changes a process's status; a stale process gets
// at most one warning.
type Janitor struct {
	cfg      Config
	st       store.Store
	notifier Notifier
	log      *slog.Logger
	cr       *cron.Cron
}

func New(cfg Config, st store.Store, notifier Notifier, log *slog.Logger) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{cfg: cfg, st: st, notifier: notifier, log: log}
}

// Start schedules the maintenance job. Returns an error for a bad schedule.
func (j *Janitor) Start() error {
	j.cr = cron.New()
	if _, err := j.cr.AddFunc(j.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		j.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.cfg.Schedule, err)
	}
	j.cr.Start()
	j.log.Info("janitor started", slog.String("schedule", j.cfg.Schedule))
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (j *Janitor) Stop() {
	if j.cr != nil {
		<-j.cr.Stop().Done()
	}
}

// RunOnce executes one maintenance pass. Exported for tests and for a
// CLI-triggered manual run.
func (j *Janitor) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	purged, err := j.st.PurgeDelivered(ctx, now.Add(-j.cfg.Retention))
	if err != nil {
		j.log.Warn("purge delivered failed", slog.Any("err", err))
	} else if purged > 0 {
		j.log.Info("purged delivered notifications", slog.Int64("count", purged))
	}

	stale, err := j.st.ListStaleProcesses(ctx, now.Add(-j.cfg.StaleAfter))
	if err != nil {
		j.log.Warn("list stale processes failed", slog.Any("err", err))
		return
	}
	for _, p := range stale {
		j.warnStale(ctx, p)
	}
}

func (j *Janitor) warnStale(ctx context.Context, p store.Process) {
	u, err := j.st.GetUserByID(ctx, p.UserID)
	if err != nil {
		j.log.Warn("stale process owner lookup failed",
			slog.String("process_id", p.ProcessID), slog.Any("err", err))
		return
	}
	last := p.StartedAt
	if p.LastHeartbeat.Valid {
		last = p.LastHeartbeat.Time
	}
	msg := fmt.Sprintf("⚠️ Process *%s* has not sent a heartbeat since %s\n`%s`",
		p.Name, last.Format(time.RFC3339), p.ProcessID)
	if _, err := j.notifier.Notify(ctx, u, msg, nil); err != nil {
		j.log.Warn("stale warning notify failed",
			slog.String("process_id", p.ProcessID), slog.Any("err", err))
		return
	}
	if err := j.st.MarkStaleNotified(ctx, p.ID); err != nil {
		j.log.Warn("mark stale notified failed",
			slog.String("process_id", p.ProcessID), slog.Any("err", err))
	}
}

package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"expbot/internal/metrics"
)

// Job is one notification awaiting forwarding to the chat front end.
type Job struct {
	NotificationID int64
	ChatID         int64
	Message        string
	Metadata       map[string]any
	ProcessID      string
	EnqueuedAt     time.Time
}

// Forwarder pushes a job to the chat front end. Implementations must be safe
// for use from the single worker goroutine.
type Forwarder interface {
	Forward(ctx context.Context, job Job) error
}

// Marker flips the persisted delivered flag after a successful forward.
// store.Store satisfies this.
type Marker interface {
	MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error)
}

// Observer is notified after each processed job. Used to feed optional
// history sinks; nil is fine.
type Observer func(job Job, delivered bool)

// Config tunes the queue. Zero values get defaults.
type Config struct {
	QueueSize      int           `toml:"queue_size" mapstructure:"queue_size"`
	ForwardTimeout time.Duration `toml:"forward_timeout" mapstructure:"forward_timeout"`
}

const (
	defaultQueueSize      = 256
	defaultForwardTimeout = 10 * time.Second
)

// Queue is a bounded FIFO delivery queue drained by exactly one worker.
// Enqueue never blocks a request handler: a full queue drops the job and
// counts it. There is no retry and no persistence of in-flight jobs; a
// forward failure is logged and the job is discarded.
type Queue struct {
	cfg    Config
	fwd    Forwarder
	marker Marker
	obs    Observer
	log    *slog.Logger

	jobs chan Job

	mu      sync.Mutex
	started bool
	closed  bool

	wg sync.WaitGroup
}

func New(cfg Config, fwd Forwarder, marker Marker, log *slog.Logger) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = defaultForwardTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		cfg:    cfg,
		fwd:    fwd,
		marker: marker,
		log:    log,
		jobs:   make(chan Job, cfg.QueueSize),
	}
}

// SetObserver installs an observer. Must be called before Start.
func (q *Queue) SetObserver(obs Observer) { q.obs = obs }

// Enqueue offers a job to the queue. It returns false when the queue is
// closed or full; the caller already answered the HTTP request, so a drop
// here is logged and counted, never surfaced.
func (q *Queue) Enqueue(job Job) bool {
	job.EnqueuedAt = time.Now().UTC()

	// The send stays under the lock so Stop cannot close the channel
	// between the closed check and the send. It never blocks: the
	// default arm fires when the buffer is full.
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	select {
	case q.jobs <- job:
		q.mu.Unlock()
		metrics.IncEnqueued()
		metrics.SetQueueDepth(len(q.jobs))
		return true
	default:
		q.mu.Unlock()
		metrics.IncDropped("queue_full")
		q.log.Warn("delivery queue full, job dropped",
			slog.Int64("notification_id", job.NotificationID),
			slog.Int("queue_size", q.cfg.QueueSize))
		return false
	}
}

// Depth returns the current number of waiting jobs.
func (q *Queue) Depth() int { return len(q.jobs) }

// Start launches the single drain worker. It is a no-op when already started.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				// Stop() owns the drain; bail out when the root context dies.
				q.drain(context.Background())
				return
			case job, ok := <-q.jobs:
				if !ok {
					return
				}
				q.process(context.Background(), job)
			}
		}
	}()
}

// Stop closes intake and drains what is already queued, bounded by ctx.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.log.Warn("delivery queue stop cancelled", slog.Any("err", ctx.Err()))
		return ctx.Err()
	}
}

func (q *Queue) drain(ctx context.Context) {
	for {
		select {
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.process(ctx, job)
		default:
			return
		}
	}
}

func (q *Queue) process(ctx context.Context, job Job) {
	fctx, cancel := context.WithTimeout(ctx, q.cfg.ForwardTimeout)
	defer cancel()

	err := q.fwd.Forward(fctx, job)
	metrics.SetQueueDepth(len(q.jobs))
	if err != nil {
		// No retry: log and discard, the caller already got its 200.
		metrics.IncDropped("forward_failed")
		q.log.Warn("forward failed, notification dropped",
			slog.Int64("notification_id", job.NotificationID),
			slog.Int64("chat_id", job.ChatID),
			slog.Any("err", err))
		if q.obs != nil {
			q.obs(job, false)
		}
		return
	}

	if q.marker != nil {
		if _, err := q.marker.MarkDelivered(fctx, job.NotificationID, time.Now().UTC()); err != nil {
			q.log.Warn("mark delivered failed",
				slog.Int64("notification_id", job.NotificationID),
				slog.Any("err", err))
		}
	}
	metrics.IncDelivered()
	q.log.Debug("notification delivered",
		slog.Int64("notification_id", job.NotificationID),
		slog.Int64("chat_id", job.ChatID),
		slog.Duration("queued_for", time.Since(job.EnqueuedAt)))
	if q.obs != nil {
		q.obs(job, true)
	}
}

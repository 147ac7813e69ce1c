package bot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"expbot/internal/delivery"
)

var ErrNotRegistered = errors.New("user not registered")

// Bot is the Telegram front end. It long-polls for commands, relays them to
// the backend, and sends delivered notifications out to chats.
type Bot struct {
	cfg     Config
	backend Backend
	log     *slog.Logger

	tg *tele.Bot

	limMu    sync.Mutex
	limiters map[int64]*rate.Limiter

	runMu   sync.Mutex
	running bool
	runWG   sync.WaitGroup
}

func New(cfg Config, backend Backend, log *slog.Logger) (*Bot, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	tg, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	b := &Bot{
		cfg:      cfg,
		backend:  backend,
		log:      log,
		tg:       tg,
		limiters: make(map[int64]*rate.Limiter),
	}
	b.registerHandlers()
	return b, nil
}

func (b *Bot) registerHandlers() {
	b.tg.Handle("/start", b.wrap(b.handleStart))
	b.tg.Handle("/revoke", b.wrap(b.handleRevoke))
	b.tg.Handle("/status", b.wrap(b.handleStatus))
	b.tg.Handle("/mute", b.wrap(b.handleMute(true)))
	b.tg.Handle("/unmute", b.wrap(b.handleMute(false)))
	b.tg.Handle("/help", func(c tele.Context) error {
		return c.Send(helpReply, tele.ModeMarkdown)
	})
}

// wrap adds a per-command timeout and uniform error reporting.
func (b *Bot) wrap(h func(ctx context.Context, c tele.Context) error) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := h(ctx, c); err != nil {
			if errors.Is(err, ErrNotRegistered) {
				return c.Send(notRegisteredReply, tele.ModeMarkdown)
			}
			b.log.Warn("command failed",
				slog.String("text", c.Text()), slog.Any("err", err))
			return c.Send("Something went wrong, please try again later.")
		}
		return nil
	}
}

func (b *Bot) handleStart(ctx context.Context, c tele.Context) error {
	sender := c.Sender()
	chat := c.Chat()
	if sender == nil || chat == nil {
		return nil
	}
	name := strings.TrimSpace(sender.FirstName + " " + sender.LastName)
	if sender.Username != "" {
		name = sender.Username
	}
	key, created, err := b.backend.Register(ctx, sender.ID, chat.ID, name)
	if err != nil {
		return err
	}
	b.log.Info("user start",
		slog.Int64("platform_user_id", sender.ID), slog.Bool("created", created))
	return c.Send(formatWelcome(key), tele.ModeMarkdown)
}

func (b *Bot) handleRevoke(ctx context.Context, c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	key, err := b.backend.Revoke(ctx, sender.ID)
	if err != nil {
		return err
	}
	return c.Send(formatRevoked(key), tele.ModeMarkdown)
}

func (b *Bot) handleStatus(ctx context.Context, c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	st, err := b.backend.Status(ctx, sender.ID)
	if err != nil {
		return err
	}
	return c.Send(formatStatus(st), tele.ModeMarkdown)
}

func (b *Bot) handleMute(muted bool) func(ctx context.Context, c tele.Context) error {
	return func(ctx context.Context, c tele.Context) error {
		sender := c.Sender()
		if sender == nil {
			return nil
		}
		if err := b.backend.SetMuted(ctx, sender.ID, muted); err != nil {
			return err
		}
		if muted {
			return c.Send("🔇 Notifications muted. /unmute to resume.")
		}
		return c.Send("🔔 Notifications resumed.")
	}
}

// Deliver sends one notification to its chat. It satisfies
// delivery.Forwarder so the queue can forward in-process when the bot and
// the backend share a binary; the HTTP push endpoint calls it too.
func (b *Bot) Deliver(ctx context.Context, job delivery.Job) error {
	if err := b.limiter(job.ChatID).Wait(ctx); err != nil {
		return err
	}
	_, err := b.tg.Send(&tele.Chat{ID: job.ChatID}, formatNotification(job), tele.ModeMarkdown)
	return err
}

// Forward is an alias for Deliver matching delivery.Forwarder.
func (b *Bot) Forward(ctx context.Context, job delivery.Job) error {
	return b.Deliver(ctx, job)
}

// limiter returns the per-chat send limiter, creating it on first use.
// A limited send waits rather than drops; Telegram flood limits are per chat.
func (b *Bot) limiter(chatID int64) *rate.Limiter {
	b.limMu.Lock()
	defer b.limMu.Unlock()
	l, ok := b.limiters[chatID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(b.cfg.SendRate), b.cfg.SendBurst)
		b.limiters[chatID] = l
	}
	return l
}

// Start begins long polling. It returns immediately; polling runs until
// Stop is called or ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return
	}
	b.running = true
	b.runMu.Unlock()

	b.runWG.Add(1)
	go func() {
		defer b.runWG.Done()
		go func() {
			<-ctx.Done()
			b.tg.Stop()
		}()
		b.log.Info("polling started")
		b.tg.Start()
	}()
}

// Stop halts polling, bounded by a short grace window so a pending
// long-poll cannot stall shutdown.
func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	wasRunning := b.running
	b.running = false
	b.runMu.Unlock()
	if !wasRunning {
		return nil
	}

	go b.tg.Stop()

	done := make(chan struct{})
	go func() {
		b.runWG.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		b.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		b.log.Warn("stop grace elapsed, continuing shutdown")
		return nil
	}
}

// Package expbot wires the experiment notification relay: a backend HTTP
// API that accepts notifications and process lifecycle events from
// experiment code, a FIFO delivery queue, and a Telegram bot that hands the
// messages to the user's chat.
package expbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"expbot/internal/bot"
	"expbot/internal/config"
	"expbot/internal/delivery"
	"expbot/internal/history"
	"expbot/internal/janitor"
	"expbot/internal/logger"
	"expbot/internal/manager"
	"expbot/internal/metrics"
	"expbot/internal/server"
	"expbot/internal/store"
	"expbot/internal/store/factory"
)

// Re-export core types for external consumers.
type (
	Config      = config.FileConfig
	User        = store.User
	Process     = store.Process
	HistorySink = history.Sink
)

// LoadConfig reads a TOML config file with environment overrides applied.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Service is the assembled backend: store, manager, delivery queue,
// janitor, and HTTP API. Build one with NewService, then Start/Stop it.
type Service struct {
	cfg  Config
	log  *slog.Logger
	st   store.Store
	fwd  *forwarderRef
	q    *delivery.Queue
	mgr  *manager.Manager
	jan  *janitor.Janitor
	sink history.Sink

	httpSrv *http.Server
}

// forwarderRef lets the queue be built before its forwarder is known.
// With a forward URL configured it targets the bot's push endpoint over
// HTTP; AttachBot swaps in the in-process bot instead.
type forwarderRef struct {
	target delivery.Forwarder
}

func (f *forwarderRef) Forward(ctx context.Context, job delivery.Job) error {
	if f.target == nil {
		return errors.New("no delivery target configured")
	}
	return f.target.Forward(ctx, job)
}

// NewService builds the backend from a config file path. An empty path uses
// defaults plus EXPBOT_* environment overrides.
func NewService(configPath string) (*Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return NewServiceFromConfig(cfg)
}

func NewServiceFromConfig(cfg Config) (*Service, error) {
	log := logger.New(cfg.Log)

	st, err := factory.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	if cfg.Metrics.Enabled {
		if err := metrics.RegisterDefault(); err != nil {
			log.Warn("metrics registration failed", slog.Any("err", err))
		}
	}

	fwd := &forwarderRef{}
	if cfg.Server.ForwardURL != "" {
		fwd.target = delivery.NewHTTPForwarder(cfg.Server.ForwardURL, cfg.Server.BotSecret, cfg.Delivery.ForwardTimeout)
	}

	q := delivery.New(cfg.Delivery, fwd, st, log)
	mgr := manager.New(st, q, log)

	sink, err := history.NewSinkFromDSN(cfg.History.DSN)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("history sink: %w", err)
	}
	if sink != nil {
		mgr.SetHistorySinks(sink)
		q.SetObserver(mgr.DeliveryObserver())
	}

	jan := janitor.New(cfg.Janitor, st, mgr, log)

	return &Service{
		cfg:  cfg,
		log:  log,
		st:   st,
		fwd:  fwd,
		q:    q,
		mgr:  mgr,
		jan:  jan,
		sink: sink,
	}, nil
}

// Manager exposes the operations layer for embedding and tests.
func (s *Service) Manager() *manager.Manager { return s.mgr }

// Config returns the loaded configuration.
func (s *Service) Config() Config { return s.cfg }

// Logger returns the service logger.
func (s *Service) Logger() *slog.Logger { return s.log }

// AttachBot creates the Telegram bot and wires it as the in-process
// delivery target, bypassing the HTTP push hop.
func (s *Service) AttachBot() (*bot.Bot, error) {
	backendURL := s.cfg.Bot.BackendURL
	if backendURL == "" {
		backendURL = localURL(s.cfg.Server.Listen)
	}
	backend := bot.NewBackendClient(backendURL, s.cfg.Server.BotSecret)
	b, err := bot.New(s.cfg.Bot, backend, s.log)
	if err != nil {
		return nil, err
	}
	s.fwd.target = b
	return b, nil
}

// Start launches the delivery worker, the janitor, and the HTTP API.
func (s *Service) Start(ctx context.Context) error {
	s.q.Start(ctx)
	if err := s.jan.Start(); err != nil {
		return err
	}

	router := server.NewRouter(s.mgr, s.cfg.Server.BasePath, s.cfg.Server.BotSecret)
	if s.cfg.Metrics.Enabled {
		router.EnableMetrics()
	}
	s.httpSrv = server.NewServer(s.cfg.Server.Listen, router)
	s.log.Info("backend listening",
		slog.String("addr", s.cfg.Server.Listen),
		slog.String("store", s.cfg.Store.Type))
	return nil
}

// Stop shuts the service down: HTTP intake first, then the queue drain,
// then the janitor and store.
func (s *Service) Stop(ctx context.Context) error {
	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.q.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	s.jan.Stop()
	if s.sink != nil {
		if err := s.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.st.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// localURL turns a listen address into a loopback base URL. Wildcard and
// empty hosts ("0.0.0.0:8080", ":8080") map to localhost on the same port.
func localURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// drainTimeout guards Stop when the caller passes an unbounded context.
const drainTimeout = 15 * time.Second

// StopWithTimeout is Stop with a default bound, for callers without their
// own shutdown deadline.
func (s *Service) StopWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	return s.Stop(ctx)
}

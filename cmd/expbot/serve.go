package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"expbot"
	"expbot/internal/bot"
)

func runServe(configPath string, withBot bool) error {
	svc, err := expbot.NewService(configPath)
	if err != nil {
		return err
	}

	var tgBot *bot.Bot
	if withBot {
		tgBot, err = svc.AttachBot()
		if err != nil {
			return fmt.Errorf("attach bot: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		return err
	}
	if tgBot != nil {
		tgBot.Start(ctx)
	}

	waitForSignal(svc.Logger())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if tgBot != nil {
		_ = tgBot.Stop(shutdownCtx)
	}
	return svc.Stop(shutdownCtx)
}

func runBot(configPath string) error {
	svc, err := expbot.NewService(configPath)
	if err != nil {
		return err
	}
	cfg := svc.Config()

	backend := bot.NewBackendClient(cfg.Bot.BackendURL, cfg.Bot.Secret)
	tgBot, err := bot.New(cfg.Bot, backend, svc.Logger())
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tgBot.Start(ctx)
	pushSrv := tgBot.NewPushServer()
	svc.Logger().Info("push endpoint listening", slog.String("addr", cfg.Bot.PushListen))

	waitForSignal(svc.Logger())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = pushSrv.Shutdown(shutdownCtx)
	return tgBot.Stop(shutdownCtx)
}

func waitForSignal(log *slog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", slog.String("signal", s.String()))
}

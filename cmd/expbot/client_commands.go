package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"expbot/pkg/client"
)

func newClient(url, key string, timeout time.Duration) (*client.Client, error) {
	if key == "" {
		return nil, fmt.Errorf("api key required: set --api-key or EXPBOT_API_KEY")
	}
	return client.New(client.Config{BaseURL: url, APIKey: key, Timeout: timeout})
}

func runNotify(flags *NotifyFlags) error {
	c, err := newClient(flags.APIUrl, flags.APIKey, flags.APITimeout)
	if err != nil {
		return err
	}
	if !c.Notify(context.Background(), flags.Message, nil) {
		return fmt.Errorf("notification not delivered")
	}
	return nil
}

// runTrack wraps an arbitrary command between process start and end,
// heartbeating while it runs.
func runTrack(flags *TrackFlags, args []string) error {
	c, err := newClient(flags.APIUrl, flags.APIKey, flags.APITimeout)
	if err != nil {
		return err
	}
	name := flags.Name
	if name == "" {
		name = args[0]
	}

	ctx := context.Background()
	run, err := c.Begin(ctx, name, map[string]any{"command": strings.Join(args, " ")})
	if err != nil {
		return err
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Start(); err != nil {
		run.End(ctx, err)
		return err
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go func() {
		ticker := time.NewTicker(flags.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				_ = run.Heartbeat(hbCtx)
			}
		}
	}()

	waitErr := cmd.Wait()
	stopHB()
	run.End(ctx, waitErr)
	return waitErr
}

func runHeartbeat(flags *ProcessFlags) error {
	c, err := newClient(flags.APIUrl, flags.APIKey, flags.APITimeout)
	if err != nil {
		return err
	}
	return c.Heartbeat(context.Background(), flags.ProcessID, nil)
}

func runValidate(flags *ProcessFlags) error {
	c, err := newClient(flags.APIUrl, flags.APIKey, flags.APITimeout)
	if err != nil {
		return err
	}
	if err := c.Validate(context.Background()); err != nil {
		return fmt.Errorf("key rejected: %w", err)
	}
	fmt.Println("API key is valid")
	return nil
}

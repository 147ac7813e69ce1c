package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	WithBot bool
}

// NotifyFlags holds flags for client-side commands
type NotifyFlags struct {
	Message    string
	APIUrl     string
	APIKey     string
	APITimeout time.Duration
}

// TrackFlags holds flags for the track command
type TrackFlags struct {
	Name       string
	Heartbeat  time.Duration
	APIUrl     string
	APIKey     string
	APITimeout time.Duration
}

// ProcessFlags holds flags for heartbeat/validate commands
type ProcessFlags struct {
	ProcessID  string
	APIUrl     string
	APIKey     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	notifyFlags := &NotifyFlags{}
	trackFlags := &TrackFlags{}
	processFlags := &ProcessFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, serveFlags),
		createBotCommand(globalFlags),
		createNotifyCommand(notifyFlags),
		createTrackCommand(trackFlags),
		createHeartbeatCommand(processFlags),
		createValidateCommand(processFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "expbot",
		Short: "Experiment notification relay for chat",
		Long: `Expbot relays experiment notifications from long-running jobs to a
Telegram chat: a backend API accepts notifications and process lifecycle
events, and a bot delivers them.

Examples:
  expbot serve --config=expbot.toml            # Start the backend
  expbot serve --config=expbot.toml --with-bot # Backend + bot in one binary
  expbot bot --config=expbot.toml              # Start the bot alone
  expbot notify --message="training done" --api-key=exp_...`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addClientFlags(cmd *cobra.Command, url, key *string, timeout *time.Duration) {
	cmd.Flags().StringVar(url, "api-url", "http://localhost:8080", "backend URL")
	cmd.Flags().StringVar(key, "api-key", os.Getenv("EXPBOT_API_KEY"), "API key (defaults to EXPBOT_API_KEY)")
	cmd.Flags().DurationVar(timeout, "api-timeout", 10*time.Second, "request timeout")
}

func createServeCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the backend API and delivery worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			return runServe(configPath, serveFlags.WithBot)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.WithBot, "with-bot", false, "run the Telegram bot in the same process")
	return cmd
}

func createBotCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "bot [config.toml]",
		Short: "Start the Telegram bot front end",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			return runBot(configPath)
		},
	}
}

func createNotifyCommand(flags *NotifyFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Send a one-off notification",
		Long: `Send a notification through the backend, useful at the end of shell
pipelines:

  ./train.sh && expbot notify --message="training finished"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotify(flags)
		},
	}
	cmd.Flags().StringVar(&flags.Message, "message", "", "message text (required)")
	addClientFlags(cmd, &flags.APIUrl, &flags.APIKey, &flags.APITimeout)
	if err := cmd.MarkFlagRequired("message"); err != nil {
		panic(err)
	}
	return cmd
}

func createTrackCommand(flags *TrackFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track -- <command> [args...]",
		Short: "Run a command as a tracked process",
		Long: `Run a command with start/end notifications and periodic heartbeats:

  expbot track --name=training -- python train.py --epochs=10`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrack(flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "process name (defaults to the command)")
	cmd.Flags().DurationVar(&flags.Heartbeat, "heartbeat", time.Minute, "heartbeat interval")
	addClientFlags(cmd, &flags.APIUrl, &flags.APIKey, &flags.APITimeout)
	return cmd
}

func createHeartbeatCommand(flags *ProcessFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Send a heartbeat for a tracked process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHeartbeat(flags)
		},
	}
	cmd.Flags().StringVar(&flags.ProcessID, "process-id", "", "process id (required)")
	addClientFlags(cmd, &flags.APIUrl, &flags.APIKey, &flags.APITimeout)
	if err := cmd.MarkFlagRequired("process-id"); err != nil {
		panic(err)
	}
	return cmd
}

func createValidateCommand(flags *ProcessFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the API key against the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(flags)
		},
	}
	addClientFlags(cmd, &flags.APIUrl, &flags.APIKey, &flags.APITimeout)
	return cmd
}

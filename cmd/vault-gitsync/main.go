package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/vault-gitsync/internal/config"
	"github.com/alexjbarnes/vault-gitsync/internal/logging"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vault-gitsync",
		Short: "Sync a local vault with an encrypted GitHub repository",
		Long: "vault-gitsync keeps a directory of notes in sync with a GitHub repository.\n" +
			"File names and contents are encrypted before they leave the machine.\n" +
			"Configuration comes from the environment or a .env file.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newSyncCmd(),
		newStatusCmd(),
		newDaemonCmd(),
		newResetCmd(),
	)

	return root
}

// withApp loads configuration, builds the app and closes it after fn.
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.out = cmd.OutOrStdout()

	return fn(a)
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync and print what it did",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				res, err := a.syncOnce(cmd.Context())
				if err != nil {
					return err
				}

				return a.printYAML(res)
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending local and remote changes without syncing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				report, err := a.status(cmd.Context())
				if err != nil {
					return err
				}

				return a.printYAML(report)
			})
		},
	}
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Sync on an interval and/or when files change",
		Long: "daemon syncs once at startup, then every SYNC_INTERVAL and, with WATCH=true,\n" +
			"after file changes settle for WATCH_DEBOUNCE. METRICS_ADDR exposes /metrics and /healthz.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				return a.runDaemon(cmd.Context())
			})
		},
	}
}

func newResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget the last sync so the next one compares everything from scratch",
		Long: "reset drops the stored snapshot for this vault and repository. Files are not\n" +
			"touched. The next sync treats every path present on both sides as a clash.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}

			return withApp(cmd, func(a *app) error {
				return a.reset()
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")

	return cmd
}

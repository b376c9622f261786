// Command egd runs the entropy gathering daemon.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/kluzzebass/egd/internal/daemon"
	"github.com/kluzzebass/egd/internal/home"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rootCmd := &cobra.Command{
		Use:   "egd",
		Short: "Entropy gathering daemon",
	}

	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("config", "", "configuration file path (default: config.json under home)")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")
			configFlag, _ := cmd.Flags().GetString("config")
			force, _ := cmd.Flags().GetBool("force")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, homeFlag, configFlag, force)
		},
	}
	serverCmd.Flags().Bool("force", false, "remove a stale startup lock left behind by a crashed instance")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, homeFlag, configFlag string, force bool) error {
	hd, err := resolveHome(homeFlag)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	logger.Info("home directory", "path", hd.Root())

	dmn, err := daemon.New(ctx, daemon.Config{Home: hd, ConfigPath: configFlag, Force: force, Logger: logger})
	if err != nil {
		return fmt.Errorf("construct daemon: %w", err)
	}

	if err := dmn.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case <-dmn.Stopped():
		logger.Info("stop command received, shutting down")
	}

	// Stop runs (or, if a control "stop" command already ran it, joins)
	// the same graceful shutdown sequence, then releases the startup
	// lock either way.
	if err := dmn.Stop(); err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// resolveHome returns a Dir from the flag value, or the platform default.
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

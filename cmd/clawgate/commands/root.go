// Package commands implements the clawgate CLI using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/config"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clawgate",
		Short: "ClawGate - session gateway for a personal assistant",
		Long: `ClawGate routes chat messages (Telegram, Discord, WhatsApp) and
browser connections to stateful agent sessions.

Examples:
  clawgate serve
  clawgate start && clawgate status
  clawgate chat
  clawgate login`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newChatCmd(),
		newLoginCmd(),
		newLogoutCmd(),
		newSessionsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig finds and loads the configuration named by --config, falling
// back to the default search path and then to built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	explicit, _ := cmd.Root().PersistentFlags().GetString("config")
	path, err := config.Find(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from cfg and --verbose.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := cfg.Logging.NewLogger(os.Stderr, verbose)
	slog.SetDefault(logger)
	return logger
}

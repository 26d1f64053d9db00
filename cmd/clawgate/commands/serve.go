package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/daemon"
)

// newServeCmd creates the `clawgate serve` command that runs the daemon in
// the foreground.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and enabled channels in the foreground",
		Long: `Run ClawGate in the foreground: the realtime gateway, the enabled
messaging channels and the heartbeat. Ctrl+C stops it gracefully.

Examples:
  clawgate serve
  clawgate serve --config ./clawgate.yaml -v`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	if path != "" {
		logger.Info("config loaded", "path", path)
	} else {
		logger.Info("no config file found, using defaults")
	}

	pidFile := cfg.Daemon.PIDFile
	if st, err := daemon.Status(pidFile); err == nil && st.Running && st.PID != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", daemon.ErrAlreadyRunning, st.PID)
	}
	if err := daemon.WritePIDFile(pidFile, os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if err := daemon.RemovePIDFile(pidFile); err != nil {
			logger.Warn("failed to remove pid file", "path", pidFile, "error", err)
		}
	}()

	d, err := daemon.New(cfg, logger, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("ClawGate running. Press Ctrl+C to stop.", "gateway", cfg.Gateway.Address)
	if err := d.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

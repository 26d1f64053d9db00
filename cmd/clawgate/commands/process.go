package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/daemon"
)

const stopTimeout = 30 * time.Second

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Long: `Start 'clawgate serve' as a detached background process. Output goes
to the daemon log file and the pid is recorded in the pid file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locating executable: %w", err)
			}

			args := []string{"serve"}
			if path != "" {
				args = append(args, "--config", path)
			}
			if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
				args = append(args, "--verbose")
			}

			pid, err := daemon.Start(exe, args, cfg.Daemon.PIDFile, cfg.Daemon.LogFile)
			if err != nil {
				return err
			}
			fmt.Printf("%s clawgate started (pid %d)\n", color.GreenString("✓"), pid)
			fmt.Println(color.HiBlackString("  log: " + cfg.Daemon.LogFile))
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), stopTimeout)
			defer cancel()

			if err := daemon.Stop(ctx, cfg.Daemon.PIDFile); err != nil {
				if errors.Is(err, daemon.ErrNotRunning) {
					fmt.Println("clawgate is not running")
					return nil
				}
				return err
			}
			fmt.Printf("%s clawgate stopped\n", color.GreenString("✓"))
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := daemon.Status(cfg.Daemon.PIDFile)
			if err != nil {
				return err
			}

			mark := color.RedString("●")
			if st.Running {
				mark = color.GreenString("●")
			}
			fmt.Printf("%s clawgate %s\n", mark, st)
			fmt.Println(color.HiBlackString("  gateway: " + cfg.Gateway.Address))
			fmt.Println(color.HiBlackString("  pid file: " + cfg.Daemon.PIDFile))
			return nil
		},
	}
}

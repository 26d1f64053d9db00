package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/authflow"
	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/credentials"
	"github.com/jholhewres/clawgate/pkg/clawgate/daemon"
)

// terminalConn identifies the terminal as the flow's connection.
const terminalConn = "terminal"

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [provider]",
		Short: "Log in to a model provider and store the credential",
		Long: `Run a provider login in this terminal. Without a provider argument a
picker lists the providers configured under auth.providers.

Credentials are stored in the OS keyring when available, otherwise in the
encrypted vault (you will be asked for its password).

Examples:
  clawgate login
  clawgate login openai`,
		Args: cobra.MaximumNArgs(1),
		RunE: runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <provider>",
		Short: "Remove a stored provider credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, _, err := loginController(cmd)
			if err != nil {
				return err
			}
			if err := ctrl.Logout(args[0]); err != nil {
				return err
			}
			fmt.Printf("%s logged out of %s\n", color.GreenString("✓"), args[0])
			return nil
		},
	}
}

// loginController builds an auth controller over the same credential
// stores the daemon uses.
func loginController(cmd *cobra.Command) (*authflow.Controller, *slog.Logger, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cmd, cfg)

	providers, err := daemon.NewProviders(cfg.Auth.Providers)
	if err != nil {
		return nil, nil, err
	}
	if len(providers) == 0 {
		return nil, nil, errors.New("no providers configured (add them under auth.providers)")
	}
	if err := askVaultPassword(cfg); err != nil {
		return nil, nil, err
	}
	store := daemon.NewCredentialStore(cfg.Auth, logger)
	return authflow.NewController(store, logger, providers...), logger, nil
}

// askVaultPassword prompts for the vault password when no keyring will take
// the credential and the password is not already in the environment.
func askVaultPassword(cfg *config.Config) error {
	if os.Getenv(credentials.VaultPasswordEnv) != "" || !credentials.IsInteractive() {
		return nil
	}
	if cfg.Auth.Keyring && credentials.NewKeyringStore("").Available() {
		return nil
	}

	vault := credentials.NewVault(cfg.Auth.VaultPath)
	prompt := "Vault password: "
	if !vault.Exists() {
		prompt = "New vault password: "
	}
	password, err := credentials.ReadPassword(prompt)
	if err != nil {
		return err
	}
	if password == "" {
		return nil
	}
	return os.Setenv(credentials.VaultPasswordEnv, password)
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctrl, _, err := loginController(cmd)
	if err != nil {
		return err
	}

	var providerID string
	if len(args) == 1 {
		providerID = args[0]
	} else if providerID, err = pickProvider(ctrl.Providers()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := make(chan authflow.Event, 32)
	flowID, err := ctrl.Start(ctx, terminalConn, providerID, func(ev authflow.Event) {
		events <- ev
	})
	if err != nil {
		return err
	}
	return followLogin(ctx, ctrl, flowID, events)
}

// followLogin renders flow events and answers its prompts until the flow
// reaches a terminal status.
func followLogin(ctx context.Context, ctrl *authflow.Controller, flowID string, events <-chan authflow.Event) error {
	for {
		var ev authflow.Event
		select {
		case ev = <-events:
		case <-ctx.Done():
			ctrl.Cancel(terminalConn, flowID)
			ev = <-events
			for !ev.Status.Terminal() {
				ev = <-events
			}
		}

		switch ev.Status {
		case authflow.StatusWaitingURL:
			fmt.Println()
			fmt.Println("  Open this URL in your browser:")
			fmt.Println("  " + accent.Sprint(ev.URL))
			if ev.Instructions != "" {
				fmt.Println("  " + dim.Sprint(ev.Instructions))
			}
			fmt.Println()
		case authflow.StatusWaitingInput:
			value, err := askInput(ev)
			if err != nil {
				ctrl.Cancel(terminalConn, flowID)
				continue
			}
			ctrl.Input(terminalConn, flowID, value)
		case authflow.StatusInProgress:
			if ev.Progress != "" {
				fmt.Println(dim.Sprint("  " + ev.Progress))
			}
		case authflow.StatusComplete:
			fmt.Printf("%s logged in to %s\n", color.GreenString("✓"), ev.ProviderID)
			return nil
		case authflow.StatusError:
			if ev.Cancelled {
				fmt.Println(dim.Sprint("login cancelled"))
				return nil
			}
			return fmt.Errorf("login failed: %s", ev.Error)
		}
	}
}

func pickProvider(providers []authflow.ProviderInfo) (string, error) {
	if len(providers) == 1 {
		return providers[0].ID, nil
	}
	options := make([]huh.Option[string], 0, len(providers))
	for _, p := range providers {
		label := p.Name
		if p.Authenticated {
			label += " (logged in)"
		}
		options = append(options, huh.NewOption(label, p.ID))
	}

	var id string
	field := huh.NewSelect[string]().
		Title("Log in to which provider?").
		Options(options...).
		Value(&id)
	if err := runField(field); err != nil {
		return "", err
	}
	return id, nil
}

func askInput(ev authflow.Event) (string, error) {
	var value string
	input := huh.NewInput().
		Title(ev.Message).
		Placeholder(ev.Placeholder).
		Value(&value)
	if secretPrompt(ev.Message) {
		input = input.EchoMode(huh.EchoModePassword)
	}
	if err := runField(input); err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

// runField runs a single-field form, falling back to huh's accessible mode
// when stdin is not a terminal.
func runField(field huh.Field) error {
	return huh.NewForm(huh.NewGroup(field)).
		WithAccessible(!credentials.IsInteractive()).
		Run()
}

func secretPrompt(message string) bool {
	m := strings.ToLower(message)
	for _, word := range []string{"key", "token", "secret", "password"} {
		if strings.Contains(m, word) {
			return true
		}
	}
	return false
}

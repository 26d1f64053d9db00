package daemon

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
	"github.com/jholhewres/clawgate/pkg/clawgate/authflow"
	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/credentials"
	"github.com/jholhewres/clawgate/pkg/clawgate/session"
)

// NewCredentialStore chains the OS keyring (when enabled and reachable),
// the encrypted vault, and an in-memory store that keeps logins usable for
// the life of the process when neither persists.
func NewCredentialStore(cfg config.AuthConfig, logger *slog.Logger) credentials.Store {
	var stores []credentials.Store

	if cfg.Keyring {
		kr := credentials.NewKeyringStore("")
		if kr.Available() {
			stores = append(stores, kr)
		} else {
			logger.Debug("OS keyring unavailable, skipping")
		}
	}

	vault := credentials.NewVault(cfg.VaultPath)
	switch err := credentials.UnlockFromEnv(vault); {
	case err == nil:
		stores = append(stores, credentials.NewVaultStore(vault))
	case errors.Is(err, credentials.ErrVaultLocked):
		logger.Debug("vault locked, set "+credentials.VaultPasswordEnv+" to use it", "path", cfg.VaultPath)
	default:
		logger.Warn("failed to unlock vault", "path", cfg.VaultPath, "error", err)
	}

	if len(stores) == 0 {
		logger.Warn("no persistent credential store available, logins last until restart")
	}
	stores = append(stores, credentials.NewMemoryStore())
	return credentials.NewChain(logger, stores...)
}

// NewEngine builds the default engine. The API key comes from config or,
// failing that, from the credential stored for cfg.Provider. Without a
// key replies are echoed.
func NewEngine(cfg config.AgentConfig, store credentials.Store, logger *slog.Logger) *agent.LocalEngine {
	apiKey := cfg.APIKey
	if apiKey == "" && cfg.Provider != "" && store != nil {
		if cred, err := store.Load(cfg.Provider); err == nil {
			apiKey = cred.AccessToken
		}
	}

	var completer agent.Completer
	if apiKey != "" {
		completer = agent.NewOpenAICompleter(cfg.BaseURL, apiKey, logger)
	} else {
		logger.Warn("no API key configured, replies will echo the prompt",
			"hint", "set agent.api_key, CLAWGATE_API_KEY, or run 'clawgate login'")
		completer = agent.EchoCompleter{}
	}

	return agent.NewLocalEngine(agent.LocalOptions{
		Completer:    completer,
		DefaultModel: cfg.DefaultModel,
		Models:       cfg.Models,
		SystemPrompt: cfg.SystemPrompt,
		HistoryLimit: cfg.HistoryLimit,
		CompactKeep:  cfg.CompactKeep,
		BashTimeout:  cfg.BashTimeout,
		Logger:       logger,
	})
}

// NewProviders turns provider configs into login providers.
func NewProviders(cfgs []config.ProviderConfig) ([]authflow.Provider, error) {
	providers := make([]authflow.Provider, 0, len(cfgs))
	for _, p := range cfgs {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		switch p.Type {
		case config.ProviderAPIKey:
			providers = append(providers, &authflow.APIKeyProvider{
				ProviderID:  p.ID,
				DisplayName: name,
				ConsoleURL:  p.ConsoleURL,
			})
		case config.ProviderPKCE:
			providers = append(providers, &authflow.PKCEProvider{
				ProviderID:  p.ID,
				DisplayName: name,
				AuthURL:     p.AuthURL,
				TokenURL:    p.TokenURL,
				ClientID:    p.ClientID,
				RedirectURI: p.RedirectURI,
				Scopes:      p.Scopes,
			})
		case config.ProviderDeviceCode:
			providers = append(providers, &authflow.DeviceCodeProvider{
				ProviderID:  p.ID,
				DisplayName: name,
				DeviceURL:   p.DeviceURL,
				TokenURL:    p.TokenURL,
				ClientID:    p.ClientID,
				Scopes:      p.Scopes,
			})
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
		}
	}
	return providers, nil
}

// modelOverrides parses the per-key model pins.
func modelOverrides(pins map[string]string) (map[session.Key]string, error) {
	out := make(map[session.Key]string, len(pins))
	for raw, model := range pins {
		key, err := session.ParseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("sessions.models: %w", err)
		}
		out[key] = model
	}
	return out, nil
}

// Package daemon wires the session registry, conversation lock, realtime
// gateway, messaging channels and heartbeat into one process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/agent"
	"github.com/jholhewres/clawgate/pkg/clawgate/authflow"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/discord"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/telegram"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/whatsapp"
	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/convlock"
	"github.com/jholhewres/clawgate/pkg/clawgate/credentials"
	"github.com/jholhewres/clawgate/pkg/clawgate/gateway"
	"github.com/jholhewres/clawgate/pkg/clawgate/heartbeat"
	"github.com/jholhewres/clawgate/pkg/clawgate/session"
)

// shutdownBudget bounds each component's stop during shutdown.
const shutdownBudget = 5 * time.Second

// Daemon owns every long-lived component.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store     credentials.Store
	auth      *authflow.Controller
	registry  *session.Registry
	locker    *convlock.Locker
	gateway   *gateway.Gateway
	channels  *channels.Manager
	heartbeat *heartbeat.Heartbeat
	aborts    abortSet
}

// New builds the daemon. A nil engine selects the default engine from
// cfg.Agent. Channels are registered but nothing starts until Run.
func New(cfg *config.Config, logger *slog.Logger, engine agent.Engine) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		cfg:    cfg,
		logger: logger.With("component", "daemon"),
		aborts: newAbortSet(cfg.Sessions.AbortTriggers),
	}

	d.store = NewCredentialStore(cfg.Auth, logger)
	if engine == nil {
		engine = NewEngine(cfg.Agent, d.store, logger)
	}

	providers, err := NewProviders(cfg.Auth.Providers)
	if err != nil {
		return nil, err
	}
	d.auth = authflow.NewController(d.store, logger, providers...)

	models, err := modelOverrides(cfg.Sessions.Models)
	if err != nil {
		return nil, err
	}
	d.registry = session.NewRegistry(engine, session.Options{
		Root:         cfg.Sessions.Dir,
		DefaultModel: cfg.Agent.DefaultModel,
		Models:       models,
		Logger:       logger,
	})
	d.locker = convlock.New(convlock.Options{
		TurnTimeout:  cfg.Sessions.TurnTimeout,
		ReleaseGrace: cfg.Sessions.ReleaseGrace,
		Logger:       logger,
	})
	d.gateway = gateway.New(gateway.Config{
		Address:   cfg.Gateway.Address,
		AuthToken: cfg.Gateway.AuthToken,
		StaticDir: cfg.Gateway.StaticDir,
		QueueSize: cfg.Gateway.QueueSize,
	}, d.registry, d.locker, d.auth, logger)

	d.channels = channels.NewManager(logger)
	d.gateway.OnActivity(d.channels.Touch)
	if err := d.channels.Register(d.gateway.Channel()); err != nil {
		return nil, err
	}
	for _, a := range enabledAdapters(cfg.Channels, logger) {
		if err := d.channels.Register(a); err != nil {
			return nil, err
		}
	}

	d.heartbeat = heartbeat.New(cfg.Heartbeat, d.channels, d.registry, d.locker, logger)
	return d, nil
}

func enabledAdapters(cfg config.ChannelsConfig, logger *slog.Logger) []channels.Adapter {
	var out []channels.Adapter
	if cfg.Telegram.Enabled {
		out = append(out, telegram.New(cfg.Telegram, logger))
	}
	if cfg.Discord.Enabled {
		out = append(out, discord.New(cfg.Discord, logger))
	}
	if cfg.WhatsApp.Enabled {
		out = append(out, whatsapp.New(cfg.WhatsApp, logger))
	}
	return out
}

// Channels returns the channel manager.
func (d *Daemon) Channels() *channels.Manager { return d.channels }

// Registry returns the session registry.
func (d *Daemon) Registry() *session.Registry { return d.registry }

// Gateway returns the realtime gateway.
func (d *Daemon) Gateway() *gateway.Gateway { return d.gateway }

// Auth returns the login flow controller.
func (d *Daemon) Auth() *authflow.Controller { return d.auth }

// Run starts every component and blocks until ctx is done, then shuts
// down. A gateway that cannot listen is fatal; a channel that cannot
// start is logged and skipped.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.gateway.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	d.channels.Start(ctx, d.Dispatch)

	if d.cfg.Heartbeat.Enabled {
		if err := d.heartbeat.Start(ctx); err != nil {
			d.shutdown()
			return fmt.Errorf("starting heartbeat: %w", err)
		}
	}

	d.logger.Info("clawgate running",
		"gateway", d.gateway.Addr(),
		"channels", d.channels.Names(),
		"heartbeat", d.cfg.Heartbeat.Enabled)

	<-ctx.Done()
	d.logger.Info("shutting down")
	return d.shutdown()
}

// shutdown stops channels, heartbeat, gateway and registry in that order,
// giving each its own budget.
func (d *Daemon) shutdown() error {
	var errs []error
	step := func(name string, stop func(context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer cancel()
		if err := stop(ctx); err != nil {
			d.logger.Warn("shutdown step failed", "step", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("channels", func(ctx context.Context) error {
		d.channels.Stop(ctx)
		return nil
	})
	step("heartbeat", d.heartbeat.Stop)
	step("gateway", d.gateway.Stop)
	step("registry", func(context.Context) error { return d.registry.Close() })

	d.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

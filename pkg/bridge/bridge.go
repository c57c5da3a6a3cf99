// Package bridge wires the configured network adapters to the routing
// pipeline: inbound messages flow adapter -> router -> store -> runtime ->
// reply, and status/pairing signals flow out through the event broadcaster.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/corvid-labs/courier/pkg/agent"
	"github.com/corvid-labs/courier/pkg/channels"
	"github.com/corvid-labs/courier/pkg/channels/discord"
	"github.com/corvid-labs/courier/pkg/channels/matrix"
	"github.com/corvid-labs/courier/pkg/channels/placeholder"
	"github.com/corvid-labs/courier/pkg/channels/slack"
	"github.com/corvid-labs/courier/pkg/channels/telegram"
	"github.com/corvid-labs/courier/pkg/channels/whatsapp"
	"github.com/corvid-labs/courier/pkg/config"
	"github.com/corvid-labs/courier/pkg/events"
	"github.com/corvid-labs/courier/pkg/router"
	"github.com/corvid-labs/courier/pkg/secrets"
	"github.com/corvid-labs/courier/pkg/store"
	"github.com/corvid-labs/courier/pkg/telemetry"
)

type Options struct {
	Config   *config.Config
	Store    *store.Store
	Secrets  *secrets.Store
	Runtime  agent.Runtime
	Router   router.Router
	Security agent.SecurityResolver
	Events   *events.Broadcaster
}

type Bridge struct {
	registry *channels.Registry
	store    *store.Store
	secrets  *secrets.Store
	runtime  agent.Runtime
	router   router.Router
	security agent.SecurityResolver
	events   *events.Broadcaster
	cfg      *config.Config
}

// New builds the enabled adapters from the channel config blocks, registers
// them, and subscribes the inbound pipeline to each. The bridge does not
// start anything; call StartAll when ready.
func New(ctx context.Context, opts Options) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bridge: config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("bridge: conversation store is required")
	}
	if opts.Runtime == nil {
		return nil, fmt.Errorf("bridge: agent runtime is required")
	}

	b := &Bridge{
		registry: channels.NewRegistry(),
		store:    opts.Store,
		secrets:  opts.Secrets,
		runtime:  opts.Runtime,
		router:   opts.Router,
		security: opts.Security,
		events:   opts.Events,
		cfg:      opts.Config,
	}
	if b.router == nil {
		b.router = router.StaticRouter{AgentID: opts.Config.Agent.DefaultAgent}
	}
	if b.security == nil {
		b.security = agent.DefaultSecurityResolver
	}

	logger := telemetry.FromContext(ctx)
	for name, cc := range opts.Config.Channels {
		if !cc.Enabled {
			continue
		}
		conn, err := b.buildChannel(ctx, name, cc)
		if err != nil {
			return nil, fmt.Errorf("bridge: building channel %q: %w", name, err)
		}
		conn.Subscribe(b.handleInbound)
		b.registry.Register(conn, channels.Config{
			Enabled: true,
			Network: conn.Network(),
			Policy:  policyFrom(cc),
		})
		logger.Info("channel registered",
			slog.String("channel", name),
			slog.String("network", conn.Network()),
		)
	}

	channels.SetActive(b.registry)
	return b, nil
}

func (b *Bridge) Registry() *channels.Registry { return b.registry }

func (b *Bridge) StartAll(ctx context.Context) { b.registry.StartAll(ctx) }

// Shutdown stops every channel and retires the process-wide registry.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.registry.StopAll(ctx)
	b.registry.Clear()
	channels.SetActive(nil)
}

func (b *Bridge) buildChannel(ctx context.Context, name string, cc config.ChannelConfig) (channels.Connection, error) {
	policy := policyFrom(cc)
	onStatus := b.statusCallback(name)

	switch name {
	case "whatsapp":
		dbPath := cc.DBPath
		if dbPath == "" {
			dbPath = filepath.Join(config.DataDir(), "whatsapp.db")
		}
		return whatsapp.New(whatsapp.Options{
			ID:        name,
			DBPath:    dbPath,
			Enabled:   true,
			Policy:    policy,
			OnStatus:  onStatus,
			OnPairing: b.pairingCallback(name),
		}), nil

	case "telegram":
		return telegram.New(telegram.Options{
			ID:       name,
			Token:    b.resolveToken(ctx, name, cc),
			Enabled:  true,
			Policy:   policy,
			OnStatus: onStatus,
		}), nil

	case "discord":
		return discord.New(discord.Options{
			ID:       name,
			Token:    b.resolveToken(ctx, name, cc),
			Enabled:  true,
			Policy:   policy,
			OnStatus: onStatus,
		}), nil

	case "slack":
		return slack.New(slack.Options{
			ID:       name,
			BotToken: b.resolveToken(ctx, name, cc),
			AppToken: cc.ResolveAppToken(),
			Enabled:  true,
			Policy:   policy,
			OnStatus: onStatus,
		}), nil

	case "matrix":
		return matrix.New(matrix.Options{
			ID:         name,
			Homeserver: cc.Homeserver,
			UserID:     cc.UserID,
			Token:      b.resolveToken(ctx, name, cc),
			Enabled:    true,
			Policy:     policy,
			OnStatus:   onStatus,
		}), nil

	case "signal":
		return placeholder.New(name, "signal", true, onStatus), nil

	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

// resolveToken falls back to the encrypted secrets store under the key
// "<channel>_token" when neither the config value nor the env var is set.
// An empty result is not fatal: the adapter surfaces the missing token at
// Start time and stays idle.
func (b *Bridge) resolveToken(ctx context.Context, name string, cc config.ChannelConfig) string {
	if token := cc.ResolveToken(); token != "" {
		return token
	}
	if b.secrets != nil {
		if token, err := b.secrets.Get(ctx, name+"_token"); err == nil && token != "" {
			return token
		}
	}
	return ""
}

func (b *Bridge) statusCallback(channelID string) channels.StatusCallback {
	return func(state channels.ConnState) {
		if b.events == nil {
			return
		}
		b.events.Publish(events.Event{
			Type:      events.TypeStatus,
			ChannelID: channelID,
			Status:    state.String(),
		})
	}
}

func (b *Bridge) pairingCallback(channelID string) channels.PairingCallback {
	return func(code string) {
		if b.events == nil {
			return
		}
		ev := events.Event{
			Type:      events.TypePairingCode,
			ChannelID: channelID,
			Code:      code,
		}
		if code == "" {
			ev.Type = events.TypePairingCleared
			ev.Code = ""
		}
		b.events.Publish(ev)
	}
}

func policyFrom(cc config.ChannelConfig) channels.Policy {
	return channels.Policy{
		AllowFrom:      cc.AllowFrom,
		Groups:         channels.GroupPolicy(cc.Groups),
		AllowGroups:    cc.AllowGroups,
		RequireMention: cc.RequireMention,
	}
}

// Package discord implements the second token-authenticated channel. The
// shape mirrors the telegram adapter; the differences are Discord's gateway
// intents, its 2000-character message cap, and the absence of single-poller
// token semantics (any verification failure is a hard start error).
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/corvid-labs/courier/pkg/channels"
	"github.com/corvid-labs/courier/pkg/telemetry"
)

// maxMessageLen is Discord's per-message content limit.
const maxMessageLen = 2000

type Options struct {
	ID       string
	Token    string
	Enabled  bool
	Policy   channels.Policy
	OnStatus channels.StatusCallback
}

type Connection struct {
	id      string
	token   string
	enabled bool
	policy  channels.Policy

	onStatus channels.StatusCallback

	state  channels.State
	fanout channels.Fanout

	mu      sync.Mutex
	session *discordgo.Session
	baseCtx context.Context
}

func New(opts Options) *Connection {
	if opts.ID == "" {
		opts.ID = "discord"
	}
	return &Connection{
		id:       opts.ID,
		token:    opts.Token,
		enabled:  opts.Enabled,
		policy:   opts.Policy,
		onStatus: opts.OnStatus,
		baseCtx:  context.Background(),
	}
}

func (c *Connection) ID() string      { return c.id }
func (c *Connection) Network() string { return "discord" }

func (c *Connection) Subscribe(h channels.Handler) {
	c.fanout.Subscribe(h)
}

func (c *Connection) Connected() bool {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	return c.state.Get() == channels.StateConnected && s != nil
}

func (c *Connection) Start(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	if c.token == "" {
		// missing configuration is a state, not a failure: the channel
		// stays idle and its siblings keep starting
		c.logger().Warn("channel not started, no bot token configured",
			slog.String("channel", c.id))
		return nil
	}
	if c.state.Is(channels.StateConnected, channels.StateConnecting, channels.StateStopping) {
		return nil
	}
	if !c.state.Set(channels.StateConnecting) {
		return nil
	}
	c.emitStatus(channels.StateConnecting)

	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "attempt").Inc()

	dg, err := discordgo.New("Bot " + c.token)
	if err != nil {
		c.state.Set(channels.StateDisconnected)
		telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "error").Inc()
		return fmt.Errorf("discord: creating session: %w", err)
	}

	// verify the token before opening the gateway
	if _, err := dg.User("@me"); err != nil {
		c.state.Set(channels.StateDisconnected)
		telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "error").Inc()
		return fmt.Errorf("discord: verifying token: %w", err)
	}

	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	dg.AddHandler(c.handleMessage)
	dg.AddHandler(c.handleDisconnect)

	if err := dg.Open(); err != nil {
		c.state.Set(channels.StateDisconnected)
		telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "error").Inc()
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	c.mu.Lock()
	c.session = dg
	c.mu.Unlock()

	if c.state.Set(channels.StateConnected) {
		telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "connected").Inc()
		telemetry.Metrics.ChannelsUp.Inc()
		c.emitStatus(channels.StateConnected)
	}

	c.logger().Info("discord channel started", slog.String("channel", c.id))
	return nil
}

func (c *Connection) Stop(ctx context.Context) error {
	if c.state.Is(channels.StateStopping, channels.StateDisconnected) {
		return nil
	}
	wasConnected := c.state.Get() == channels.StateConnected
	c.state.Set(channels.StateStopping)

	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	var err error
	if s != nil {
		err = s.Close()
	}

	if wasConnected {
		telemetry.Metrics.ChannelsUp.Dec()
	}
	if c.state.Set(channels.StateDisconnected) {
		c.emitStatus(channels.StateDisconnected)
	}
	if err != nil {
		return fmt.Errorf("discord: closing session: %w", err)
	}
	return nil
}

// Send delivers text to a channel or DM-channel identifier, chunked on
// Discord's content cap.
func (c *Connection) Send(ctx context.Context, text, to string) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil || c.state.Get() != channels.StateConnected {
		telemetry.Metrics.SendErrors.WithLabelValues(c.id).Inc()
		return fmt.Errorf("discord: send to %q: %w", to, channels.ErrNotConnected)
	}
	if to == "" {
		telemetry.Metrics.SendErrors.WithLabelValues(c.id).Inc()
		return fmt.Errorf("discord: send: %w", channels.ErrNoDestination)
	}

	for _, chunk := range channels.Split(text, maxMessageLen) {
		if _, err := s.ChannelMessageSend(to, chunk); err != nil {
			telemetry.Metrics.SendErrors.WithLabelValues(c.id).Inc()
			return fmt.Errorf("discord: sending message: %w", err)
		}
	}
	telemetry.Metrics.MessagesSent.WithLabelValues(c.id).Inc()
	return nil
}

func (c *Connection) handleDisconnect(s *discordgo.Session, _ *discordgo.Disconnect) {
	// discordgo reconnects on its own; just make the gap visible
	c.logger().Warn("discord gateway disconnected, library reconnecting",
		slog.String("channel", c.id))
}

func (c *Connection) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Content == "" {
		return
	}

	isGuild := m.GuildID != ""

	if isGuild {
		if !c.policy.AllowsGroup(m.ChannelID) {
			telemetry.Metrics.MessagesDropped.WithLabelValues(c.id, "group_policy").Inc()
			return
		}
		if c.policy.RequireMention && !mentionsUser(m, s.State.User.ID) {
			telemetry.Metrics.MessagesDropped.WithLabelValues(c.id, "mention").Inc()
			return
		}
	} else if !c.allowsSender(m) {
		telemetry.Metrics.MessagesDropped.WithLabelValues(c.id, "allow_from").Inc()
		return
	}

	meta := channels.Metadata{
		PeerKind: channels.PeerDirect,
		SenderID: m.Author.ID,
	}
	if isGuild {
		meta.PeerKind = channels.PeerGroup
		if ch, err := s.State.Channel(m.ChannelID); err == nil {
			meta.GroupTitle = ch.Name
		}
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	msg := channels.Message{
		ID:        m.ID,
		ChannelID: c.id,
		From:      m.ChannelID,
		Text:      m.Content,
		Timestamp: ts.UTC(),
		Meta:      meta,
	}

	telemetry.Metrics.MessagesInbound.WithLabelValues(c.id).Inc()
	c.fanout.Dispatch(c.base(), msg)
}

// allowsSender matches the allow-list against both the user id and the
// username.
func (c *Connection) allowsSender(m *discordgo.MessageCreate) bool {
	if c.policy.AllowsSender(m.Author.ID) {
		return true
	}
	return m.Author.Username != "" && c.policy.AllowsSender(m.Author.Username)
}

func mentionsUser(m *discordgo.MessageCreate, userID string) bool {
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

func (c *Connection) emitStatus(state channels.ConnState) {
	if c.onStatus != nil {
		c.onStatus(state)
	}
}

func (c *Connection) base() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseCtx != nil {
		return c.baseCtx
	}
	return context.Background()
}

func (c *Connection) logger() *slog.Logger {
	return telemetry.FromContext(c.base())
}

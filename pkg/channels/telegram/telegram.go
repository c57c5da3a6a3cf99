// Package telegram implements the first of the two token-authenticated
// channels. The token is verified with a getMe call before anything else;
// a 409 conflict (another process already polling with this token) aborts
// cleanly instead of crashing the bridge.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/corvid-labs/courier/pkg/channels"
	"github.com/corvid-labs/courier/pkg/telemetry"
)

// maxMessageLen is Telegram's per-message text limit.
const maxMessageLen = 4096

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
	bot     *bot.Bot
	self    *models.User
	cancel  context.CancelFunc
	baseCtx context.Context
}

func New(opts Options) *Connection {
	if opts.ID == "" {
		opts.ID = "telegram"
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
func (c *Connection) Network() string { return "telegram" }

func (c *Connection) Subscribe(h channels.Handler) {
	c.fanout.Subscribe(h)
}

func (c *Connection) Connected() bool {
	c.mu.Lock()
	b := c.bot
	c.mu.Unlock()
	return c.state.Get() == channels.StateConnected && b != nil
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

	b, err := bot.New(c.token,
		bot.WithSkipGetMe(),
		bot.WithDefaultHandler(c.handleUpdate),
		bot.WithErrorsHandler(c.handleRunError),
	)
	if err != nil {
		c.state.Set(channels.StateDisconnected)
		telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "error").Inc()
		return fmt.Errorf("telegram: creating bot: %w", err)
	}

	// verify the token before anything else
	me, err := b.GetMe(ctx)
	if err != nil {
		c.state.Set(channels.StateDisconnected)
		if isConflict(err) {
			// another process holds this token: abort cleanly
			telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "conflict").Inc()
			c.logger().Warn("bot token already in use elsewhere",
				slog.String("channel", c.id))
			c.emitStatus(channels.StateDisconnected)
			return nil
		}
		telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "error").Inc()
		return fmt.Errorf("telegram: verifying token: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.bot = b
	c.self = me
	c.cancel = cancel
	c.mu.Unlock()

	// the long-poll loop never resolves on its own; the connection is
	// considered up as soon as it is issued
	go c.run(runCtx, b)

	if c.state.Set(channels.StateConnected) {
		telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "connected").Inc()
		telemetry.Metrics.ChannelsUp.Inc()
		c.emitStatus(channels.StateConnected)
	}

	c.logger().Info("telegram channel started",
		slog.String("channel", c.id),
		slog.String("bot", me.Username),
	)
	return nil
}

func (c *Connection) run(ctx context.Context, b *bot.Bot) {
	b.Start(ctx)

	// the loop died (or was cancelled); a deliberate Stop owns the state
	if c.state.Is(channels.StateStopping, channels.StateDisconnected) {
		return
	}
	c.dropConnection("receive loop exited")
}

// handleRunError is the catch-all for the polling loop. Everything is
// logged; a conflict additionally tears the connection down since the token
// is held elsewhere.
func (c *Connection) handleRunError(err error) {
	c.logger().Error("telegram polling error",
		slog.String("channel", c.id),
		slog.String("err", err.Error()),
	)
	if isConflict(err) {
		c.dropConnection("token conflict")
	}
}

func (c *Connection) dropConnection(reason string) {
	c.mu.Lock()
	cancel := c.cancel
	c.bot = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if c.state.Get() == channels.StateConnected {
		telemetry.Metrics.ChannelsUp.Dec()
	}
	if c.state.Set(channels.StateDisconnected) {
		c.logger().Warn("telegram channel dropped",
			slog.String("channel", c.id),
			slog.String("reason", reason),
		)
		c.emitStatus(channels.StateDisconnected)
	}
}

func (c *Connection) Stop(ctx context.Context) error {
	if c.state.Is(channels.StateStopping, channels.StateDisconnected) {
		return nil
	}
	wasConnected := c.state.Get() == channels.StateConnected
	c.state.Set(channels.StateStopping)

	c.mu.Lock()
	cancel := c.cancel
	c.bot = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if wasConnected {
		telemetry.Metrics.ChannelsUp.Dec()
	}
	if c.state.Set(channels.StateDisconnected) {
		c.emitStatus(channels.StateDisconnected)
	}
	return nil
}

// Send delivers text to a numeric chat identifier, splitting on Telegram's
// message-length cap.
func (c *Connection) Send(ctx context.Context, text, to string) error {
	c.mu.Lock()
	b := c.bot
	c.mu.Unlock()

	if b == nil || c.state.Get() != channels.StateConnected {
		telemetry.Metrics.SendErrors.WithLabelValues(c.id).Inc()
		return fmt.Errorf("telegram: send to %q: %w", to, channels.ErrNotConnected)
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(to), 10, 64)
	if err != nil {
		telemetry.Metrics.SendErrors.WithLabelValues(c.id).Inc()
		return fmt.Errorf("telegram: destination %q is not a chat id: %w", to, err)
	}

	for _, chunk := range channels.Split(text, maxMessageLen) {
		if _, err := b.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   chunk,
		}); err != nil {
			telemetry.Metrics.SendErrors.WithLabelValues(c.id).Inc()
			return fmt.Errorf("telegram: sending message: %w", err)
		}
	}
	telemetry.Metrics.MessagesSent.WithLabelValues(c.id).Inc()
	return nil
}

func (c *Connection) handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" || update.Message.From == nil {
		return
	}

	m := update.Message
	isGroup := m.Chat.Type == "group" || m.Chat.Type == "supergroup"

	if isGroup {
		if !c.policy.AllowsGroup(strconv.FormatInt(m.Chat.ID, 10)) {
			telemetry.Metrics.MessagesDropped.WithLabelValues(c.id, "group_policy").Inc()
			return
		}
		if c.policy.RequireMention && !c.mentioned(m) {
			telemetry.Metrics.MessagesDropped.WithLabelValues(c.id, "mention").Inc()
			return
		}
	} else if !c.allowsSender(m.From) {
		telemetry.Metrics.MessagesDropped.WithLabelValues(c.id, "allow_from").Inc()
		return
	}

	meta := channels.Metadata{
		PeerKind: channels.PeerDirect,
		SenderID: strconv.FormatInt(m.From.ID, 10),
	}
	if isGroup {
		meta.PeerKind = channels.PeerGroup
		meta.GroupTitle = m.Chat.Title
	}

	msg := channels.Message{
		ID:        strconv.Itoa(m.ID),
		ChannelID: c.id,
		From:      strconv.FormatInt(m.Chat.ID, 10),
		Text:      m.Text,
		Timestamp: time.Unix(int64(m.Date), 0).UTC(),
		Meta:      meta,
	}

	telemetry.Metrics.MessagesInbound.WithLabelValues(c.id).Inc()
	c.fanout.Dispatch(c.base(), msg)
}

// allowsSender matches the allow-list against both the numeric user id and
// the username.
func (c *Connection) allowsSender(from *models.User) bool {
	if c.policy.AllowsSender(strconv.FormatInt(from.ID, 10)) {
		return true
	}
	return from.Username != "" && c.policy.AllowsSender(from.Username)
}

func (c *Connection) mentioned(m *models.Message) bool {
	c.mu.Lock()
	self := c.self
	c.mu.Unlock()
	if self == nil || self.Username == "" {
		return false
	}

	tag := "@" + self.Username
	for _, e := range m.Entities {
		if e.Type != "mention" {
			continue
		}
		end := e.Offset + e.Length
		if e.Offset >= 0 && end <= len(m.Text) && m.Text[e.Offset:end] == tag {
			return true
		}
	}
	return strings.Contains(m.Text, tag)
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conflict") || strings.Contains(msg, "409")
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

// Package slack implements a token-authenticated channel over Slack socket
// mode. It follows the same lifecycle as the other bot-token adapters: the
// token pair is verified up front, the socket loop is issued and forgotten,
// and its death flips the connection back to idle.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/corvid-labs/courier/pkg/channels"
	"github.com/corvid-labs/courier/pkg/telemetry"
)

type Options struct {
	ID       string
	BotToken string
	AppToken string
	Enabled  bool
	Policy   channels.Policy
	OnStatus channels.StatusCallback
}

type Connection struct {
	id       string
	botToken string
	appToken string
	enabled  bool
	policy   channels.Policy

	onStatus channels.StatusCallback

	state  channels.State
	fanout channels.Fanout

	mu      sync.Mutex
	client  *slackapi.Client
	socket  *socketmode.Client
	selfID  string
	cancel  context.CancelFunc
	baseCtx context.Context
}

func New(opts Options) *Connection {
	if opts.ID == "" {
		opts.ID = "slack"
	}
	return &Connection{
		id:       opts.ID,
		botToken: opts.BotToken,
		appToken: opts.AppToken,
		enabled:  opts.Enabled,
		policy:   opts.Policy,
		onStatus: opts.OnStatus,
		baseCtx:  context.Background(),
	}
}

func (c *Connection) ID() string      { return c.id }
func (c *Connection) Network() string { return "slack" }

func (c *Connection) Subscribe(h channels.Handler) {
	c.fanout.Subscribe(h)
}

func (c *Connection) Connected() bool {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	return c.state.Get() == channels.StateConnected && client != nil
}

func (c *Connection) Start(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	if c.botToken == "" || c.appToken == "" {
		c.logger().Warn("channel not started, bot or app token missing",
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

	client := slackapi.New(c.botToken, slackapi.OptionAppLevelToken(c.appToken))

	// verify the token pair before opening the socket
	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		c.state.Set(channels.StateDisconnected)
		telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "error").Inc()
		return fmt.Errorf("slack: verifying token: %w", err)
	}

	socket := socketmode.New(client)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.client = client
	c.socket = socket
	c.selfID = auth.UserID
	c.cancel = cancel
	c.mu.Unlock()

	go c.listen(runCtx, socket)
	go c.run(runCtx, socket)

	if c.state.Set(channels.StateConnected) {
		telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "connected").Inc()
		telemetry.Metrics.ChannelsUp.Inc()
		c.emitStatus(channels.StateConnected)
	}

	c.logger().Info("slack channel started",
		slog.String("channel", c.id),
		slog.String("bot", auth.User),
	)
	return nil
}

func (c *Connection) run(ctx context.Context, socket *socketmode.Client) {
	err := socket.RunContext(ctx)

	if c.state.Is(channels.StateStopping, channels.StateDisconnected) {
		return
	}
	reason := "socket loop exited"
	if err != nil {
		reason = err.Error()
	}
	c.dropConnection(reason)
}

func (c *Connection) dropConnection(reason string) {
	c.mu.Lock()
	cancel := c.cancel
	c.client = nil
	c.socket = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if c.state.Get() == channels.StateConnected {
		telemetry.Metrics.ChannelsUp.Dec()
	}
	if c.state.Set(channels.StateDisconnected) {
		c.logger().Warn("slack channel dropped",
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
	c.client = nil
	c.socket = nil
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

// Send delivers text to a Slack channel or DM identifier.
func (c *Connection) Send(ctx context.Context, text, to string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil || c.state.Get() != channels.StateConnected {
		telemetry.Metrics.SendErrors.WithLabelValues(c.id).Inc()
		return fmt.Errorf("slack: send to %q: %w", to, channels.ErrNotConnected)
	}
	if to == "" {
		telemetry.Metrics.SendErrors.WithLabelValues(c.id).Inc()
		return fmt.Errorf("slack: send: %w", channels.ErrNoDestination)
	}

	if _, _, err := client.PostMessageContext(ctx, to,
		slackapi.MsgOptionText(text, false),
	); err != nil {
		telemetry.Metrics.SendErrors.WithLabelValues(c.id).Inc()
		return fmt.Errorf("slack: sending message: %w", err)
	}
	telemetry.Metrics.MessagesSent.WithLabelValues(c.id).Inc()
	return nil
}

func (c *Connection) listen(ctx context.Context, socket *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-socket.Events:
			if !ok {
				return
			}
			c.handleEvent(socket, evt)
		}
	}
}

func (c *Connection) handleEvent(socket *socketmode.Client, evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	data, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if evt.Request != nil {
		socket.Ack(*evt.Request)
	}
	if data.Type != slackevents.CallbackEvent {
		return
	}

	ev, ok := data.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || ev.SubType != "" || ev.Text == "" {
		return
	}

	c.mu.Lock()
	selfID := c.selfID
	c.mu.Unlock()
	if ev.User == "" || ev.User == selfID {
		return
	}

	// DM channel ids start with D; everything else is a shared channel
	isDirect := strings.HasPrefix(ev.Channel, "D")

	if isDirect {
		if !c.policy.AllowsSender(ev.User) {
			telemetry.Metrics.MessagesDropped.WithLabelValues(c.id, "allow_from").Inc()
			return
		}
	} else {
		if !c.policy.AllowsGroup(ev.Channel) {
			telemetry.Metrics.MessagesDropped.WithLabelValues(c.id, "group_policy").Inc()
			return
		}
		if c.policy.RequireMention && !strings.Contains(ev.Text, "<@"+selfID+">") {
			telemetry.Metrics.MessagesDropped.WithLabelValues(c.id, "mention").Inc()
			return
		}
	}

	meta := channels.Metadata{
		PeerKind: channels.PeerDirect,
		SenderID: ev.User,
	}
	if !isDirect {
		meta.PeerKind = channels.PeerGroup
	}

	msg := channels.Message{
		ID:        ev.TimeStamp,
		ChannelID: c.id,
		From:      ev.Channel,
		Text:      ev.Text,
		Timestamp: time.Now().UTC(),
		Meta:      meta,
	}

	telemetry.Metrics.MessagesInbound.WithLabelValues(c.id).Inc()
	c.fanout.Dispatch(c.base(), msg)
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

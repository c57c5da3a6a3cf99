// Package matrix implements a token-authenticated channel against a Matrix
// homeserver. Rooms are treated as group peers; Matrix does not distinguish
// DMs at the protocol level.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/corvid-labs/courier/pkg/channels"
	"github.com/corvid-labs/courier/pkg/telemetry"
)

type Options struct {
	ID         string
	Homeserver string
	UserID     string
	Token      string
	Enabled    bool
	Policy     channels.Policy
	OnStatus   channels.StatusCallback
}

type Connection struct {
	id         string
	homeserver string
	userID     string
	token      string
	enabled    bool
	policy     channels.Policy

	onStatus channels.StatusCallback

	state  channels.State
	fanout channels.Fanout

	mu      sync.Mutex
	client  *mautrix.Client
	cancel  context.CancelFunc
	baseCtx context.Context
}

func New(opts Options) *Connection {
	if opts.ID == "" {
		opts.ID = "matrix"
	}
	return &Connection{
		id:         opts.ID,
		homeserver: opts.Homeserver,
		userID:     opts.UserID,
		token:      opts.Token,
		enabled:    opts.Enabled,
		policy:     opts.Policy,
		onStatus:   opts.OnStatus,
		baseCtx:    context.Background(),
	}
}

func (c *Connection) ID() string      { return c.id }
func (c *Connection) Network() string { return "matrix" }

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
	if c.homeserver == "" || c.userID == "" || c.token == "" {
		c.logger().Warn("channel not started, homeserver, user id, or access token missing",
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

	client, err := mautrix.NewClient(c.homeserver, id.UserID(c.userID), c.token)
	if err != nil {
		c.state.Set(channels.StateDisconnected)
		telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "error").Inc()
		return fmt.Errorf("matrix: creating client: %w", err)
	}

	// verify the access token before syncing
	if _, err := client.Whoami(ctx); err != nil {
		c.state.Set(channels.StateDisconnected)
		telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "error").Inc()
		return fmt.Errorf("matrix: verifying token: %w", err)
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		c.handleMessage(evt)
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.client = client
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx, client)

	if c.state.Set(channels.StateConnected) {
		telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "connected").Inc()
		telemetry.Metrics.ChannelsUp.Inc()
		c.emitStatus(channels.StateConnected)
	}

	c.logger().Info("matrix channel started",
		slog.String("channel", c.id),
		slog.String("homeserver", c.homeserver),
	)
	return nil
}

func (c *Connection) run(ctx context.Context, client *mautrix.Client) {
	err := client.SyncWithContext(ctx)

	if c.state.Is(channels.StateStopping, channels.StateDisconnected) {
		return
	}
	reason := "sync loop exited"
	if err != nil {
		reason = err.Error()
	}
	c.dropConnection(reason)
}

func (c *Connection) dropConnection(reason string) {
	c.mu.Lock()
	cancel := c.cancel
	c.client = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if c.state.Get() == channels.StateConnected {
		telemetry.Metrics.ChannelsUp.Dec()
	}
	if c.state.Set(channels.StateDisconnected) {
		c.logger().Warn("matrix channel dropped",
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
	client := c.client
	cancel := c.cancel
	c.client = nil
	c.cancel = nil
	c.mu.Unlock()

	if client != nil {
		client.StopSync()
	}
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

// Send delivers text to a Matrix room id.
func (c *Connection) Send(ctx context.Context, text, to string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil || c.state.Get() != channels.StateConnected {
		telemetry.Metrics.SendErrors.WithLabelValues(c.id).Inc()
		return fmt.Errorf("matrix: send to %q: %w", to, channels.ErrNotConnected)
	}
	if !strings.HasPrefix(to, "!") {
		telemetry.Metrics.SendErrors.WithLabelValues(c.id).Inc()
		return fmt.Errorf("matrix: destination %q is not a room id", to)
	}

	if _, err := client.SendText(ctx, id.RoomID(to), text); err != nil {
		telemetry.Metrics.SendErrors.WithLabelValues(c.id).Inc()
		return fmt.Errorf("matrix: sending message: %w", err)
	}
	telemetry.Metrics.MessagesSent.WithLabelValues(c.id).Inc()
	return nil
}

func (c *Connection) handleMessage(evt *event.Event) {
	if evt.Sender.String() == c.userID {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil || content.Body == "" {
		return
	}

	if !c.policy.AllowsGroup(evt.RoomID.String()) {
		telemetry.Metrics.MessagesDropped.WithLabelValues(c.id, "group_policy").Inc()
		return
	}
	if c.policy.RequireMention && !strings.Contains(content.Body, c.userID) {
		telemetry.Metrics.MessagesDropped.WithLabelValues(c.id, "mention").Inc()
		return
	}

	msg := channels.Message{
		ID:        evt.ID.String(),
		ChannelID: c.id,
		From:      evt.RoomID.String(),
		Text:      content.Body,
		Timestamp: time.UnixMilli(evt.Timestamp).UTC(),
		Meta: channels.Metadata{
			PeerKind: channels.PeerGroup,
			SenderID: evt.Sender.String(),
		},
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

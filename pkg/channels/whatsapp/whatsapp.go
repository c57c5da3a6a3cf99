// Package whatsapp implements the QR-paired channel. The connection owns
// the richest state machine in the bridge: pairing-code lifecycle, a
// debounced connected settle, and four distinct close branches (restart
// after pairing, takeover by another device, logout, transient drop).
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/corvid-labs/courier/pkg/channels"
	"github.com/corvid-labs/courier/pkg/telemetry"
)

const (
	// connectDebounce collapses rapid open/close flapping into one settle.
	connectDebounce = 300 * time.Millisecond

	// reconnectDelay is the fixed backoff before a reconnect or the
	// post-pairing session rebuild.
	reconnectDelay = 5 * time.Second
)

type Options struct {
	ID        string
	DBPath    string
	Enabled   bool
	Policy    channels.Policy
	OnStatus  channels.StatusCallback
	OnPairing channels.PairingCallback
}

type Connection struct {
	id      string
	dbPath  string
	enabled bool
	policy  channels.Policy

	onStatus  channels.StatusCallback
	onPairing channels.PairingCallback

	state  channels.State
	fanout channels.Fanout

	mu          sync.Mutex
	connecting  bool
	stopped     bool
	restarting  bool
	client      session
	pairingCode string
	debounce    *time.Timer
	reconnect   *time.Timer
	restart     *time.Timer
	qrCancel    context.CancelFunc
	baseCtx     context.Context

	// test seam; defaults to openSession
	newSession func(ctx context.Context) (session, error)
}

func New(opts Options) *Connection {
	if opts.ID == "" {
		opts.ID = "whatsapp"
	}
	if opts.DBPath == "" {
		opts.DBPath = "whatsapp.db"
	}
	c := &Connection{
		id:        opts.ID,
		dbPath:    opts.DBPath,
		enabled:   opts.Enabled,
		policy:    opts.Policy,
		onStatus:  opts.OnStatus,
		onPairing: opts.OnPairing,
		baseCtx:   context.Background(),
	}
	c.newSession = func(ctx context.Context) (session, error) {
		return openSession(ctx, c.dbPath)
	}
	return c
}

func (c *Connection) ID() string      { return c.id }
func (c *Connection) Network() string { return "whatsapp" }

func (c *Connection) Subscribe(h channels.Handler) {
	c.fanout.Subscribe(h)
}

// Connected reports ground truth: the state says connected and the live
// session handle agrees. Internal flags alone are never authoritative.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	return c.state.Get() == channels.StateConnected && client != nil && client.IsConnected()
}

// Start brings the connection up. Duplicate concurrent calls are dropped by
// the in-flight guard; a call on a connected or disabled channel is a no-op.
func (c *Connection) Start(ctx context.Context) error {
	if !c.enabled {
		return nil
	}

	c.mu.Lock()
	if c.connecting || c.state.Get() == channels.StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.stopped = false
	c.baseCtx = ctx
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	return c.connect(ctx)
}

// connect tears down any previous session, loads persisted credentials, and
// opens a fresh session subscribed to credential, state, and message events.
func (c *Connection) connect(ctx context.Context) error {
	c.teardownSession()

	if c.state.Set(channels.StateConnecting) {
		c.emitStatus(channels.StateConnecting)
	}

	telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "attempt").Inc()

	sess, err := c.newSession(ctx)
	if err != nil {
		c.state.Set(channels.StateDisconnected)
		telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "error").Inc()
		return fmt.Errorf("whatsapp: opening session: %w", err)
	}

	c.mu.Lock()
	c.client = sess
	c.mu.Unlock()

	sess.AddEventHandler(c.handleEvent)

	if !sess.Paired() {
		c.watchPairing(ctx, sess)
	}

	if err := sess.Connect(); err != nil {
		c.teardownSession()
		c.state.Set(channels.StateDisconnected)
		telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "error").Inc()
		return fmt.Errorf("whatsapp: connecting: %w", err)
	}

	return nil
}

// Stop permanently halts the connection: every timer is cancelled before
// returning so a stopped channel can never fire a late reconnect.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	c.cancelTimers()
	c.clearPairingCode()
	c.teardownSession()

	if c.state.Get() == channels.StateDisconnected {
		return nil
	}
	if c.state.Get() == channels.StateConnected {
		telemetry.Metrics.ChannelsUp.Dec()
	}
	c.state.Set(channels.StateStopping)
	if c.state.Set(channels.StateDisconnected) {
		c.emitStatus(channels.StateDisconnected)
	}
	return nil
}

// Send requires a live session and normalizes the destination into a JID:
// bare numbers become user JIDs, hyphenated ids become group JIDs.
func (c *Connection) Send(ctx context.Context, text, to string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil || c.state.Get() != channels.StateConnected || !client.IsConnected() {
		telemetry.Metrics.SendErrors.WithLabelValues(c.id).Inc()
		return fmt.Errorf("whatsapp: send to %q: %w", to, channels.ErrNotConnected)
	}

	jid, err := normalizeJID(to)
	if err != nil {
		telemetry.Metrics.SendErrors.WithLabelValues(c.id).Inc()
		return fmt.Errorf("whatsapp: %w", err)
	}

	if err := client.SendText(ctx, jid, text); err != nil {
		telemetry.Metrics.SendErrors.WithLabelValues(c.id).Inc()
		return fmt.Errorf("whatsapp: sending message: %w", err)
	}
	telemetry.Metrics.MessagesSent.WithLabelValues(c.id).Inc()
	return nil
}

func normalizeJID(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, fmt.Errorf("empty destination")
	}
	if strings.ContainsRune(to, '@') {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("parsing destination %q: %w", to, err)
		}
		return jid, nil
	}
	if strings.ContainsRune(to, '-') {
		return types.NewJID(to, types.GroupServer), nil
	}
	return types.NewJID(to, types.DefaultUserServer), nil
}

// PairingCode returns the currently cached pairing code, empty when none is
// outstanding. The gateway renders it as a QR image.
func (c *Connection) PairingCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairingCode
}

func (c *Connection) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		c.handleOpen()
	case *events.PairSuccess:
		c.handleRestartRequired()
	case *events.StreamReplaced:
		c.handleTerminal("connection replaced by another device")
	case *events.LoggedOut:
		c.handleTerminal("logged out")
	case *events.Disconnected:
		c.handleClosed("stream closed")
	case *events.ConnectFailure:
		c.handleClosed("connect failure")
	case *events.TemporaryBan:
		c.handleClosed("temporary ban")
	case *events.Message:
		c.handleMessage(e)
	}
}

// handleOpen debounces the open signal: rapid flapping collapses into one
// settle that performs the actual transition.
func (c *Connection) handleOpen() {
	c.mu.Lock()
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = time.AfterFunc(connectDebounce, c.settleOpen)
	c.mu.Unlock()
}

func (c *Connection) settleOpen() {
	c.mu.Lock()
	c.debounce = nil
	// a settle racing a close loses: the close already tore the session
	// down and owns recovery
	if c.stopped || c.client == nil {
		c.mu.Unlock()
		return
	}
	client := c.client
	c.restarting = false
	c.mu.Unlock()

	c.clearPairingCode()

	if err := client.SaveCredentials(context.Background()); err != nil {
		c.logger().Error("persisting credentials failed",
			slog.String("channel", c.id),
			slog.String("err", err.Error()),
		)
	}

	c.cancelReconnect()

	if c.state.Set(channels.StateConnected) {
		telemetry.Metrics.ConnectAttempts.WithLabelValues(c.id, "connected").Inc()
		telemetry.Metrics.ChannelsUp.Inc()
		c.emitStatus(channels.StateConnected)
	}
}

// handleRestartRequired covers the close right after successful pairing: the
// protocol demands a brand-new session. Status holds at connecting, nothing
// is emitted, credentials are persisted before the dead session is torn
// down, and the rebuild happens after a fixed delay.
func (c *Connection) handleRestartRequired() {
	c.clearPairingCode()

	c.mu.Lock()
	c.restarting = true
	client := c.client
	c.mu.Unlock()

	c.state.Set(channels.StateConnecting)

	if client != nil {
		if err := client.SaveCredentials(context.Background()); err != nil {
			c.logger().Error("persisting pairing credentials failed",
				slog.String("channel", c.id),
				slog.String("err", err.Error()),
			)
		}
	}

	c.teardownSession()

	c.mu.Lock()
	if c.stopped || !c.enabled {
		c.restarting = false
		c.mu.Unlock()
		return
	}
	if c.restart != nil {
		c.restart.Stop()
	}
	c.restart = time.AfterFunc(reconnectDelay, c.rebuildAfterPairing)
	c.mu.Unlock()
}

func (c *Connection) rebuildAfterPairing() {
	c.mu.Lock()
	c.restart = nil
	stopped := c.stopped
	c.mu.Unlock()

	if stopped || !c.enabled {
		c.mu.Lock()
		c.restarting = false
		c.mu.Unlock()
		return
	}

	if err := c.connect(c.base()); err != nil {
		c.mu.Lock()
		c.restarting = false
		c.mu.Unlock()
		c.logger().Error("post-pairing session rebuild failed",
			slog.String("channel", c.id),
			slog.String("err", err.Error()),
		)
		c.scheduleReconnect()
	}
}

// handleTerminal covers takeover by another device and logout: credentials
// are wiped and auto-reconnect is permanently disabled until a human
// re-pairs.
func (c *Connection) handleTerminal(reason string) {
	c.clearPairingCode()

	c.mu.Lock()
	c.stopped = true
	client := c.client
	c.mu.Unlock()

	c.cancelTimers()

	if client != nil {
		if err := client.WipeCredentials(context.Background()); err != nil {
			c.logger().Error("wiping credentials failed",
				slog.String("channel", c.id),
				slog.String("err", err.Error()),
			)
		}
	}

	c.teardownSession()

	c.logger().Warn("channel credentials invalidated",
		slog.String("channel", c.id),
		slog.String("reason", reason),
	)

	if c.state.Get() == channels.StateConnected {
		telemetry.Metrics.ChannelsUp.Dec()
	}
	if c.state.Set(channels.StateDisconnected) {
		c.emitStatus(channels.StateDisconnected)
	}
}

// handleClosed covers every other unexpected close. While recovering the
// status holds at connecting so callers never see disconnect spam; exactly
// one reconnect is scheduled.
func (c *Connection) handleClosed(reason string) {
	c.clearPairingCode()

	c.mu.Lock()
	stopped := c.stopped
	restarting := c.restarting
	c.mu.Unlock()

	if restarting {
		return
	}

	if stopped || !c.enabled {
		c.teardownSession()
		if c.state.Set(channels.StateDisconnected) {
			c.emitStatus(channels.StateDisconnected)
		}
		return
	}

	wasConnected := c.state.Get() == channels.StateConnected
	c.state.Set(channels.StateConnecting)
	c.teardownSession()

	c.logger().Warn("channel closed, scheduling reconnect",
		slog.String("channel", c.id),
		slog.String("reason", reason),
	)

	if wasConnected {
		telemetry.Metrics.ChannelsUp.Dec()
		c.emitStatus(channels.StateDisconnected)
	}

	c.scheduleReconnect()
}

func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || !c.enabled || c.reconnect != nil {
		return
	}
	c.reconnect = time.AfterFunc(reconnectDelay, c.attemptReconnect)
}

// attemptReconnect fires when the backoff elapses. A failed attempt arms the
// next timer, so a transient fault never strands the channel without a
// pending retry.
func (c *Connection) attemptReconnect() {
	c.mu.Lock()
	c.reconnect = nil
	stopped := c.stopped
	c.mu.Unlock()

	// re-check right before firing: a deliberate shutdown during the
	// backoff wins
	if stopped || !c.enabled {
		return
	}

	telemetry.Metrics.Reconnects.WithLabelValues(c.id).Inc()
	if err := c.Start(c.base()); err != nil {
		c.logger().Error("reconnect failed",
			slog.String("channel", c.id),
			slog.String("err", err.Error()),
		)
		c.scheduleReconnect()
	}
}

func (c *Connection) watchPairing(ctx context.Context, sess session) {
	qrCtx, cancel := context.WithCancel(ctx)

	ch, err := sess.QRChannel(qrCtx)
	if err != nil {
		cancel()
		c.logger().Debug("pairing channel unavailable",
			slog.String("channel", c.id),
			slog.String("err", err.Error()),
		)
		return
	}

	c.mu.Lock()
	c.qrCancel = cancel
	c.mu.Unlock()

	go func() {
		for item := range ch {
			if item.Event == "code" {
				c.handlePairingCode(item.Code)
			}
		}
	}()
}

// handlePairingCode caches a freshly issued code. Codes arriving while
// already connected or mid-restart are ignored outright so an already
// linked device is never re-prompted.
func (c *Connection) handlePairingCode(code string) {
	c.mu.Lock()
	stopped := c.stopped
	restarting := c.restarting
	c.mu.Unlock()

	if stopped || restarting || c.state.Get() == channels.StateConnected {
		return
	}

	c.mu.Lock()
	c.pairingCode = code
	cb := c.onPairing
	c.mu.Unlock()

	if cb != nil {
		cb(code)
		return
	}

	if qr, err := qrcode.New(code, qrcode.Medium); err == nil {
		fmt.Print(qr.ToSmallString(false))
	}
	fmt.Printf("whatsapp pairing code: %s\n", code)
}

// clearPairingCode invalidates the cached code. The cleared signal goes out
// exactly once per cached code.
func (c *Connection) clearPairingCode() {
	c.mu.Lock()
	had := c.pairingCode != ""
	c.pairingCode = ""
	cb := c.onPairing
	c.mu.Unlock()

	if had && cb != nil {
		cb("")
	}
}

func (c *Connection) handleMessage(e *events.Message) {
	if e.Message == nil || e.Info.IsFromMe {
		return
	}

	text := extractText(e)
	if text == "" {
		return
	}

	ctx := c.base()
	meta := channels.Metadata{
		PeerKind: channels.PeerDirect,
		SenderID: e.Info.Sender.String(),
	}
	origin := e.Info.Chat.String()

	if e.Info.IsGroup {
		meta.PeerKind = channels.PeerGroup
		if !c.policy.AllowsGroup(e.Info.Chat.User) {
			telemetry.Metrics.MessagesDropped.WithLabelValues(c.id, "group_policy").Inc()
			return
		}
		c.mu.Lock()
		client := c.client
		c.mu.Unlock()
		if client != nil {
			meta.GroupTitle = client.GroupName(ctx, e.Info.Chat)
		}
	} else if !c.policy.AllowsSender(e.Info.Sender.User) {
		telemetry.Metrics.MessagesDropped.WithLabelValues(c.id, "allow_from").Inc()
		return
	}

	msg := channels.Message{
		ID:        string(e.Info.ID),
		ChannelID: c.id,
		From:      origin,
		Text:      text,
		Timestamp: e.Info.Timestamp,
		Meta:      meta,
	}

	telemetry.Metrics.MessagesInbound.WithLabelValues(c.id).Inc()
	c.fanout.Dispatch(ctx, msg)
}

// extractText pulls the text body out of the payload shapes that carry one.
func extractText(e *events.Message) string {
	if t := e.Message.GetConversation(); t != "" {
		return t
	}
	if ext := e.Message.GetExtendedTextMessage(); ext != nil {
		if t := ext.GetText(); t != "" {
			return t
		}
	}
	if img := e.Message.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := e.Message.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	return ""
}

// teardownSession unsubscribes the dying session's event streams before
// ending it, so it cannot deliver a stray event to its successor. A pending
// open settle belongs to the dying session and dies with it.
func (c *Connection) teardownSession() {
	c.mu.Lock()
	sess := c.client
	c.client = nil
	cancel := c.qrCancel
	c.qrCancel = nil
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		sess.RemoveEventHandlers()
		sess.Disconnect()
	}
}

func (c *Connection) cancelTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range []*time.Timer{c.debounce, c.reconnect, c.restart} {
		if t != nil {
			t.Stop()
		}
	}
	c.debounce, c.reconnect, c.restart = nil, nil, nil
}

func (c *Connection) cancelReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
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

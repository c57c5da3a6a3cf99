package channels

import (
	"context"
	"time"
)

// PeerKind distinguishes one-on-one chats from group chats in message
// metadata.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// Metadata carries network-specific context extracted at normalization time.
type Metadata struct {
	PeerKind   PeerKind
	GroupTitle string
	SenderID   string
}

// Message is the normalized shape every network event is reduced to before
// entering the routing pipeline. Created once per inbound event, never
// mutated afterwards.
type Message struct {
	ID        string
	ChannelID string
	From      string
	Text      string
	Timestamp time.Time
	Meta      Metadata
}

// Handler receives normalized inbound messages. Handlers run inside a
// recovered scope: a panicking handler is logged and does not affect other
// subscribers or the connection itself.
type Handler func(ctx context.Context, msg Message)

// StatusCallback is invoked on connection-state transitions.
type StatusCallback func(state ConnState)

// PairingCallback surfaces a freshly issued pairing code. An empty code
// means the previously issued code is no longer valid.
type PairingCallback func(code string)

// Connection is the contract every network adapter implements. Adapters are
// owned by the Registry once registered and must not be shared beyond it.
type Connection interface {
	// ID is the channel identifier, unique within a registry.
	ID() string

	// Network names the underlying network ("whatsapp", "telegram", ...).
	Network() string

	// Start brings the connection up. Idempotent: a no-op if already
	// connected or the channel is disabled.
	Start(ctx context.Context) error

	// Stop tears the connection down. Idempotent; always settles in the
	// disconnected state and cancels any pending timers.
	Stop(ctx context.Context) error

	// Send delivers text to a destination in the network's own addressing
	// format. Returns ErrNotConnected when the connection is not live.
	Send(ctx context.Context, text, to string) error

	// Subscribe registers an inbound handler. Multiple handlers are
	// supported; each is isolated from the others.
	Subscribe(h Handler)

	// Connected reports ground truth, derived from both the adapter state
	// and the liveness of the underlying client handle.
	Connected() bool
}

// Config is the registry-level snapshot of a channel's configuration, taken
// at registration time and immutable afterwards.
type Config struct {
	Enabled bool
	Network string
	Policy  Policy
}

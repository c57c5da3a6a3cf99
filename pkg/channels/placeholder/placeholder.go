// Package placeholder is the stand-in adapter for networks without a real
// backend yet. It exists so the registry and bridge wiring never
// special-case an unintegrated network.
package placeholder

import (
	"context"
	"fmt"

	"github.com/corvid-labs/courier/pkg/channels"
)

type Connection struct {
	id       string
	network  string
	enabled  bool
	state    channels.State
	fanout   channels.Fanout
	onStatus channels.StatusCallback
}

func New(id, network string, enabled bool, onStatus channels.StatusCallback) *Connection {
	if network == "" {
		network = id
	}
	return &Connection{
		id:       id,
		network:  network,
		enabled:  enabled,
		onStatus: onStatus,
	}
}

func (c *Connection) ID() string      { return c.id }
func (c *Connection) Network() string { return c.network }

func (c *Connection) Subscribe(h channels.Handler) {
	c.fanout.Subscribe(h)
}

func (c *Connection) Connected() bool {
	return c.state.Get() == channels.StateConnected
}

// Start flips straight to connected; there is no handshake to perform.
func (c *Connection) Start(_ context.Context) error {
	if !c.enabled {
		return nil
	}
	if c.state.Set(channels.StateConnecting) {
		c.emitStatus(channels.StateConnecting)
	}
	if c.state.Set(channels.StateConnected) {
		c.emitStatus(channels.StateConnected)
	}
	return nil
}

func (c *Connection) Stop(_ context.Context) error {
	if c.state.Is(channels.StateStopping, channels.StateDisconnected) {
		return nil
	}
	c.state.Set(channels.StateStopping)
	if c.state.Set(channels.StateDisconnected) {
		c.emitStatus(channels.StateDisconnected)
	}
	return nil
}

func (c *Connection) Send(_ context.Context, _, to string) error {
	return fmt.Errorf("%s: sending to %q: %w: no backend is integrated for this network", c.network, to, channels.ErrNotStarted)
}

func (c *Connection) emitStatus(state channels.ConnState) {
	if c.onStatus != nil {
		c.onStatus(state)
	}
}

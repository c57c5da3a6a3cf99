package bridge

import (
	"context"
	"fmt"

	"github.com/corvid-labs/courier/pkg/channels"
	"github.com/corvid-labs/courier/pkg/store"
)

// SendMessage delivers text on a channel on behalf of an agent turn. An
// empty channel or destination falls back to the conversation's stored
// delivery context; with no context recorded the send fails with
// ErrNoDestination. Resolution never writes back, so a tool send cannot
// redirect future replies.
func SendMessage(ctx context.Context, st *store.Store, conversationID, channelID, to, text string) error {
	reg := channels.Active()
	if reg == nil {
		return fmt.Errorf("bridge: send: no active channel registry")
	}

	if channelID == "" || to == "" {
		if conversationID == "" {
			return fmt.Errorf("bridge: send: %w", channels.ErrNoDestination)
		}
		dc, err := st.GetDeliveryContext(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("bridge: send: resolving delivery context: %w", err)
		}
		if channelID == "" {
			channelID = dc.Channel
		}
		if to == "" {
			to = dc.To
		}
	}
	if channelID == "" || to == "" {
		return fmt.Errorf("bridge: send: %w", channels.ErrNoDestination)
	}

	conn, ok := reg.Get(channelID)
	if !ok {
		return fmt.Errorf("bridge: send on %q: %w", channelID, channels.ErrUnknownChannel)
	}
	if !conn.Connected() {
		return fmt.Errorf("bridge: send on %q: %w", channelID, channels.ErrNotConnected)
	}
	return conn.Send(ctx, text, to)
}

package router

import (
	"context"
	"fmt"

	"github.com/corvid-labs/courier/pkg/channels"
)

// Target identifies which agent handles a message and which stored
// conversation it belongs to. The conversation key is stable across
// reconnects and session churn.
type Target struct {
	AgentID         string
	ConversationKey string
}

// Router resolves an inbound message to its target. Implemented externally
// in multi-agent deployments; StaticRouter covers the single-agent case.
type Router interface {
	Route(ctx context.Context, msg channels.Message, account string) (Target, error)
}

// StaticRouter sends everything to one agent, keying conversations by
// channel and origin so each peer (or group) gets its own history.
type StaticRouter struct {
	AgentID string
}

func (r StaticRouter) Route(_ context.Context, msg channels.Message, _ string) (Target, error) {
	if r.AgentID == "" {
		return Target{}, fmt.Errorf("router: no agent configured")
	}
	if msg.ChannelID == "" || msg.From == "" {
		return Target{}, fmt.Errorf("router: message missing channel or origin")
	}
	return Target{
		AgentID:         r.AgentID,
		ConversationKey: msg.ChannelID + ":" + msg.From,
	}, nil
}

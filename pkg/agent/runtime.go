// Package agent declares the contracts the bridge consumes from the
// reasoning engine. The engine itself lives outside this repo and is
// injected at wiring time.
package agent

import "context"

// SecurityContext is an opaque policy handle resolved per conversation and
// threaded through runtime invocations.
type SecurityContext struct {
	Mode         string
	AgentID      string
	Conversation string
	AllowedPaths []string
}

// RunRequest is one agent turn: the inbound text plus the conversation it
// belongs to.
type RunRequest struct {
	ConversationID string
	Message        string
	Security       SecurityContext
}

type RunResult struct {
	Response string
}

// Runtime produces a reply for one turn.
type Runtime interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// RuntimeFunc adapts a plain function to the Runtime interface.
type RuntimeFunc func(ctx context.Context, req RunRequest) (RunResult, error)

func (f RuntimeFunc) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	return f(ctx, req)
}

// SecurityResolver derives a SecurityContext from static security config and
// conversation identity.
type SecurityResolver func(ctx context.Context, mode string, allowedPaths []string, conversationID, conversationType, agentID, landDir string) (SecurityContext, error)

// DefaultSecurityResolver carries the config through unchanged. Real policy
// resolution is an external collaborator.
func DefaultSecurityResolver(_ context.Context, mode string, allowedPaths []string, conversationID, _ string, agentID, _ string) (SecurityContext, error) {
	return SecurityContext{
		Mode:         mode,
		AgentID:      agentID,
		Conversation: conversationID,
		AllowedPaths: allowedPaths,
	}, nil
}

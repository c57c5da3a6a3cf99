package bridge

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/corvid-labs/courier/pkg/agent"
	"github.com/corvid-labs/courier/pkg/channels"
	"github.com/corvid-labs/courier/pkg/store"
	"github.com/corvid-labs/courier/pkg/telemetry"
)

// handleInbound is the per-message pipeline: route, persist, run the agent,
// reply. Every stage failure is logged and counted; none of them can take
// the connection down since handlers run inside the fanout's recovered
// scope.
func (b *Bridge) handleInbound(ctx context.Context, msg channels.Message) {
	start := time.Now()
	logger := telemetry.FromContext(ctx).With(
		slog.String("channel", msg.ChannelID),
		slog.String("from", msg.From),
	)

	ctx, span := telemetry.StartSpan(ctx, "bridge.handleInbound",
		attribute.String("channel.id", msg.ChannelID),
		attribute.String("peer.kind", string(msg.Meta.PeerKind)),
	)
	defer span.End()
	defer func() {
		telemetry.Metrics.PipelineDuration.
			WithLabelValues(msg.ChannelID).
			Observe(time.Since(start).Seconds())
	}()

	target, err := b.router.Route(ctx, msg, msg.ChannelID)
	if err != nil {
		b.stageError(logger, msg.ChannelID, "route", err)
		return
	}

	conv, err := b.store.GetOrCreate(ctx, target.AgentID, target.ConversationKey)
	if err != nil {
		b.stageError(logger, msg.ChannelID, "conversation", err)
		return
	}

	// Remember where this message came from so replies and tool sends can
	// find their way back without the caller naming a destination.
	dc := store.DeliveryContext{Channel: msg.ChannelID, To: msg.From}
	if err := b.store.UpdateDeliveryContext(ctx, conv.ID, dc); err != nil {
		b.stageError(logger, msg.ChannelID, "delivery_context", err)
	}

	if err := b.store.AppendTurn(ctx, conv.ID, "user", msg.Text); err != nil {
		b.stageError(logger, msg.ChannelID, "append_user", err)
	}

	sec, err := b.security(ctx,
		b.cfg.Security.Mode,
		b.cfg.Security.AllowedPaths,
		conv.ID,
		string(msg.Meta.PeerKind),
		target.AgentID,
		b.cfg.Agent.LandDir,
	)
	if err != nil {
		b.stageError(logger, msg.ChannelID, "security", err)
		return
	}

	result, err := b.runtime.Run(ctx, agent.RunRequest{
		ConversationID: conv.ID,
		Message:        msg.Text,
		Security:       sec,
	})
	if err != nil {
		b.stageError(logger, msg.ChannelID, "runtime", err)
		return
	}
	if result.Response == "" {
		return
	}

	if err := b.store.AppendTurn(ctx, conv.ID, "assistant", result.Response); err != nil {
		b.stageError(logger, msg.ChannelID, "append_assistant", err)
	}

	conn, ok := b.registry.Get(msg.ChannelID)
	if !ok {
		b.stageError(logger, msg.ChannelID, "deliver", channels.ErrUnknownChannel)
		return
	}
	if err := conn.Send(ctx, result.Response, msg.From); err != nil {
		b.stageError(logger, msg.ChannelID, "deliver", err)
	}
}

func (b *Bridge) stageError(logger *slog.Logger, channelID, stage string, err error) {
	telemetry.Metrics.PipelineErrors.WithLabelValues(channelID, stage).Inc()
	logger.Error("pipeline stage failed",
		slog.String("stage", stage),
		slog.String("err", err.Error()),
	)
}

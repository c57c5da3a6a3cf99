package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/corvid-labs/courier/pkg/telemetry"
)

// Fanout delivers one message to every subscribed handler. Each handler runs
// inside its own recovered scope so a faulty subscriber cannot break
// delivery to its siblings or crash the connection.
type Fanout struct {
	mu       sync.RWMutex
	handlers []Handler
}

func (f *Fanout) Subscribe(h Handler) {
	if h == nil {
		return
	}
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
}

// Len reports the number of subscribed handlers.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.handlers)
}

// Dispatch invokes every handler with the message, in subscription order.
func (f *Fanout) Dispatch(ctx context.Context, msg Message) {
	f.mu.RLock()
	handlers := make([]Handler, len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.RUnlock()

	for _, h := range handlers {
		f.invoke(ctx, h, msg)
	}
}

func (f *Fanout) invoke(ctx context.Context, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.FromContext(ctx).Error("inbound handler panicked",
				slog.String("channel", msg.ChannelID),
				slog.Any("panic", r),
			)
		}
	}()
	h(ctx, msg)
}

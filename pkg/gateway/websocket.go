package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleWebSocket streams status and pairing events to the client as they
// happen. The stream is one-way; inbound frames are read only to detect
// close.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no event stream"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("err", err.Error()))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, unsubscribe := g.events.Subscribe(64)
	defer unsubscribe()

	g.logger.Info("event stream client connected")

	// drain inbound frames so pings and closes are processed
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure &&
					websocket.CloseStatus(err) != websocket.StatusGoingAway {
					g.logger.Error("event stream write failed", slog.String("err", err.Error()))
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Package gateway exposes the control surface over HTTP: channel status,
// start/stop, pairing QR images, and a websocket event stream.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/corvid-labs/courier/pkg/channels"
	"github.com/corvid-labs/courier/pkg/events"
	"github.com/corvid-labs/courier/pkg/telemetry"
)

type Gateway struct {
	server    *http.Server
	router    *chi.Mux
	registry  *channels.Registry
	events    *events.Broadcaster
	logger    *slog.Logger
	authToken string
}

type Config struct {
	Bind      string
	Port      int
	Registry  *channels.Registry
	Events    *events.Broadcaster
	Logger    *slog.Logger
	AuthToken string
}

func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	g := &Gateway{
		router:    r,
		registry:  cfg.Registry,
		events:    cfg.Events,
		logger:    cfg.Logger,
		authToken: cfg.AuthToken,
	}

	g.registerRoutes()

	addr := resolveAddr(cfg.Bind, cfg.Port)
	g.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return g
}

func (g *Gateway) registerRoutes() {
	g.router.Get("/healthz", g.handleHealthz)
	g.router.Get("/readyz", g.handleReadyz)
	g.router.Handle("/metrics", promhttp.Handler())

	g.router.Group(func(r chi.Router) {
		if g.authToken != "" {
			r.Use(g.authMiddleware)
		}
		r.Get("/channels", g.handleListChannels)
		r.Post("/channels/{id}/start", g.handleStartChannel)
		r.Post("/channels/{id}/stop", g.handleStopChannel)
		r.Get("/channels/{id}/qr", g.handleChannelQR)
		r.Get("/ws", g.handleWebSocket)
	})
}

func (g *Gateway) Start(ctx context.Context) error {
	logger := telemetry.FromContext(ctx)
	logger.Info("gateway listening", slog.String("addr", g.server.Addr))

	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return g.shutdown()
	case err := <-errCh:
		return err
	}
}

func (g *Gateway) shutdown() error {
	g.logger.Info("gateway shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.server.Shutdown(ctx)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (g *Gateway) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ready"}`)
}

type channelInfo struct {
	ID        string `json:"id"`
	Network   string `json:"network"`
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

func (g *Gateway) handleListChannels(w http.ResponseWriter, r *http.Request) {
	if g.registry == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no registry"})
		return
	}

	infos := make([]channelInfo, 0)
	for _, id := range g.registry.List() {
		conn, ok := g.registry.Get(id)
		if !ok {
			continue
		}
		status, _ := g.registry.GetStatus(id)
		infos = append(infos, channelInfo{
			ID:        id,
			Network:   conn.Network(),
			Status:    string(status),
			Connected: conn.Connected(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": infos})
}

func (g *Gateway) handleStartChannel(w http.ResponseWriter, r *http.Request) {
	g.handleChannelOp(w, r, g.registry.Start)
}

func (g *Gateway) handleStopChannel(w http.ResponseWriter, r *http.Request) {
	g.handleChannelOp(w, r, g.registry.Stop)
}

func (g *Gateway) handleChannelOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	if g.registry == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no registry"})
		return
	}
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), channels.ErrUnknownChannel.Error()) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	st, _ := g.registry.GetStatus(id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(st)})
}

// pairable is implemented by adapters that issue pairing codes.
type pairable interface {
	PairingCode() string
}

// handleChannelQR renders the channel's current pairing code as a PNG.
// Clients poll this endpoint; 404 means no code is pending right now.
func (g *Gateway) handleChannelQR(w http.ResponseWriter, r *http.Request) {
	if g.registry == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no registry"})
		return
	}
	id := chi.URLParam(r, "id")
	conn, ok := g.registry.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown channel"})
		return
	}
	p, ok := conn.(pairable)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel does not pair by code"})
		return
	}
	code := p.PairingCode()
	if code == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pairing code pending"})
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "encoding qr code"})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header || token != g.authToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func resolveAddr(bind string, port int) string {
	var host string
	switch bind {
	case "lan", "all":
		host = "0.0.0.0"
	case "loopback", "":
		host = "127.0.0.1"
	default:
		host = bind
	}
	return fmt.Sprintf("%s:%d", host, port)
}

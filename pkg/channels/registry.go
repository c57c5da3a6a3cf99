package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/corvid-labs/courier/pkg/telemetry"
)

// Status is the registry's coarse, reconciled view of a channel. It is kept
// deliberately separate from the adapter's own ConnState: an adapter may
// self-heal without the registry's Start call ever completing, so the
// registry re-derives truth from Connected() instead of trusting its own
// bookkeeping.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusConnected Status = "connected"
	StatusStopping  Status = "stopping"
)

// Registry owns every adapter instance together with its config snapshot and
// a registry-level status. Bulk operations isolate per-channel failures.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]Connection
	configs map[string]Config
	status  map[string]Status
}

func NewRegistry() *Registry {
	return &Registry{
		conns:   make(map[string]Connection),
		configs: make(map[string]Config),
		status:  make(map[string]Status),
	}
}

// Register inserts a connection with its config snapshot. Status is seeded
// from the adapter's actual Connected() report, never assumed idle: an
// adapter may already be live when handed over.
func (r *Registry) Register(conn Connection, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	r.conns[id] = conn
	r.configs[id] = cfg
	if conn.Connected() {
		r.status[id] = StatusConnected
	} else {
		r.status[id] = StatusIdle
	}
}

func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

func (r *Registry) Config(id string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

// List returns all registered channel ids in stable order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) GetStatus(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.status[id]
	return st, ok
}

func (r *Registry) setStatus(id string, st Status) {
	r.mu.Lock()
	r.status[id] = st
	r.mu.Unlock()
}

// Start brings one channel up and reconciles its status from ground truth.
func (r *Registry) Start(ctx context.Context, id string) error {
	conn, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("registry: start %q: %w", id, ErrUnknownChannel)
	}

	if conn.Connected() {
		r.setStatus(id, StatusConnected)
		return nil
	}

	// A "starting" row with no live connection is a stuck prior attempt.
	if st, _ := r.GetStatus(id); st == StatusStarting {
		telemetry.FromContext(ctx).Warn("resetting stuck starting channel",
			slog.String("channel", id))
		r.setStatus(id, StatusIdle)
	}

	r.setStatus(id, StatusStarting)
	err := conn.Start(ctx)
	r.resync(id, conn)
	if err != nil {
		return fmt.Errorf("registry: start %q: %w", id, err)
	}
	return nil
}

// Stop tears one channel down. Channels already stopping or idle are
// skipped.
func (r *Registry) Stop(ctx context.Context, id string) error {
	conn, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("registry: stop %q: %w", id, ErrUnknownChannel)
	}

	if st, _ := r.GetStatus(id); st == StatusStopping || st == StatusIdle {
		return nil
	}

	r.setStatus(id, StatusStopping)
	err := conn.Stop(ctx)
	r.resync(id, conn)
	if err != nil {
		return fmt.Errorf("registry: stop %q: %w", id, err)
	}
	return nil
}

// StartAll starts every channel concurrently and waits for all outcomes.
// Individual failures are logged and ignored so one broken channel never
// blocks its siblings.
func (r *Registry) StartAll(ctx context.Context) {
	r.each(ctx, "start", r.Start)
}

// StopAll is the symmetric bulk teardown with the same isolation guarantee.
func (r *Registry) StopAll(ctx context.Context) {
	r.each(ctx, "stop", r.Stop)
}

func (r *Registry) each(ctx context.Context, op string, fn func(context.Context, string) error) {
	logger := telemetry.FromContext(ctx)
	var wg sync.WaitGroup
	for _, id := range r.List() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("channel operation panicked",
						slog.String("op", op),
						slog.String("channel", id),
						slog.Any("panic", rec),
					)
				}
			}()
			if err := fn(ctx, id); err != nil {
				logger.Error("channel operation failed",
					slog.String("op", op),
					slog.String("channel", id),
					slog.String("err", err.Error()),
				)
			}
		}(id)
	}
	wg.Wait()
}

// Clear wipes all three mappings. Used on full teardown and hot reload.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = make(map[string]Connection)
	r.configs = make(map[string]Config)
	r.status = make(map[string]Status)
}

func (r *Registry) resync(id string, conn Connection) {
	if conn.Connected() {
		r.setStatus(id, StatusConnected)
	} else {
		r.setStatus(id, StatusIdle)
	}
}

var (
	activeMu sync.RWMutex
	active   *Registry
)

// SetActive publishes the process-wide registry so tool-initiated sends can
// resolve channels by id. Pass nil on teardown.
func SetActive(r *Registry) {
	activeMu.Lock()
	active = r
	activeMu.Unlock()
}

// Active returns the process-wide registry, or nil before initialization.
func Active() *Registry {
	activeMu.RLock()
	defer activeMu.RUnlock()
	return active
}

package bridge

import (
	"context"
	"testing"

	"github.com/corvid-labs/courier/pkg/channels"
	"github.com/corvid-labs/courier/pkg/config"
	"github.com/corvid-labs/courier/pkg/events"
)

func TestNewRegistersEnabledChannels(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = map[string]config.ChannelConfig{
		"signal":   {Enabled: true},
		"telegram": {Enabled: false},
	}

	b, err := New(context.Background(), Options{
		Config:  cfg,
		Store:   testStore(t),
		Runtime: echoRuntime(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { channels.SetActive(nil) })

	ids := b.Registry().List()
	if len(ids) != 1 || ids[0] != "signal" {
		t.Errorf("registered channels = %v, want [signal]", ids)
	}
	if channels.Active() != b.Registry() {
		t.Error("bridge did not publish the active registry")
	}
}

func TestNewRejectsUnknownNetwork(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = map[string]config.ChannelConfig{
		"carrier-pigeon": {Enabled: true},
	}

	_, err := New(context.Background(), Options{
		Config:  cfg,
		Store:   testStore(t),
		Runtime: echoRuntime(),
	})
	if err == nil {
		t.Fatal("expected error for unknown network")
	}
}

func TestTokenNetworkWithoutTokenStaysIdle(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = map[string]config.ChannelConfig{
		"telegram": {Enabled: true},
		"signal":   {Enabled: true},
	}

	b, err := New(context.Background(), Options{
		Config:  cfg,
		Store:   testStore(t),
		Runtime: echoRuntime(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { channels.SetActive(nil) })

	// the unconfigured channel settles idle without blocking its sibling
	b.StartAll(context.Background())

	if st, _ := b.Registry().GetStatus("telegram"); st != channels.StatusIdle {
		t.Errorf("telegram status = %v, want idle", st)
	}
	if st, _ := b.Registry().GetStatus("signal"); st != channels.StatusConnected {
		t.Errorf("signal status = %v, want connected", st)
	}
}

func TestStatusCallbackPublishesEvents(t *testing.T) {
	broadcaster := events.NewBroadcaster()
	defer broadcaster.Close()

	b := &Bridge{events: broadcaster}
	sub, cancel := broadcaster.Subscribe(4)
	defer cancel()

	b.statusCallback("whatsapp")(channels.StateConnected)

	ev := <-sub
	if ev.Type != events.TypeStatus || ev.ChannelID != "whatsapp" || ev.Status != "connected" {
		t.Errorf("event = %+v", ev)
	}
}

func TestPairingCallbackDistinguishesCleared(t *testing.T) {
	broadcaster := events.NewBroadcaster()
	defer broadcaster.Close()

	b := &Bridge{events: broadcaster}
	sub, cancel := broadcaster.Subscribe(4)
	defer cancel()

	cb := b.pairingCallback("whatsapp")
	cb("CODE-123")
	cb("")

	first := <-sub
	if first.Type != events.TypePairingCode || first.Code != "CODE-123" {
		t.Errorf("first event = %+v", first)
	}
	second := <-sub
	if second.Type != events.TypePairingCleared || second.Code != "" {
		t.Errorf("second event = %+v", second)
	}
}

func TestShutdownRetiresRegistry(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = map[string]config.ChannelConfig{
		"signal": {Enabled: true},
	}

	b, err := New(context.Background(), Options{
		Config:  cfg,
		Store:   testStore(t),
		Runtime: echoRuntime(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	b.StartAll(context.Background())
	b.Shutdown(context.Background())

	if channels.Active() != nil {
		t.Error("active registry survived shutdown")
	}
	if len(b.Registry().List()) != 0 {
		t.Error("registry not cleared on shutdown")
	}
}

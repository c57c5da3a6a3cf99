package whatsapp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/corvid-labs/courier/pkg/channels"
)

type fakeSession struct {
	mu         sync.Mutex
	connected  bool
	paired     bool
	connectErr error
	saved      int
	wiped      int
	removed    int
	sent       []string
	qr         chan whatsmeow.QRChannelItem
}

func (f *fakeSession) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeSession) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSession) AddEventHandler(fn func(evt any)) uint32 { return 1 }

func (f *fakeSession) RemoveEventHandlers() {
	f.mu.Lock()
	f.removed++
	f.mu.Unlock()
}

func (f *fakeSession) Paired() bool { return f.paired }

func (f *fakeSession) QRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	if f.qr == nil {
		return nil, errors.New("no qr channel")
	}
	return f.qr, nil
}

func (f *fakeSession) SendText(ctx context.Context, to types.JID, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) SaveCredentials(ctx context.Context) error {
	f.mu.Lock()
	f.saved++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) WipeCredentials(ctx context.Context) error {
	f.mu.Lock()
	f.wiped++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) GroupName(ctx context.Context, jid types.JID) string { return "test group" }

type statusRecorder struct {
	mu     sync.Mutex
	states []channels.ConnState
}

func (r *statusRecorder) callback() channels.StatusCallback {
	return func(s channels.ConnState) {
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
	}
}

func (r *statusRecorder) count(s channels.ConnState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.states {
		if st == s {
			n++
		}
	}
	return n
}

func newTestConn(t *testing.T, rec *statusRecorder, fake *fakeSession) *Connection {
	t.Helper()
	opts := Options{ID: "whatsapp", Enabled: true}
	if rec != nil {
		opts.OnStatus = rec.callback()
	}
	c := New(opts)
	c.newSession = func(ctx context.Context) (session, error) {
		return fake, nil
	}
	return c
}

func TestStartOpensSession(t *testing.T) {
	fake := &fakeSession{paired: true}
	rec := &statusRecorder{}
	c := newTestConn(t, rec, fake)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !fake.IsConnected() {
		t.Fatal("session not connected after Start")
	}
	if rec.count(channels.StateConnecting) != 1 {
		t.Errorf("connecting emissions = %d, want 1", rec.count(channels.StateConnecting))
	}

	c.settleOpen()
	if !c.Connected() {
		t.Fatal("Connected() = false after settle")
	}
	if rec.count(channels.StateConnected) != 1 {
		t.Errorf("connected emissions = %d, want 1", rec.count(channels.StateConnected))
	}
}

func TestConnectedEmittedExactlyOnce(t *testing.T) {
	fake := &fakeSession{paired: true}
	rec := &statusRecorder{}
	c := newTestConn(t, rec, fake)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.settleOpen()
	c.settleOpen()
	c.settleOpen()

	if got := rec.count(channels.StateConnected); got != 1 {
		t.Errorf("connected emissions = %d, want 1", got)
	}
}

func TestStartWhileConnectedIsNoop(t *testing.T) {
	fake := &fakeSession{paired: true}
	c := newTestConn(t, nil, fake)

	calls := 0
	c.newSession = func(ctx context.Context) (session, error) {
		calls++
		return fake, nil
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.settleOpen()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if calls != 1 {
		t.Errorf("session opened %d times, want 1", calls)
	}
}

func TestConcurrentStartOpensOneSession(t *testing.T) {
	fake := &fakeSession{paired: true}
	c := newTestConn(t, nil, fake)

	var mu sync.Mutex
	calls := 0
	c.newSession = func(ctx context.Context) (session, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return fake, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Start(context.Background())
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("session opened %d times, want 1", calls)
	}
}

func TestStartErrorSettlesDisconnected(t *testing.T) {
	c := newTestConn(t, nil, nil)
	c.newSession = func(ctx context.Context) (session, error) {
		return nil, errors.New("no database")
	}

	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	// a failed session open is transient, not a configuration fault
	if errors.Is(err, channels.ErrNotStarted) {
		t.Errorf("err = %v, want a plain wrapped error", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after failed start")
	}
}

func TestCloseDuringDebounceKeepsRecovery(t *testing.T) {
	fake := &fakeSession{paired: true}
	rec := &statusRecorder{}
	c := newTestConn(t, rec, fake)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// the close lands inside the debounce window
	c.handleEvent(&events.Connected{})
	c.handleEvent(&events.Disconnected{})

	time.Sleep(connectDebounce + 200*time.Millisecond)

	if got := c.state.Get(); got == channels.StateConnected {
		t.Error("settled connected for a torn-down session")
	}
	if got := rec.count(channels.StateConnected); got != 0 {
		t.Errorf("connected emissions = %d, want 0", got)
	}

	c.mu.Lock()
	timer := c.reconnect
	client := c.client
	c.mu.Unlock()
	if timer == nil {
		t.Error("recovery reconnect timer was lost")
	}
	if client != nil {
		t.Error("session handle survived the close")
	}
}

func TestFailedReconnectSchedulesAnother(t *testing.T) {
	fake := &fakeSession{paired: true}
	c := newTestConn(t, nil, fake)

	fail := true
	c.newSession = func(ctx context.Context) (session, error) {
		if fail {
			return nil, errors.New("store locked")
		}
		return fake, nil
	}

	c.attemptReconnect()

	c.mu.Lock()
	timer := c.reconnect
	c.mu.Unlock()
	if timer == nil {
		t.Fatal("no retry scheduled after failed reconnect")
	}

	fail = false
	c.attemptReconnect()

	if !fake.IsConnected() {
		t.Error("session not connected after recovering reconnect")
	}
	c.mu.Lock()
	timer = c.reconnect
	c.mu.Unlock()
	if timer != nil {
		t.Error("retry timer armed after successful reconnect")
	}
}

func TestFailedRebuildFallsBackToReconnect(t *testing.T) {
	fake := &fakeSession{}
	c := newTestConn(t, nil, fake)

	c.newSession = func(ctx context.Context) (session, error) {
		return nil, errors.New("store locked")
	}
	c.mu.Lock()
	c.restarting = true
	c.mu.Unlock()

	c.rebuildAfterPairing()

	c.mu.Lock()
	restarting := c.restarting
	timer := c.reconnect
	c.mu.Unlock()
	if restarting {
		t.Error("restarting flag survived failed rebuild")
	}
	if timer == nil {
		t.Error("no reconnect scheduled after failed rebuild")
	}
}

func TestClosedSchedulesOneReconnect(t *testing.T) {
	fake := &fakeSession{paired: true}
	rec := &statusRecorder{}
	c := newTestConn(t, rec, fake)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.settleOpen()

	c.handleEvent(&events.Disconnected{})
	c.handleEvent(&events.Disconnected{})

	c.mu.Lock()
	timer := c.reconnect
	c.mu.Unlock()
	if timer == nil {
		t.Fatal("no reconnect scheduled")
	}

	// disconnected surfaced once even though the close fired twice
	if got := rec.count(channels.StateDisconnected); got != 1 {
		t.Errorf("disconnected emissions = %d, want 1", got)
	}
	// the channel keeps trying: status holds at connecting
	if got := c.state.Get(); got != channels.StateConnecting {
		t.Errorf("state = %v, want connecting", got)
	}
}

func TestClosedBeforeConnectedEmitsNoDisconnect(t *testing.T) {
	fake := &fakeSession{paired: true}
	rec := &statusRecorder{}
	c := newTestConn(t, rec, fake)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.handleEvent(&events.ConnectFailure{})

	if got := rec.count(channels.StateDisconnected); got != 0 {
		t.Errorf("disconnected emissions = %d, want 0", got)
	}
	c.mu.Lock()
	timer := c.reconnect
	c.mu.Unlock()
	if timer == nil {
		t.Fatal("no reconnect scheduled")
	}
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	fake := &fakeSession{paired: true}
	c := newTestConn(t, nil, fake)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.settleOpen()
	c.handleEvent(&events.Disconnected{})

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	c.mu.Lock()
	timer := c.reconnect
	stopped := c.stopped
	c.mu.Unlock()
	if timer != nil {
		t.Error("reconnect timer survived Stop")
	}
	if !stopped {
		t.Error("stopped flag not set")
	}
	if c.Connected() {
		t.Error("Connected() = true after Stop")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	fake := &fakeSession{paired: true}
	rec := &statusRecorder{}
	c := newTestConn(t, rec, fake)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.settleOpen()

	for i := 0; i < 3; i++ {
		if err := c.Stop(context.Background()); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}
	if got := rec.count(channels.StateDisconnected); got != 1 {
		t.Errorf("disconnected emissions = %d, want 1", got)
	}
}

func TestLoggedOutWipesCredentials(t *testing.T) {
	fake := &fakeSession{paired: true}
	rec := &statusRecorder{}
	c := newTestConn(t, rec, fake)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.settleOpen()

	c.handleEvent(&events.LoggedOut{})

	fake.mu.Lock()
	wiped := fake.wiped
	fake.mu.Unlock()
	if wiped != 1 {
		t.Errorf("credentials wiped %d times, want 1", wiped)
	}
	if got := rec.count(channels.StateDisconnected); got != 1 {
		t.Errorf("disconnected emissions = %d, want 1", got)
	}

	// terminal close disables reconnection until a fresh Start
	c.mu.Lock()
	stopped := c.stopped
	timer := c.reconnect
	c.mu.Unlock()
	if !stopped {
		t.Error("stopped flag not set after logout")
	}
	if timer != nil {
		t.Error("reconnect scheduled after terminal close")
	}
}

func TestStreamReplacedIsTerminal(t *testing.T) {
	fake := &fakeSession{paired: true}
	c := newTestConn(t, nil, fake)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.settleOpen()
	c.handleEvent(&events.StreamReplaced{})

	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if !stopped {
		t.Error("stopped flag not set after stream replaced")
	}
	if fake.wiped != 1 {
		t.Errorf("credentials wiped %d times, want 1", fake.wiped)
	}
}

func TestPairSuccessPersistsAndHoldsStatus(t *testing.T) {
	fake := &fakeSession{}
	rec := &statusRecorder{}
	c := newTestConn(t, rec, fake)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.handleEvent(&events.PairSuccess{})

	fake.mu.Lock()
	saved := fake.saved
	fake.mu.Unlock()
	if saved != 1 {
		t.Errorf("credentials saved %d times, want 1", saved)
	}
	if got := rec.count(channels.StateDisconnected); got != 0 {
		t.Errorf("disconnected emissions = %d, want 0", got)
	}
	if got := c.state.Get(); got != channels.StateConnecting {
		t.Errorf("state = %v, want connecting", got)
	}

	c.mu.Lock()
	restart := c.restart
	restarting := c.restarting
	c.mu.Unlock()
	if restart == nil {
		t.Error("no session rebuild scheduled")
	}
	if !restarting {
		t.Error("restarting flag not set")
	}

	// a close arriving during the rebuild window is absorbed
	c.handleEvent(&events.Disconnected{})
	if got := rec.count(channels.StateDisconnected); got != 0 {
		t.Errorf("disconnected emissions during restart = %d, want 0", got)
	}
}

func TestPairingCodeLifecycle(t *testing.T) {
	fake := &fakeSession{}
	var mu sync.Mutex
	var codes []string
	c := newTestConn(t, nil, fake)
	c.onPairing = func(code string) {
		mu.Lock()
		codes = append(codes, code)
		mu.Unlock()
	}

	c.handlePairingCode("CODE-1")
	if got := c.PairingCode(); got != "CODE-1" {
		t.Errorf("PairingCode() = %q, want %q", got, "CODE-1")
	}

	c.clearPairingCode()
	c.clearPairingCode()

	mu.Lock()
	defer mu.Unlock()
	if len(codes) != 2 {
		t.Fatalf("callback fired %d times, want 2 (code then one cleared)", len(codes))
	}
	if codes[0] != "CODE-1" || codes[1] != "" {
		t.Errorf("callbacks = %v, want [CODE-1 \"\"]", codes)
	}
}

func TestLatePairingCodeIgnoredWhenConnected(t *testing.T) {
	fake := &fakeSession{paired: true}
	c := newTestConn(t, nil, fake)
	fired := false
	c.onPairing = func(string) { fired = true }

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.settleOpen()

	c.handlePairingCode("LATE-CODE")

	if c.PairingCode() != "" {
		t.Error("late code cached while connected")
	}
	if fired {
		t.Error("late code surfaced while connected")
	}
}

func TestSendRequiresConnection(t *testing.T) {
	fake := &fakeSession{paired: true}
	c := newTestConn(t, nil, fake)

	err := c.Send(context.Background(), "hello", "123456")
	if !errors.Is(err, channels.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestSendDeliversText(t *testing.T) {
	fake := &fakeSession{paired: true}
	c := newTestConn(t, nil, fake)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.settleOpen()

	if err := c.Send(context.Background(), "hello", "123456"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sent) != 1 || fake.sent[0] != "hello" {
		t.Errorf("sent = %v, want [hello]", fake.sent)
	}
}

func TestNormalizeJID(t *testing.T) {
	tests := []struct {
		in      string
		server  string
		wantErr bool
	}{
		{"123456789", types.DefaultUserServer, false},
		{"123456-789", types.GroupServer, false},
		{"123456789@s.whatsapp.net", types.DefaultUserServer, false},
		{"", "", true},
	}
	for _, tt := range tests {
		jid, err := normalizeJID(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("normalizeJID(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("normalizeJID(%q): %v", tt.in, err)
			continue
		}
		if jid.Server != tt.server {
			t.Errorf("normalizeJID(%q).Server = %q, want %q", tt.in, jid.Server, tt.server)
		}
	}
}

func TestHandleMessageDispatch(t *testing.T) {
	fake := &fakeSession{paired: true}
	c := newTestConn(t, nil, fake)

	var mu sync.Mutex
	var got []channels.Message
	c.Subscribe(func(ctx context.Context, msg channels.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	text := "hi there"
	c.handleMessage(&events.Message{
		Info: types.MessageInfo{
			ID:        "m1",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.NewJID("111222333", types.DefaultUserServer),
				Sender: types.NewJID("111222333", types.DefaultUserServer),
			},
		},
		Message: &waE2E.Message{Conversation: &text},
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(got))
	}
	if got[0].Text != "hi there" {
		t.Errorf("Text = %q, want %q", got[0].Text, "hi there")
	}
	if got[0].Meta.PeerKind != channels.PeerDirect {
		t.Errorf("PeerKind = %q, want direct", got[0].Meta.PeerKind)
	}
}

func TestHandleMessageObeysAllowList(t *testing.T) {
	fake := &fakeSession{paired: true}
	c := newTestConn(t, nil, fake)
	c.policy = channels.Policy{AllowFrom: []string{"999888777"}}

	dispatched := 0
	c.Subscribe(func(ctx context.Context, msg channels.Message) {
		dispatched++
	})

	text := "blocked"
	c.handleMessage(&events.Message{
		Info: types.MessageInfo{
			ID: "m2",
			MessageSource: types.MessageSource{
				Chat:   types.NewJID("111222333", types.DefaultUserServer),
				Sender: types.NewJID("111222333", types.DefaultUserServer),
			},
		},
		Message: &waE2E.Message{Conversation: &text},
	})

	if dispatched != 0 {
		t.Errorf("dispatched %d messages, want 0", dispatched)
	}
}

func TestOwnMessagesIgnored(t *testing.T) {
	fake := &fakeSession{paired: true}
	c := newTestConn(t, nil, fake)

	dispatched := 0
	c.Subscribe(func(ctx context.Context, msg channels.Message) {
		dispatched++
	})

	text := "echo"
	c.handleMessage(&events.Message{
		Info: types.MessageInfo{
			ID: "m3",
			MessageSource: types.MessageSource{
				Chat:     types.NewJID("111222333", types.DefaultUserServer),
				Sender:   types.NewJID("111222333", types.DefaultUserServer),
				IsFromMe: true,
			},
		},
		Message: &waE2E.Message{Conversation: &text},
	})

	if dispatched != 0 {
		t.Errorf("dispatched %d own messages, want 0", dispatched)
	}
}

func TestDebounceCollapsesFlapping(t *testing.T) {
	fake := &fakeSession{paired: true}
	rec := &statusRecorder{}
	c := newTestConn(t, rec, fake)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// three rapid opens settle exactly once
	c.handleEvent(&events.Connected{})
	c.handleEvent(&events.Connected{})
	c.handleEvent(&events.Connected{})

	time.Sleep(connectDebounce + 200*time.Millisecond)

	if got := rec.count(channels.StateConnected); got != 1 {
		t.Errorf("connected emissions = %d, want 1", got)
	}
}

package channels

import "testing"

func TestStateInitialIsDisconnected(t *testing.T) {
	var s State
	if got := s.Get(); got != StateDisconnected {
		t.Errorf("initial state = %v, want disconnected", got)
	}
}

func TestSameStateTransitionRejected(t *testing.T) {
	var s State
	if !s.Set(StateConnecting) {
		t.Fatal("disconnected -> connecting rejected")
	}
	if s.Set(StateConnecting) {
		t.Error("connecting -> connecting accepted")
	}
}

func TestStoppingOnlyLeadsToDisconnected(t *testing.T) {
	var s State
	s.Set(StateConnecting)
	s.Set(StateConnected)
	s.Set(StateStopping)

	if s.Set(StateConnecting) {
		t.Error("stopping -> connecting accepted")
	}
	if s.Set(StateConnected) {
		t.Error("stopping -> connected accepted")
	}
	if !s.Set(StateDisconnected) {
		t.Error("stopping -> disconnected rejected")
	}
}

func TestDisconnectedCannotJumpToConnected(t *testing.T) {
	var s State
	if s.Set(StateConnected) {
		t.Error("disconnected -> connected accepted")
	}
}

func TestConnectingMayGoAnywhere(t *testing.T) {
	for _, to := range []ConnState{StateDisconnected, StateConnected, StateStopping} {
		var s State
		s.Set(StateConnecting)
		if !s.Set(to) {
			t.Errorf("connecting -> %v rejected", to)
		}
	}
}

func TestIs(t *testing.T) {
	var s State
	s.Set(StateConnecting)
	if !s.Is(StateConnected, StateConnecting) {
		t.Error("Is missed current state")
	}
	if s.Is(StateConnected, StateStopping) {
		t.Error("Is matched absent states")
	}
}

func TestConnStateString(t *testing.T) {
	tests := map[ConnState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateStopping:     "stopping",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}

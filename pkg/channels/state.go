package channels

import "sync"

// ConnState is an adapter-internal connection state. It is distinct from the
// registry-level Status: the registry reconciles, the adapter controls.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateStopping
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopping:
		return "stopping"
	default:
		return "disconnected"
	}
}

// State is a guarded connection-state holder. Transitions that are invalid
// or would not change the state are rejected, which is what keeps
// "connected"/"disconnected" emissions to exactly one per transition.
type State struct {
	mu  sync.Mutex
	cur ConnState
}

func (s *State) Get() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Set attempts a transition and reports whether it took effect.
func (s *State) Set(to ConnState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validTransition(s.cur, to) {
		return false
	}
	s.cur = to
	return true
}

// Is reports whether the current state equals any of the given states.
func (s *State) Is(states ...ConnState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		if s.cur == st {
			return true
		}
	}
	return false
}

func validTransition(from, to ConnState) bool {
	if from == to {
		return false
	}
	switch from {
	case StateDisconnected:
		return to == StateConnecting || to == StateStopping
	case StateConnecting:
		return true
	case StateConnected:
		return true
	case StateStopping:
		return to == StateDisconnected
	}
	return false
}

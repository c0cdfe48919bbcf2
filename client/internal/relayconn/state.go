package relayconn

import "sync/atomic"

// State is the connection state of a Manager.
type State uint32

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// stateGuard handles atomic state transitions. Writers hold Manager.mu;
// readers may load without it.
type stateGuard struct {
	state uint32
}

func (g *stateGuard) get() State {
	return State(atomic.LoadUint32(&g.state))
}

func (g *stateGuard) set(s State) {
	atomic.StoreUint32(&g.state, uint32(s))
}

// transition attempts to move from one state to another and reports whether
// it succeeded.
func (g *stateGuard) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&g.state, uint32(from), uint32(to))
}

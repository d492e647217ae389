package bridge

import "fmt"

// ConnState is the lifecycle state of one room ↔ server connection.
type ConnState int

const (
	StateUnbound ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateConnectFailed
)

func (s ConnState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateConnectFailed:
		return "connect_failed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// Terminal states end an attempt; a new attempt starts a new Connection.
func (s ConnState) Terminal() bool {
	return s == StateDisconnected || s == StateConnectFailed
}

var transitions = map[ConnState][]ConnState{
	StateUnbound:    {StateConnecting},
	StateConnecting: {StateConnected, StateConnectFailed},
	StateConnected:  {StateDisconnected},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to ConnState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

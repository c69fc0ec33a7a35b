package hub

// State is the connection lifecycle state.
//
//	disconnected → connecting → connected → registered
//
// failed is entered from any state once reconnect attempts are exhausted
// and is only left through Retry.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRegistered
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateChange is published on every state transition.
type StateChange struct {
	From State
	To   State
}

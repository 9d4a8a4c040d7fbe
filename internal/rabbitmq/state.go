package rabbitmq

// State is the broker connection state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateListener receives connection state transitions. err carries the cause
// of a transition into Degraded or Disconnected, and is nil otherwise.
type StateListener interface {
	OnStateChange(from, to State, err error)
}

// StateListenerFunc adapts a function to StateListener
type StateListenerFunc func(from, to State, err error)

// OnStateChange implements StateListener
func (f StateListenerFunc) OnStateChange(from, to State, err error) {
	f(from, to, err)
}

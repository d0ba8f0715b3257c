package connection

// State is the coordinator's connection state.
type State uint8

const (
	// StateDisconnected: no session, a connect attempt is pending.
	StateDisconnected State = iota

	// StateConnecting: dialing and sending the handshake.
	StateConnecting

	// StateStreaming: the receive loop is delivering messages.
	StateStreaming

	// StateFailed: the circuit breaker is open or credentials were rejected.
	StateFailed

	// StateShutDown: torn down; terminal.
	StateShutDown
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateFailed:
		return "FAILED"
	case StateShutDown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

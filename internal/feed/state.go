package feed

// State identifies the lifecycle phase of the logical feed connection.
type State int

const (
	// StateDisconnected means no socket is open and no retry is scheduled.
	StateDisconnected State = iota
	// StateConnecting means the initial dial is in flight.
	StateConnecting
	// StateConnected means the socket is open and healthy.
	StateConnected
	// StateReconnecting means the socket dropped and a retry cycle is running.
	StateReconnecting
	// StateFallbackActive means the real feed was abandoned in favour of
	// synthetic data after repeated connection failures.
	StateFallbackActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFallbackActive:
		return "fallback_active"
	default:
		return "unknown"
	}
}

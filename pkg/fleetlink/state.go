package fleetlink

// ConnectionState is the lifecycle state of the single live connection.
type ConnectionState int

const (
	// StateDisconnected means no connection exists and none is being attempted.
	StateDisconnected ConnectionState = iota

	// StateConnecting means Connect was called and the first dial is in flight.
	StateConnecting

	// StateConnected means the transport is open and frames are flowing.
	StateConnected

	// StateReconnecting means the connection was lost and the client is
	// retrying according to its reconnection policy.
	StateReconnecting

	// StateFailed means reconnect attempts are exhausted. Only an explicit
	// Connect or Reconnect leaves this state.
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanConnect reports whether Connect is valid from s.
func (s ConnectionState) CanConnect() bool {
	return s == StateDisconnected || s == StateFailed
}

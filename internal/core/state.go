package core

// TunnelState is the lifecycle state of the single tunnel session.
type TunnelState int

const (
	StateDisconnected TunnelState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (s TunnelState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Busy reports whether a connect or disconnect is in progress.
func (s TunnelState) Busy() bool {
	return s == StateConnecting || s == StateDisconnecting
}

// Package transport implements the Transport Session Manager: it owns the
// lifecycle of the single live connection bound to the active conversation,
// reconnects with bounded exponential backoff, and routes decoded inbound
// events to the message store and canvas engine.
package transport

// Status is the observable live-connection state. Connection failures are
// surfaced exclusively through status transitions and logs; they never
// mutate the message log.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusError
	StatusFailed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

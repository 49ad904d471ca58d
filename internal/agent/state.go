package agent

// State is the connection lifecycle. It only moves forward:
// Disconnected -> Connecting -> Open -> Closing -> Closed. Every close,
// whether started locally or by the peer, passes through Closing. A failed
// Start goes from Connecting straight to Closed, and Shutdown before Start
// from Disconnected to Closed. There is no path back to
// Connecting.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

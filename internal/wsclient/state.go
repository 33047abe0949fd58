package wsclient

// State is the lifecycle state of a Client.
//
//	Disconnected -> Connecting -> Connected -> Disconnected -> Connecting ...
//	                     \-> Exhausted (terminal until the next Connect)
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

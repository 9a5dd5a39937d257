package chat

// ConnectionState is the lifecycle state of a transport handle.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Joined
	Reconnecting
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Label is the status indicator text for the conversation header.
func (s ConnectionState) Label() string {
	switch s {
	case Connecting:
		return "Connecting..."
	case Joined:
		return "Active now"
	case Reconnecting:
		return "Reconnecting..."
	case Closed:
		return "Offline"
	default:
		return "Disconnected"
	}
}

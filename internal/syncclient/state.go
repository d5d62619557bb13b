package syncclient

// State is the connection state of a Client.
type State int

const (
	// Uninitialized: no document has been loaded yet.
	Uninitialized State = iota
	// Syncing: a document is loaded but no connection identity is known.
	Syncing
	// Connected: identity established, live updates flowing.
	Connected
	// Disconnected: the live stream dropped; a catch-up runs once a new
	// identity arrives.
	Disconnected
	// Closed is terminal and only reached through Destroy.
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Syncing:
		return "syncing"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	}
	return "unknown"
}

package reactor

import "fmt"

type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Mode restricts a Conn to one direction for descriptors such as pipes.
type Mode uint8

const (
	ModeDuplex Mode = iota
	ModeReadOnly
	ModeWriteOnly
)

func (m Mode) readable() bool {
	return m != ModeWriteOnly
}

func (m Mode) writable() bool {
	return m != ModeReadOnly
}

type NotificationKind uint8

const (
	NotifyConnected NotificationKind = iota
	NotifyReceived
	NotifyWritten
	NotifyDisconnected
	NotifyError
)

// Notification is one event raised by a Conn, delivered to its owner on the
// delegate queue in the order it was generated.
type Notification struct {
	Kind  NotificationKind
	Bytes int
	Err   error
}

func (n Notification) String() string {
	switch n.Kind {
	case NotifyConnected:
		return "connected"
	case NotifyReceived:
		return fmt.Sprint("received ", n.Bytes, " bytes")
	case NotifyWritten:
		return fmt.Sprint("wrote ", n.Bytes, " bytes")
	case NotifyDisconnected:
		return "disconnected"
	default:
		return fmt.Sprint("error: ", n.Err)
	}
}

package wait

import (
	"context"
	"time"
)

type Kind uint8

const (
	Connected Kind = iota
	Disconnected
	Readable
	WriteFlushed
	Failed
	ListeningStarted
	ListeningStopped
	ConnectionAccepted
	kindCount
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Readable:
		return "readable"
	case WriteFlushed:
		return "write flushed"
	case Failed:
		return "failed"
	case ListeningStarted:
		return "listening started"
	case ListeningStopped:
		return "listening stopped"
	case ConnectionAccepted:
		return "connection accepted"
	default:
		return "unknown"
	}
}

// Bridge holds one Event per Kind for a single entity.
type Bridge struct {
	events [kindCount]Event
}

func (b *Bridge) Event(kind Kind) *Event {
	return &b.events[kind]
}

func (b *Bridge) Signal(kind Kind) {
	b.events[kind].Signal()
}

func (b *Bridge) Count(kind Kind) uint64 {
	return b.events[kind].Count()
}

func (b *Bridge) Wait(kind Kind, timeout time.Duration) bool {
	return b.events[kind].Wait(timeout)
}

func (b *Bridge) Await(kind Kind, timeout time.Duration) Outcome {
	return b.events[kind].Await(timeout)
}

func (b *Bridge) AwaitContext(ctx context.Context, kind Kind) Outcome {
	return b.events[kind].AwaitContext(ctx)
}

// Release cancels pending waits on every kind except the given ones.
func (b *Bridge) Release(except ...Kind) {
	for kind := Kind(0); kind < kindCount; kind++ {
		if !contains(except, kind) {
			b.events[kind].Release()
		}
	}
}

func contains(kinds []Kind, kind Kind) bool {
	for _, it := range kinds {
		if it == kind {
			return true
		}
	}
	return false
}

func (b *Bridge) Ticket(kind Kind) Ticket {
	return b.events[kind].Ticket()
}

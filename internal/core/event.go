package core

import "fmt"

// Operation is the kind of change a live event describes.
type Operation string

const (
	// OpInsert announces a newly persisted message.
	OpInsert Operation = "insert"
	// OpUpdate announces a change to mutable fields of an existing message.
	OpUpdate Operation = "update"
)

// AllOperations is the default event filter for a live subscription.
var AllOperations = []Operation{OpInsert, OpUpdate}

// Event is a change notification delivered by the event bus.
// For updates, Message carries the full updated row; only mutable fields are merged.
type Event struct {
	Op      Operation
	Message Message
}

// Validate rejects events with an unknown operation, an unknown message kind
// or missing identity. The error wraps ErrMalformedEvent.
func (e Event) Validate() error {
	switch e.Op {
	case OpInsert, OpUpdate:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrMalformedEvent, e.Op)
	}
	if e.Message.ID <= 0 {
		return fmt.Errorf("%w: missing message id", ErrMalformedEvent)
	}
	if e.Message.Channel == "" {
		return fmt.Errorf("%w: missing channel", ErrMalformedEvent)
	}
	if e.Op == OpInsert {
		if !e.Message.Kind.Valid() {
			return fmt.Errorf("%w: unknown message kind %q", ErrMalformedEvent, e.Message.Kind)
		}
		if e.Message.SentAt.IsZero() {
			return fmt.Errorf("%w: missing sent_at", ErrMalformedEvent)
		}
	}
	return nil
}

// SubscriptionID identifies one subscription on an event bus.
type SubscriptionID string

// EventSink receives the traffic of one subscription.
// HandleDrop is called at most once, when the transport loses the feed.
type EventSink interface {
	HandleEvent(Event)
	HandleDrop(error)
}

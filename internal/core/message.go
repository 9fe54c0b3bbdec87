package core

import "time"

// MessageKind tags what Content holds.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile:
		return true
	}
	return false
}

// DeliveryStatus is client-side only and never persisted.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusConfirmed DeliveryStatus = "confirmed"
	StatusFailed    DeliveryStatus = "failed"
)

// Message is the domain model for a chat message.
//
// ID is assigned by persistence and is zero until the message is stored.
// ClientID is the temporary identity of an optimistic send; it is carried
// through persistence so the live echo can be matched to its pending entry.
type Message struct {
	ID       int64
	ClientID string
	Channel  ChannelKey
	SenderID string
	Content  string
	Kind     MessageKind
	SentAt   time.Time
	Read     bool
	Status   DeliveryStatus
}

// Cursor points at the oldest message already loaded.
type Cursor struct {
	SentAt time.Time
	ID     int64
}

// CursorOf returns the cursor positioned at m.
func CursorOf(m Message) Cursor {
	return Cursor{SentAt: m.SentAt, ID: m.ID}
}

// Less orders messages by (SentAt, ID), then ClientID for entries that have no ID yet.
func Less(a, b Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.ClientID < b.ClientID
}

// Older reports whether m sorts strictly before the cursor position.
func (c Cursor) Older(m Message) bool {
	if !m.SentAt.Equal(c.SentAt) {
		return m.SentAt.Before(c.SentAt)
	}
	return m.ID < c.ID
}

// Patch carries the fields an update may change. Content is immutable once
// persisted, so only the read flag is patchable.
type Patch struct {
	Read *bool
}

// Apply shallow-merges the patch into m.
func (p Patch) Apply(m *Message) {
	if p.Read != nil {
		m.Read = *p.Read
	}
}

// Draft is a locally composed message that has not been sent yet.
type Draft struct {
	Content string
	Kind    MessageKind
}

package proto

import (
	"encoding/json"
	"time"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

// Inbound is the envelope for frames coming from a feed client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeSubscribe   = "subscribe"
	InboundTypeUnsubscribe = "unsubscribe"

	OutboundTypeSubscribed = "subscribed"
	OutboundTypeEvent      = "event"
	OutboundTypeDropped    = "dropped"
	OutboundTypeError      = "error"
)

// SubscribeData opens a feed on one channel. Ref is echoed back in the
// matching subscribed or error frame.
type SubscribeData struct {
	Ref     string   `json:"ref"`
	Channel string   `json:"channel"`
	Ops     []string `json:"ops,omitempty"`
}

// UnsubscribeData closes a feed.
type UnsubscribeData struct {
	Sub string `json:"sub"`
}

// Outbound is the envelope for frames sent to a feed client.
type Outbound struct {
	Type    string   `json:"type"`
	Ref     string   `json:"ref,omitempty"`
	Sub     string   `json:"sub,omitempty"`
	Op      string   `json:"op,omitempty"`
	Message *Message `json:"message,omitempty"`
	Error   *Error   `json:"error,omitempty"`
}

// Message is the wire form of a persisted message.
type Message struct {
	ID       int64     `json:"id"`
	ClientID string    `json:"client_id,omitempty"`
	Channel  string    `json:"channel"`
	SenderID string    `json:"sender_id"`
	Content  string    `json:"content"`
	Kind     string    `json:"kind"`
	SentAt   time.Time `json:"sent_at"`
	Read     bool      `json:"is_read"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// MessageFromCore converts a domain message to its wire form.
func MessageFromCore(m core.Message) Message {
	return Message{
		ID:       m.ID,
		ClientID: m.ClientID,
		Channel:  string(m.Channel),
		SenderID: m.SenderID,
		Content:  m.Content,
		Kind:     string(m.Kind),
		SentAt:   m.SentAt.UTC(),
		Read:     m.Read,
	}
}

// Core converts the wire form back to a domain message.
func (m Message) Core() core.Message {
	return core.Message{
		ID:       m.ID,
		ClientID: m.ClientID,
		Channel:  core.ChannelKey(m.Channel),
		SenderID: m.SenderID,
		Content:  m.Content,
		Kind:     core.MessageKind(m.Kind),
		SentAt:   m.SentAt,
		Read:     m.Read,
		Status:   core.StatusConfirmed,
	}
}

// EventFrame wraps a live event for subscription sub.
func EventFrame(sub core.SubscriptionID, ev core.Event) Outbound {
	m := MessageFromCore(ev.Message)
	return Outbound{
		Type:    OutboundTypeEvent,
		Sub:     string(sub),
		Op:      string(ev.Op),
		Message: &m,
	}
}

// Event converts an event frame back to a domain event. The result is not
// validated; receivers decide what to do with malformed payloads.
func (o Outbound) Event() core.Event {
	ev := core.Event{Op: core.Operation(o.Op)}
	if o.Message != nil {
		ev.Message = o.Message.Core()
	}
	return ev
}

// ErrorFrame builds an error frame for ref.
func ErrorFrame(ref string, err error) Outbound {
	return Outbound{
		Type:  OutboundTypeError,
		Ref:   ref,
		Error: &Error{Code: core.CodeOf(err), Msg: err.Error()},
	}
}

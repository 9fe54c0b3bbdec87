package core

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	good := Message{ID: 1, Channel: "dm:alice:bob", Kind: KindText, SentAt: time.Unix(1, 0)}

	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{name: "insert", event: Event{Op: OpInsert, Message: good}},
		{name: "update without kind", event: Event{Op: OpUpdate, Message: Message{ID: 1, Channel: "dm:alice:bob"}}},
		{name: "unknown op", event: Event{Op: "delete", Message: good}, wantErr: true},
		{name: "missing id", event: Event{Op: OpInsert, Message: Message{Channel: "c", Kind: KindText, SentAt: time.Unix(1, 0)}}, wantErr: true},
		{name: "missing channel", event: Event{Op: OpInsert, Message: Message{ID: 1, Kind: KindText, SentAt: time.Unix(1, 0)}}, wantErr: true},
		{name: "unknown kind", event: Event{Op: OpInsert, Message: Message{ID: 1, Channel: "c", Kind: "sticker", SentAt: time.Unix(1, 0)}}, wantErr: true},
		{name: "missing sent_at", event: Event{Op: OpInsert, Message: Message{ID: 1, Channel: "c", Kind: KindText}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr && !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("fetch page: %w", ErrTransientFetch)
	if code := CodeOf(wrapped); code != ErrCodeTransientFetch {
		t.Fatalf("expected %s, got %s", ErrCodeTransientFetch, code)
	}

	ce := NewChannelError("dm:alice:bob", ErrChannelPermission)
	if ce.Code != ErrCodeChannelPermission {
		t.Fatalf("unexpected code %s", ce.Code)
	}
	if !errors.Is(ce, ErrChannelPermission) {
		t.Fatalf("channel error must unwrap to its cause")
	}
	if ce.Error() != "dm:alice:bob: channel permission denied" {
		t.Fatalf("unexpected message %q", ce.Error())
	}
	if CodeOf(errors.New("boom")) != ErrCodeUnknown {
		t.Fatalf("unclassified errors map to unknown")
	}
}

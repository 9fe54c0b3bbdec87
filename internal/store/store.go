package store

import (
	"context"
	"errors"
	"time"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

var (
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied is returned when the caller may not access a channel.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrConflict is returned when a client id is already bound to another channel or sender.
	ErrConflict = errors.New("client id conflict")
)

// PageQuery selects a page of channel history.
//
// With Before set, the page holds the newest Limit messages strictly older than
// the cursor. With After set, it holds the oldest Limit messages strictly newer
// than the cursor. With Since set, it holds the oldest Limit messages sent at or
// after Since. With none, it holds the newest Limit messages.
// Pages are always returned in ascending (sent_at, id) order.
type PageQuery struct {
	Before *core.Cursor
	After  *core.Cursor
	Since  *time.Time
	Limit  int
}

// Forward reports whether the page is read oldest-first.
func (q PageQuery) Forward() bool {
	return q.Before == nil && (q.After != nil || q.Since != nil)
}

// MessageStore handles message persistence.
type MessageStore interface {
	// FetchMessages returns an ordered page of a channel's history.
	FetchMessages(ctx context.Context, ch core.Channel, q PageQuery) ([]core.Message, error)

	// InsertMessage persists a message and returns the canonical row.
	InsertMessage(ctx context.Context, msg core.Message) (core.Message, error)

	// UpdateMessage applies a patch to an existing message and returns the updated row.
	UpdateMessage(ctx context.Context, id int64, patch core.Patch) (core.Message, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	MessageStore

	// GetMessage returns a single message by id.
	GetMessage(ctx context.Context, id int64) (core.Message, error)

	// Close closes the underlying database connection.
	Close() error
}

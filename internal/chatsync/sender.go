package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

const clientIDPrefix = "tmp-"

var (
	// ErrEmptyDraft is returned for drafts without content.
	ErrEmptyDraft = errors.New("empty draft")
	// ErrUnknownKind is returned for drafts with an unsupported kind.
	ErrUnknownKind = errors.New("unknown message kind")
)

// Sender performs optimistic sends: the entry is visible as pending at once
// and reconciled with its canonical record when the write resolves.
type Sender struct {
	store   store.MessageStore
	userID  string
	now     func() time.Time
	newID   func() string
	log     *zerolog.Logger
	metrics *metrics.Metrics
}

// NewSender builds a sender writing through st as opts.UserID.
func NewSender(st store.MessageStore, opts Options) *Sender {
	opts = opts.withDefaults()
	return &Sender{
		store:   st,
		userID:  opts.UserID,
		now:     time.Now,
		newID:   func() string { return clientIDPrefix + uuid.NewString() },
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
}

// IsTemporaryID reports whether id is a client-assigned temporary id.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, clientIDPrefix)
}

// Send inserts a pending entry for draft and writes it through persistence.
// It returns the final delivery status and the client id of the entry.
func (s *Sender) Send(ctx context.Context, sess *session, draft core.Draft) (core.DeliveryStatus, string, error) {
	if draft.Content == "" {
		return "", "", ErrEmptyDraft
	}
	if draft.Kind == "" {
		draft.Kind = core.KindText
	}
	if !draft.Kind.Valid() {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownKind, draft.Kind)
	}

	msg := core.Message{
		ClientID: s.newID(),
		Channel:  sess.ch.Key,
		SenderID: s.userID,
		Content:  draft.Content,
		Kind:     draft.Kind,
		SentAt:   s.now().UTC(),
		Status:   core.StatusPending,
	}
	added := sess.mutate(func(l *MessageLog) bool {
		return l.AddPending(msg)
	})
	if !added {
		return "", "", core.NewChannelError(sess.ch.Key, core.ErrChannelClosed)
	}

	status, err := s.write(ctx, sess, msg)
	return status, msg.ClientID, err
}

// Retry resends a failed entry under the same client id.
func (s *Sender) Retry(ctx context.Context, sess *session, clientID string) (core.DeliveryStatus, error) {
	var (
		msg core.Message
		ok  bool
	)
	sess.mutate(func(l *MessageLog) bool {
		msg, ok = l.Pending(clientID)
		if !ok || msg.Status != core.StatusFailed {
			ok = false
			return false
		}
		return l.SetPendingStatus(clientID, core.StatusPending)
	})
	if !ok {
		return "", fmt.Errorf("retry %s: %w", clientID, core.ErrMessageNotFound)
	}
	return s.write(ctx, sess, msg)
}

// Discard removes a pending or failed entry.
func (s *Sender) Discard(sess *session, clientID string) bool {
	return sess.mutate(func(l *MessageLog) bool {
		return l.DiscardPending(clientID)
	})
}

func (s *Sender) write(ctx context.Context, sess *session, msg core.Message) (core.DeliveryStatus, error) {
	record := msg
	record.Status = ""

	row, err := s.store.InsertMessage(ctx, record)
	if err != nil {
		sess.mutate(func(l *MessageLog) bool {
			return l.SetPendingStatus(msg.ClientID, core.StatusFailed)
		})
		s.metrics.Send(string(core.StatusFailed))
		s.log.Warn().Err(err).
			Str("channel", string(msg.Channel)).
			Str("client_id", msg.ClientID).
			Msg("send failed")
		return core.StatusFailed, core.NewChannelError(msg.Channel, fmt.Errorf("%w: %w", core.ErrPersistenceWrite, err))
	}

	var out Outcome
	sess.mutate(func(l *MessageLog) bool {
		out = l.ConfirmPending(msg.ClientID, row)
		return out.Changed() || out == OutcomeMalformed
	})
	if out == OutcomeMalformed {
		s.metrics.Send(string(core.StatusFailed))
		s.log.Warn().
			Str("channel", string(msg.Channel)).
			Str("client_id", msg.ClientID).
			Str("row_channel", string(row.Channel)).
			Int64("id", row.ID).
			Msg("write returned a row for another channel")
		return core.StatusFailed, core.NewChannelError(msg.Channel, fmt.Errorf("%w: canonical row %d belongs to %s", core.ErrPersistenceWrite, row.ID, row.Channel))
	}
	s.metrics.Send(string(core.StatusConfirmed))
	s.log.Debug().
		Str("channel", string(msg.Channel)).
		Str("client_id", msg.ClientID).
		Int64("id", row.ID).
		Str("outcome", string(out)).
		Msg("send confirmed")
	return core.StatusConfirmed, nil
}

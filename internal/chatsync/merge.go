package chatsync

import (
	"sort"
	"time"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

// State is the lifecycle position of one channel's log.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome describes what a merge call did with its input.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeReconciled Outcome = "reconciled"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeDiscarded  Outcome = "discarded"
	OutcomeMalformed  Outcome = "malformed"
	OutcomeIgnored    Outcome = "ignored"
)

// Changed reports whether the outcome mutated the log.
func (o Outcome) Changed() bool {
	return o == OutcomeApplied || o == OutcomeReconciled
}

// MessageLog is the ordered, deduplicated message log of a single channel.
//
// Entries are kept sorted by (SentAt, ID); ids indexes canonical entries and
// pending indexes optimistic entries by client id, both mapping to the
// timestamp the entry is sorted under so it can be found by binary search.
// watermark only advances on rows read from history or the live feed, never
// on a write response, so it marks how far the feed is known to be complete.
// Applying any multiset of history pages and live events in any order yields
// the same confirmed entries.
//
// MessageLog is not safe for concurrent use; the owning session serializes calls.
type MessageLog struct {
	key       core.ChannelKey
	entries   []core.Message
	ids       map[int64]time.Time
	pending   map[string]time.Time
	watermark time.Time

	state State
	err   error
}

// NewMessageLog allocates an empty log in StateIdle.
func NewMessageLog(key core.ChannelKey) *MessageLog {
	return &MessageLog{
		key:     key,
		ids:     make(map[int64]time.Time),
		pending: make(map[string]time.Time),
	}
}

func (l *MessageLog) Key() core.ChannelKey { return l.key }
func (l *MessageLog) State() State         { return l.state }
func (l *MessageLog) Err() error           { return l.err }
func (l *MessageLog) Len() int             { return len(l.entries) }

// Begin moves an idle log to StateLoading.
func (l *MessageLog) Begin() {
	if l.state == StateIdle {
		l.state = StateLoading
	}
}

// MarkReady leaves StateLoading once the first history page has resolved.
func (l *MessageLog) MarkReady() {
	if l.state == StateLoading {
		l.state = StateReady
	}
}

// Fail moves the log to StateError. Only a fresh open leaves it.
func (l *MessageLog) Fail(err error) {
	if l.state == StateClosed || l.state == StateError {
		return
	}
	l.state = StateError
	l.err = err
}

// Dispose discards all entries; every later call is a no-op.
func (l *MessageLog) Dispose() {
	l.state = StateClosed
	l.entries = nil
	l.ids = make(map[int64]time.Time)
	l.pending = make(map[string]time.Time)
}

func (l *MessageLog) accepting() bool {
	return l.state == StateIdle || l.state == StateLoading || l.state == StateReady
}

// ApplyHistoryPage merges persisted messages. Entries already present are left
// untouched. It returns the number of entries added or reconciled.
func (l *MessageLog) ApplyHistoryPage(msgs []core.Message) int {
	if !l.accepting() {
		return 0
	}
	changed := 0
	for _, m := range msgs {
		if m.ID <= 0 || m.Channel != l.key {
			continue
		}
		l.advance(m.SentAt)
		if l.mergeConfirmed(m).Changed() {
			changed++
		}
	}
	return changed
}

// ApplyLiveEvent merges one change notification.
// Duplicate inserts and updates for unknown ids are dropped, not errors.
func (l *MessageLog) ApplyLiveEvent(ev core.Event) Outcome {
	if !l.accepting() {
		return OutcomeIgnored
	}
	if err := ev.Validate(); err != nil {
		return OutcomeMalformed
	}
	if ev.Message.Channel != l.key {
		return OutcomeIgnored
	}

	switch ev.Op {
	case core.OpInsert:
		l.advance(ev.Message.SentAt)
		return l.mergeConfirmed(ev.Message)
	case core.OpUpdate:
		i, ok := l.findCanonical(ev.Message.ID)
		if !ok {
			return OutcomeDiscarded
		}
		l.entries[i].Read = ev.Message.Read
		return OutcomeApplied
	}
	return OutcomeMalformed
}

// mergeConfirmed inserts a canonical message unless its id is already known.
// A message carrying the client id of a pending entry replaces that entry.
func (l *MessageLog) mergeConfirmed(m core.Message) Outcome {
	if _, ok := l.ids[m.ID]; ok {
		return OutcomeDuplicate
	}
	m.Status = core.StatusConfirmed

	outcome := OutcomeApplied
	if m.ClientID != "" {
		if l.removePending(m.ClientID) {
			outcome = OutcomeReconciled
		}
	}
	l.insert(m)
	l.ids[m.ID] = m.SentAt
	return outcome
}

func (l *MessageLog) advance(t time.Time) {
	if t.After(l.watermark) {
		l.watermark = t
	}
}

// AddPending inserts an optimistic entry keyed by its client id.
func (l *MessageLog) AddPending(m core.Message) bool {
	if !l.accepting() || m.ClientID == "" {
		return false
	}
	if _, ok := l.pending[m.ClientID]; ok {
		return false
	}
	m.ID = 0
	m.Status = core.StatusPending
	l.insert(m)
	l.pending[m.ClientID] = m.SentAt
	return true
}

// ConfirmPending reconciles a pending entry with its canonical record.
// The temporary entry is removed unconditionally; the canonical record is
// inserted only if no other path has delivered it yet. A record that is
// unsaved or belongs to another channel is refused and the entry fails.
func (l *MessageLog) ConfirmPending(clientID string, canonical core.Message) Outcome {
	if !l.accepting() {
		return OutcomeIgnored
	}
	if canonical.ID <= 0 || canonical.Channel != l.key {
		l.SetPendingStatus(clientID, core.StatusFailed)
		return OutcomeMalformed
	}
	removed := l.removePending(clientID)
	canonical.ClientID = clientID
	out := l.mergeConfirmed(canonical)
	if removed {
		return OutcomeReconciled
	}
	return out
}

// SetPendingStatus flips a pending entry between pending and failed.
func (l *MessageLog) SetPendingStatus(clientID string, status core.DeliveryStatus) bool {
	i, ok := l.findPending(clientID)
	if !ok {
		return false
	}
	l.entries[i].Status = status
	return true
}

// Pending returns the optimistic entry for clientID.
func (l *MessageLog) Pending(clientID string) (core.Message, bool) {
	i, ok := l.findPending(clientID)
	if !ok {
		return core.Message{}, false
	}
	return l.entries[i], true
}

// DiscardPending removes an optimistic entry.
func (l *MessageLog) DiscardPending(clientID string) bool {
	if !l.accepting() {
		return false
	}
	return l.removePending(clientID)
}

// Message returns the canonical entry with id.
func (l *MessageLog) Message(id int64) (core.Message, bool) {
	i, ok := l.findCanonical(id)
	if !ok {
		return core.Message{}, false
	}
	return l.entries[i], true
}

// Watermark is the newest timestamp read from history or the live feed,
// zero if none. Recovery refetches from here.
func (l *MessageLog) Watermark() time.Time {
	return l.watermark
}

// Oldest returns the cursor of the oldest canonical entry.
func (l *MessageLog) Oldest() (core.Cursor, bool) {
	for _, m := range l.entries {
		if m.ID > 0 {
			return core.CursorOf(m), true
		}
	}
	return core.Cursor{}, false
}

// Messages returns a copy of the ordered entries.
func (l *MessageLog) Messages() []core.Message {
	out := make([]core.Message, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *MessageLog) insert(m core.Message) {
	i := sort.Search(len(l.entries), func(i int) bool {
		return core.Less(m, l.entries[i])
	})
	l.entries = append(l.entries, core.Message{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = m
}

func (l *MessageLog) removeAt(i int) {
	copy(l.entries[i:], l.entries[i+1:])
	l.entries[len(l.entries)-1] = core.Message{}
	l.entries = l.entries[:len(l.entries)-1]
}

func (l *MessageLog) removePending(clientID string) bool {
	i, ok := l.findPending(clientID)
	if !ok {
		return false
	}
	l.removeAt(i)
	delete(l.pending, clientID)
	return true
}

func (l *MessageLog) findCanonical(id int64) (int, bool) {
	sentAt, ok := l.ids[id]
	if !ok {
		return 0, false
	}
	return l.locate(core.Message{ID: id, SentAt: sentAt}, func(m core.Message) bool { return m.ID == id })
}

func (l *MessageLog) findPending(clientID string) (int, bool) {
	sentAt, ok := l.pending[clientID]
	if !ok {
		return 0, false
	}
	return l.locate(core.Message{ClientID: clientID, SentAt: sentAt}, func(m core.Message) bool {
		return m.ID == 0 && m.ClientID == clientID
	})
}

// locate finds the entry matching target's sort position.
func (l *MessageLog) locate(target core.Message, match func(core.Message) bool) (int, bool) {
	i := sort.Search(len(l.entries), func(i int) bool {
		return !core.Less(l.entries[i], target)
	})
	if i < len(l.entries) && match(l.entries[i]) {
		return i, true
	}
	return 0, false
}

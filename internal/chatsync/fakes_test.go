package chatsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

// memStore is an in-memory persistence double with failure injection.
type memStore struct {
	mu     sync.Mutex
	rows   []core.Message
	nextID int64

	fetchErrs  []error            // returned by successive fetches before succeeding
	fetchGate  chan struct{}      // when set, fetches block until it is closed
	insertErrs []error            // returned by successive inserts
	onInsert   func(core.Message) // runs after the row is stored, before returning
	afterFetch func()             // runs after a page is read, before returning
	fetches    int
}

func newMemStore(firstID int64) *memStore {
	return &memStore{nextID: firstID}
}

func (s *memStore) seed(ch core.ChannelKey, id int64, sentAt int64) core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := core.Message{
		ID:       id,
		Channel:  ch,
		SenderID: "seed",
		Content:  fmt.Sprintf("m%d", id),
		Kind:     core.KindText,
		SentAt:   time.Unix(sentAt, 0),
	}
	s.rows = append(s.rows, m)
	if id >= s.nextID {
		s.nextID = id + 1
	}
	return m
}

func (s *memStore) FetchMessages(ctx context.Context, ch core.Channel, q store.PageQuery) ([]core.Message, error) {
	s.mu.Lock()
	gate := s.fetchGate
	s.fetches++
	var injected error
	if len(s.fetchErrs) > 0 {
		injected, s.fetchErrs = s.fetchErrs[0], s.fetchErrs[1:]
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if injected != nil {
		return nil, injected
	}

	s.mu.Lock()
	page := s.page(ch, q)
	hook := s.afterFetch
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return page, nil
}

func (s *memStore) page(ch core.Channel, q store.PageQuery) []core.Message {
	var matched []core.Message
	for _, m := range s.rows {
		if m.Channel != ch.Key {
			continue
		}
		switch {
		case q.Before != nil && !q.Before.Older(m):
			continue
		case q.After != nil && (q.After.Older(m) || core.CursorOf(m) == *q.After):
			continue
		case q.Since != nil && m.SentAt.Before(*q.Since):
			continue
		}
		matched = append(matched, m)
	}
	sort.Slice(matched, func(i, j int) bool { return core.Less(matched[i], matched[j]) })

	limit := q.Limit
	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}
	if q.Forward() {
		return append([]core.Message(nil), matched[:limit]...)
	}
	return append([]core.Message(nil), matched[len(matched)-limit:]...)
}

func (s *memStore) InsertMessage(_ context.Context, msg core.Message) (core.Message, error) {
	s.mu.Lock()
	if len(s.insertErrs) > 0 {
		err := s.insertErrs[0]
		s.insertErrs = s.insertErrs[1:]
		s.mu.Unlock()
		return core.Message{}, err
	}
	for _, m := range s.rows {
		if msg.ClientID != "" && m.ClientID == msg.ClientID {
			s.mu.Unlock()
			return m, nil
		}
	}
	msg.ID = s.nextID
	s.nextID++
	msg.Status = ""
	s.rows = append(s.rows, msg)
	hook := s.onInsert
	s.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return msg, nil
}

func (s *memStore) UpdateMessage(_ context.Context, id int64, patch core.Patch) (core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ID == id {
			patch.Apply(&s.rows[i])
			return s.rows[i], nil
		}
	}
	return core.Message{}, store.ErrNotFound
}

func (s *memStore) all(ch core.ChannelKey) []core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Message
	for _, m := range s.rows {
		if m.Channel == ch {
			m.Status = core.StatusConfirmed
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return core.Less(out[i], out[j]) })
	return out
}

// syncBus delivers events synchronously on the caller's goroutine.
type syncBus struct {
	mu            sync.Mutex
	subs          map[core.SubscriptionID]*busSub
	next          int
	subscribes    int
	failSubscribe int
	onSubscribe   func() // runs before a subscription is registered
}

type busSub struct {
	id   core.SubscriptionID
	ch   core.Channel
	sink core.EventSink
}

func newSyncBus() *syncBus {
	return &syncBus{subs: make(map[core.SubscriptionID]*busSub)}
}

func (b *syncBus) Subscribe(ctx context.Context, ch core.Channel, _ []core.Operation, sink core.EventSink) (core.SubscriptionID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	hook := b.onSubscribe
	b.mu.Unlock()
	if hook != nil {
		hook()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribes++
	if b.failSubscribe > 0 {
		b.failSubscribe--
		return "", fmt.Errorf("bus unavailable")
	}
	b.next++
	id := core.SubscriptionID(fmt.Sprintf("sub-%d", b.next))
	b.subs[id] = &busSub{id: id, ch: ch, sink: sink}
	return id, nil
}

func (b *syncBus) Unsubscribe(_ context.Context, id core.SubscriptionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
	return nil
}

func (b *syncBus) matching(key core.ChannelKey) []*busSub {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*busSub
	for _, s := range b.subs {
		if s.ch.Key == key {
			out = append(out, s)
		}
	}
	return out
}

func (b *syncBus) deliver(ev core.Event) {
	for _, s := range b.matching(ev.Message.Channel) {
		s.sink.HandleEvent(ev)
	}
}

func (b *syncBus) drop(key core.ChannelKey) {
	subs := b.matching(key)
	b.mu.Lock()
	for _, s := range subs {
		delete(b.subs, s.id)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.sink.HandleDrop(core.ErrSubscriptionDropped)
	}
}

func (b *syncBus) active(key core.ChannelKey) int {
	return len(b.matching(key))
}

func (b *syncBus) subscribeCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes
}

func msg(ch core.ChannelKey, id, sentAt int64) core.Message {
	return core.Message{
		ID:      id,
		Channel: ch,
		Content: fmt.Sprintf("m%d", id),
		Kind:    core.KindText,
		SentAt:  time.Unix(sentAt, 0),
	}
}

func insertEvent(m core.Message) core.Event { return core.Event{Op: core.OpInsert, Message: m} }

func ids(msgs []core.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

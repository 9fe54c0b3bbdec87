package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

// Snapshot is a read-only copy of a channel's state.
type Snapshot struct {
	Key      core.ChannelKey
	State    State
	Messages []core.Message
	Err      error
	HasOlder bool
	Live     bool // false while the feed is being restored after a drop
}

// Engine keeps one independent, disposable session per open channel and
// exposes the operations a UI needs.
type Engine struct {
	store    store.MessageStore
	history  *HistoryLoader
	subs     *SubscriptionManager
	sender   *Sender
	onChange func(core.ChannelKey)
	log      *zerolog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[core.ChannelKey]*session
	gen      uint64
	closed   bool
}

// New builds an engine over injected persistence and event bus.
func New(st store.MessageStore, bus EventBus, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:    st,
		history:  NewHistoryLoader(st, opts),
		subs:     NewSubscriptionManager(bus, opts),
		sender:   NewSender(st, opts),
		onChange: opts.OnChange,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		sessions: make(map[core.ChannelKey]*session),
	}
}

// OpenChannel starts syncing key. The subscription and the first history page
// are requested in parallel; once both have resolved, rows committed since the
// page's newest entry are fetched to close the gap before the feed went live.
// Opening an open channel is a no-op unless the channel is in StateError,
// in which case it is torn down and opened afresh.
func (e *Engine) OpenChannel(ctx context.Context, key core.ChannelKey) error {
	ch, err := core.ParseChannelKey(key)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return core.NewChannelError(key, core.ErrChannelClosed)
	}
	stale, exists := e.sessions[key]
	if exists && stale.state() != StateError {
		e.mu.Unlock()
		return nil
	}
	e.gen++
	sess := newSession(e, ch, e.gen)
	e.sessions[key] = sess
	e.mu.Unlock()

	if exists {
		stale.dispose()
		e.metrics.ChannelClosed()
	}
	e.metrics.ChannelOpened()
	e.log.Debug().Str("channel", string(key)).Uint64("gen", sess.gen).Msg("opening channel")
	e.notify(key)

	ctx, cancel := sess.bind(ctx)
	defer cancel()

	var mark time.Time
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.subs.Open(gctx, ch, sess)
	})
	g.Go(func() error {
		page, err := e.history.FetchPage(gctx, ch, nil)
		if err != nil {
			return err
		}
		if len(page) > 0 {
			mark = page[len(page)-1].SentAt
		}
		sess.applyFirstPage(page, e.history.PageSize())
		return nil
	})

	err = g.Wait()
	if err == nil {
		// Rows committed after the page query but before the feed went live.
		var gap []core.Message
		if gap, err = e.history.FetchSince(ctx, ch, mark); err == nil {
			sess.applyHistory(gap)
		}
	}
	if sess.state() == StateClosed {
		return core.NewChannelError(key, core.ErrChannelClosed)
	}
	if err != nil {
		sess.fail(err)
		return core.NewChannelError(key, err)
	}
	return nil
}

// CloseChannel stops syncing key and discards its state. Idempotent.
func (e *Engine) CloseChannel(key core.ChannelKey) {
	e.mu.Lock()
	sess, ok := e.sessions[key]
	delete(e.sessions, key)
	e.mu.Unlock()
	if !ok {
		return
	}
	sess.dispose()
	e.metrics.ChannelClosed()
	e.log.Debug().Str("channel", string(key)).Uint64("gen", sess.gen).Msg("channel closed")
}

// ChannelState returns a snapshot of key, or false if it is not open.
func (e *Engine) ChannelState(key core.ChannelKey) (Snapshot, bool) {
	sess, ok := e.session(key)
	if !ok {
		return Snapshot{Key: key, State: StateIdle}, false
	}
	snap := sess.snapshot()
	snap.Live = e.subs.Active(key)
	return snap, true
}

// OpenChannels lists the keys of open channels.
func (e *Engine) OpenChannels() []core.ChannelKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]core.ChannelKey, 0, len(e.sessions))
	for k := range e.sessions {
		keys = append(keys, k)
	}
	return keys
}

// LoadOlder fetches the page before the oldest loaded message and returns
// how many entries it added. The result is dropped if the channel is closed
// or reopened while the fetch is in flight.
func (e *Engine) LoadOlder(ctx context.Context, key core.ChannelKey) (int, error) {
	sess, err := e.readySession(key)
	if err != nil {
		return 0, err
	}

	sess.mu.Lock()
	cursor, ok := sess.log.Oldest()
	hasOlder := sess.hasOlder
	sess.mu.Unlock()
	if !ok || !hasOlder {
		return 0, nil
	}

	ctx, cancel := sess.bind(ctx)
	defer cancel()

	page, err := e.history.FetchPage(ctx, sess.ch, &cursor)
	if err != nil {
		if sess.state() == StateClosed {
			return 0, core.NewChannelError(key, core.ErrChannelClosed)
		}
		if errors.Is(err, core.ErrChannelPermission) {
			sess.fail(err)
		}
		return 0, core.NewChannelError(key, err)
	}

	var added int
	sess.mutate(func(l *MessageLog) bool {
		if l.State() != StateReady {
			return false
		}
		added = l.ApplyHistoryPage(page)
		sess.hasOlder = len(page) >= e.history.PageSize()
		return true
	})
	return added, nil
}

// SendMessage sends draft optimistically and returns its final status.
func (e *Engine) SendMessage(ctx context.Context, key core.ChannelKey, draft core.Draft) (core.DeliveryStatus, error) {
	status, _, err := e.Send(ctx, key, draft)
	return status, err
}

// Send is SendMessage that also returns the client id of the entry, which
// RetryMessage and DiscardMessage take.
func (e *Engine) Send(ctx context.Context, key core.ChannelKey, draft core.Draft) (core.DeliveryStatus, string, error) {
	sess, err := e.liveSession(key)
	if err != nil {
		return "", "", err
	}
	return e.sender.Send(ctx, sess, draft)
}

// RetryMessage resends a failed entry.
func (e *Engine) RetryMessage(ctx context.Context, key core.ChannelKey, clientID string) (core.DeliveryStatus, error) {
	sess, err := e.liveSession(key)
	if err != nil {
		return "", err
	}
	return e.sender.Retry(ctx, sess, clientID)
}

// DiscardMessage drops a pending or failed entry from the log.
func (e *Engine) DiscardMessage(key core.ChannelKey, clientID string) bool {
	sess, ok := e.session(key)
	if !ok {
		return false
	}
	return e.sender.Discard(sess, clientID)
}

// MarkRead sets the read flag of a message. The change is merged locally and
// also arrives as a live update, which merges to the same state.
func (e *Engine) MarkRead(ctx context.Context, key core.ChannelKey, id int64) error {
	sess, err := e.liveSession(key)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	msg, ok := sess.log.Message(id)
	sess.mu.Unlock()
	if !ok {
		return core.NewChannelError(key, fmt.Errorf("message %d: %w", id, core.ErrMessageNotFound))
	}
	if msg.Read {
		return nil
	}

	read := true
	row, err := e.store.UpdateMessage(ctx, id, core.Patch{Read: &read})
	if err != nil {
		if errors.Is(err, store.ErrPermissionDenied) {
			return core.NewChannelError(key, fmt.Errorf("%w: %w", core.ErrChannelPermission, err))
		}
		return core.NewChannelError(key, fmt.Errorf("%w: %w", core.ErrPersistenceWrite, err))
	}
	sess.HandleEvent(core.Event{Op: core.OpUpdate, Message: row})
	return nil
}

// Close disposes every channel and waits for in-flight recoveries.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	sessions := e.sessions
	e.sessions = make(map[core.ChannelKey]*session)
	e.mu.Unlock()

	for _, sess := range sessions {
		sess.dispose()
		e.metrics.ChannelClosed()
	}
	e.subs.Wait()
}

func (e *Engine) session(key core.ChannelKey) (*session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[key]
	return sess, ok
}

// liveSession returns the session of key unless it is missing or failed.
func (e *Engine) liveSession(key core.ChannelKey) (*session, error) {
	sess, ok := e.session(key)
	if !ok {
		return nil, core.NewChannelError(key, core.ErrChannelNotOpen)
	}
	sess.mu.Lock()
	state, failure := sess.log.State(), sess.log.Err()
	sess.mu.Unlock()
	switch state {
	case StateError:
		return nil, failure
	case StateClosed:
		return nil, core.NewChannelError(key, core.ErrChannelClosed)
	}
	return sess, nil
}

func (e *Engine) readySession(key core.ChannelKey) (*session, error) {
	sess, err := e.liveSession(key)
	if err != nil {
		return nil, err
	}
	if sess.state() != StateReady {
		return nil, core.NewChannelError(key, core.ErrChannelNotOpen)
	}
	return sess, nil
}

func (e *Engine) notify(key core.ChannelKey) {
	if e.onChange != nil {
		e.onChange(key)
	}
}

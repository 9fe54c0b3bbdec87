package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

// session is one open-session of a channel. A reopened channel gets a new
// session, so work bound to an old session is stale and is discarded once
// the old log has been disposed.
type session struct {
	engine *Engine
	ch     core.Channel
	gen    uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	log      *MessageLog
	hasOlder bool
}

func newSession(e *Engine, ch core.Channel, gen uint64) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		engine:   e,
		ch:       ch,
		gen:      gen,
		ctx:      ctx,
		cancel:   cancel,
		log:      NewMessageLog(ch.Key),
		hasOlder: true,
	}
	s.log.Begin()
	return s
}

// bind returns a context that ends with either ctx or the session.
func (s *session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *session) state() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.State()
}

// mutate runs fn under the session lock and notifies on change.
func (s *session) mutate(fn func(l *MessageLog) bool) bool {
	s.mu.Lock()
	changed := fn(s.log)
	s.mu.Unlock()
	if changed {
		s.engine.notify(s.ch.Key)
	}
	return changed
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Key:      s.ch.Key,
		State:    s.log.State(),
		Messages: s.log.Messages(),
		Err:      s.log.Err(),
		HasOlder: s.hasOlder,
	}
}

// applyFirstPage merges the opening page and leaves StateLoading.
func (s *session) applyFirstPage(page []core.Message, pageSize int) {
	s.mutate(func(l *MessageLog) bool {
		if l.State() != StateLoading {
			return false
		}
		l.ApplyHistoryPage(page)
		l.MarkReady()
		s.hasOlder = len(page) >= pageSize
		return true
	})
}

func (s *session) applyHistory(page []core.Message) int {
	var added int
	s.mutate(func(l *MessageLog) bool {
		added = l.ApplyHistoryPage(page)
		return added > 0
	})
	return added
}

// fail moves the session to StateError and drops its subscription.
func (s *session) fail(err error) {
	failed := s.mutate(func(l *MessageLog) bool {
		before := l.State()
		l.Fail(core.NewChannelError(s.ch.Key, err))
		return before != l.State()
	})
	if !failed {
		return
	}
	s.engine.log.Error().Err(err).Str("channel", string(s.ch.Key)).Uint64("gen", s.gen).Msg("channel failed")
	s.engine.subs.Release(s.ch.Key, s)
	s.cancel()
}

func (s *session) dispose() {
	s.engine.subs.Release(s.ch.Key, s)
	s.cancel()
	s.mutate(func(l *MessageLog) bool {
		l.Dispose()
		return true
	})
}

// ==== Listener implementation ====

func (s *session) HandleEvent(ev core.Event) {
	var out Outcome
	s.mutate(func(l *MessageLog) bool {
		out = l.ApplyLiveEvent(ev)
		return out.Changed()
	})

	e := s.engine
	e.metrics.LiveEvent(string(ev.Op), string(out))
	switch out {
	case OutcomeMalformed:
		err := ev.Validate()
		if err == nil {
			err = core.ErrMalformedEvent
		}
		e.log.Warn().Err(err).Str("channel", string(s.ch.Key)).Msg("discarding malformed event")
	case OutcomeDuplicate, OutcomeDiscarded:
		e.log.Debug().
			Str("channel", string(s.ch.Key)).
			Str("op", string(ev.Op)).
			Int64("id", ev.Message.ID).
			Str("outcome", string(out)).
			Msg("live event dropped")
	}
}

func (s *session) Watermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Watermark()
}

func (s *session) Recover(ctx context.Context, since time.Time) error {
	ctx, cancel := s.bind(ctx)
	defer cancel()

	page, err := s.engine.history.FetchSince(ctx, s.ch, since)
	if err != nil {
		return err
	}
	added := s.applyHistory(page)
	s.engine.log.Info().
		Str("channel", string(s.ch.Key)).
		Int("fetched", len(page)).
		Int("added", added).
		Msg("gap recovered")
	return nil
}

func (s *session) Fail(err error) {
	s.fail(err)
}

package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
)

// liveSubscription is one handle on the event bus.
// Once Close returns, the owner receives nothing more.
type liveSubscription struct {
	bus   EventBus
	key   core.ChannelKey
	owner core.EventSink

	mu     sync.Mutex
	id     core.SubscriptionID
	closed bool
}

func openLiveSubscription(ctx context.Context, bus EventBus, ch core.Channel, ops []core.Operation, owner core.EventSink) (*liveSubscription, error) {
	s := &liveSubscription{bus: bus, key: ch.Key, owner: owner}
	id, err := bus.Subscribe(ctx, ch, ops, s)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	return s, nil
}

// HandleEvent forwards bus traffic while the handle is open.
func (s *liveSubscription) HandleEvent(ev core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.owner.HandleEvent(ev)
}

// HandleDrop reports the drop once and kills the handle.
func (s *liveSubscription) HandleDrop(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.owner.HandleDrop(err)
}

// Close is idempotent.
func (s *liveSubscription) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	id := s.id
	s.mu.Unlock()
	return s.bus.Unsubscribe(ctx, id)
}

// Listener is the consumer side of one managed channel subscription.
type Listener interface {
	HandleEvent(core.Event)
	// Watermark is the newest timestamp delivered by history or the feed.
	Watermark() time.Time
	// Recover merges what was missed since the watermark captured at drop time.
	Recover(ctx context.Context, since time.Time) error
	// Fail is called when the subscription cannot be restored.
	Fail(err error)
}

// SubscriptionManager keeps at most one live subscription per channel key
// and restores subscriptions that the transport drops.
type SubscriptionManager struct {
	bus      EventBus
	attempts int
	delay    time.Duration
	log      *zerolog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	entries map[core.ChannelKey]*subEntry
	wg      sync.WaitGroup
}

type subEntry struct {
	mgr      *SubscriptionManager
	ch       core.Channel
	listener Listener
	sub      *liveSubscription
	ctx      context.Context
	cancel   context.CancelFunc
}

func (e *subEntry) HandleEvent(ev core.Event) { e.listener.HandleEvent(ev) }
func (e *subEntry) HandleDrop(err error)      { e.mgr.handleDrop(e, err) }

// NewSubscriptionManager builds a manager over bus.
func NewSubscriptionManager(bus EventBus, opts Options) *SubscriptionManager {
	opts = opts.withDefaults()
	return &SubscriptionManager{
		bus:      bus,
		attempts: opts.ReconnectAttempts,
		delay:    opts.ReconnectDelay,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		entries:  make(map[core.ChannelKey]*subEntry),
	}
}

// Open subscribes l to ch. It is a no-op if ch already has a subscription.
func (m *SubscriptionManager) Open(ctx context.Context, ch core.Channel, l Listener) error {
	m.mu.Lock()
	if _, ok := m.entries[ch.Key]; ok {
		m.mu.Unlock()
		return nil
	}
	entryCtx, cancel := context.WithCancel(context.Background())
	entry := &subEntry{mgr: m, ch: ch, listener: l, ctx: entryCtx, cancel: cancel}
	m.entries[ch.Key] = entry
	m.mu.Unlock()

	sub, err := openLiveSubscription(ctx, m.bus, ch, core.AllOperations, entry)
	if err != nil {
		m.release(entry)
		return fmt.Errorf("subscribe %s: %w", ch.Key, err)
	}
	if !m.install(entry, sub) {
		_ = sub.Close(context.Background())
		return core.NewChannelError(ch.Key, core.ErrChannelClosed)
	}
	return nil
}

// Release removes the subscription of key only if l owns it.
func (m *SubscriptionManager) Release(key core.ChannelKey, l Listener) {
	m.mu.Lock()
	entry := m.entries[key]
	m.mu.Unlock()
	if entry != nil && entry.listener == l {
		m.release(entry)
	}
}

// Active reports whether key has a live subscription handle.
func (m *SubscriptionManager) Active(key core.ChannelKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	return ok && entry.sub != nil
}

// Wait blocks until in-flight recoveries finish.
func (m *SubscriptionManager) Wait() {
	m.wg.Wait()
}

func (m *SubscriptionManager) release(entry *subEntry) {
	m.mu.Lock()
	if m.entries[entry.ch.Key] != entry {
		m.mu.Unlock()
		return
	}
	delete(m.entries, entry.ch.Key)
	sub := entry.sub
	entry.sub = nil
	m.mu.Unlock()

	entry.cancel()
	if sub != nil {
		if err := sub.Close(context.Background()); err != nil {
			m.log.Warn().Err(err).Str("channel", string(entry.ch.Key)).Msg("unsubscribe failed")
		}
	}
}

// install attaches sub to entry if entry is still registered.
func (m *SubscriptionManager) install(entry *subEntry, sub *liveSubscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[entry.ch.Key] != entry {
		return false
	}
	entry.sub = sub
	return true
}

func (m *SubscriptionManager) handleDrop(entry *subEntry, err error) {
	m.mu.Lock()
	if m.entries[entry.ch.Key] != entry {
		m.mu.Unlock()
		return
	}
	entry.sub = nil
	m.mu.Unlock()

	since := entry.listener.Watermark()
	m.log.Info().Err(err).
		Str("channel", string(entry.ch.Key)).
		Time("since", since).
		Msg("subscription dropped, recovering")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.recover(entry, since)
	}()
}

// recover reopens the feed first and then fetches the gap, so anything
// committed in between is covered by one path or the other.
func (m *SubscriptionManager) recover(entry *subEntry, since time.Time) {
	ctx := entry.ctx
	delay := m.delay

	var (
		sub *liveSubscription
		err error
	)
	for attempt := 0; attempt < m.attempts; attempt++ {
		sub, err = openLiveSubscription(ctx, m.bus, entry.ch, core.AllOperations, entry)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		m.log.Warn().Err(err).
			Str("channel", string(entry.ch.Key)).
			Int("attempt", attempt+1).
			Msg("resubscribe failed")
		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			return
		}
		delay *= 2
	}
	if err != nil {
		m.metrics.GapRecovery("resubscribe_failed")
		m.release(entry)
		entry.listener.Fail(fmt.Errorf("%w: %w", core.ErrSubscriptionDropped, err))
		return
	}
	if !m.install(entry, sub) {
		_ = sub.Close(context.Background())
		return
	}

	if err := entry.listener.Recover(ctx, since); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.metrics.GapRecovery("fetch_failed")
		m.log.Error().Err(err).Str("channel", string(entry.ch.Key)).Msg("gap recovery failed")
		m.release(entry)
		entry.listener.Fail(fmt.Errorf("%w: %w", core.ErrSubscriptionDropped, err))
		return
	}
	m.metrics.GapRecovery("ok")
	m.log.Info().Str("channel", string(entry.ch.Key)).Msg("subscription recovered")
}

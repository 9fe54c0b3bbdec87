package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
)

// ErrBusClosed is returned when subscribing to a closed Bus.
var ErrBusClosed = errors.New("event bus closed")

const defaultQueueSize = 64

// Bus fans persisted message changes out to channel subscribers.
// Each subscriber has its own bounded queue; a subscriber that falls behind is
// dropped and told so, instead of silently losing events.
type Bus struct {
	mu        sync.RWMutex
	subs      map[core.SubscriptionID]*subscriber
	channels  map[core.ChannelKey]map[core.SubscriptionID]*subscriber
	queueSize int
	closed    bool

	log     *zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber queue length.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates an empty bus.
func New(logger *zerolog.Logger, opts ...Option) *Bus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	b := &Bus{
		subs:      make(map[core.SubscriptionID]*subscriber),
		channels:  make(map[core.ChannelKey]map[core.SubscriptionID]*subscriber),
		queueSize: defaultQueueSize,
		log:       logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type subscriber struct {
	id      core.SubscriptionID
	channel core.ChannelKey
	ops     map[core.Operation]struct{}
	sink    core.EventSink
	queue   chan core.Event

	once    sync.Once
	done    chan struct{}
	dropErr error
}

// stop ends delivery. A non-nil err is reported to the sink as a drop.
func (s *subscriber) stop(err error) {
	s.once.Do(func() {
		s.dropErr = err
		close(s.done)
	})
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			if s.dropErr != nil {
				s.sink.HandleDrop(s.dropErr)
			}
			return
		case ev := <-s.queue:
			select {
			case <-s.done:
				continue
			default:
			}
			s.sink.HandleEvent(ev)
		}
	}
}

// Subscribe registers sink for changes on ch restricted to ops.
// An empty ops list subscribes to every operation.
func (b *Bus) Subscribe(ctx context.Context, ch core.Channel, ops []core.Operation, sink core.EventSink) (core.SubscriptionID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if sink == nil {
		return "", fmt.Errorf("subscribe %s: nil sink", ch.Key)
	}
	if len(ops) == 0 {
		ops = core.AllOperations
	}

	sub := &subscriber{
		id:      core.SubscriptionID(uuid.NewString()),
		channel: ch.Key,
		ops:     make(map[core.Operation]struct{}, len(ops)),
		sink:    sink,
		queue:   make(chan core.Event, b.queueSize),
		done:    make(chan struct{}),
	}
	for _, op := range ops {
		sub.ops[op] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBusClosed
	}
	b.subs[sub.id] = sub
	room, ok := b.channels[ch.Key]
	if !ok {
		room = make(map[core.SubscriptionID]*subscriber)
		b.channels[ch.Key] = room
	}
	room[sub.id] = sub
	b.mu.Unlock()

	go sub.run()

	b.metrics.Subscribed()
	b.log.Debug().Str("channel", string(ch.Key)).Str("sub", string(sub.id)).Msg("subscribed")
	return sub.id, nil
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(_ context.Context, id core.SubscriptionID) error {
	if sub := b.remove(id); sub != nil {
		sub.stop(nil)
		b.log.Debug().Str("channel", string(sub.channel)).Str("sub", string(id)).Msg("unsubscribed")
	}
	return nil
}

// Drop terminates a subscription as if its transport failed.
// The sink receives core.ErrSubscriptionDropped.
func (b *Bus) Drop(id core.SubscriptionID) bool {
	sub := b.remove(id)
	if sub == nil {
		return false
	}
	sub.stop(core.ErrSubscriptionDropped)
	b.log.Info().Str("channel", string(sub.channel)).Str("sub", string(id)).Msg("subscription dropped")
	return true
}

// DropChannel drops every subscription on a channel.
func (b *Bus) DropChannel(key core.ChannelKey) int {
	b.mu.RLock()
	ids := make([]core.SubscriptionID, 0, len(b.channels[key]))
	for id := range b.channels[key] {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	dropped := 0
	for _, id := range ids {
		if b.Drop(id) {
			dropped++
		}
	}
	return dropped
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev core.Event) {
	b.mu.RLock()
	var slow []core.SubscriptionID
	for id, sub := range b.channels[ev.Message.Channel] {
		if _, ok := sub.ops[ev.Op]; !ok {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			slow = append(slow, id)
		}
	}
	b.mu.RUnlock()

	b.metrics.Published(string(ev.Op))

	for _, id := range slow {
		b.log.Warn().Str("sub", string(id)).Msg("slow subscriber, dropping")
		b.Drop(id)
	}
}

// Subscribers returns the number of subscriptions on a channel.
func (b *Bus) Subscribers(key core.ChannelKey) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[key])
}

// Close drops every subscription and rejects new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[core.SubscriptionID]*subscriber)
	b.channels = make(map[core.ChannelKey]map[core.SubscriptionID]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop(core.ErrSubscriptionDropped)
		b.metrics.Unsubscribed()
	}
}

func (b *Bus) remove(id core.SubscriptionID) *subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return nil
	}
	delete(b.subs, id)
	if room, ok := b.channels[sub.channel]; ok {
		delete(room, id)
		if len(room) == 0 {
			delete(b.channels, sub.channel)
		}
	}
	b.metrics.Unsubscribed()
	return sub
}

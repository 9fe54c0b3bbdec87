package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

// ErrBusClosed is returned by Subscribe after Close.
var ErrBusClosed = errors.New("remote bus closed")

const readLimit = 1 << 20

// Bus implements the engine's event bus over one websocket connection.
// Subscriptions are multiplexed on the connection; when it breaks, every
// subscription on it is reported as dropped and the next Subscribe redials.
type Bus struct {
	url    string
	header http.Header
	log    *zerolog.Logger

	mu     sync.Mutex
	feed   *feed
	closed bool
}

// NewBus builds a bus for the server at baseURL (http or https) acting as userID.
func NewBus(baseURL, userID string, logger *zerolog.Logger) (*Bus, error) {
	wsURL, err := feedURL(baseURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Bus{
		url:    wsURL,
		header: http.Header{proto.HeaderUser: []string{userID}},
		log:    logger,
	}, nil
}

func feedURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// WithToken authenticates the feed with a bearer token. It applies to
// connections dialed afterwards.
func (b *Bus) WithToken(token string) *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.header.Set("Authorization", "Bearer "+token)
	return b
}

// Subscribe opens a feed of ops on ch.
func (b *Bus) Subscribe(ctx context.Context, ch core.Channel, ops []core.Operation, sink core.EventSink) (core.SubscriptionID, error) {
	f, err := b.connect(ctx)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(ops))
	for _, op := range ops {
		names = append(names, string(op))
	}
	ref := uuid.NewString()
	reply := make(chan proto.Outbound, 1)

	f.mu.Lock()
	f.pending[ref] = &pendingSub{sink: sink, reply: reply}
	f.mu.Unlock()

	req := proto.SubscribeData{Ref: ref, Channel: string(ch.Key), Ops: names}
	if err := f.write(ctx, proto.InboundTypeSubscribe, req); err != nil {
		f.forgetPending(ref)
		return "", fmt.Errorf("subscribe %s: %w", ch.Key, err)
	}

	select {
	case out := <-reply:
		return replyResult(ch.Key, out)
	case <-f.done:
		f.forgetPending(ref)
		return "", fmt.Errorf("subscribe %s: %w", ch.Key, f.err)
	case <-ctx.Done():
		if !f.forgetPending(ref) {
			// The reply raced the cancellation; undo a successful subscribe.
			if out := <-reply; out.Type == proto.OutboundTypeSubscribed {
				f.release(context.Background(), core.SubscriptionID(out.Sub))
			}
		}
		return "", ctx.Err()
	}
}

func replyResult(key core.ChannelKey, out proto.Outbound) (core.SubscriptionID, error) {
	if out.Type == proto.OutboundTypeSubscribed {
		return core.SubscriptionID(out.Sub), nil
	}
	if out.Error == nil {
		return "", fmt.Errorf("subscribe %s: unexpected %q reply", key, out.Type)
	}
	return "", fmt.Errorf("subscribe %s: %w: %s", key, codeError(out.Error.Code), out.Error.Msg)
}

// codeError maps a wire error code back onto its sentinel.
func codeError(code string) error {
	switch code {
	case core.ErrCodeChannelPermission:
		return core.ErrChannelPermission
	case core.ErrCodeBadChannelKey:
		return core.ErrBadChannelKey
	case core.ErrCodeMalformedEvent:
		return core.ErrMalformedEvent
	default:
		return fmt.Errorf("server error %s", code)
	}
}

// Unsubscribe stops delivery for id. Unknown ids are ignored.
func (b *Bus) Unsubscribe(ctx context.Context, id core.SubscriptionID) error {
	b.mu.Lock()
	f := b.feed
	b.mu.Unlock()
	if f == nil {
		return nil
	}
	f.release(ctx, id)
	return nil
}

// Close shuts the connection down without reporting drops.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	f := b.feed
	b.feed = nil
	b.mu.Unlock()
	if f == nil {
		return nil
	}
	f.quiet()
	return f.conn.Close(websocket.StatusNormalClosure, "client closing")
}

// connect returns the live feed, dialing a new one if needed.
func (b *Bus) connect(ctx context.Context) (*feed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if b.feed != nil && b.feed.alive() {
		return b.feed, nil
	}

	conn, _, err := websocket.Dial(ctx, b.url, &websocket.DialOptions{HTTPHeader: b.header})
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	conn.SetReadLimit(readLimit)

	f := &feed{
		conn:    conn,
		log:     b.log,
		pending: make(map[string]*pendingSub),
		sinks:   make(map[core.SubscriptionID]core.EventSink),
		done:    make(chan struct{}),
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())
	b.feed = f
	go f.readLoop()

	b.log.Debug().Str("url", b.url).Msg("feed connected")
	return f, nil
}

type pendingSub struct {
	sink  core.EventSink
	reply chan proto.Outbound
}

// feed is one websocket connection and the subscriptions riding on it.
type feed struct {
	conn   *websocket.Conn
	log    *zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingSub
	sinks   map[core.SubscriptionID]core.EventSink
	silent  bool

	done chan struct{}
	err  error
}

func (f *feed) alive() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

func (f *feed) write(ctx context.Context, typ string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, f.conn, proto.Inbound{Type: typ, Data: payload})
}

func (f *feed) forgetPending(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[ref]; !ok {
		return false
	}
	delete(f.pending, ref)
	return true
}

// release removes the sink of id and tells the server.
func (f *feed) release(ctx context.Context, id core.SubscriptionID) {
	f.mu.Lock()
	_, ok := f.sinks[id]
	delete(f.sinks, id)
	f.mu.Unlock()
	if !ok || !f.alive() {
		return
	}
	if err := f.write(ctx, proto.InboundTypeUnsubscribe, proto.UnsubscribeData{Sub: string(id)}); err != nil {
		f.log.Debug().Err(err).Str("sub", string(id)).Msg("unsubscribe write failed")
	}
}

// quiet suppresses drop reports for an intentional close.
func (f *feed) quiet() {
	f.mu.Lock()
	f.silent = true
	f.mu.Unlock()
}

func (f *feed) readLoop() {
	var err error
	for {
		var out proto.Outbound
		if err = wsjson.Read(f.ctx, f.conn, &out); err != nil {
			break
		}
		f.dispatch(out)
	}
	f.fail(err)
}

func (f *feed) dispatch(out proto.Outbound) {
	switch out.Type {
	case proto.OutboundTypeSubscribed, proto.OutboundTypeError:
		f.mu.Lock()
		p, ok := f.pending[out.Ref]
		delete(f.pending, out.Ref)
		if ok && out.Type == proto.OutboundTypeSubscribed {
			f.sinks[core.SubscriptionID(out.Sub)] = p.sink
		}
		f.mu.Unlock()
		if ok {
			p.reply <- out
			return
		}
		if out.Type == proto.OutboundTypeSubscribed {
			// Nobody is waiting for this subscription any more.
			go func(sub string) {
				if err := f.write(f.ctx, proto.InboundTypeUnsubscribe, proto.UnsubscribeData{Sub: sub}); err != nil {
					f.log.Debug().Err(err).Str("sub", sub).Msg("unsubscribe write failed")
				}
			}(out.Sub)
			return
		}
		if out.Error != nil {
			f.log.Warn().Str("code", out.Error.Code).Str("msg", out.Error.Msg).Msg("feed error")
		}
	case proto.OutboundTypeEvent:
		f.mu.Lock()
		sink := f.sinks[core.SubscriptionID(out.Sub)]
		f.mu.Unlock()
		if sink != nil {
			sink.HandleEvent(out.Event())
		}
	case proto.OutboundTypeDropped:
		f.mu.Lock()
		sink := f.sinks[core.SubscriptionID(out.Sub)]
		delete(f.sinks, core.SubscriptionID(out.Sub))
		f.mu.Unlock()
		if sink != nil {
			sink.HandleDrop(core.ErrSubscriptionDropped)
		}
	default:
		f.log.Warn().Str("type", out.Type).Msg("unknown feed frame")
	}
}

// fail ends the feed and reports every live subscription as dropped.
func (f *feed) fail(err error) {
	f.mu.Lock()
	f.err = fmt.Errorf("%w: %w", core.ErrSubscriptionDropped, err)
	sinks := f.sinks
	f.sinks = make(map[core.SubscriptionID]core.EventSink)
	silent := f.silent
	f.mu.Unlock()

	close(f.done)
	f.cancel()

	if silent {
		return
	}
	f.log.Warn().Err(err).Int("subscriptions", len(sinks)).Msg("feed connection lost")
	for _, sink := range sinks {
		if sink != nil {
			sink.HandleDrop(f.err)
		}
	}
}

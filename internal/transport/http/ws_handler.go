package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

const outboundQueueSize = 128

var errRateLimited = errors.New("inbound rate limit exceeded")

// EventBus is the feed the websocket handler bridges to clients.
type EventBus interface {
	Subscribe(ctx context.Context, ch core.Channel, ops []core.Operation, sink core.EventSink) (core.SubscriptionID, error)
	Unsubscribe(ctx context.Context, id core.SubscriptionID) error
}

// WSHandler upgrades HTTP connections and bridges them to the event bus.
type WSHandler struct {
	bus     EventBus
	jwt     *auth.Config
	rps     float64
	burst   int
	log     *zerolog.Logger
	metrics *metrics.Metrics
}

// NewWSHandler builds a new WebSocket handler. rps and burst bound inbound
// frames per connection.
func NewWSHandler(bus EventBus, jwtCfg *auth.Config, rps float64, burst int, logger *zerolog.Logger, m *metrics.Metrics) stdhttp.Handler {
	return &WSHandler{bus: bus, jwt: jwtCfg, rps: rps, burst: burst, log: logger, metrics: m}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	user, err := identify(r, h.jwt)
	if err != nil {
		h.log.Debug().Err(err).Msg("ws unauthenticated")
		stdhttp.Error(w, err.Error(), stdhttp.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	c := &feedConn{
		id:      uuid.NewString(),
		user:    user,
		bus:     h.bus,
		limiter: newRateLimiter(h.rps, h.burst),
		out:     make(chan proto.Outbound, outboundQueueSize),
		done:    make(chan struct{}),
		subs:    make(map[core.SubscriptionID]struct{}),
	}
	logger := h.log.With().Str("conn_id", c.id).Str("user", user).Logger()
	c.log = &logger

	h.metrics.WSConnected()
	defer h.metrics.WSDisconnected()
	c.log.Debug().Msg("feed connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- c.readLoop(ctx, conn)
	}()
	go func() {
		errCh <- c.writeLoop(ctx, conn)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	c.stop()
	<-errCh
	c.releaseAll()

	status := websocket.StatusNormalClosure
	reason := "closing"
	if errors.Is(err, errRateLimited) {
		status = websocket.StatusPolicyViolation
		reason = err.Error()
		err = nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			c.log.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	c.log.Debug().Int("status", int(status)).Msg("feed disconnected")
	conn.Close(status, reason)
}

// feedConn is one websocket client and the subscriptions it holds.
type feedConn struct {
	id      string
	user    string
	bus     EventBus
	limiter *rateLimiter
	log     *zerolog.Logger

	out      chan proto.Outbound
	done     chan struct{}
	doneOnce sync.Once

	mu   sync.Mutex
	subs map[core.SubscriptionID]struct{}
}

// feedSink forwards bus traffic for one subscription into the outbound queue.
// Its lock is held while Subscribe runs, so no event frame can overtake the
// subscribed frame.
type feedSink struct {
	conn *feedConn
	mu   sync.Mutex
	id   core.SubscriptionID
}

func (s *feedSink) HandleEvent(ev core.Event) {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	s.conn.send(proto.EventFrame(id, ev))
}

func (s *feedSink) HandleDrop(err error) {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	if !s.conn.forget(id) {
		return
	}
	s.conn.log.Info().Err(err).Str("sub", string(id)).Msg("subscription dropped by bus")
	s.conn.send(proto.Outbound{Type: proto.OutboundTypeDropped, Sub: string(id)})
}

// send queues a frame, giving up once the connection is gone.
func (c *feedConn) send(frame proto.Outbound) {
	select {
	case c.out <- frame:
	case <-c.done:
	}
}

func (c *feedConn) forget(id core.SubscriptionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return false
	}
	delete(c.subs, id)
	return true
}

func (c *feedConn) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}
		if !c.limiter.allow() {
			c.log.Warn().Msg("closing feed: rate limit exceeded")
			return errRateLimited
		}

		switch inbound.Type {
		case proto.InboundTypeSubscribe:
			var req proto.SubscribeData
			if err := json.Unmarshal(inbound.Data, &req); err != nil {
				c.send(proto.ErrorFrame("", core.ErrMalformedEvent))
				continue
			}
			c.subscribe(ctx, req)
		case proto.InboundTypeUnsubscribe:
			var req proto.UnsubscribeData
			if err := json.Unmarshal(inbound.Data, &req); err != nil {
				c.send(proto.ErrorFrame("", core.ErrMalformedEvent))
				continue
			}
			c.unsubscribe(ctx, core.SubscriptionID(req.Sub))
		default:
			c.send(proto.Outbound{
				Type:  proto.OutboundTypeError,
				Error: &proto.Error{Code: "invalid_message", Msg: "unknown message type"},
			})
		}
	}
}

func (c *feedConn) subscribe(ctx context.Context, req proto.SubscribeData) {
	ch, err := core.ParseChannelKey(core.ChannelKey(req.Channel))
	if err != nil {
		c.send(proto.ErrorFrame(req.Ref, err))
		return
	}
	if !ch.HasParticipant(c.user) {
		c.send(proto.ErrorFrame(req.Ref, core.ErrChannelPermission))
		return
	}
	ops, err := parseOps(req.Ops)
	if err != nil {
		c.send(proto.ErrorFrame(req.Ref, err))
		return
	}

	sink := &feedSink{conn: c}
	sink.mu.Lock()
	defer sink.mu.Unlock()

	id, err := c.bus.Subscribe(ctx, ch, ops, sink)
	if err != nil {
		c.log.Warn().Err(err).Str("channel", req.Channel).Msg("subscribe failed")
		c.send(proto.ErrorFrame(req.Ref, err))
		return
	}
	sink.id = id

	c.mu.Lock()
	c.subs[id] = struct{}{}
	c.mu.Unlock()

	c.log.Debug().Str("channel", req.Channel).Str("sub", string(id)).Msg("feed subscribed")
	c.send(proto.Outbound{Type: proto.OutboundTypeSubscribed, Ref: req.Ref, Sub: string(id)})
}

func (c *feedConn) unsubscribe(ctx context.Context, id core.SubscriptionID) {
	if !c.forget(id) {
		return
	}
	if err := c.bus.Unsubscribe(ctx, id); err != nil {
		c.log.Warn().Err(err).Str("sub", string(id)).Msg("unsubscribe failed")
	}
}

func (c *feedConn) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case frame := <-c.out:
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				c.log.Error().Err(err).Msg("write ws frame")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stop unblocks every pending send.
func (c *feedConn) stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// releaseAll drops every subscription the connection still holds.
func (c *feedConn) releaseAll() {
	c.mu.Lock()
	ids := make([]core.SubscriptionID, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.subs = make(map[core.SubscriptionID]struct{})
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.bus.Unsubscribe(context.Background(), id); err != nil {
			c.log.Warn().Err(err).Str("sub", string(id)).Msg("unsubscribe failed")
		}
	}
}

package chatsync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
)

// EventBus is the push feed the engine subscribes to.
type EventBus interface {
	// Subscribe opens a feed of ops on ch. The sink receives events until
	// Unsubscribe, or a single HandleDrop when the transport fails.
	Subscribe(ctx context.Context, ch core.Channel, ops []core.Operation, sink core.EventSink) (core.SubscriptionID, error)

	// Unsubscribe closes a feed. Unknown ids are ignored.
	Unsubscribe(ctx context.Context, id core.SubscriptionID) error
}

// Options configures an Engine.
type Options struct {
	// UserID is the local user; it becomes the sender of optimistic sends.
	UserID string

	PageSize int
	// FetchRetries is the number of retries after a transient fetch failure.
	// Zero selects the default, a negative value disables retries.
	FetchRetries    int
	FetchRetryDelay time.Duration

	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// OnChange is called after a channel's state changes. It must not block.
	OnChange func(core.ChannelKey)

	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

const (
	defaultPageSize          = 50
	defaultFetchRetries      = 2
	defaultFetchRetryDelay   = 200 * time.Millisecond
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 500 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.FetchRetries == 0 {
		o.FetchRetries = defaultFetchRetries
	}
	if o.FetchRetryDelay <= 0 {
		o.FetchRetryDelay = defaultFetchRetryDelay
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = defaultReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

// HistoryLoader reads pages of persisted messages. It never mutates engine state.
type HistoryLoader struct {
	store      store.MessageStore
	pageSize   int
	retries    int
	retryDelay time.Duration
	log        *zerolog.Logger
	metrics    *metrics.Metrics
}

// NewHistoryLoader builds a loader over st.
func NewHistoryLoader(st store.MessageStore, opts Options) *HistoryLoader {
	opts = opts.withDefaults()
	return &HistoryLoader{
		store:      st,
		pageSize:   opts.PageSize,
		retries:    max(opts.FetchRetries, 0),
		retryDelay: opts.FetchRetryDelay,
		log:        opts.Logger,
		metrics:    opts.Metrics,
	}
}

// PageSize is the number of messages requested per page.
func (h *HistoryLoader) PageSize() int { return h.pageSize }

// FetchPage returns the page strictly older than cursor, or the most recent
// page when cursor is nil. The page is ascending and free of duplicates.
func (h *HistoryLoader) FetchPage(ctx context.Context, ch core.Channel, cursor *core.Cursor) ([]core.Message, error) {
	return h.fetch(ctx, ch, store.PageQuery{Before: cursor, Limit: h.pageSize})
}

// FetchSince returns every message sent at or after since, ascending.
// A zero since reads the channel from the start.
func (h *HistoryLoader) FetchSince(ctx context.Context, ch core.Channel, since time.Time) ([]core.Message, error) {
	if since.IsZero() {
		since = time.Unix(0, 0)
	}
	q := store.PageQuery{Since: &since, Limit: h.pageSize}

	var out []core.Message
	for {
		page, err := h.fetch(ctx, ch, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < h.pageSize {
			return normalizePage(ch.Key, out), nil
		}
		last := core.CursorOf(page[len(page)-1])
		q = store.PageQuery{After: &last, Limit: h.pageSize}
	}
}

func (h *HistoryLoader) fetch(ctx context.Context, ch core.Channel, q store.PageQuery) ([]core.Message, error) {
	delay := h.retryDelay
	for attempt := 0; ; attempt++ {
		rows, err := h.store.FetchMessages(ctx, ch, q)
		if err == nil {
			h.metrics.HistoryFetch("ok")
			return normalizePage(ch.Key, rows), nil
		}

		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, store.ErrPermissionDenied):
			h.metrics.HistoryFetch("denied")
			return nil, fmt.Errorf("fetch %s: %w: %w", ch.Key, core.ErrChannelPermission, err)
		case attempt >= h.retries:
			h.metrics.HistoryFetch("failed")
			return nil, fmt.Errorf("fetch %s: %w: %w", ch.Key, core.ErrTransientFetch, err)
		}

		h.metrics.HistoryFetch("retry")
		h.log.Warn().Err(err).
			Str("channel", string(ch.Key)).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("history fetch failed, retrying")
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
}

// normalizePage sorts rows ascending, drops duplicates and rows of other channels.
func normalizePage(key core.ChannelKey, rows []core.Message) []core.Message {
	out := make([]core.Message, 0, len(rows))
	seen := make(map[int64]struct{}, len(rows))
	for _, m := range rows {
		if m.Channel != key || m.ID <= 0 {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m.Status = core.StatusConfirmed
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return core.Less(out[i], out[j]) })
	return out
}

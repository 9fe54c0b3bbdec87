package http

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

var errBadQuery = errors.New("bad query")

// pageQueryFromRequest maps history query parameters onto a store query.
func pageQueryFromRequest(c *gin.Context) (store.PageQuery, error) {
	var (
		q   store.PageQuery
		err error
	)
	if q.Before, err = cursorParam(c, proto.QueryBeforeTS, proto.QueryBeforeID); err != nil {
		return q, err
	}
	if q.After, err = cursorParam(c, proto.QueryAfterTS, proto.QueryAfterID); err != nil {
		return q, err
	}
	if q.Before != nil && q.After != nil {
		return q, fmt.Errorf("%w: before and after are exclusive", errBadQuery)
	}
	if raw := c.Query(proto.QuerySinceTS); raw != "" {
		since, err := parseNanos(raw)
		if err != nil {
			return q, fmt.Errorf("%w: %s: %w", errBadQuery, proto.QuerySinceTS, err)
		}
		q.Since = &since
	}

	q.Limit = defaultPageLimit
	if raw := c.Query(proto.QueryLimit); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return q, fmt.Errorf("%w: limit must be a positive integer", errBadQuery)
		}
		q.Limit = min(limit, maxPageLimit)
	}
	return q, nil
}

func cursorParam(c *gin.Context, tsKey, idKey string) (*core.Cursor, error) {
	rawTS, rawID := c.Query(tsKey), c.Query(idKey)
	if rawTS == "" && rawID == "" {
		return nil, nil
	}
	if rawTS == "" || rawID == "" {
		return nil, fmt.Errorf("%w: %s and %s go together", errBadQuery, tsKey, idKey)
	}
	ts, err := parseNanos(rawTS)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errBadQuery, tsKey, err)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errBadQuery, idKey, err)
	}
	return &core.Cursor{SentAt: ts, ID: id}, nil
}

func parseNanos(raw string) (time.Time, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}

// parseOps maps wire operation names; an empty list means every operation.
func parseOps(raw []string) ([]core.Operation, error) {
	if len(raw) == 0 {
		return core.AllOperations, nil
	}
	ops := make([]core.Operation, 0, len(raw))
	for _, name := range raw {
		op := core.Operation(name)
		if op != core.OpInsert && op != core.OpUpdate {
			return nil, fmt.Errorf("%w: unknown operation %q", core.ErrMalformedEvent, name)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func messagesToProto(msgs []core.Message) []proto.Message {
	out := make([]proto.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, proto.MessageFromCore(m))
	}
	return out
}

// Package remote adapts the server's REST API and websocket feed to the
// persistence and event bus interfaces the sync engine consumes.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

// Persistence implements store.MessageStore over the REST API.
type Persistence struct {
	client *resty.Client
	log    *zerolog.Logger
}

// NewPersistence builds a client for baseURL acting as userID.
func NewPersistence(baseURL, userID string, timeout time.Duration, logger *zerolog.Logger) *Persistence {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader(proto.HeaderUser, userID).
		SetHeader("Accept", "application/json")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &Persistence{client: client, log: logger}
}

// WithToken authenticates requests with a bearer token, for servers that
// run with a JWT secret.
func (p *Persistence) WithToken(token string) *Persistence {
	p.client.SetAuthToken(token)
	return p
}

// FetchMessages returns an ordered page of a channel's history.
func (p *Persistence) FetchMessages(ctx context.Context, ch core.Channel, q store.PageQuery) ([]core.Message, error) {
	params := make(map[string]string)
	if q.Before != nil {
		params[proto.QueryBeforeTS] = strconv.FormatInt(q.Before.SentAt.UnixNano(), 10)
		params[proto.QueryBeforeID] = strconv.FormatInt(q.Before.ID, 10)
	}
	if q.After != nil {
		params[proto.QueryAfterTS] = strconv.FormatInt(q.After.SentAt.UnixNano(), 10)
		params[proto.QueryAfterID] = strconv.FormatInt(q.After.ID, 10)
	}
	if q.Since != nil {
		params[proto.QuerySinceTS] = strconv.FormatInt(q.Since.UnixNano(), 10)
	}
	if q.Limit > 0 {
		params[proto.QueryLimit] = strconv.Itoa(q.Limit)
	}

	var page proto.MessagePage
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("key", string(ch.Key)).
		SetQueryParams(params).
		SetResult(&page).
		SetError(&proto.ErrorResponse{}).
		Get("/api/channels/{key}/messages")
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	if err := statusError(resp); err != nil {
		return nil, fmt.Errorf("fetch messages %s: %w", ch.Key, err)
	}

	out := make([]core.Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		out = append(out, m.Core())
	}
	p.log.Debug().Str("channel", string(ch.Key)).Int("count", len(out)).Msg("fetched page")
	return out, nil
}

// InsertMessage posts msg. The server assigns the id and the canonical timestamp.
func (p *Persistence) InsertMessage(ctx context.Context, msg core.Message) (core.Message, error) {
	var row proto.Message
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("key", string(msg.Channel)).
		SetBody(proto.SendRequest{
			ClientID: msg.ClientID,
			Content:  msg.Content,
			Kind:     string(msg.Kind),
		}).
		SetResult(&row).
		SetError(&proto.ErrorResponse{}).
		Post("/api/channels/{key}/messages")
	if err != nil {
		return core.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := statusError(resp); err != nil {
		return core.Message{}, fmt.Errorf("insert message %s: %w", msg.Channel, err)
	}
	return row.Core(), nil
}

// UpdateMessage applies patch to message id.
func (p *Persistence) UpdateMessage(ctx context.Context, id int64, patch core.Patch) (core.Message, error) {
	var row proto.Message
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		SetBody(proto.UpdateRequest{Read: patch.Read}).
		SetResult(&row).
		SetError(&proto.ErrorResponse{}).
		Patch("/api/messages/{id}")
	if err != nil {
		return core.Message{}, fmt.Errorf("update message: %w", err)
	}
	if err := statusError(resp); err != nil {
		return core.Message{}, fmt.Errorf("update message %d: %w", id, err)
	}
	return row.Core(), nil
}

// statusError maps HTTP failures onto store errors.
func statusError(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	msg := resp.Status()
	if body, ok := resp.Error().(*proto.ErrorResponse); ok && body.Error != "" {
		msg = body.Error
	}
	switch resp.StatusCode() {
	case http.StatusForbidden, http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", store.ErrPermissionDenied, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", store.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", store.ErrConflict, msg)
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode(), msg)
	}
}

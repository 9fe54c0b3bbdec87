package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

// MessageHandlers serves the persistence API the sync engine reads and writes through.
type MessageHandlers struct {
	store store.Store
	log   *zerolog.Logger
}

// NewMessageHandlers creates a new message handlers instance.
func NewMessageHandlers(st store.Store, logger *zerolog.Logger) *MessageHandlers {
	return &MessageHandlers{
		store: st,
		log:   logger,
	}
}

// authorize resolves the :key parameter and checks the caller may use it.
func (h *MessageHandlers) authorize(c *gin.Context, key core.ChannelKey) (core.Channel, bool) {
	ch, err := core.ParseChannelKey(key)
	if err != nil {
		c.JSON(http.StatusBadRequest, proto.ErrorResponse{Error: err.Error(), Code: core.ErrCodeBadChannelKey})
		return core.Channel{}, false
	}
	user := currentUser(c)
	if !ch.HasParticipant(user) {
		h.log.Debug().Str("user", user).Str("channel", string(key)).Msg("channel access denied")
		c.JSON(http.StatusForbidden, proto.ErrorResponse{Error: "not a participant of this channel", Code: core.ErrCodeChannelPermission})
		return core.Channel{}, false
	}
	return ch, true
}

// ListMessages returns a page of channel history.
// GET /api/channels/:key/messages
func (h *MessageHandlers) ListMessages(c *gin.Context) {
	ch, ok := h.authorize(c, core.ChannelKey(c.Param("key")))
	if !ok {
		return
	}

	q, err := pageQueryFromRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, proto.ErrorResponse{Error: err.Error()})
		return
	}

	msgs, err := h.store.FetchMessages(c.Request.Context(), ch, q)
	if err != nil {
		h.log.Error().Err(err).Str("channel", string(ch.Key)).Msg("failed to fetch messages")
		c.JSON(http.StatusInternalServerError, proto.ErrorResponse{Error: "internal server error"})
		return
	}

	h.log.Debug().Str("channel", string(ch.Key)).Int("count", len(msgs)).Msg("messages listed")
	c.JSON(http.StatusOK, proto.MessagePage{Messages: messagesToProto(msgs)})
}

// PostMessage persists a message from the caller.
// POST /api/channels/:key/messages
func (h *MessageHandlers) PostMessage(c *gin.Context) {
	ch, ok := h.authorize(c, core.ChannelKey(c.Param("key")))
	if !ok {
		return
	}

	var req proto.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid send request")
		c.JSON(http.StatusBadRequest, proto.ErrorResponse{Error: "invalid request body"})
		return
	}
	kind := core.MessageKind(req.Kind)
	if kind == "" {
		kind = core.KindText
	}
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, proto.ErrorResponse{Error: "unknown message kind"})
		return
	}

	row, err := h.store.InsertMessage(c.Request.Context(), core.Message{
		ClientID: req.ClientID,
		Channel:  ch.Key,
		SenderID: currentUser(c),
		Content:  req.Content,
		Kind:     kind,
	})
	if errors.Is(err, store.ErrConflict) {
		h.log.Warn().Str("channel", string(ch.Key)).Str("client_id", req.ClientID).Msg("client id reused across channels")
		c.JSON(http.StatusConflict, proto.ErrorResponse{Error: "client id already in use", Code: core.ErrCodePersistenceWrite})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("channel", string(ch.Key)).Msg("failed to insert message")
		c.JSON(http.StatusInternalServerError, proto.ErrorResponse{Error: "internal server error", Code: core.ErrCodePersistenceWrite})
		return
	}

	h.log.Info().Str("channel", string(ch.Key)).Int64("id", row.ID).Str("sender", row.SenderID).Msg("message stored")
	c.JSON(http.StatusCreated, proto.MessageFromCore(row))
}

// UpdateMessage patches the read flag of a message.
// PATCH /api/messages/:id
func (h *MessageHandlers) UpdateMessage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, proto.ErrorResponse{Error: "invalid message id"})
		return
	}

	var req proto.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, proto.ErrorResponse{Error: "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	existing, err := h.store.GetMessage(ctx, id)
	if err != nil {
		h.writeLookupError(c, id, err)
		return
	}
	if _, ok := h.authorize(c, existing.Channel); !ok {
		return
	}

	row, err := h.store.UpdateMessage(ctx, id, core.Patch{Read: req.Read})
	if err != nil {
		h.writeLookupError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, proto.MessageFromCore(row))
}

func (h *MessageHandlers) writeLookupError(c *gin.Context, id int64, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, proto.ErrorResponse{Error: "message not found"})
		return
	}
	h.log.Error().Err(err).Int64("id", id).Msg("failed to update message")
	c.JSON(http.StatusInternalServerError, proto.ErrorResponse{Error: "internal server error"})
}

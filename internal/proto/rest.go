package proto

// Query parameters of GET /api/channels/:key/messages. Timestamps are unix
// nanoseconds; a cursor needs both its _ts and _id parameter.
const (
	QueryBeforeTS = "before_ts"
	QueryBeforeID = "before_id"
	QueryAfterTS  = "after_ts"
	QueryAfterID  = "after_id"
	QuerySinceTS  = "since_ts"
	QueryLimit    = "limit"

	// HeaderUser carries the caller's user id.
	HeaderUser = "X-Wirechat-User"
)

// MessagePage is the response of a history fetch, ascending.
type MessagePage struct {
	Messages []Message `json:"messages"`
}

// SendRequest is the body of POST /api/channels/:key/messages. The server
// stamps the canonical sent_at; ClientID makes retries idempotent.
type SendRequest struct {
	ClientID string `json:"client_id,omitempty"`
	Content  string `json:"content" binding:"required"`
	Kind     string `json:"kind,omitempty"`
}

// UpdateRequest is the body of PATCH /api/messages/:id.
type UpdateRequest struct {
	Read *bool `json:"is_read" binding:"required"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

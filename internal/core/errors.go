package core

import "errors"

// Error codes for domain errors.
const (
	ErrCodeTransientFetch      = "transient_fetch"
	ErrCodePersistenceWrite    = "persistence_write"
	ErrCodeSubscriptionDropped = "subscription_dropped"
	ErrCodeMalformedEvent      = "malformed_event"
	ErrCodeChannelPermission   = "channel_permission"
	ErrCodeChannelClosed       = "channel_closed"
	ErrCodeChannelNotOpen      = "channel_not_open"
	ErrCodeBadChannelKey       = "bad_channel_key"
	ErrCodeUnknown             = "unknown"
)

var (
	ErrTransientFetch      = errors.New("transient history fetch failure")
	ErrPersistenceWrite    = errors.New("persistence write failed")
	ErrSubscriptionDropped = errors.New("subscription dropped")
	ErrMalformedEvent      = errors.New("malformed event")
	ErrChannelPermission   = errors.New("channel permission denied")
	ErrChannelClosed       = errors.New("channel closed")
	ErrChannelNotOpen      = errors.New("channel not open")
	ErrBadChannelKey       = errors.New("bad channel key")
	ErrMessageNotFound     = errors.New("message not found")
)

// ChannelError ties a failure to the channel it happened on.
type ChannelError struct {
	Code    string
	Channel ChannelKey
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Channel == "" {
		return e.Err.Error()
	}
	return string(e.Channel) + ": " + e.Err.Error()
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// NewChannelError wraps err with the code matching its sentinel.
func NewChannelError(key ChannelKey, err error) *ChannelError {
	return &ChannelError{Code: CodeOf(err), Channel: key, Err: err}
}

// CodeOf maps an error onto its error code.
func CodeOf(err error) string {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Code
	}
	switch {
	case errors.Is(err, ErrTransientFetch):
		return ErrCodeTransientFetch
	case errors.Is(err, ErrPersistenceWrite):
		return ErrCodePersistenceWrite
	case errors.Is(err, ErrSubscriptionDropped):
		return ErrCodeSubscriptionDropped
	case errors.Is(err, ErrMalformedEvent):
		return ErrCodeMalformedEvent
	case errors.Is(err, ErrChannelPermission):
		return ErrCodeChannelPermission
	case errors.Is(err, ErrChannelClosed):
		return ErrCodeChannelClosed
	case errors.Is(err, ErrChannelNotOpen):
		return ErrCodeChannelNotOpen
	case errors.Is(err, ErrBadChannelKey):
		return ErrCodeBadChannelKey
	default:
		return ErrCodeUnknown
	}
}

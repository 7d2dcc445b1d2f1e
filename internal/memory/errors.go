package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig means the channel is missing or not fully configured.
	ErrConfig = errors.New("channel not configured")
	// ErrUpstream means the completion service failed or timed out.
	ErrUpstream = errors.New("completion failed")
	// ErrStore means a message could not be read or persisted.
	ErrStore = errors.New("store failure")
)

const (
	msgConfig   = "This consultant is not configured yet."
	msgUpstream = "Sorry, I could not answer right now. Please try again."
	msgStore    = "Sorry, something went wrong while saving your message. Please try again."
)

// TurnError is returned by HandleTurn. errors.Is matches both Kind and the
// underlying cause.
type TurnError struct {
	Kind error
	Err  error
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// UserMessage is the one line shown to the end user for this failure.
func (e *TurnError) UserMessage() string {
	return UserMessage(e)
}

// KindName is a short label for logs and events.
func (e *TurnError) KindName() string {
	switch {
	case errors.Is(e.Kind, ErrConfig):
		return "config"
	case errors.Is(e.Kind, ErrUpstream):
		return "upstream"
	case errors.Is(e.Kind, ErrStore):
		return "store"
	default:
		return "unknown"
	}
}

func turnErr(kind, err error) *TurnError {
	return &TurnError{Kind: kind, Err: err}
}

// UserMessage maps any turn failure to user-visible text.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return msgConfig
	case errors.Is(err, ErrStore):
		return msgStore
	default:
		return msgUpstream
	}
}

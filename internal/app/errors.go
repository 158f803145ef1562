package app

import (
	"errors"
	"fmt"

	"docgate/internal/ragclient"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUsernameExists    = errors.New("username already exists")
	ErrEmailExists       = errors.New("email already exists")
	ErrInvalidCredential = errors.New("invalid username or password")

	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
)

// StreamError reports a chat failure that happened after the user message was
// stored. The transport turns it into an in-band error event.
type StreamError struct {
	Message string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

func newStreamError(err error) *StreamError {
	var remoteErr *ragclient.RemoteServiceError
	switch {
	case errors.As(err, &remoteErr):
		return &StreamError{Message: remoteErr.Detail, Err: err}
	case errors.Is(err, ragclient.ErrRemoteUnavailable):
		return &StreamError{Message: ragclient.ErrRemoteUnavailable.Error(), Err: err}
	default:
		return &StreamError{Message: "chat stream interrupted", Err: err}
	}
}

package session

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrHostNotFound      = errors.New("room host not found")
	ErrJoinDenied        = errors.New("join request denied")
	ErrConnectionLost    = errors.New("signaling connection lost")
	ErrConnectionFailed  = errors.New("peer connection failed")
	ErrNoLocalMedia      = errors.New("no local media")
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// SessionError records the operation that failed.
type SessionError struct {
	Op      string
	Err     error
	Details string
}

func (e *SessionError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *SessionError {
	return &SessionError{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *SessionError {
	return &SessionError{Op: op, Err: err, Details: details}
}

package model

import (
	"errors"
	"fmt"
)

// Error kinds shared by every component. Use errors.Is to classify.
var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrTransport  = errors.New("transport error")
	ErrTimeout    = errors.New("timeout")
)

// Error carries a kind from the taxonomy above plus a human-readable message.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Validationf returns a validation error with a formatted message.
func Validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf returns a conflict error with a formatted message.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf returns a not-found error with a formatted message.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Transport wraps err as a transport error.
func Transport(op string, err error) error {
	return &Error{Kind: ErrTransport, Msg: fmt.Sprintf("%s: %v", op, err)}
}

// Timeoutf returns a timeout error with a formatted message.
func Timeoutf(format string, args ...any) error {
	return &Error{Kind: ErrTimeout, Msg: fmt.Sprintf(format, args...)}
}

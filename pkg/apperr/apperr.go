// Package apperr defines the error kinds shared by admission, chat, polls and breakouts.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping (HTTP status, websocket ack code).
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindForbidden      Kind = "forbidden"
	KindTransientStore Kind = "transient_store"
	KindInternal       Kind = "internal"
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports malformed or missing input.
func Validation(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing live session, poll run or breakout room.
func NotFound(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a duplicate response, an already open run or a duplicate entry.
func Conflict(format string, args ...interface{}) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Forbidden reports a scope or role mismatch.
func Forbidden(format string, args ...interface{}) error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps a durable-store I/O failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransientStore, Message: op, Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the client-safe message of err. Unclassified errors are hidden.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindTransientStore {
			return "temporarily unavailable"
		}
		return e.Message
	}
	return "internal error"
}

// Package apperr defines the error taxonomy shared by the lifecycle manager,
// the repository and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation"
	KindInvalidState Kind = "invalid_state"
	KindUpstream     Kind = "upstream"
	KindEmptyResult  Kind = "empty_result"
)

// Error is a classified application error. Message is safe to return to clients.
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

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound reports that the named entity does not exist.
func NotFound(entity string) error {
	return &Error{Kind: KindNotFound, Message: entity + " not found"}
}

// Validation reports malformed or missing input.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// InvalidState reports an operation that is not allowed in the current status.
func InvalidState(format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// EmptyResult reports that an operation would affect zero rows.
func EmptyResult(format string, args ...any) error {
	return &Error{Kind: KindEmptyResult, Message: fmt.Sprintf(format, args...)}
}

// Upstream wraps a datastore or queue failure. Classified errors pass through
// unchanged so a NotFound from the repository is not masked.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindUpstream, Message: op + " failed", Err: err}
}

// KindOf returns the Kind of err, or KindUpstream for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUpstream
}

func IsNotFound(err error) bool     { return err != nil && KindOf(err) == KindNotFound }
func IsValidation(err error) bool   { return err != nil && KindOf(err) == KindValidation }
func IsInvalidState(err error) bool { return err != nil && KindOf(err) == KindInvalidState }
func IsEmptyResult(err error) bool  { return err != nil && KindOf(err) == KindEmptyResult }

// HTTPStatus maps err onto the status code returned by the API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInvalidState, KindEmptyResult:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the client-facing message for err. Upstream details stay
// in the logs.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal server error"
}

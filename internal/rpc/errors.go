// Package rpc implements the named procedures that enforce order and
// read-state business rules. Procedures take JSON arguments and fail with a
// typed *Error whose Kind handlers map to an HTTP status and whose Code is a
// stable machine-readable string.
package rpc

import (
	"errors"
	"fmt"
)

// Kind classifies a procedure failure.
type Kind string

// Error kinds.
const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindInternal     Kind = "internal"
)

// Stable error codes.
const (
	CodeInvalidArgument         = "INVALID_ARGUMENT"
	CodeUnauthorized            = "UNAUTHORIZED"
	CodeForbidden               = "FORBIDDEN"
	CodeOrderNotFound           = "ORDER_NOT_FOUND"
	CodeOrderNotDeletable       = "ORDER_NOT_DELETABLE"
	CodeOrderNotEditable        = "ORDER_NOT_EDITABLE"
	CodeInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
	CodeItemNotFound            = "ITEM_NOT_FOUND"
	CodeChatNotFound            = "CHAT_NOT_FOUND"
	CodeTaskNotFound            = "TASK_NOT_FOUND"
	CodeUnknownProcedure        = "UNKNOWN_PROCEDURE"
	CodeInternal                = "INTERNAL"
)

// Error is the typed failure returned by procedures.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func newErr(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func invalid(format string, args ...any) *Error {
	return newErr(KindValidation, CodeInvalidArgument, format, args...)
}

func forbidden() *Error {
	return &Error{Kind: KindForbidden, Code: CodeForbidden, Message: "not allowed"}
}

// AsError extracts an *Error from err. Any other non-nil error becomes an
// internal error carrying the raw message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: err.Error()}
}

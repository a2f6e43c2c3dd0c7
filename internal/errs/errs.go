// Package errs defines the flat error taxonomy shared by every layer of the
// client. Errors are identified by code; server-reported codes are carried
// through unchanged.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the coarse classification of an error code.
type Kind string

const (
	KindConnectionLost Kind = "connection-lost"
	KindCommandTimeout Kind = "command-timeout"
	KindCommandInvalid Kind = "command-invalid"
	KindMalformedData  Kind = "malformed-data"
	KindInconsistency  Kind = "inconsistency"
	KindNotFound       Kind = "not-found"
	KindServer         Kind = "server"
	KindUnderlying     Kind = "underlying"
)

// Client-side codes.
const (
	CodeCommandTimeout            = 9000
	CodeConnectionLost            = 9001
	CodeClientNotOpen             = 9002
	CodeCommandInvalid            = 9003
	CodeCommandDataLengthTooLong  = 9008
	CodeConversationNotFound      = 9100
	CodeUpdatingMessageNotAllowed = 9120
	CodeUpdatingMessageNotSent    = 9121
	CodeNotFound                  = 9973
	CodeInvalidType               = 9974
	CodeMalformedData             = 9975
	CodeInconsistency             = 9976
	CodeUnderlying                = 9977
)

// Server codes the client reacts to.
const (
	CodeObjectNotFound      = 101
	CodeSessionConflict     = 4111
	CodeSessionTokenExpired = 4112
)

var reasons = map[int]string{
	CodeCommandTimeout:            "command timeout",
	CodeConnectionLost:            "connection lost",
	CodeClientNotOpen:             "client not open",
	CodeCommandInvalid:            "command invalid",
	CodeCommandDataLengthTooLong:  "command data length too long",
	CodeConversationNotFound:      "conversation not found",
	CodeUpdatingMessageNotAllowed: "updating message not allowed",
	CodeUpdatingMessageNotSent:    "updating message not sent",
	CodeNotFound:                  "not found",
	CodeInvalidType:               "invalid type",
	CodeMalformedData:             "malformed data",
	CodeInconsistency:             "inconsistency",
	CodeUnderlying:                "underlying error",
	CodeObjectNotFound:            "object not found",
	CodeSessionConflict:           "session conflict",
	CodeSessionTokenExpired:       "session token expired",
}

// Error is the single error type surfaced by the client.
type Error struct {
	Code    int    `json:"code"`
	Reason  string `json:"reason,omitempty"`
	AppCode int    `json:"appCode,omitempty"`
	Detail  string `json:"detail,omitempty"`

	cause error
}

func (e *Error) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = reasons[e.Code]
	}
	msg := fmt.Sprintf("%d: %s", e.Code, reason)
	if e.AppCode != 0 {
		msg += fmt.Sprintf(" (app code %d)", e.AppCode)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Kind classifies the error code.
func (e *Error) Kind() Kind {
	switch e.Code {
	case CodeConnectionLost:
		return KindConnectionLost
	case CodeCommandTimeout:
		return KindCommandTimeout
	case CodeCommandInvalid, CodeCommandDataLengthTooLong:
		return KindCommandInvalid
	case CodeMalformedData, CodeInvalidType:
		return KindMalformedData
	case CodeInconsistency, CodeClientNotOpen, CodeUpdatingMessageNotAllowed, CodeUpdatingMessageNotSent:
		return KindInconsistency
	case CodeNotFound, CodeConversationNotFound:
		return KindNotFound
	case CodeUnderlying:
		return KindUnderlying
	}
	return KindServer
}

// Sentinels for errors.Is.
var (
	ErrCommandTimeout            = &Error{Code: CodeCommandTimeout}
	ErrConnectionLost            = &Error{Code: CodeConnectionLost}
	ErrClientNotOpen             = &Error{Code: CodeClientNotOpen}
	ErrCommandInvalid            = &Error{Code: CodeCommandInvalid}
	ErrCommandDataTooLong        = &Error{Code: CodeCommandDataLengthTooLong}
	ErrConversationNotFound      = &Error{Code: CodeConversationNotFound}
	ErrUpdatingMessageNotAllowed = &Error{Code: CodeUpdatingMessageNotAllowed}
	ErrUpdatingMessageNotSent    = &Error{Code: CodeUpdatingMessageNotSent}
	ErrNotFound                  = &Error{Code: CodeNotFound}
	ErrMalformedData             = &Error{Code: CodeMalformedData}
	ErrInconsistency             = &Error{Code: CodeInconsistency}
	ErrObjectNotFound            = &Error{Code: CodeObjectNotFound}
	ErrSessionConflict           = &Error{Code: CodeSessionConflict}
	ErrSessionTokenExpired       = &Error{Code: CodeSessionTokenExpired}
)

// New returns an error with the given code and reason.
func New(code int, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Newf is New with formatting.
func Newf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Inconsistency is shorthand for a usage violation.
func Inconsistency(format string, args ...any) *Error {
	return Newf(CodeInconsistency, format, args...)
}

// Wrap converts an arbitrary error into an *Error with the given code.
// An error that already is an *Error is returned unchanged.
func Wrap(err error, code int, reason string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: code, Reason: reason, cause: errors.WithStack(err)}
}

// From converts any error into an *Error, defaulting to the underlying code.
func From(err error) *Error {
	return Wrap(err, CodeUnderlying, "")
}

// Server builds an error from a server-reported code.
func Server(code int, reason string, appCode int, detail string) *Error {
	return &Error{Code: code, Reason: reason, AppCode: appCode, Detail: detail}
}

// HasCode reports whether err is an *Error with the given code.
func HasCode(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// Annotate returns a new error with the given code whose cause is err,
// even when err already is an *Error.
func Annotate(err error, code int, reason string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return &Error{Code: code, Reason: reason, cause: e}
	}
	return &Error{Code: code, Reason: reason, cause: errors.WithStack(err)}
}

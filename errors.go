package realtime

import "github.com/leancloud/swift-sdk-sub001/internal/errs"

// Error is the single error type returned by the client. Compare with the
// sentinels below through errors.Is; matching is by code.
type Error = errs.Error

// ErrorKind is the coarse classification of an Error, see Error.Kind.
type ErrorKind = errs.Kind

var (
	ErrCommandTimeout            = errs.ErrCommandTimeout
	ErrConnectionLost            = errs.ErrConnectionLost
	ErrClientNotOpen             = errs.ErrClientNotOpen
	ErrCommandInvalid            = errs.ErrCommandInvalid
	ErrCommandDataTooLong        = errs.ErrCommandDataTooLong
	ErrConversationNotFound      = errs.ErrConversationNotFound
	ErrUpdatingMessageNotAllowed = errs.ErrUpdatingMessageNotAllowed
	ErrUpdatingMessageNotSent    = errs.ErrUpdatingMessageNotSent
	ErrNotFound                  = errs.ErrNotFound
	ErrMalformedData             = errs.ErrMalformedData
	ErrInconsistency             = errs.ErrInconsistency
	ErrObjectNotFound            = errs.ErrObjectNotFound
	ErrSessionConflict           = errs.ErrSessionConflict
	ErrSessionTokenExpired       = errs.ErrSessionTokenExpired
)

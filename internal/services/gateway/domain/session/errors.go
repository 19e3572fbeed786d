package session

import (
	"errors"

	apperrors "github.com/louisbranch/satp-gateway/internal/platform/errors"
)

var (
	// ErrOutOfOrder is returned when a message does not carry the next
	// sequence number of its session.
	ErrOutOfOrder = apperrors.New(apperrors.CodeOutOfOrderMessage, "out of order message")
	// ErrStageMismatch is returned when a message declares a stage other than
	// the session's current one.
	ErrStageMismatch = apperrors.New(apperrors.CodeStageMismatch, "stage mismatch")
	// ErrMessageTypeMismatch is returned when a message type is not the one
	// expected at its sequence number, or comes from the wrong side.
	ErrMessageTypeMismatch = apperrors.New(apperrors.CodeMessageTypeMismatch, "unexpected message type")
	// ErrUnknownSession is returned for messages or requests naming a session
	// this gateway does not hold.
	ErrUnknownSession = apperrors.New(apperrors.CodeUnknownSession, "unknown session")
	// ErrSessionTerminal is returned for messages or requests that need a live
	// session.
	ErrSessionTerminal = apperrors.New(apperrors.CodeSessionTerminal, "session is terminal")
	// ErrIrreversible is returned when an abort is requested past the point of
	// no return.
	ErrIrreversible = apperrors.New(apperrors.CodeIrreversible, "session can no longer be aborted")
	// ErrInvalidPayload is returned when a message payload cannot be decoded
	// or does not match the session.
	ErrInvalidPayload = apperrors.New(apperrors.CodeInvalidPayload, "invalid payload")
	// ErrDuplicateSession is returned when another open session holds the
	// same asset and wins the tie-break.
	ErrDuplicateSession = apperrors.New(apperrors.CodeDuplicateSessionConflict, "duplicate session for asset")

	// ErrSequenceGap is returned by Fold for entries that do not extend the
	// session by exactly one.
	ErrSequenceGap = errors.New("log sequence gap")
	// ErrCorruptLog is returned by Fold for entries inconsistent with the
	// session they are folded into.
	ErrCorruptLog = errors.New("corrupt session log")
)

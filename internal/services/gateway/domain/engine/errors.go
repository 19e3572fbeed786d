package engine

import (
	"errors"

	apperrors "github.com/louisbranch/satp-gateway/internal/platform/errors"
)

var (
	// ErrStoreRequired indicates a missing audit log store.
	ErrStoreRequired = errors.New("audit log store is required")
	// ErrSignerRequired indicates a missing signer.
	ErrSignerRequired = errors.New("signer is required")
	// ErrVerifierRequired indicates a missing verifier.
	ErrVerifierRequired = errors.New("verifier is required")
	// ErrBridgesRequired indicates a missing bridge registry.
	ErrBridgesRequired = errors.New("bridge registry is required")
	// ErrNoPendingAction is returned when a step is requested for a session
	// that is not waiting on it.
	ErrNoPendingAction = errors.New("session has no pending action of that kind")
	// ErrCompensationFailed marks a compensation call that failed and was
	// recorded for operator intervention.
	ErrCompensationFailed = apperrors.New(apperrors.CodeCompensationFailed, "compensation failed")
	// ErrTimeout is the abort cause of sessions that exhausted their retries.
	ErrTimeout = apperrors.New(apperrors.CodeTimeout, "stage timeout exceeded")
)

// nonRetryableError wraps an error to signal that retrying the transition
// would be harmful, such as a fold failure after the entry was appended.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable returns true from IsNonRetryable checks.
func (e *nonRetryableError) NonRetryable() bool { return true }

func wrapNonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable returns true when the error (or any error in its chain)
// signals that the transition must not be retried.
func IsNonRetryable(err error) bool {
	var target interface{ NonRetryable() bool }
	if errors.As(err, &target) {
		return target.NonRetryable()
	}
	return false
}

// Package errors provides structured gateway errors with transport mappings.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors: the message is rejected and the session is unchanged.
	CodeBadSignature        Code = "VALIDATION_BAD_SIGNATURE"
	CodeOutOfOrderMessage   Code = "VALIDATION_OUT_OF_ORDER"
	CodeStageMismatch       Code = "VALIDATION_STAGE_MISMATCH"
	CodeMessageTypeMismatch Code = "VALIDATION_MESSAGE_TYPE_MISMATCH"
	CodeUnknownSession      Code = "VALIDATION_UNKNOWN_SESSION"
	CodeUnknownGateway      Code = "VALIDATION_UNKNOWN_GATEWAY"
	CodeInvalidPayload      Code = "VALIDATION_INVALID_PAYLOAD"
	CodeInvalidProof        Code = "VALIDATION_INVALID_PROOF"
	CodeSessionTerminal     Code = "VALIDATION_SESSION_TERMINAL"

	// Session lifecycle errors
	CodeInvalidAssetReference    Code = "INVALID_ASSET_REFERENCE"
	CodeDuplicateSessionConflict Code = "DUPLICATE_SESSION_CONFLICT"
	CodeIrreversible             Code = "IRREVERSIBLE"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeOperatorAbort            Code = "OPERATOR_ABORT"

	// Ledger errors surfaced by bridge adapters
	CodeLedgerUnavailable   Code = "LEDGER_UNAVAILABLE"
	CodeAssetNotFound       Code = "ASSET_NOT_FOUND"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"

	// Infrastructure errors
	CodeCompensationFailed Code = "COMPENSATION_FAILED"
	CodePersistence        Code = "PERSISTENCE_UNAVAILABLE"
	CodeSequenceConflict   Code = "PERSISTENCE_SEQUENCE_CONFLICT"
	CodeIntegrity          Code = "PERSISTENCE_INTEGRITY_FAILED"
	CodeTimeout            Code = "TIMEOUT"
)

// Category groups codes into the gateway error taxonomy.
type Category string

const (
	CategoryValidation   Category = "ValidationError"
	CategoryCompensation Category = "CompensationError"
	CategoryPersistence  Category = "PersistenceError"
	CategoryTimeout      Category = "TimeoutError"
	CategoryLedger       Category = "LedgerError"
	CategoryRequest      Category = "RequestError"
	CategoryInternal     Category = "InternalError"
)

// Category returns the taxonomy bucket for the code.
func (c Code) Category() Category {
	switch c {
	case CodeBadSignature,
		CodeOutOfOrderMessage,
		CodeStageMismatch,
		CodeMessageTypeMismatch,
		CodeUnknownSession,
		CodeUnknownGateway,
		CodeInvalidPayload,
		CodeInvalidProof,
		CodeSessionTerminal:
		return CategoryValidation
	case CodeCompensationFailed:
		return CategoryCompensation
	case CodePersistence, CodeSequenceConflict, CodeIntegrity:
		return CategoryPersistence
	case CodeTimeout:
		return CategoryTimeout
	case CodeLedgerUnavailable, CodeAssetNotFound, CodeInsufficientBalance:
		return CategoryLedger
	case CodeInvalidAssetReference, CodeDuplicateSessionConflict, CodeIrreversible, CodeNotFound, CodeOperatorAbort:
		return CategoryRequest
	default:
		return CategoryInternal
	}
}

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - malformed or unverifiable input
	case CodeBadSignature,
		CodeMessageTypeMismatch,
		CodeInvalidPayload,
		CodeInvalidProof,
		CodeInvalidAssetReference:
		return codes.InvalidArgument

	// FailedPrecondition - session state doesn't allow the message
	case CodeOutOfOrderMessage,
		CodeStageMismatch,
		CodeSessionTerminal,
		CodeIrreversible,
		CodeInsufficientBalance,
		CodeIntegrity:
		return codes.FailedPrecondition

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeUnknownSession,
		CodeUnknownGateway,
		CodeAssetNotFound:
		return codes.NotFound

	case CodeDuplicateSessionConflict, CodeSequenceConflict, CodeOperatorAbort:
		return codes.Aborted

	case CodeLedgerUnavailable, CodePersistence:
		return codes.Unavailable

	case CodeTimeout:
		return codes.DeadlineExceeded

	default:
		return codes.Internal
	}
}

// HTTPStatus maps domain codes to HTTP status codes for the operator API.
func (c Code) HTTPStatus() int {
	switch c.GRPCCode() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.FailedPrecondition, codes.Aborted:
		return http.StatusConflict
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Package errors provides structured error handling with i18n support.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeUserIDEmpty      Code = "USER_ID_EMPTY"
	CodeEventTypeInvalid Code = "EVENT_TYPE_INVALID"
	CodeInvalidRange     Code = "INVALID_RANGE"
	CodeDateInvalid      Code = "DATE_INVALID"
	CodeTimezoneInvalid  Code = "TIMEZONE_INVALID"
	CodeSettingsInvalid  Code = "SETTINGS_INVALID"

	// Precondition errors
	CodeTruthCheckNotComputed Code = "TRUTH_CHECK_NOT_COMPUTED"
	CodeInsufficientBalance   Code = "INSUFFICIENT_BALANCE"

	// Storage errors
	CodeNotFound      Code = "NOT_FOUND"
	CodeStoreConflict Code = "STORE_CONFLICT"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeUserIDEmpty,
		CodeEventTypeInvalid,
		CodeInvalidRange,
		CodeDateInvalid,
		CodeTimezoneInvalid,
		CodeSettingsInvalid:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeInsufficientBalance:
		return codes.FailedPrecondition

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeTruthCheckNotComputed:
		return codes.NotFound

	// Aborted - concurrent writers kept the row locked
	case CodeStoreConflict:
		return codes.Aborted

	default:
		return codes.Internal
	}
}

// IsNotFound reports whether the code belongs to the not-found class.
func (c Code) IsNotFound() bool {
	return c.GRPCCode() == codes.NotFound
}

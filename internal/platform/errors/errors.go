package errors

import (
	stderrors "errors"

	"github.com/louisbranch/holdfast/internal/platform/i18n"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/status"
)

// Domain is the error domain for holdfast errors.
const Domain = "github.com/louisbranch/holdfast"

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs/telemetry)
	Metadata map[string]string // Additional context for templating
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error with metadata for i18n templating.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf returns the code of the first domain error in err's chain.
func CodeOf(err error) Code {
	var domainErr *Error
	if stderrors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeUnknown
}

// HasCode reports whether err's chain carries a domain error with code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// LocalizedMessage renders the user-facing message for locale.
func (e *Error) LocalizedMessage(locale string) string {
	return i18n.ErrorMessage(locale, string(e.Code), e.Metadata)
}

// ToGRPCStatus converts the error to a gRPC status with errdetails.
// The status message contains the internal message for logging.
// The LocalizedMessage contains the user-facing translated message.
func (e *Error) ToGRPCStatus(locale string) error {
	grpcCode := e.Code.GRPCCode()
	st := status.New(grpcCode, e.Message)

	st, err := st.WithDetails(
		&errdetails.ErrorInfo{
			Reason:   string(e.Code),
			Domain:   Domain,
			Metadata: e.Metadata,
		},
		&errdetails.LocalizedMessage{
			Locale:  i18n.ResolveLocale(locale),
			Message: e.LocalizedMessage(locale),
		},
	)
	if err != nil {
		return status.New(grpcCode, e.Message).Err()
	}
	return st.Err()
}

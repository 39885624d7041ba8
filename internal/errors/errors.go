package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a Forma error code.
type ErrorCode string

const (
	ErrUnsupportedCapability ErrorCode = "UNSUPPORTED_CAPABILITY"
	ErrRecognition           ErrorCode = "RECOGNITION_ERROR"
	ErrEmptyText             ErrorCode = "EMPTY_TEXT"
	ErrNotFound              ErrorCode = "NOT_FOUND"
	ErrStorageFailure        ErrorCode = "STORAGE_FAILURE"
	ErrInvalidRequest        ErrorCode = "INVALID_REQUEST"
	ErrClipboardFailure      ErrorCode = "CLIPBOARD_FAILURE"
	ErrFileNotFound          ErrorCode = "FILE_NOT_FOUND"
	ErrCancelled             ErrorCode = "CANCELLED"
	ErrInternal              ErrorCode = "INTERNAL"
)

// Recognition failure reasons reported by speech services.
const (
	ReasonNotAllowed   = "not-allowed"
	ReasonNoSpeech     = "no-speech"
	ReasonNetwork      = "network"
	ReasonAborted      = "aborted"
	ReasonAudioCapture = "audio-capture"
	ReasonStartFailed  = "start-failed"
)

// FormaError represents a structured error with code, message, and details.
type FormaError struct {
	Code    ErrorCode
	Message string
	Details map[string]any

	cause error
}

// Error implements the error interface.
func (e *FormaError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *FormaError) Unwrap() error {
	return e.cause
}

// Reason returns the recognition reason code, or "" for other errors.
func (e *FormaError) Reason() string {
	if e.Details == nil {
		return ""
	}
	reason, _ := e.Details["reason"].(string)
	return reason
}

// NewUnsupportedCapability reports that the host offers no recognition service.
func NewUnsupportedCapability(capability string) *FormaError {
	return &FormaError{
		Code:    ErrUnsupportedCapability,
		Message: fmt.Sprintf("%s is not available on this host", capability),
		Details: map[string]any{"capability": capability},
	}
}

// NewRecognition reports a failed or abnormally ended recognition stream.
func NewRecognition(reason string, cause error) *FormaError {
	msg := fmt.Sprintf("speech recognition failed: %s", reason)
	if cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, cause)
	}
	return &FormaError{
		Code:    ErrRecognition,
		Message: msg,
		Details: map[string]any{"reason": reason},
		cause:   cause,
	}
}

// NewEmptyText rejects an attempt to persist a blank segment.
func NewEmptyText() *FormaError {
	return &FormaError{
		Code:    ErrEmptyText,
		Message: "segment text must not be empty",
	}
}

// NewNotFound creates an error for a missing form or segment.
func NewNotFound(kind, identifier string) *FormaError {
	return &FormaError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found: %s", kind, identifier),
		Details: map[string]any{"kind": kind, "identifier": identifier},
	}
}

// NewStorageFailure wraps a rejected persistence call.
func NewStorageFailure(op, key string, cause error) *FormaError {
	msg := fmt.Sprintf("storage %s failed for %q", op, key)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &FormaError{
		Code:    ErrStorageFailure,
		Message: msg,
		Details: map[string]any{"op": op, "key": key},
		cause:   cause,
	}
}

// NewInvalidRequest creates an error for invalid parameters.
func NewInvalidRequest(msg string) *FormaError {
	return &FormaError{
		Code:    ErrInvalidRequest,
		Message: msg,
	}
}

// NewClipboardFailure reports a rejected clipboard write.
func NewClipboardFailure(cause error) *FormaError {
	msg := "clipboard write failed"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &FormaError{
		Code:    ErrClipboardFailure,
		Message: msg,
		cause:   cause,
	}
}

// NewFileNotFound creates an error for a missing import file.
func NewFileNotFound(path string) *FormaError {
	return &FormaError{
		Code:    ErrFileNotFound,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewCancelled reports an operation interrupted by context cancellation.
func NewCancelled(op string) *FormaError {
	return &FormaError{
		Code:    ErrCancelled,
		Message: fmt.Sprintf("%s cancelled", op),
	}
}

// NewInternal creates an error for unexpected internal failures.
func NewInternal(err error) *FormaError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &FormaError{
		Code:    ErrInternal,
		Message: msg,
		cause:   err,
	}
}

// Is checks if err (or anything it wraps) is a FormaError with the given code.
func Is(err error, code ErrorCode) bool {
	var fErr *FormaError
	if stderrors.As(err, &fErr) {
		return fErr.Code == code
	}
	return false
}

// As is a convenience wrapper returning the first FormaError in err's chain.
func As(err error) (*FormaError, bool) {
	var fErr *FormaError
	if stderrors.As(err, &fErr) {
		return fErr, true
	}
	return nil, false
}

package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Error codes used across the pipeline
const (
	CodeNotFound             = "NOT_FOUND"
	CodeInvalidInput         = "INVALID_INPUT"
	CodeInternal             = "INTERNAL_ERROR"
	CodeTransientProvider    = "TRANSIENT_PROVIDER"
	CodeMalformedModelOutput = "MALFORMED_MODEL_OUTPUT"
	CodeRateLimited          = "RATE_LIMITED"
	CodePersistenceWrite     = "PERSISTENCE_WRITE"
	CodeWebhookDelivery      = "WEBHOOK_DELIVERY"
	CodeCircuitOpen          = "CIRCUIT_OPEN"
)

// Sentinel values, matched with errors.Is
var (
	ErrNotFound             = errors.New("resource not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInternalError        = errors.New("internal error")
	ErrTimeout              = errors.New("operation timed out")
	ErrUnavailable          = errors.New("service unavailable")
	ErrTransientProvider    = errors.New("completion provider unavailable")
	ErrMalformedModelOutput = errors.New("malformed model output")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrPersistenceWrite     = errors.New("persistence write failed")
	ErrWebhookDelivery      = errors.New("webhook delivery failed")
	ErrCircuitOpen          = errors.New("circuit breaker open")
	ErrCallNotFound         = errors.New("call not found")
)

// Error represents a structured error with caller location and context fields
type Error struct {
	original error
	message  string
	fields   map[string]interface{}

	stackPC uintptr
	file    string
	line    int

	// Code is an optional error code for categorization
	Code string
}

func build(skip int, original error, code, message string, fields []map[string]interface{}) *Error {
	pc, file, line, _ := runtime.Caller(skip + 1)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			fieldMap[k] = v
		}
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		stackPC:  pc,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return build(1, errors.New(message), "", "", fields)
}

// Wrap wraps an existing error with additional context. A nil err yields nil.
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return build(1, err, GetErrorCode(err), message, fields)
}

// Wrapf is Wrap with a formatted message
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return build(1, err, GetErrorCode(err), fmt.Sprintf(format, args...), nil)
}

func (e *Error) clone() *Error {
	c := *e
	c.fields = make(map[string]interface{}, len(e.fields)+1)
	for k, v := range e.fields {
		c.fields[k] = v
	}
	return &c
}

// WithField returns a copy of the error with an extra context field
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	c := e.clone()
	c.fields[key] = value
	return c
}

// WithFields returns a copy of the error with the given context fields merged in
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	c := e.clone()
	for k, v := range fields {
		c.fields[k] = v
	}
	return c
}

// WithCode returns a copy of the error carrying code
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	c := e.clone()
	c.Code = code
	return c
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Is reports whether the wrapped error matches target
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// AsJSON returns the error in JSON-friendly map format
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"message":  e.Error(),
		"location": e.Location(),
	}
	if e.Code != "" {
		result["code"] = e.Code
	}
	if len(e.fields) > 0 {
		result["context"] = e.fields
	}
	return result
}

// NewNotFound creates a NOT_FOUND error
func NewNotFound(message string, fields ...map[string]interface{}) *Error {
	return build(1, ErrNotFound, CodeNotFound, message, fields)
}

// NewInvalidInput creates an INVALID_INPUT error
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	return build(1, ErrInvalidInput, CodeInvalidInput, message, fields)
}

// NewInternalError creates an INTERNAL_ERROR error
func NewInternalError(message string, fields ...map[string]interface{}) *Error {
	return build(1, ErrInternalError, CodeInternal, message, fields)
}

// NewCallNotFound creates a NOT_FOUND error for an unknown call id
func NewCallNotFound(callID string) *Error {
	return build(1, ErrCallNotFound, CodeNotFound,
		fmt.Sprintf("call not found: %s", callID),
		[]map[string]interface{}{{"call_id": callID}})
}

// NewTransientProvider wraps a completion or retrieval failure
func NewTransientProvider(cause error, provider string) *Error {
	if cause == nil {
		cause = ErrTransientProvider
	}
	e := build(1, cause, CodeTransientProvider, provider+" request failed",
		[]map[string]interface{}{{"provider": provider}})
	return e
}

// NewMalformedModelOutput reports text that could not be recovered into suggestions
func NewMalformedModelOutput(reason string) *Error {
	return build(1, ErrMalformedModelOutput, CodeMalformedModelOutput, reason, nil)
}

// NewRateLimited reports an exhausted token budget for identifier
func NewRateLimited(identifier string, fields ...map[string]interface{}) *Error {
	e := build(1, ErrRateLimited, CodeRateLimited, "token budget exhausted", fields)
	e.fields["identifier"] = identifier
	return e
}

// NewPersistenceWrite wraps a failed write to the call record store
func NewPersistenceWrite(cause error, callID string) *Error {
	if cause == nil {
		cause = ErrPersistenceWrite
	}
	return build(1, cause, CodePersistenceWrite, "call record write failed",
		[]map[string]interface{}{{"call_id": callID}})
}

// NewWebhookDelivery reports a failed delivery to one endpoint
func NewWebhookDelivery(endpoint string, status int) *Error {
	return build(1, ErrWebhookDelivery, CodeWebhookDelivery,
		fmt.Sprintf("endpoint returned status %d", status),
		[]map[string]interface{}{{"endpoint": endpoint, "status": status}})
}

// NewCircuitOpen reports a request rejected by an open breaker
func NewCircuitOpen(name string, cause error) *Error {
	if cause == nil {
		cause = ErrCircuitOpen
	}
	return build(1, cause, CodeCircuitOpen, "circuit "+name+" rejected request",
		[]map[string]interface{}{{"circuit": name}})
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// HasCode reports whether any structured error in err's chain carries code
func HasCode(err error, code string) bool {
	for err != nil {
		var serr *Error
		if !errors.As(err, &serr) {
			return false
		}
		if serr.Code == code {
			return true
		}
		err = serr.original
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}

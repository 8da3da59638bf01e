package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Job error codes persisted in the error column.
const (
	CodeHandlerNotFound = "HANDLER_NOT_FOUND"
	CodeHandlerError    = "HANDLER_ERROR"
	CodeHandlerPanic    = "HANDLER_PANIC"
	CodeJobTimeout      = "JOB_TIMEOUT"
)

// Item error codes.
const (
	CodeInvocationFailed      = "INVOCATION_FAILED"
	CodeInvocationException   = "INVOCATION_EXCEPTION"
	CodeBulkHTTPError         = "BULK_HTTP_ERROR"
	CodeBulkRequestFailed     = "BULK_REQUEST_FAILED"
	CodeBulkItemFailed        = "BULK_ITEM_FAILED"
	CodeBulkMappingUnresolved = "BULK_MAPPING_UNRESOLVED"
)

// JobError is the structured error recorded on a job, whether the failure
// will be retried or not.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewJobError builds a JobError with the given code.
func NewJobError(code, format string, args ...any) *JobError {
	return &JobError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsJobError converts any error into the persisted shape. Errors that
// already carry a JobError keep their code.
func AsJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	return &JobError{Code: CodeHandlerError, Message: err.Error()}
}

// ItemError is the structured error recorded on a failed item.
type ItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ItemError) Error() string {
	return e.Message
}

// MarshalJobError returns the JSON encoding of e, or nil for a nil error.
func MarshalJobError(e *JobError) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

// MarshalItemError returns the JSON encoding of e, or nil for a nil error.
func MarshalItemError(e *ItemError) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

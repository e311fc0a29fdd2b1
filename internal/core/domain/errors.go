package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// StepExecutionError means a step unit could not produce a result.
type StepExecutionError struct {
	Step string
	Err  error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// ResourceLoadError means an exclusive resource could not be brought into
// the active set.
type ResourceLoadError struct {
	Resource string
	Reason   string
	Err      error
}

func (e *ResourceLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load resource %s: %s: %v", e.Resource, e.Reason, e.Err)
	}
	return fmt.Sprintf("load resource %s: %s", e.Resource, e.Reason)
}

func (e *ResourceLoadError) Unwrap() error { return e.Err }

// JudgeParseError means the judge answered with something that is not a
// usable verdict.
type JudgeParseError struct {
	Raw string
	Err error
}

func (e *JudgeParseError) Error() string {
	return fmt.Sprintf("unparseable judge output: %v", e.Err)
}

func (e *JudgeParseError) Unwrap() error { return e.Err }

// InvalidStateError is returned when an operation is not allowed in the
// instance's current status. The instance is left untouched.
type InvalidStateError struct {
	InstanceID string
	Status     Status
	Op         string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s instance %s in status %s", e.Op, e.InstanceID, e.Status)
}

// NotFoundError is returned for unknown ids.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ErrRetryCeiling is the rationale attached to forced escalations.
var ErrRetryCeiling = errors.New("retry ceiling reached")

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsJudgeParse reports whether err is a JudgeParseError.
func IsJudgeParse(err error) bool {
	var target *JudgeParseError
	return errors.As(err, &target)
}

// IsStepFailure reports whether err should be turned into a synthetic
// failing step result rather than failing the instance.
func IsStepFailure(err error) bool {
	var se *StepExecutionError
	var re *ResourceLoadError
	return errors.As(err, &se) || errors.As(err, &re)
}

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeConflict       ErrorType = "conflict"
	ErrorTypeServer         ErrorType = "server"
)

// APIError is the JSON error body returned by the HTTP API.
type APIError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	StatusCode int       `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the status to answer with.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

func ErrInvalidRequest(message string) *APIError {
	return &APIError{Type: ErrorTypeInvalidRequest, Message: message}
}

func ErrNotFound(message string) *APIError {
	return &APIError{Type: ErrorTypeNotFound, Message: message}
}

func ErrConflict(message string) *APIError {
	return &APIError{Type: ErrorTypeConflict, Message: message}
}

func ErrServer(message string) *APIError {
	return &APIError{Type: ErrorTypeServer, Message: message}
}

// ToAPIError maps core errors onto API errors.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case IsNotFound(err):
		return ErrNotFound(err.Error())
	case IsInvalidState(err):
		return ErrConflict(err.Error())
	default:
		return ErrServer(err.Error())
	}
}

// Package errors provides structured error handling for scanfleet operations.
// It defines error codes and coded error types shared by the controller,
// the workload dispatcher, the result store and the scan workers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"

	// Job lifecycle errors.
	CodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	CodeDispatchFailed   ErrorCode = "DISPATCH_FAILED"
	CodeCallbackDelivery ErrorCode = "CALLBACK_DELIVERY"
	CodeResolutionFailed ErrorCode = "RESOLUTION_FAILED"
	CodeTunnelFailed     ErrorCode = "TUNNEL_FAILED"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
)

// coded is implemented by every error type in this package.
type coded interface {
	error
	ErrorCode() ErrorCode
}

// JobError represents an error raised while submitting, dispatching or
// executing a scan job.
type JobError struct {
	Code    ErrorCode
	Message string
	JobID   string
	Tool    string
	Target  string
	Cause   error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	switch {
	case e.JobID != "":
		msg += fmt.Sprintf(" (job: %s)", e.JobID)
	case e.Tool != "":
		msg += fmt.Sprintf(" (tool: %s)", e.Tool)
	case e.Target != "":
		msg += fmt.Sprintf(" (target: %s)", e.Target)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *JobError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *JobError) ErrorCode() ErrorCode {
	return e.Code
}

// NewJobError creates a new job error with the specified code and message.
func NewJobError(code ErrorCode, message string) *JobError {
	return &JobError{Code: code, Message: message}
}

// WrapJobError wraps an existing error as a job error.
func WrapJobError(code ErrorCode, message string, err error) *JobError {
	return &JobError{Code: code, Message: message, Cause: err}
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
}

// Error implements the error interface. The cause is left out so driver
// details never reach API clients.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *DatabaseError) ErrorCode() ErrorCode {
	return e.Code
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{Code: code, Message: message}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{Code: code, Message: message, Cause: err}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *ConfigError) ErrorCode() ErrorCode {
	return e.Code
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{Code: code, Message: message, Field: field, Value: value}
}

// GetCode extracts the error code from the first coded error in the chain.
func GetCode(err error) ErrorCode {
	var c coded
	if stderrors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeUnknown
}

// IsCode checks if an error carries a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsNotFound reports whether err means a resource (job or tool) does not exist.
func IsNotFound(err error) bool {
	code := GetCode(err)
	return code == CodeNotFound || code == CodeToolNotFound
}

// IsConflict reports whether err is a uniqueness conflict.
func IsConflict(err error) bool {
	return IsCode(err, CodeConflict)
}

// Common error creation functions

// ErrToolNotFound is returned when a tool is absent from the catalog.
func ErrToolNotFound(tool string) *JobError {
	return &JobError{Code: CodeToolNotFound, Message: "Tool not found", Tool: tool}
}

// ErrJobNotFound is returned when a job id is unknown.
func ErrJobNotFound(jobID string) *JobError {
	return &JobError{Code: CodeNotFound, Message: "Scan job not found", JobID: jobID}
}

// ErrDispatch wraps an orchestrator or transport failure during dispatch.
func ErrDispatch(jobID string, err error) *JobError {
	return &JobError{Code: CodeDispatchFailed, Message: "Failed to dispatch scan job", JobID: jobID, Cause: err}
}

// ErrCallbackDelivery wraps a failure to deliver a result to the controller.
func ErrCallbackDelivery(target string, err error) *JobError {
	return &JobError{Code: CodeCallbackDelivery, Message: "Failed to deliver scan result", Target: target, Cause: err}
}

// ErrResolution wraps a tool-level failure to resolve a target.
func ErrResolution(target string, err error) *JobError {
	return &JobError{Code: CodeResolutionFailed, Message: "Failed to resolve target", Target: target, Cause: err}
}

// ErrTunnel wraps a failure to establish or tear down network isolation.
func ErrTunnel(message string, err error) *JobError {
	return WrapJobError(CodeTunnelFailed, message, err)
}

// ErrValidation creates a validation error.
func ErrValidation(message string) *JobError {
	return NewJobError(CodeValidation, message)
}

// ErrDatabaseConnection creates an error for database connection failures.
func ErrDatabaseConnection(err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseConnection, "Failed to connect to database", err)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}

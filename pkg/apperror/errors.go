// Package apperror provides a structured way to handle runtime errors with
// dot-notation codes, severity levels, and additional details. It maps every
// error kind to both an HTTP status (ingress-facing) and a gRPC status
// (RouteManager/module-RPC-facing).
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode is a dot-notation machine-readable error code, e.g. "handler.timeout".
type ErrorCode string

const (
	// Admission — produced by the Ingress Adapter before a request is queued.
	CodeAdmissionRejected ErrorCode = "admission.rejected"
	CodeAdmissionAuth     ErrorCode = "admission.unauthenticated"
	CodeAdmissionTooLarge ErrorCode = "admission.too_large"
	CodeAdmissionSyntax   ErrorCode = "admission.invalid_syntax"

	// Routing — produced by the Route Matcher / Route Manager.
	CodeRouteNoMatch           ErrorCode = "route.no_match"
	CodeRouteMethodNotAllowed  ErrorCode = "route.method_not_allowed"
	CodeRouteVersionUnresolved ErrorCode = "route.version_unresolved"
	CodeRoutePolicyDenied      ErrorCode = "route.policy_denied"
	CodeRouteRateLimited       ErrorCode = "route.rate_limited"

	// Queue Fabric.
	CodeQueueBackpressure ErrorCode = "queue.backpressure"

	// LCC / Handler Worker.
	CodeHandlerTimeout ErrorCode = "handler.timeout"
	CodeHookTimeout    ErrorCode = "hook.timeout"
	CodeHandlerError   ErrorCode = "handler.error"

	// Module RPC Client.
	CodeRPCTimeout       ErrorCode = "rpc.timeout"
	CodeRPCSerialization ErrorCode = "rpc.serialization"
	CodeRPCTransport     ErrorCode = "rpc.transport.exhausted"

	// Startup / manifest load.
	CodeUnresolvedDependency ErrorCode = "startup.unresolved_dependency"

	// Finalize phase.
	CodeCleanupTimeout ErrorCode = "cleanup.timeout"

	// General.
	CodeInternal ErrorCode = "internal"
)

// Severity defines the criticality level of an error.
type Severity int

const (
	// SeverityWarning indicates a non-critical issue that can be ignored or automatically resolved.
	SeverityWarning Severity = iota
	// SeverityError indicates a standard error that requires attention.
	SeverityError
	// SeverityCritical indicates a severe error that might require immediate human intervention.
	SeverityCritical
)

// String returns the string representation of the Severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Error is a runtime error carrying a dot-notation code, message, an optional
// field, structured details, an underlying cause, and a severity level.
type Error struct {
	Code     ErrorCode      // Code is a unique machine-readable identifier for the error kind.
	Message  string         // Message is a human-readable description of the error.
	Field    string         // Field indicates which input field caused the error, if applicable.
	Details  map[string]any // Details provides additional structured information about the error.
	Cause    error          // Cause is the underlying error that triggered this one.
	Severity Severity       // Severity indicates the criticality level of the error.
}

// Error implements the error interface, returning a string representation of the error.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error, allowing for error chain introspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// GRPCStatus converts the error into a gRPC status.Status, for RouteManager
// and module-RPC facing surfaces.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.grpcCode(), e.Message)
}

// HTTPStatus maps the error to the HTTP status the Ingress Adapter sends.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeAdmissionRejected, CodeAdmissionSyntax:
		return http.StatusBadRequest
	case CodeAdmissionAuth:
		return http.StatusUnauthorized
	case CodeAdmissionTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRouteNoMatch:
		return http.StatusNotFound
	case CodeRouteMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeRouteVersionUnresolved:
		return http.StatusServiceUnavailable
	case CodeRoutePolicyDenied:
		return http.StatusForbidden
	case CodeRouteRateLimited:
		return http.StatusTooManyRequests
	case CodeQueueBackpressure:
		return http.StatusServiceUnavailable
	case CodeHandlerTimeout:
		return http.StatusGatewayTimeout
	case CodeHookTimeout, CodeHandlerError:
		return http.StatusInternalServerError
	case CodeRPCTimeout, CodeRPCTransport:
		return http.StatusBadGateway
	case CodeRPCSerialization:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// grpcCode maps an ErrorCode to an appropriate gRPC codes.Code.
func (e *Error) grpcCode() codes.Code {
	switch e.Code {
	case CodeAdmissionRejected, CodeAdmissionSyntax:
		return codes.InvalidArgument
	case CodeAdmissionAuth:
		return codes.Unauthenticated
	case CodeAdmissionTooLarge:
		return codes.ResourceExhausted
	case CodeRouteNoMatch:
		return codes.NotFound
	case CodeRouteMethodNotAllowed:
		return codes.Unimplemented
	case CodeRouteVersionUnresolved:
		return codes.Unavailable
	case CodeRoutePolicyDenied:
		return codes.PermissionDenied
	case CodeRouteRateLimited:
		return codes.ResourceExhausted
	case CodeQueueBackpressure:
		return codes.Unavailable
	case CodeHandlerTimeout, CodeHookTimeout, CodeRPCTimeout:
		return codes.DeadlineExceeded
	case CodeRPCTransport:
		return codes.Unavailable
	case CodeUnresolvedDependency:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// New creates a new runtime error with the given code and message.
// The default severity is SeverityError.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Details:  make(map[string]any),
		Severity: SeverityError,
	}
}

// NewWithField creates a new runtime error with the given code, message, and field.
func NewWithField(code ErrorCode, message, field string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Field:    field,
		Details:  make(map[string]any),
		Severity: SeverityError,
	}
}

// NewWarning creates a new runtime error with SeverityWarning.
func NewWarning(code ErrorCode, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Details:  make(map[string]any),
		Severity: SeverityWarning,
	}
}

// NewCritical creates a new runtime error with SeverityCritical. Used for the
// fatal startup/UnresolvedDependency kind.
func NewCritical(code ErrorCode, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Details:  make(map[string]any),
		Severity: SeverityCritical,
	}
}

// Wrap creates a new runtime error that wraps an existing error, providing
// additional context with a code and message.
func Wrap(cause error, code ErrorCode, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Cause:    cause,
		Details:  make(map[string]any),
		Severity: SeverityError,
	}
}

// WithDetails adds a key-value pair to the error's details map and returns the modified error.
func (e *Error) WithDetails(key string, value any) *Error {
	e.Details[key] = value
	return e
}

// WithField sets the field associated with the error and returns the modified error.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithSeverity sets the severity level of the error and returns the modified error.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// Is checks if the given error is a runtime error with a matching ErrorCode.
func Is(err error, code ErrorCode) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code extracts the ErrorCode from an error. If the error is not an *Error,
// it returns CodeInternal.
func Code(err error) ErrorCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// ToGRPC converts a runtime error or any other error into a gRPC error status.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.GRPCStatus().Err()
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	return status.Error(codes.Internal, err.Error())
}

// ToHTTPStatus converts any error into the HTTP status the Ingress Adapter
// should send. Non-runtime errors map to 500.
func ToHTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// FromGRPC converts a gRPC error into a runtime *Error.
func FromGRPC(err error) *Error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return New(CodeInternal, err.Error())
	}

	var code ErrorCode
	switch st.Code() {
	case codes.InvalidArgument:
		code = CodeAdmissionRejected
	case codes.NotFound:
		code = CodeRouteNoMatch
	case codes.DeadlineExceeded:
		code = CodeRPCTimeout
	case codes.Unauthenticated:
		code = CodeAdmissionAuth
	case codes.PermissionDenied:
		code = CodeRoutePolicyDenied
	case codes.Unavailable:
		code = CodeRPCTransport
	case codes.ResourceExhausted:
		code = CodeRouteRateLimited
	case codes.FailedPrecondition:
		code = CodeUnresolvedDependency
	default:
		code = CodeInternal
	}

	return New(code, st.Message())
}

// IsWarning checks if the given error is a runtime error with SeverityWarning.
func IsWarning(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Severity == SeverityWarning
	}
	return false
}

// IsCritical checks if the given error is a runtime error with SeverityCritical.
func IsCritical(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Severity == SeverityCritical
	}
	return false
}

// Predefined errors for common scenarios.
var (
	ErrBackpressure        = New(CodeQueueBackpressure, "queue depth saturated")
	ErrHandlerTimeout      = New(CodeHandlerTimeout, "handler deadline exceeded")
	ErrHookTimeout         = New(CodeHookTimeout, "hook deadline exceeded")
	ErrRPCTimeout          = New(CodeRPCTimeout, "module rpc deadline exceeded")
	ErrRPCTransport        = New(CodeRPCTransport, "module rpc transport exhausted retries")
	ErrVersionUnresolved   = New(CodeRouteVersionUnresolved, "version graph gap exceeds transformer chain max")
	ErrUnresolvedDependency = NewCritical(CodeUnresolvedDependency, "startup dependency could not be resolved")
)

// ValidationErrors is a collection of runtime errors and warnings, typically
// used for aggregating results of multiple admission checks.
type ValidationErrors struct {
	Errors   []*Error // Errors contains all collected errors (SeverityError and SeverityCritical).
	Warnings []*Error // Warnings contains all collected warnings (SeverityWarning).
}

// NewValidationErrors creates and returns a new empty ValidationErrors collection.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors:   make([]*Error, 0),
		Warnings: make([]*Error, 0),
	}
}

// Add appends an *Error to the appropriate slice (Errors or Warnings) based on its Severity.
func (v *ValidationErrors) Add(err *Error) {
	if err.Severity == SeverityWarning {
		v.Warnings = append(v.Warnings, err)
	} else {
		v.Errors = append(v.Errors, err)
	}
}

// AddError creates and adds a new runtime error with SeverityError.
func (v *ValidationErrors) AddError(code ErrorCode, message string) {
	v.Errors = append(v.Errors, New(code, message))
}

// AddWarning creates and adds a new runtime error with SeverityWarning.
func (v *ValidationErrors) AddWarning(code ErrorCode, message string) {
	v.Warnings = append(v.Warnings, NewWarning(code, message))
}

// AddErrorWithField creates and adds a new runtime error with a specific field.
func (v *ValidationErrors) AddErrorWithField(code ErrorCode, message, field string) {
	v.Errors = append(v.Errors, NewWithField(code, message, field))
}

// HasErrors returns true if the collection contains any errors (non-warning severity).
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// HasWarnings returns true if the collection contains any warnings.
func (v *ValidationErrors) HasWarnings() bool {
	return len(v.Warnings) > 0
}

// IsValid returns true if the collection contains no errors (warnings do not affect validity).
func (v *ValidationErrors) IsValid() bool {
	return !v.HasErrors()
}

// Merge combines the current ValidationErrors collection with another one.
func (v *ValidationErrors) Merge(other *ValidationErrors) {
	if other == nil {
		return
	}
	v.Errors = append(v.Errors, other.Errors...)
	v.Warnings = append(v.Warnings, other.Warnings...)
}

// ErrorMessages returns a slice of string messages for all collected errors.
func (v *ValidationErrors) ErrorMessages() []string {
	messages := make([]string, len(v.Errors))
	for i, err := range v.Errors {
		messages[i] = err.Error()
	}
	return messages
}

// WarningMessages returns a slice of string messages for all collected warnings.
func (v *ValidationErrors) WarningMessages() []string {
	messages := make([]string, len(v.Warnings))
	for i, warn := range v.Warnings {
		messages[i] = warn.Message
	}
	return messages
}

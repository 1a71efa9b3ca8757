package result

import (
	"context"
	"errors"
	"fmt"
)

// Error codes carried by failed Results.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeHandlerNotFound = "HANDLER_NOT_FOUND"
	CodeUnhandledFault  = "UNHANDLED_HANDLER_FAULT"
	CodeCancelled       = "CANCELLED"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeUnauthorized    = "UNAUTHORIZED"
)

// faultMessage is what untrusted callers see for an unhandled fault.
const faultMessage = "internal error while handling request"

// Error is the failure half of a Result.
// Message is safe to return to callers; Diagnostic keeps the original fault text for logs only.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Diagnostic string `json:"-"`
}

func (e Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Is matches another Error by code, so errors.Is(err, result.Error{Code: ...}) works.
func (e Error) Is(target error) bool {
	var t Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Validation builds a VALIDATION_ERROR.
func Validation(message string) Error {
	return Error{Code: CodeValidation, Message: message}
}

// NotFound builds a NOT_FOUND error for the given resource.
func NotFound(resource, id string) Error {
	return Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", resource, id)}
}

// HandlerNotFound builds a HANDLER_NOT_FOUND error for the given request name.
func HandlerNotFound(name string) Error {
	return Error{Code: CodeHandlerNotFound, Message: fmt.Sprintf("no handler registered for %s", name)}
}

// Cancelled builds a CANCELLED error. cause may be nil.
func Cancelled(cause error) Error {
	e := Error{Code: CodeCancelled, Message: "request cancelled"}
	if cause != nil {
		e.Diagnostic = cause.Error()
	}
	return e
}

// Fault builds an UNHANDLED_HANDLER_FAULT that keeps diagnostic out of the caller-facing message.
func Fault(diagnostic string) Error {
	return Error{Code: CodeUnhandledFault, Message: faultMessage, Diagnostic: diagnostic}
}

// FromError lifts a Go error into a failed Result.
// A declared Error is kept as is, context cancellation becomes CANCELLED and anything else is
// treated as an unhandled fault.
func FromError[T any](err error) Result[T] {
	return Fail[T](ErrorOf(err))
}

// ErrorOf converts err into an Error using the same rules as FromError.
func ErrorOf(err error) Error {
	if err == nil {
		return Fault("nil error reported as failure")
	}
	var declared Error
	if errors.As(err, &declared) {
		return declared
	}
	var declaredPtr *Error
	if errors.As(err, &declaredPtr) && declaredPtr != nil {
		return *declaredPtr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled(err)
	}
	return Fault(err.Error())
}

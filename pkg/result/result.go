// Package result provides the success/failure wrapper returned by every command and query.
package result

import "fmt"

// Unit is the value carried by a successful Result that has nothing to return.
type Unit struct{}

// Result holds either a value (success) or an Error (failure), never both.
// The zero Result is not valid; build one with Ok, OkUnit or Fail.
type Result[T any] struct {
	value T
	err   Error
	ok    bool
}

// Ok returns a successful Result carrying v.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v, ok: true}
}

// OkUnit returns a successful value-less Result.
func OkUnit() Result[Unit] {
	return Result[Unit]{ok: true}
}

// Fail returns a failed Result carrying err.
func Fail[T any](err Error) Result[T] {
	return Result[T]{err: err}
}

// Failf returns a failed Result with the given code and formatted message.
func Failf[T any](code, format string, args ...any) Result[T] {
	return Fail[T](Error{Code: code, Message: fmt.Sprintf(format, args...)})
}

// IsSuccess reports whether the Result carries a value.
func (r Result[T]) IsSuccess() bool {
	return r.ok
}

// IsFailure reports whether the Result carries an Error.
func (r Result[T]) IsFailure() bool {
	return !r.ok
}

// Value returns the success value. It panics with *InvalidStateError on a failed Result.
func (r Result[T]) Value() T {
	if !r.ok {
		panic(&InvalidStateError{Op: "Value", Err: r.err})
	}
	return r.value
}

// Err returns the failure. It panics with *InvalidStateError on a successful Result.
func (r Result[T]) Err() Error {
	if r.ok {
		panic(&InvalidStateError{Op: "Err"})
	}
	return r.err
}

// Get returns the value and a nil error on success, or the zero value and the error on failure.
func (r Result[T]) Get() (T, *Error) {
	if r.ok {
		return r.value, nil
	}
	var zero T
	err := r.err
	return zero, &err
}

// String renders the Result for logs.
func (r Result[T]) String() string {
	if r.ok {
		return fmt.Sprintf("Ok(%v)", r.value)
	}
	return fmt.Sprintf("Fail(%s)", r.err.Error())
}

// Map applies fn to the value of a successful Result. A failure is passed through
// with the same Error and fn is not called.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if !r.ok {
		return Fail[U](r.err)
	}
	return Ok(fn(r.value))
}

// FlatMap chains a Result-returning step onto a successful Result.
func FlatMap[T, U any](r Result[T], fn func(T) Result[U]) Result[U] {
	if !r.ok {
		return Fail[U](r.err)
	}
	return fn(r.value)
}

// InvalidStateError is the panic value raised when a Result is read on the wrong branch.
type InvalidStateError struct {
	Op  string
	Err Error
}

func (e *InvalidStateError) Error() string {
	if e.Op == "Value" {
		return "result: Value called on failed result: " + e.Err.Error()
	}
	return "result: " + e.Op + " called on successful result"
}

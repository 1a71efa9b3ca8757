// Package cqrs dispatches commands and queries to exactly one registered handler and
// always answers with a result.Result.
package cqrs

import (
	"reflect"

	"github.com/morezero/commandbus/pkg/result"
)

// Kind separates state-changing commands from read-only queries.
type Kind int

const (
	KindCommand Kind = iota + 1
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindQuery:
		return "query"
	default:
		return "unknown"
	}
}

// ParseKind maps "command" / "query" to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "command":
		return KindCommand, true
	case "query":
		return KindQuery, true
	}
	return 0, false
}

// Request is a command or query whose handler yields a T.
//
// Concrete requests embed Command[T], Query[T] or Action and implement RequestName:
//
//	type GetUserByID struct {
//		cqrs.Query[User]
//		UserID int
//	}
//
//	func (GetUserByID) RequestName() string { return "users.get_by_id" }
type Request[T any] interface {
	// RequestName is the stable identifier the handler is registered under.
	RequestName() string
	requestKind() Kind
	responds(T)
}

// Command marks a request that changes state and yields a T.
type Command[T any] struct{}

func (Command[T]) requestKind() Kind { return KindCommand }
func (Command[T]) responds(T)        {}

// Query marks a read-only request that yields a T.
type Query[T any] struct{}

func (Query[T]) requestKind() Kind { return KindQuery }
func (Query[T]) responds(T)        {}

// Action marks a command with no value to return.
type Action = Command[result.Unit]

// Validator is implemented by requests that can check their own preconditions.
// A non-nil error fails the dispatch with VALIDATION_ERROR before the handler runs.
type Validator interface {
	Validate() error
}

// named is the erased view of any Request.
type named interface {
	RequestName() string
	requestKind() Kind
}

// newInstanceOf returns a usable zero value of T; for pointer types it allocates the element.
func newInstanceOf[T any]() T {
	var instance T
	t := reflect.TypeOf(instance)
	if t != nil && t.Kind() == reflect.Ptr {
		return reflect.New(t.Elem()).Interface().(T)
	}
	return instance
}

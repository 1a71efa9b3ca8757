package cqrs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/morezero/commandbus/pkg/result"
)

const logPrefix = "cqrs:dispatcher"

// shuttingDownMessage is returned for dispatches attempted after Shutdown.
const shuttingDownMessage = "dispatcher shutting down"

const zeroResultDiagnostic = "handler returned a failure with no error code"

// Invoker is one link of the dispatch chain.
type Invoker func(ctx context.Context, info HandlerInfo, req any) result.Result[any]

// Middleware wraps an Invoker. The first middleware passed to WithMiddleware is the outermost.
type Middleware func(next Invoker) Invoker

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMiddleware appends middleware to the dispatch chain.
func WithMiddleware(mw ...Middleware) Option {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, mw...)
	}
}

// WithLogger sets the logger used to report faults.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Dispatcher routes requests to their single registered handler.
// It is safe for concurrent use and never panics or returns an error; every outcome is a Result.
type Dispatcher struct {
	registry   *Registry
	middleware []Middleware
	chain      Invoker
	logger     *slog.Logger

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// NewDispatcher creates a Dispatcher over a built registry.
func NewDispatcher(reg *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	chain := d.invokeHandler
	for i := len(d.middleware) - 1; i >= 0; i-- {
		chain = d.middleware[i](chain)
	}
	d.chain = chain
	return d
}

// Registry returns the registry the dispatcher routes to.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Send dispatches req to its handler and returns the handler's Result.
func Send[T any](ctx context.Context, d *Dispatcher, req Request[T]) result.Result[T] {
	if req == nil {
		return result.Fail[T](result.Validation("request cannot be nil"))
	}
	return result.FlatMap(d.dispatch(ctx, req), func(v any) result.Result[T] {
		if v == nil {
			var zero T
			return result.Ok(zero)
		}
		typed, ok := v.(T)
		if !ok {
			var zero T
			return result.Fail[T](result.Fault(fmt.Sprintf(
				"handler for %s returned %T, expected %T", req.RequestName(), v, zero)))
		}
		return result.Ok(typed)
	})
}

// SendAny dispatches a request whose response type is not known statically.
func (d *Dispatcher) SendAny(ctx context.Context, req any) result.Result[any] {
	return d.dispatch(ctx, req)
}

// Shutdown stops accepting dispatches. In-flight dispatches are not interrupted.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.logger.Info(fmt.Sprintf("%s - shutting down", logPrefix))
}

// Wait blocks until in-flight dispatches finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s - wait for in-flight dispatches: %w", logPrefix, ctx.Err())
	}
}

func (d *Dispatcher) enter() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	d.inflight.Add(1)
	return true
}

func (d *Dispatcher) dispatch(ctx context.Context, req any) (res result.Result[any]) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return result.Fail[any](result.Cancelled(err))
	}
	if !d.enter() {
		e := result.Cancelled(nil)
		e.Message = shuttingDownMessage
		return result.Fail[any](e)
	}
	defer d.inflight.Done()

	name := fmt.Sprintf("%T", req)
	defer func() {
		if rec := recover(); rec != nil {
			res = result.Fail[any](d.fault(name, rec))
		}
	}()

	n, ok := req.(named)
	if !ok || req == nil {
		return result.Fail[any](result.Validation(fmt.Sprintf("%T is not a command or query", req)))
	}
	name = n.RequestName()

	binding, err := d.registry.Resolve(name)
	if err != nil {
		d.logger.Debug(fmt.Sprintf("%s - %v", logPrefix, err))
		return result.Fail[any](result.HandlerNotFound(name))
	}
	if !binding.handles(req) {
		d.logger.Debug(fmt.Sprintf("%s - %s is bound to %s, not %T", logPrefix, name, binding.Info.RequestType, req))
		return result.Fail[any](result.HandlerNotFound(fmt.Sprintf("%s (%T)", name, req)))
	}

	if v, ok := req.(Validator); ok {
		if err := v.Validate(); err != nil {
			return result.Fail[any](validationError(err))
		}
	}

	return d.chain(ctx, binding.Info, req)
}

// invokeHandler is the innermost link. It recovers handler panics so that outer middleware
// sees them as ordinary faults. A failure without a code, such as the zero Result, is a fault.
func (d *Dispatcher) invokeHandler(ctx context.Context, info HandlerInfo, req any) (res result.Result[any]) {
	binding, err := d.registry.Resolve(info.Name)
	if err != nil {
		return result.Fail[any](result.HandlerNotFound(info.Name))
	}
	defer func() {
		if rec := recover(); rec != nil {
			res = result.Fail[any](d.fault(info.Name, rec))
		}
	}()
	res = binding.invoke(ctx, req)
	if res.IsFailure() && res.Err().Code == "" {
		d.logger.Error(fmt.Sprintf("%s - handler for %s returned a failure without a code", logPrefix, info.Name))
		return result.Fail[any](result.Fault(zeroResultDiagnostic))
	}
	return res
}

func (d *Dispatcher) fault(name string, rec any) result.Error {
	diagnostic := fmt.Sprint(rec)
	if err, ok := rec.(error); ok {
		diagnostic = err.Error()
	}
	d.logger.Error(fmt.Sprintf("%s - handler for %s panicked", logPrefix, name),
		slog.String("panic", diagnostic),
		slog.String("stack", string(debug.Stack())),
	)
	return result.Fault(diagnostic)
}

func validationError(err error) result.Error {
	var declared result.Error
	if errors.As(err, &declared) {
		return declared
	}
	var declaredPtr *result.Error
	if errors.As(err, &declaredPtr) && declaredPtr != nil {
		return *declaredPtr
	}
	return result.Validation(err.Error())
}

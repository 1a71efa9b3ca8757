package cqrs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"

	masterminds "github.com/Masterminds/semver/v3"

	"github.com/morezero/commandbus/pkg/result"
	"github.com/morezero/commandbus/pkg/semver"
)

const registryLogPrefix = "cqrs:registry"

// DefaultVersion is assigned to handlers registered without WithVersion.
const DefaultVersion = "1.0.0"

// ErrRegistryBuilt is returned when registering on a builder that has already been built.
var ErrRegistryBuilt = errors.New("cqrs: registry already built")

// Handler processes one request type and yields a Result.
// Shared handlers must be safe for concurrent use.
type Handler[R Request[T], T any] interface {
	Handle(ctx context.Context, req R) result.Result[T]
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[R Request[T], T any] func(ctx context.Context, req R) result.Result[T]

// Handle calls f.
func (f HandlerFunc[R, T]) Handle(ctx context.Context, req R) result.Result[T] {
	return f(ctx, req)
}

// Adapt lifts a (T, error) function into a Handler. A returned error is converted with
// result.FromError, so only result.Error values count as declared failures.
func Adapt[R Request[T], T any](fn func(ctx context.Context, req R) (T, error)) HandlerFunc[R, T] {
	return func(ctx context.Context, req R) result.Result[T] {
		v, err := fn(ctx, req)
		if err != nil {
			return result.FromError[T](err)
		}
		return result.Ok(v)
	}
}

// DuplicateHandlerError is returned when a second handler is registered for a request name.
type DuplicateHandlerError struct {
	Name     string
	Existing string
	Incoming string
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("%s - duplicate handler for %s: %s already registered, got %s",
		registryLogPrefix, e.Name, e.Existing, e.Incoming)
}

// HandlerNotFoundError is returned by Resolve when no handler is bound to a name.
type HandlerNotFoundError struct {
	Name string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("%s - no handler registered for %s", registryLogPrefix, e.Name)
}

// HandlerInfo describes a registered handler.
type HandlerInfo struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Version      string `json:"version"`
	RequestType  string `json:"requestType"`
	ResponseType string `json:"responseType"`
	Description  string `json:"description,omitempty"`
}

// HandlerOption configures a registration.
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	version     string
	description string
}

// WithVersion declares the handler's contract version (semver).
func WithVersion(v string) HandlerOption {
	return func(o *handlerOptions) { o.version = v }
}

// WithDescription attaches a human description shown by system.describe.
func WithDescription(d string) HandlerOption {
	return func(o *handlerOptions) { o.description = d }
}

// Binding is a resolved registry entry.
type Binding struct {
	Info    HandlerInfo
	kind    Kind
	reqType reflect.Type
	version *masterminds.Version
	invoke  func(ctx context.Context, req any) result.Result[any]
	decode  func(data []byte) (any, error)
}

// Kind returns whether the bound request is a command or a query.
func (b *Binding) Kind() Kind { return b.kind }

// handles reports whether req has exactly the registered request type. A pointer to a
// registered value type, or the reverse, is a different type.
func (b *Binding) handles(req any) bool {
	return reflect.TypeOf(req) == b.reqType
}

// Decode unmarshals JSON params into a new instance of the bound request type.
func (b *Binding) Decode(data []byte) (any, error) {
	return b.decode(data)
}

// Accepts reports whether the handler version satisfies a range such as "^1", "1" or "~1.2.0".
// An empty range accepts any version.
func (b *Binding) Accepts(versionRange string) (bool, error) {
	return semver.SatisfiesVersion(b.version, versionRange)
}

// RegistryBuilder collects handler registrations before the registry is frozen.
// It is not safe for concurrent use.
type RegistryBuilder struct {
	bindings map[string]*Binding
	built    bool
}

// NewRegistryBuilder creates an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{bindings: make(map[string]*Binding)}
}

// Register binds h to the request type R.
// It fails with *DuplicateHandlerError if R's name is already bound.
func Register[R Request[T], T any](b *RegistryBuilder, h Handler[R, T], opts ...HandlerOption) error {
	if b.built {
		return ErrRegistryBuilt
	}
	if h == nil {
		return fmt.Errorf("%s - handler cannot be nil", registryLogPrefix)
	}

	o := handlerOptions{version: DefaultVersion}
	for _, opt := range opts {
		opt(&o)
	}
	version, err := masterminds.NewVersion(o.version)
	if err != nil {
		return fmt.Errorf("%s - invalid handler version %q: %w", registryLogPrefix, o.version, err)
	}

	proto := newInstanceOf[R]()
	name := proto.RequestName()
	if !semver.ValidateRequestName(name) {
		return fmt.Errorf("%s - request %T has invalid name %q, expected namespace.action", registryLogPrefix, proto, name)
	}

	reqType := reflect.TypeOf((*R)(nil)).Elem()
	respType := reflect.TypeOf((*T)(nil)).Elem()

	if existing, ok := b.bindings[name]; ok {
		return &DuplicateHandlerError{
			Name:     name,
			Existing: existing.reqType.String(),
			Incoming: reqType.String(),
		}
	}

	b.bindings[name] = &Binding{
		Info: HandlerInfo{
			Name:         name,
			Kind:         proto.requestKind().String(),
			Version:      version.String(),
			RequestType:  reqType.String(),
			ResponseType: respType.String(),
			Description:  o.description,
		},
		kind:    proto.requestKind(),
		reqType: reqType,
		version: version,
		invoke: func(ctx context.Context, req any) result.Result[any] {
			typed, ok := req.(R)
			if !ok {
				return result.Fail[any](result.Validation(
					fmt.Sprintf("request %T cannot be handled as %s", req, name)))
			}
			return result.Map(h.Handle(ctx, typed), func(v T) any { return v })
		},
		decode: func(data []byte) (any, error) {
			req := newInstanceOf[R]()
			if len(data) > 0 {
				if err := json.Unmarshal(data, &req); err != nil {
					return nil, fmt.Errorf("%s - decode %s: %w", registryLogPrefix, name, err)
				}
			}
			return req, nil
		},
	}
	return nil
}

// MustRegister is Register that panics on error, for wiring code where a failure is a deployment bug.
func MustRegister[R Request[T], T any](b *RegistryBuilder, h Handler[R, T], opts ...HandlerOption) {
	if err := Register(b, h, opts...); err != nil {
		panic(err)
	}
}

// Build freezes the registrations into an immutable Registry.
func (b *RegistryBuilder) Build() *Registry {
	b.built = true

	bindings := make(map[string]*Binding, len(b.bindings))
	infos := make([]HandlerInfo, 0, len(b.bindings))
	for name, binding := range b.bindings {
		bindings[name] = binding
		infos = append(infos, binding.Info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return &Registry{bindings: bindings, infos: infos}
}

// Registry maps request names to handlers. It is immutable once built and safe for
// concurrent reads without locking.
type Registry struct {
	bindings map[string]*Binding
	infos    []HandlerInfo
}

// Resolve returns the binding for name or *HandlerNotFoundError.
func (r *Registry) Resolve(name string) (*Binding, error) {
	b, ok := r.bindings[name]
	if !ok {
		return nil, &HandlerNotFoundError{Name: name}
	}
	return b, nil
}

// Handlers lists the registered handlers sorted by name.
func (r *Registry) Handlers() []HandlerInfo {
	out := make([]HandlerInfo, len(r.infos))
	copy(out, r.infos)
	return out
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	return len(r.bindings)
}

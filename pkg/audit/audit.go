// Package audit carries the acting identity and a fixed point in time for one inbound request.
package audit

import (
	"context"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Context is a read-only snapshot of who is acting and when.
// UTCNow is read once at construction and never re-read.
type Context struct {
	userID   string
	userName string
	hasID    bool
	hasName  bool
	utcNow   time.Time
}

// New snapshots the acting principal and the current time from clock.
// Empty userID or userName are treated as absent.
func New(userID, userName string, clock Clock) Context {
	if clock == nil {
		clock = SystemClock
	}
	return Context{
		userID:   userID,
		userName: userName,
		hasID:    userID != "",
		hasName:  userName != "",
		utcNow:   clock.Now().UTC(),
	}
}

// Anonymous snapshots a context with no acting principal.
func Anonymous(clock Clock) Context {
	return New("", "", clock)
}

// UserID returns the acting user's ID, if any.
func (c Context) UserID() (string, bool) { return c.userID, c.hasID }

// UserName returns the acting user's name, if any.
func (c Context) UserName() (string, bool) { return c.userName, c.hasName }

// UTCNow returns the request's time snapshot.
func (c Context) UTCNow() time.Time { return c.utcNow }

// IsAnonymous reports whether no user ID is present.
func (c Context) IsAnonymous() bool { return !c.hasID }

// Actor returns the user ID, or "system" when anonymous.
func (c Context) Actor() string {
	if c.hasID {
		return c.userID
	}
	return "system"
}

type contextKey struct{}

// WithContext attaches a to ctx.
func WithContext(ctx context.Context, a Context) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

// FromContext extracts the audit context placed by WithContext.
func FromContext(ctx context.Context) (Context, bool) {
	a, ok := ctx.Value(contextKey{}).(Context)
	return a, ok
}

// Provider hands the current request's audit context to handlers.
type Provider interface {
	Current(ctx context.Context) Context
}

// ContextProvider reads the audit context from the request context and falls back to an
// anonymous snapshot taken from Clock.
type ContextProvider struct {
	Clock Clock
}

// NewContextProvider creates a ContextProvider using clock (SystemClock if nil).
func NewContextProvider(clock Clock) *ContextProvider {
	if clock == nil {
		clock = SystemClock
	}
	return &ContextProvider{Clock: clock}
}

// Current implements Provider.
func (p *ContextProvider) Current(ctx context.Context) Context {
	if a, ok := FromContext(ctx); ok {
		return a
	}
	return Anonymous(p.Clock)
}

package cqrs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/commandbus/pkg/audit"
	"github.com/morezero/commandbus/pkg/result"
	"github.com/morezero/commandbus/pkg/retry"
)

type Unregistered struct {
	Query[int]
}

func (Unregistered) RequestName() string { return "nobody.handles_this" }

type Explode struct {
	Action
}

func (Explode) RequestName() string { return "test.explode" }

func newUserDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	b := NewRegistryBuilder()
	require.NoError(t, Register[GetUserByID, User](b, getUserHandler(map[int]User{
		42: {ID: 42, Name: "Ada"},
	})))
	return NewDispatcher(b.Build(), opts...)
}

func TestSend_Success(t *testing.T) {
	d := newUserDispatcher(t)

	res := Send[User](context.Background(), d, GetUserByID{UserID: 42})

	require.True(t, res.IsSuccess())
	assert.Equal(t, User{ID: 42, Name: "Ada"}, res.Value())
}

func TestSend_DeclaredFailure(t *testing.T) {
	d := newUserDispatcher(t)

	res := Send[User](context.Background(), d, GetUserByID{UserID: 7})

	require.True(t, res.IsFailure())
	assert.Equal(t, result.CodeNotFound, res.Err().Code)
}

func TestSend_HandlerNotFound(t *testing.T) {
	d := newUserDispatcher(t)

	var res result.Result[int]
	assert.NotPanics(t, func() {
		res = Send[int](context.Background(), d, Unregistered{})
	})

	require.True(t, res.IsFailure())
	assert.Equal(t, result.CodeHandlerNotFound, res.Err().Code)
	assert.Contains(t, res.Err().Message, "nobody.handles_this")
}

func TestSend_GetUserWithoutHandler(t *testing.T) {
	d := NewDispatcher(NewRegistryBuilder().Build())

	res := Send[User](context.Background(), d, GetUserByID{UserID: 42})

	assert.Equal(t, result.CodeHandlerNotFound, res.Err().Code)
}

func TestSend_PanickingHandler(t *testing.T) {
	b := NewRegistryBuilder()
	MustRegister[Explode, result.Unit](b, HandlerFunc[Explode, result.Unit](
		func(context.Context, Explode) result.Result[result.Unit] {
			panic("db password is hunter2")
		}))
	d := NewDispatcher(b.Build())

	var res result.Result[result.Unit]
	assert.NotPanics(t, func() {
		res = Send[result.Unit](context.Background(), d, Explode{})
	})

	require.True(t, res.IsFailure())
	e := res.Err()
	assert.Equal(t, result.CodeUnhandledFault, e.Code)
	assert.NotContains(t, e.Message, "hunter2")
	assert.Contains(t, e.Diagnostic, "hunter2")
}

func TestSend_CancelledContext(t *testing.T) {
	called := false
	b := NewRegistryBuilder()
	MustRegister[GetUserByID, User](b, HandlerFunc[GetUserByID, User](
		func(context.Context, GetUserByID) result.Result[User] {
			called = true
			return result.Ok(User{})
		}))
	d := NewDispatcher(b.Build())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Send[User](ctx, d, GetUserByID{UserID: 42})

	assert.False(t, called)
	assert.Equal(t, result.CodeCancelled, res.Err().Code)
}

func TestSend_HandlerObservesCancellation(t *testing.T) {
	b := NewRegistryBuilder()
	MustRegister[GetUserByID, User](b, Adapt(func(ctx context.Context, _ GetUserByID) (User, error) {
		<-ctx.Done()
		return User{}, ctx.Err()
	}))
	d := NewDispatcher(b.Build(), WithMiddleware(Timeout(10*time.Millisecond)))

	res := Send[User](context.Background(), d, GetUserByID{UserID: 1})

	assert.Equal(t, result.CodeCancelled, res.Err().Code)
}

func TestSend_Validation(t *testing.T) {
	called := false
	b := NewRegistryBuilder()
	MustRegister[RenameUser, result.Unit](b, HandlerFunc[RenameUser, result.Unit](
		func(context.Context, RenameUser) result.Result[result.Unit] {
			called = true
			return result.OkUnit()
		}))
	d := NewDispatcher(b.Build())

	res := Send[result.Unit](context.Background(), d, RenameUser{UserID: 1})
	assert.False(t, called)
	assert.Equal(t, result.Fail[result.Unit](result.Validation("name is required")), res)

	res = Send[result.Unit](context.Background(), d, RenameUser{UserID: 1, Name: "Grace"})
	assert.True(t, called)
	assert.Equal(t, result.OkUnit(), res)
}

func TestSend_PointerRequest(t *testing.T) {
	b := NewRegistryBuilder()
	MustRegister[*CreateOrder, string](b, HandlerFunc[*CreateOrder, string](
		func(_ context.Context, c *CreateOrder) result.Result[string] {
			if len(c.Items) == 0 {
				return result.Fail[string](result.Validation("order has no items"))
			}
			return result.Ok("order-1")
		}))
	d := NewDispatcher(b.Build())

	assert.Equal(t, result.Ok("order-1"), Send[string](context.Background(), d, &CreateOrder{Items: []string{"x"}}))
}

func TestSend_PointerToRegisteredValueType(t *testing.T) {
	d := newUserDispatcher(t)

	res := Send[User](context.Background(), d, &GetUserByID{UserID: 42})

	require.True(t, res.IsFailure())
	assert.Equal(t, result.CodeHandlerNotFound, res.Err().Code)
	assert.Contains(t, res.Err().Message, "*cqrs.GetUserByID")
}

func TestSend_LogsThroughConfiguredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d := newUserDispatcher(t, WithLogger(logger))

	Send[int](context.Background(), d, Unregistered{})
	Send[User](context.Background(), d, &GetUserByID{UserID: 42})

	out := buf.String()
	assert.Contains(t, out, "nobody.handles_this")
	assert.Contains(t, out, "is bound to cqrs.GetUserByID")
}

func TestSend_ZeroResultIsFault(t *testing.T) {
	b := NewRegistryBuilder()
	MustRegister[GetUserByID, User](b, HandlerFunc[GetUserByID, User](
		func(context.Context, GetUserByID) result.Result[User] {
			return result.Result[User]{}
		}))
	MustRegister[Explode, result.Unit](b, HandlerFunc[Explode, result.Unit](
		func(context.Context, Explode) result.Result[result.Unit] {
			return result.Fail[result.Unit](result.Error{Message: "no code"})
		}))
	d := NewDispatcher(b.Build())

	res := Send[User](context.Background(), d, GetUserByID{UserID: 1})
	require.True(t, res.IsFailure())
	assert.Equal(t, result.CodeUnhandledFault, res.Err().Code)
	assert.Equal(t, zeroResultDiagnostic, res.Err().Diagnostic)

	unit := Send[result.Unit](context.Background(), d, Explode{})
	assert.Equal(t, result.CodeUnhandledFault, unit.Err().Code)
}

func TestSendAny(t *testing.T) {
	d := newUserDispatcher(t)

	res := d.SendAny(context.Background(), GetUserByID{UserID: 42})
	require.True(t, res.IsSuccess())
	assert.Equal(t, User{ID: 42, Name: "Ada"}, res.Value())

	res = d.SendAny(context.Background(), "not a request")
	assert.Equal(t, result.CodeValidation, res.Err().Code)

	res = d.SendAny(context.Background(), nil)
	assert.Equal(t, result.CodeValidation, res.Err().Code)
}

func TestMiddlewareOrder(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	trace := func(label string) Middleware {
		return func(next Invoker) Invoker {
			return func(ctx context.Context, info HandlerInfo, req any) result.Result[any] {
				mu.Lock()
				calls = append(calls, label+":"+info.Name)
				mu.Unlock()
				return next(ctx, info, req)
			}
		}
	}
	d := newUserDispatcher(t, WithMiddleware(trace("outer"), trace("inner")))

	Send[User](context.Background(), d, GetUserByID{UserID: 42})

	assert.Equal(t, []string{"outer:users.get_by_id", "inner:users.get_by_id"}, calls)
}

func TestRetryMiddleware(t *testing.T) {
	cfg := retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, BackoffFactor: 1}

	t.Run("retries faults until success", func(t *testing.T) {
		var attempts atomic.Int32
		b := NewRegistryBuilder()
		MustRegister[GetUserByID, User](b, Adapt(func(context.Context, GetUserByID) (User, error) {
			if attempts.Add(1) < 3 {
				return User{}, errors.New("flaky")
			}
			return User{ID: 1}, nil
		}))
		d := NewDispatcher(b.Build(), WithMiddleware(Retry(cfg)))

		res := Send[User](context.Background(), d, GetUserByID{UserID: 1})

		assert.Equal(t, result.Ok(User{ID: 1}), res)
		assert.Equal(t, int32(3), attempts.Load())
	})

	t.Run("retries recovered panics", func(t *testing.T) {
		var attempts atomic.Int32
		b := NewRegistryBuilder()
		MustRegister[Explode, result.Unit](b, HandlerFunc[Explode, result.Unit](
			func(context.Context, Explode) result.Result[result.Unit] {
				attempts.Add(1)
				panic("always")
			}))
		d := NewDispatcher(b.Build(), WithMiddleware(Retry(cfg)))

		res := Send[result.Unit](context.Background(), d, Explode{})

		assert.Equal(t, result.CodeUnhandledFault, res.Err().Code)
		assert.Equal(t, int32(3), attempts.Load())
	})

	t.Run("does not retry declared failures", func(t *testing.T) {
		var attempts atomic.Int32
		b := NewRegistryBuilder()
		MustRegister[GetUserByID, User](b, HandlerFunc[GetUserByID, User](
			func(context.Context, GetUserByID) result.Result[User] {
				attempts.Add(1)
				return result.Fail[User](result.NotFound("user", "1"))
			}))
		d := NewDispatcher(b.Build(), WithMiddleware(Retry(cfg)))

		res := Send[User](context.Background(), d, GetUserByID{UserID: 1})

		assert.Equal(t, result.CodeNotFound, res.Err().Code)
		assert.Equal(t, int32(1), attempts.Load())
	})

	t.Run("context ending during backoff is cancelled", func(t *testing.T) {
		var attempts atomic.Int32
		b := NewRegistryBuilder()
		MustRegister[Explode, result.Unit](b, HandlerFunc[Explode, result.Unit](
			func(context.Context, Explode) result.Result[result.Unit] {
				attempts.Add(1)
				panic("always")
			}))
		slow := retry.Config{MaxRetries: 3, InitialBackoff: time.Second, BackoffFactor: 1}
		d := NewDispatcher(b.Build(), WithMiddleware(Retry(slow)))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		res := Send[result.Unit](ctx, d, Explode{})

		require.True(t, res.IsFailure())
		assert.Equal(t, result.CodeCancelled, res.Err().Code)
		assert.Equal(t, int32(1), attempts.Load())
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestShutdownAndWait(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	b := NewRegistryBuilder()
	MustRegister[GetUserByID, User](b, HandlerFunc[GetUserByID, User](
		func(context.Context, GetUserByID) result.Result[User] {
			close(started)
			<-release
			return result.Ok(User{ID: 9})
		}))
	d := NewDispatcher(b.Build())

	done := make(chan result.Result[User], 1)
	go func() { done <- Send[User](context.Background(), d, GetUserByID{UserID: 9}) }()
	<-started

	d.Shutdown()

	res := Send[User](context.Background(), d, GetUserByID{UserID: 9})
	assert.Equal(t, result.CodeCancelled, res.Err().Code)
	assert.Equal(t, "dispatcher shutting down", res.Err().Message)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, d.Wait(short))

	close(release)
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, result.Ok(User{ID: 9}), <-done)
}

type memoryJournal struct {
	mu      sync.Mutex
	entries []*JournalEntry
	err     error
}

func (m *memoryJournal) InsertEntry(_ context.Context, e *JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return m.err
}

func TestJournalMiddleware(t *testing.T) {
	j := &memoryJournal{}
	d := newUserDispatcher(t, WithMiddleware(Journal(j, nil)))

	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	ctx := audit.WithContext(context.Background(),
		audit.New("u-1", "ada", audit.ClockFunc(func() time.Time { return now })))

	Send[User](ctx, d, GetUserByID{UserID: 42})
	Send[User](ctx, d, GetUserByID{UserID: 7})

	require.Len(t, j.entries, 2)
	first := j.entries[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "users.get_by_id", first.Name)
	assert.Equal(t, "query", first.Kind)
	assert.Equal(t, "u-1", first.UserID)
	assert.Equal(t, now, first.StartedAt)
	assert.True(t, first.Ok)
	assert.Empty(t, first.ErrorCode)

	assert.False(t, j.entries[1].Ok)
	assert.Equal(t, result.CodeNotFound, j.entries[1].ErrorCode)
}

func TestJournalMiddleware_WriteFailureKeepsResult(t *testing.T) {
	j := &memoryJournal{err: errors.New("disk full")}
	d := newUserDispatcher(t, WithMiddleware(Journal(j, nil)))

	res := Send[User](context.Background(), d, GetUserByID{UserID: 42})

	assert.True(t, res.IsSuccess())
	require.Len(t, j.entries, 1)
	assert.Empty(t, j.entries[0].UserID)
}

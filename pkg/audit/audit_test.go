package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

func TestNew(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, loc)

	a := New("u-1", "alice", fixedClock(now))

	id, ok := a.UserID()
	assert.True(t, ok)
	assert.Equal(t, "u-1", id)

	name, ok := a.UserName()
	assert.True(t, ok)
	assert.Equal(t, "alice", name)

	assert.Equal(t, time.UTC, a.UTCNow().Location())
	assert.True(t, a.UTCNow().Equal(now))
	assert.False(t, a.IsAnonymous())
	assert.Equal(t, "u-1", a.Actor())
}

func TestNew_SnapshotIsFixed(t *testing.T) {
	calls := 0
	clock := ClockFunc(func() time.Time {
		calls++
		return time.Unix(int64(calls), 0)
	})

	a := New("u-1", "", clock)
	first := a.UTCNow()
	second := a.UTCNow()

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
}

func TestAnonymous(t *testing.T) {
	a := Anonymous(fixedClock(time.Unix(0, 0)))

	_, ok := a.UserID()
	assert.False(t, ok)
	_, ok = a.UserName()
	assert.False(t, ok)
	assert.True(t, a.IsAnonymous())
	assert.Equal(t, "system", a.Actor())
}

func TestContextRoundTrip(t *testing.T) {
	a := New("u-2", "bob", fixedClock(time.Unix(100, 0)))
	ctx := WithContext(context.Background(), a)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, a, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}

func TestContextProvider(t *testing.T) {
	p := NewContextProvider(fixedClock(time.Unix(500, 0)))

	t.Run("uses context value", func(t *testing.T) {
		a := New("u-3", "carol", fixedClock(time.Unix(1, 0)))
		got := p.Current(WithContext(context.Background(), a))
		assert.Equal(t, a, got)
	})

	t.Run("falls back to anonymous", func(t *testing.T) {
		got := p.Current(context.Background())
		assert.True(t, got.IsAnonymous())
		assert.Equal(t, time.Unix(500, 0).UTC(), got.UTCNow())
	})
}

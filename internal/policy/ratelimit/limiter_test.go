package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWait(t *testing.T) {
	t.Parallel()

	l := New(Config{
		DefaultRPS:   10, // 100ms interval
		DefaultBurst: 1,
	})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/other"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDifferentDomains(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "domain B blocked unexpectedly")
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.com"))
}

func TestLimiterAllowSubmitPerOwner(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.001, DefaultBurst: 2})
	require.True(t, allowed(l, "alice"))
	require.True(t, allowed(l, "alice"))
	require.False(t, allowed(l, "alice"))
	require.True(t, allowed(l, "bob"))
	require.True(t, l.AllowTarget(nil))
}

func TestLimiterUndoReturnsToken(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	undo, ok := l.AllowSubmit("alice")
	require.True(t, ok)
	require.False(t, allowed(l, "alice"))

	undo()
	require.True(t, allowed(l, "alice"))
	require.False(t, allowed(l, "alice"))
}

func allowed(l *Limiter, ownerID string) bool {
	_, ok := l.AllowSubmit(ownerID)
	return ok
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for range 100 {
		require.True(t, allowed(l, "alice"))
	}
}

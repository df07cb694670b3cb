package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "example.com", Key("www.example.com"))
	assert.Equal(t, "example.com", Key("Example.COM"))
	assert.Equal(t, "sub.example.com", Key("sub.example.com"))
}

func TestWaitSpacesRequests(t *testing.T) {
	l := New(Config{MinDelay: 50 * time.Millisecond, MaxDelay: 200 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "example.com"))
	first := time.Since(start)
	assert.Less(t, first, 20*time.Millisecond, "first request goes straight through")

	require.NoError(t, l.Wait(ctx, "example.com"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond,
		"second request waits out the delay")
}

func TestWaitSeparateDomains(t *testing.T) {
	l := New(Config{MinDelay: 200 * time.Millisecond, MaxDelay: time.Second})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "a.com"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "b.com"))
	assert.Less(t, time.Since(start), 50*time.Millisecond,
		"different domains do not queue behind each other")
}

func TestFailureBackoffAndReset(t *testing.T) {
	l := New(Config{MinDelay: 2 * time.Second, MaxDelay: 10 * time.Second})

	assert.Equal(t, 2*time.Second, l.Delay("example.com"))

	l.ReportFailure("example.com")
	assert.Equal(t, 3*time.Second, l.Delay("example.com"))

	l.ReportFailure("example.com")
	assert.Equal(t, 4500*time.Millisecond, l.Delay("example.com"))

	// Backoff caps at MaxDelay.
	for i := 0; i < 10; i++ {
		l.ReportFailure("example.com")
	}
	assert.Equal(t, 10*time.Second, l.Delay("example.com"))

	l.ReportSuccess("example.com")
	assert.Equal(t, 2*time.Second, l.Delay("example.com"))
}

func TestFailureKeysIgnoreWWW(t *testing.T) {
	l := New(Config{})
	l.ReportFailure("www.example.com")
	assert.Equal(t, 3*time.Second, l.Delay("example.com"))
}

func TestWaitHonorsContext(t *testing.T) {
	l := New(Config{MinDelay: time.Minute, MaxDelay: 2 * time.Minute})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "slow.com"))

	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := l.Wait(cctx, "slow.com")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

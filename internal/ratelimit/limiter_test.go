package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitTurnSpacesRequests(t *testing.T) {
	limiter := NewRateLimiter(20)
	assert.Equal(t, 50*time.Millisecond, limiter.Interval())

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.WaitTurn(ctx))
	}
	// first token is immediate, two more need one interval each
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestWaitTurnHonoursCancel(t *testing.T) {
	limiter := NewRateLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, limiter.WaitTurn(ctx))
	cancel()
	assert.Error(t, limiter.WaitTurn(ctx))
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestNonPositiveRateFallsBackToOne(t *testing.T) {
	assert.Equal(t, time.Second, NewRateLimiter(0).Interval())
}

package conn

import (
	"testing"
	"time"

	"github.com/BetaCatPro/ws-guard/internal/errors"
	"github.com/BetaCatPro/ws-guard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreakerConfig(reset time.Duration) types.BreakerConfig {
	return types.BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: reset}
}

func fail(t *testing.T, b *Breaker) {
	t.Helper()
	done, err := b.Allow()
	require.NoError(t, err)
	done(false)
}

func succeed(t *testing.T, b *Breaker) {
	t.Helper()
	done, err := b.Allow()
	require.NoError(t, err)
	done(true)
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	var trips []int
	b := NewBreaker("test", testBreakerConfig(time.Minute), func(f int) { trips = append(trips, f) })

	for i := 0; i < 4; i++ {
		fail(t, b)
		assert.Equal(t, types.BreakerClosed, b.State())
	}
	fail(t, b)
	assert.Equal(t, types.BreakerOpen, b.State())
	assert.Equal(t, []int{5}, trips)
	assert.False(t, b.OpenedAt().IsZero())

	_, err := b.Allow()
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
	assert.Len(t, trips, 1)
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	b := NewBreaker("test", testBreakerConfig(time.Minute), nil)
	for i := 0; i < 4; i++ {
		fail(t, b)
	}
	succeed(t, b)
	assert.Equal(t, 0, b.ConsecutiveFailures())
	for i := 0; i < 4; i++ {
		fail(t, b)
	}
	assert.Equal(t, types.BreakerClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker("test", testBreakerConfig(50*time.Millisecond), nil)
	for i := 0; i < 5; i++ {
		fail(t, b)
	}
	require.Equal(t, types.BreakerOpen, b.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, types.BreakerHalfOpen, b.State())

	succeed(t, b)
	assert.Equal(t, types.BreakerHalfOpen, b.State())
	succeed(t, b)
	assert.Equal(t, types.BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	var trips []int
	b := NewBreaker("test", testBreakerConfig(50*time.Millisecond), func(f int) { trips = append(trips, f) })
	for i := 0; i < 5; i++ {
		fail(t, b)
	}
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, types.BreakerHalfOpen, b.State())

	fail(t, b)
	assert.Equal(t, types.BreakerOpen, b.State())
	assert.Equal(t, []int{5, 1}, trips)
	assert.Equal(t, 0, b.ConsecutiveFailures())
	_, err := b.Allow()
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
}

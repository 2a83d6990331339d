package conn

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BetaCatPro/ws-guard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func fastReconnectConfig() *types.Config {
	cfg := types.DefaultConfig()
	cfg.ReconnectBaseTime = time.Millisecond
	cfg.ReconnectMaxDelay = 5 * time.Millisecond
	cfg.ReconnectMinInterval = 0
	cfg.StartupMaxAttempts = 3
	return cfg
}

func TestReconnectSucceedsAfterFailures(t *testing.T) {
	rm := NewReconnectManager(fastReconnectConfig(), nil)
	rm.EndStartupPhase()

	var calls atomic.Int64
	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	started := rm.ScheduleReconnect(ReconnectHooks{
		Connect: func(context.Context) error {
			if calls.Inc() < 7 {
				return fmt.Errorf("dial refused")
			}
			close(done)
			return nil
		},
		OnAttempt: func(attempt, maxAttempts int) {
			mu.Lock()
			seen = append(seen, attempt)
			mu.Unlock()
			assert.Equal(t, 0, maxAttempts)
		},
	})
	require.True(t, started)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never succeeded")
	}
	require.Eventually(t, func() bool { return !rm.IsRunning() }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, seen)
}

func TestReconnectStartupCap(t *testing.T) {
	rm := NewReconnectManager(fastReconnectConfig(), nil)
	require.True(t, rm.InStartupPhase())

	var calls atomic.Int64
	failed := make(chan int, 1)
	rm.ScheduleReconnect(ReconnectHooks{
		Connect: func(context.Context) error {
			calls.Inc()
			return fmt.Errorf("server unreachable")
		},
		OnStartupFailed: func(attempts int) { failed <- attempts },
	})

	select {
	case n := <-failed:
		assert.Equal(t, 3, n)
	case <-time.After(2 * time.Second):
		t.Fatal("startup failure not reported")
	}
	assert.Equal(t, int64(3), calls.Load())
	require.Eventually(t, func() bool { return !rm.IsRunning() }, time.Second, 5*time.Millisecond)
}

func TestReconnectSingleLoop(t *testing.T) {
	rm := NewReconnectManager(fastReconnectConfig(), nil)
	rm.EndStartupPhase()

	block := make(chan struct{})
	hooks := ReconnectHooks{Connect: func(ctx context.Context) error {
		select {
		case <-block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	require.True(t, rm.ScheduleReconnect(hooks))
	assert.False(t, rm.ScheduleReconnect(hooks))
	close(block)
	require.Eventually(t, func() bool { return !rm.IsRunning() }, time.Second, 5*time.Millisecond)
}

func TestReconnectStopCancelsLoop(t *testing.T) {
	rm := NewReconnectManager(fastReconnectConfig(), nil)
	rm.EndStartupPhase()

	var calls atomic.Int64
	rm.ScheduleReconnect(ReconnectHooks{Connect: func(context.Context) error {
		calls.Inc()
		return fmt.Errorf("down")
	}})
	require.Eventually(t, func() bool { return calls.Load() > 2 }, time.Second, time.Millisecond)
	rm.Stop()
	assert.False(t, rm.IsRunning())

	time.Sleep(30 * time.Millisecond)
	settled := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, calls.Load()-settled, int64(1))
}

func TestReconnectThrottle(t *testing.T) {
	cfg := fastReconnectConfig()
	cfg.ReconnectMinInterval = 40 * time.Millisecond
	rm := NewReconnectManager(cfg, nil)
	rm.EndStartupPhase()

	var mu sync.Mutex
	var stamps []time.Time
	done := make(chan struct{})
	rm.ScheduleReconnect(ReconnectHooks{Connect: func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		stamps = append(stamps, time.Now())
		if len(stamps) == 3 {
			close(done)
			return nil
		}
		return fmt.Errorf("down")
	}})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not finish")
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 35*time.Millisecond)
	}
}

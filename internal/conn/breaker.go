package conn

import (
	"fmt"
	"sync"
	"time"

	"github.com/BetaCatPro/ws-guard/internal/errors"
	"github.com/BetaCatPro/ws-guard/pkg/types"
	"github.com/sony/gobreaker"
	"go.uber.org/atomic"
)

// Breaker 连接熔断器，包装 gobreaker 两段式熔断器
type Breaker struct {
	cb       *gobreaker.TwoStepCircuitBreaker
	onTrip   func(failures int)
	tripped  atomic.Bool
	failures atomic.Int64 // 自上次成功或打开以来的连续失败数

	mu       sync.Mutex
	openedAt time.Time
}

// NewBreaker 创建熔断器，onTrip 在 CLOSED/HALF_OPEN -> OPEN 时调用（不持有内部锁）
func NewBreaker(name string, cfg types.BreakerConfig, onTrip func(failures int)) *Breaker {
	b := &Breaker{onTrip: onTrip}
	threshold := uint32(cfg.FailureThreshold)
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.SuccessThreshold), // HALF_OPEN 下连续成功多少次后关闭
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = time.Now()
				b.mu.Unlock()
				b.tripped.Store(true)
			}
		},
	})
	return b
}

// Allow 申请一次连接尝试；OPEN 且未到重置时间时返回 ErrCircuitOpen
func (b *Breaker) Allow() (func(success bool), error) {
	done, err := b.cb.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrCircuitOpen, err)
	}
	return func(success bool) {
		if success {
			b.failures.Store(0)
		} else {
			b.failures.Inc()
		}
		done(success)
		if b.tripped.CompareAndSwap(true, false) {
			failures := b.failures.Swap(0)
			if b.onTrip != nil {
				b.onTrip(int(failures))
			}
		}
	}, nil
}

// State 查询状态，超过重置时间的 OPEN 在此转为 HALF_OPEN
func (b *Breaker) State() types.BreakerState {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return types.BreakerOpen
	case gobreaker.StateHalfOpen:
		return types.BreakerHalfOpen
	default:
		return types.BreakerClosed
	}
}

// ConsecutiveFailures 自上次成功或打开以来的连续失败次数
func (b *Breaker) ConsecutiveFailures() int {
	return int(b.failures.Load())
}

// OpenedAt 最近一次打开的时间
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

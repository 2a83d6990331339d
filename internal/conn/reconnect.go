package conn

import (
	"context"
	"sync"
	"time"

	"github.com/BetaCatPro/ws-guard/internal/utils"
	"github.com/BetaCatPro/ws-guard/pkg/types"
	"github.com/avast/retry-go/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReconnectHooks 重连循环回调
type ReconnectHooks struct {
	Connect         func(ctx context.Context) error
	OnAttempt       func(attempt, maxAttempts int) // maxAttempts 为 0 表示不限
	OnStartupFailed func(attempts int)
}

// ReconnectManager 重连管理器：带上限的指数退避、最小间隔节流、启动阶段次数限制
type ReconnectManager struct {
	config  *types.Config
	logger  *zap.Logger
	limiter *rate.Limiter
	startup atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	loopID  uint64
}

// NewReconnectManager 创建重连管理器，初始处于启动阶段
func NewReconnectManager(config *types.Config, logger *zap.Logger) *ReconnectManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if config.ReconnectMinInterval > 0 {
		limit = rate.Every(config.ReconnectMinInterval)
	}
	rm := &ReconnectManager{
		config:  config,
		logger:  logger.With(zap.String("mod", "reconnect")),
		limiter: rate.NewLimiter(limit, 1),
	}
	rm.startup.Store(true)
	return rm
}

// InStartupPhase 是否仍处于启动阶段
func (rm *ReconnectManager) InStartupPhase() bool {
	return rm.startup.Load()
}

// EndStartupPhase 结束启动阶段，返回此前是否处于启动阶段
func (rm *ReconnectManager) EndStartupPhase() bool {
	return rm.startup.CompareAndSwap(true, false)
}

// IsRunning 是否有重连循环在运行
func (rm *ReconnectManager) IsRunning() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.running
}

// ScheduleReconnect 启动重连循环；已有循环在运行时返回 false
func (rm *ReconnectManager) ScheduleReconnect(hooks ReconnectHooks) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.running {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	rm.cancel = cancel
	rm.running = true
	rm.loopID++
	go rm.run(ctx, rm.loopID, hooks)
	return true
}

// Stop 取消正在运行的重连循环
func (rm *ReconnectManager) Stop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.cancel != nil {
		rm.cancel()
		rm.cancel = nil
	}
	rm.running = false
}

// finish 标记循环结束，只清理属于 id 的循环
func (rm *ReconnectManager) finish(id uint64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.loopID == id && rm.running {
		rm.cancel()
		rm.cancel = nil
		rm.running = false
	}
}

func (rm *ReconnectManager) run(ctx context.Context, id uint64, hooks ReconnectHooks) {
	defer rm.finish(id)

	attempt := 0
	for {
		startup := rm.startup.Load()
		maxAttempts := 0
		if startup {
			maxAttempts = rm.config.StartupMaxAttempts
		}

		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(uint(maxAttempts)), // 0 表示直到成功
			retry.DelayType(func(_ uint, _ error, _ retry.DelayContext) time.Duration {
				return rm.calculateBackoff(attempt)
			}),
		)

		phaseAttempts := 0
		err := r.Do(func() error {
			if err := rm.limiter.Wait(ctx); err != nil {
				return err
			}
			attempt++
			phaseAttempts++
			rm.logger.Info("reconnect attempt",
				zap.Int("attempt", attempt), zap.Int("max_attempts", maxAttempts), zap.Bool("startup", startup))
			if hooks.OnAttempt != nil {
				hooks.OnAttempt(attempt, maxAttempts)
			}
			return hooks.Connect(ctx)
		})

		switch {
		case err == nil:
			rm.logger.Info("reconnect successful", zap.Int("attempts", attempt))
			return
		case ctx.Err() != nil:
			return
		case rm.startup.Load():
			rm.logger.Warn("startup connection failed", zap.Int("attempts", phaseAttempts), zap.Error(err))
			rm.finish(id)
			if hooks.OnStartupFailed != nil {
				hooks.OnStartupFailed(phaseAttempts)
			}
			return
		}
		// 启动阶段在循环期间结束，转为不限次数
	}
}

// calculateBackoff 计算退避时间，不低于最小间隔
func (rm *ReconnectManager) calculateBackoff(attempt int) time.Duration {
	wait := utils.CalculateBackoff(attempt-1, rm.config.ReconnectBaseTime, rm.config.ReconnectMaxDelay)
	if wait < rm.config.ReconnectMinInterval {
		wait = rm.config.ReconnectMinInterval
	}
	return wait
}

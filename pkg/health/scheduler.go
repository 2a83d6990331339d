package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type task struct {
	interval time.Duration
	fn       func()
	cancel   context.CancelFunc
}

// Scheduler 按名称管理可独立取消、可改周期的定时任务
type Scheduler struct {
	logger *zap.Logger
	mu     sync.Mutex
	tasks  map[string]*task
}

// NewScheduler 创建调度器
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger, tasks: make(map[string]*task)}
}

// Every 注册周期任务，同名任务会被替换
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.tasks[name]; ok {
		old.cancel()
	}
	s.tasks[name] = s.startLocked(name, interval, fn)
}

// Reschedule 取消并以新周期重新挂载，任务不存在时返回 false
func (s *Scheduler) Reschedule(name string, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tasks[name]
	if !ok {
		return false
	}
	if old.interval == interval {
		return true
	}
	old.cancel()
	s.tasks[name] = s.startLocked(name, interval, old.fn)
	return true
}

func (s *Scheduler) startLocked(name string, interval time.Duration, fn func()) *task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{interval: interval, fn: fn, cancel: cancel}
	go s.loop(ctx, name, interval, fn)
	return t
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.run(name, fn)
		case <-ctx.Done():
			return
		}
	}
}

// run 任务内的 panic 只记录日志
func (s *Scheduler) run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panic", zap.String("task", name), zap.Any("panic", r))
		}
	}()
	fn()
}

// Interval 任务当前周期
func (s *Scheduler) Interval(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return 0, false
	}
	return t.interval, true
}

// Cancel 取消单个任务
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if ok {
		t.cancel()
		delete(s.tasks, name)
	}
	return ok
}

// Stop 取消全部任务
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.tasks {
		t.cancel()
		delete(s.tasks, name)
	}
}

// Names 已注册的任务名
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

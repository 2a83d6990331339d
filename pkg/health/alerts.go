package health

import (
	"context"
	"sync"
	"time"

	"github.com/BetaCatPro/ws-guard/internal/utils"
	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// Alert 告警记录
type Alert struct {
	ID           string     `json:"id"`
	Level        AlertLevel `json:"level"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	Timestamp    time.Time  `json:"timestamp"`
	Acknowledged bool       `json:"acknowledged"`
}

// AlertManager 有上限的告警历史，每次变更都整体持久化
type AlertManager struct {
	store    AlertStore
	max      int
	cooldown time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	alerts    []Alert
	lastTitle map[string]time.Time
}

// NewAlertManager 创建告警管理器并从存储加载一次历史
func NewAlertManager(store AlertStore, maxAlerts int, cooldown time.Duration, logger *zap.Logger) *AlertManager {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	am := &AlertManager{
		store:     store,
		max:       maxAlerts,
		cooldown:  cooldown,
		logger:    logger.With(zap.String("mod", "alerts")),
		lastTitle: make(map[string]time.Time),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	loaded, err := store.Load(ctx)
	if err != nil {
		am.logger.Warn("load alert history failed", zap.Error(err))
	}
	if len(loaded) > maxAlerts {
		loaded = loaded[len(loaded)-maxAlerts:]
	}
	am.alerts = loaded
	return am
}

// Add 追加告警；同标题处于抑制窗口内时返回 false
func (am *AlertManager) Add(level AlertLevel, title, message string) (Alert, bool) {
	now := time.Now()
	am.mu.Lock()
	if am.cooldown > 0 {
		if last, ok := am.lastTitle[title]; ok && now.Sub(last) < am.cooldown {
			am.mu.Unlock()
			return Alert{}, false
		}
	}
	am.lastTitle[title] = now

	alert := Alert{
		ID:        utils.GenerateAlertID(),
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: now,
	}
	am.alerts = append(am.alerts, alert)
	if over := len(am.alerts) - am.max; over > 0 {
		am.alerts = append([]Alert(nil), am.alerts[over:]...)
	}
	snapshot := am.copyLocked()
	am.mu.Unlock()

	am.persist(snapshot)
	return alert, true
}

// Acknowledge 标记已确认，不从历史中移除
func (am *AlertManager) Acknowledge(id string) bool {
	am.mu.Lock()
	found := false
	for i := range am.alerts {
		if am.alerts[i].ID == id {
			am.alerts[i].Acknowledged = true
			found = true
			break
		}
	}
	snapshot := am.copyLocked()
	am.mu.Unlock()

	if found {
		am.persist(snapshot)
	}
	return found
}

// Clear 清空历史
func (am *AlertManager) Clear() {
	am.mu.Lock()
	am.alerts = nil
	am.lastTitle = make(map[string]time.Time)
	am.mu.Unlock()
	am.persist([]Alert{})
}

// List 按时间顺序返回历史副本
func (am *AlertManager) List() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()
	return am.copyLocked()
}

func (am *AlertManager) copyLocked() []Alert {
	out := make([]Alert, len(am.alerts))
	copy(out, am.alerts)
	return out
}

func (am *AlertManager) persist(alerts []Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := am.store.Save(ctx, alerts); err != nil {
		am.logger.Warn("persist alerts failed", zap.Error(err))
	}
}

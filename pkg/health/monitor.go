package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BetaCatPro/ws-guard/internal/errors"
	"github.com/BetaCatPro/ws-guard/internal/utils"
	"github.com/BetaCatPro/ws-guard/pkg/events"
	"github.com/BetaCatPro/ws-guard/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 监控事件名
const (
	EventStatusChange    = "status_change"
	EventDegradation     = "degradation"
	EventRecovery        = "recovery"
	EventAlert           = "alert"
	EventMetricUpdate    = "metric_update"
	EventRecoveryAttempt = "recovery_attempt"
)

// 周期任务名
const (
	TaskLatency     = "latency"
	TaskThroughput  = "throughput"
	TaskReliability = "reliability"
	TaskServer      = "server"
	TaskHealth      = "health"
)

// Transport 监控所需的传输层能力，*client.Client 满足该接口
type Transport interface {
	IsConnected() bool
	State() types.ConnectionState
	BreakerState() types.BreakerState
	Connect(ctx context.Context) error
	RequestWithTimeout(ctx context.Context, env types.Envelope, timeout time.Duration) (types.Envelope, error)
	OnWithOwner(owner, event string, fn events.Listener) events.ListenerID
	OffAllByOwner(owner string) int
}

// StatusChangeEvent status_change / degradation / recovery 事件载荷
type StatusChangeEvent struct {
	From Status
	To   Status
}

// RecoveryAttemptEvent recovery_attempt 事件载荷
type RecoveryAttemptEvent struct {
	Attempt int64
	Err     error
}

// Report 一次完整健康检查的结果
type Report struct {
	Status    Status
	Mode      IntervalMode
	Metrics   HealthMetrics
	CheckedAt time.Time
}

// Option 监控选项
type Option func(*Monitor)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithAlertStore 设置告警持久化
func WithAlertStore(store AlertStore) Option {
	return func(m *Monitor) { m.store = store }
}

// WithProber 设置旁路状态查询
func WithProber(p Prober) Option {
	return func(m *Monitor) { m.prober = p }
}

// Monitor 连接健康监控
type Monitor struct {
	transport Transport
	config    types.MonitorConfig
	logger    *zap.Logger
	store     AlertStore
	prober    Prober
	emitter   *events.Emitter
	alerts    *AlertManager
	scheduler *Scheduler
	limiter   *rate.Limiter
	owner     string

	mu         sync.Mutex
	monitoring bool
	mode       IntervalMode
	metrics    HealthMetrics
	latency    *latencyWindow
	recovery   RecoveryStats

	everConnected bool
	windowStart   time.Time
	windowMsgs    int64
	windowBytes   int64
}

// NewMonitor 创建监控器，告警历史在此加载一次
func NewMonitor(t Transport, cfg types.MonitorConfig, opts ...Option) (*Monitor, error) {
	if t == nil {
		return nil, fmt.Errorf("health monitor requires a transport")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		transport: t,
		config:    cfg,
		mode:      ModeNormal,
		latency:   newLatencyWindow(cfg.LatencyWindow),
		owner:     "health-monitor-" + utils.GenerateCorrelationID(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.With(zap.String("mod", "health"))
	if m.prober == nil {
		m.prober = NewTransportProber(t)
	}
	m.emitter = events.NewEmitter(m.logger)
	m.alerts = NewAlertManager(m.store, cfg.MaxAlerts, cfg.AlertCooldown, m.logger)
	m.scheduler = NewScheduler(m.logger)
	m.limiter = rate.NewLimiter(rate.Every(cfg.RecoveryCooldown), 1)

	m.metrics = HealthMetrics{
		Overall:     StatusUnknown,
		Connection:  ConnectionMetrics{Status: StatusUnknown},
		Latency:     LatencyMetrics{Status: StatusUnknown, DegradedThreshold: cfg.LatencyDegraded, UnhealthyThreshold: cfg.LatencyUnhealthy},
		Reliability: ReliabilityMetrics{Status: StatusUnknown, Score: 1},
		Server:      ServerMetrics{Status: StatusUnknown},
	}
	m.windowStart = time.Now()
	return m, nil
}

// StartMonitoring 挂载传输层监听并启动五个周期任务，重复调用无副作用
func (m *Monitor) StartMonitoring() {
	m.mu.Lock()
	if m.monitoring {
		m.mu.Unlock()
		return
	}
	m.monitoring = true
	m.windowStart = time.Now()
	mode := m.mode
	if m.transport.IsConnected() && m.metrics.Connection.ConnectedSince.IsZero() {
		m.metrics.Connection.ConnectedSince = time.Now()
		m.everConnected = true
	}
	m.mu.Unlock()

	m.transport.OnWithOwner(m.owner, types.EventConnect, m.onConnect)
	m.transport.OnWithOwner(m.owner, types.EventDisconnect, m.onDisconnect)
	m.transport.OnWithOwner(m.owner, types.EventError, m.onError)
	m.transport.OnWithOwner(m.owner, types.EventMessage, m.onMessage)
	m.transport.OnWithOwner(m.owner, types.EventMessageSent, m.onMessageSent)

	m.scheduler.Every(TaskLatency, mode.Scale(m.config.LatencyInterval), m.latencyTask)
	m.scheduler.Every(TaskThroughput, m.config.ThroughputInterval, func() { m.ComputeThroughput() })
	m.scheduler.Every(TaskReliability, m.config.ReliabilityInterval, func() { m.ComputeReliability() })
	m.scheduler.Every(TaskServer, mode.Scale(m.config.ServerInterval), m.serverTask)
	m.scheduler.Every(TaskHealth, mode.Scale(m.config.HealthInterval), m.healthTask)
	m.logger.Info("health monitoring started", zap.String("mode", string(mode)))
}

// StopMonitoring 取消周期任务，只移除自己挂载的监听
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	if !m.monitoring {
		m.mu.Unlock()
		return
	}
	m.monitoring = false
	m.mu.Unlock()

	m.scheduler.Stop()
	removed := m.transport.OffAllByOwner(m.owner)
	m.logger.Info("health monitoring stopped", zap.Int("listeners_removed", removed))
}

// IsMonitoring 是否在监控中
func (m *Monitor) IsMonitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitoring
}

func (m *Monitor) taskContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.config.ProbeTimeout+time.Second)
}

func (m *Monitor) latencyTask() {
	ctx, cancel := m.taskContext()
	defer cancel()
	if _, err := m.MeasureLatency(ctx); err != nil {
		m.logger.Debug("latency probe skipped", zap.Error(err))
	}
}

func (m *Monitor) serverTask() {
	ctx, cancel := m.taskContext()
	defer cancel()
	m.CheckServerHealth(ctx)
}

func (m *Monitor) healthTask() {
	ctx, cancel := m.taskContext()
	defer cancel()
	m.AssessHealth(ctx)
}

func (m *Monitor) onConnect(any) {
	now := time.Now()
	m.mu.Lock()
	m.metrics.Reliability.SuccessfulConnections++
	if m.everConnected {
		m.metrics.Connection.Reconnections++
	}
	m.everConnected = true
	m.metrics.Connection.Connected = true
	m.metrics.Connection.ConnectedSince = now
	m.mu.Unlock()
}

func (m *Monitor) onDisconnect(any) {
	now := time.Now()
	m.mu.Lock()
	m.metrics.Connection.Disconnections++
	m.metrics.Connection.Connected = false
	if since := m.metrics.Connection.ConnectedSince; !since.IsZero() {
		m.metrics.Connection.Uptime += now.Sub(since)
		m.metrics.Connection.ConnectedSince = time.Time{}
	}
	m.mu.Unlock()
}

func (m *Monitor) onError(payload any) {
	ev, ok := payload.(types.ErrorEvent)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Op {
	case types.OpConnect:
		m.metrics.Reliability.FailedConnections++
	case types.OpSend:
		m.metrics.Reliability.MessageFailures++
	}
}

func (m *Monitor) onMessage(payload any) {
	ev, _ := payload.(types.MessageEvent)
	m.mu.Lock()
	m.windowMsgs++
	m.windowBytes += int64(ev.Bytes)
	m.mu.Unlock()
}

func (m *Monitor) onMessageSent(payload any) {
	ev, _ := payload.(types.MessageEvent)
	m.mu.Lock()
	m.metrics.Reliability.MessagesSent++
	m.windowMsgs++
	m.windowBytes += int64(ev.Bytes)
	m.mu.Unlock()
}

// MeasureLatency 发送带时间戳的 ping 并等待关联的 pong
func (m *Monitor) MeasureLatency(ctx context.Context) (time.Duration, error) {
	if !m.transport.IsConnected() {
		return 0, errors.ErrNotConnected
	}
	start := time.Now()
	probe := types.NewEnvelope(types.TypePing, map[string]any{"client_time": start.UnixMilli()})
	if _, err := m.transport.RequestWithTimeout(ctx, probe, m.config.ProbeTimeout); err != nil {
		m.mu.Lock()
		m.metrics.Latency.ProbeFailures++
		m.mu.Unlock()
		return 0, fmt.Errorf("latency probe: %w", err)
	}
	rtt := time.Since(start)

	m.mu.Lock()
	m.latency.add(rtt)
	avg, lo, hi := m.latency.stats()
	lm := &m.metrics.Latency
	lm.Current, lm.Average, lm.Min, lm.Max = rtt, avg, lo, hi
	lm.Samples = m.latency.len()
	lm.Status = m.latencyStatus(avg)
	m.metrics.UpdatedAt = time.Now()
	snapshot := m.metrics
	m.mu.Unlock()

	switch {
	case rtt > m.config.LatencyCritical:
		m.raiseAlert(LevelCritical, "High latency", fmt.Sprintf("round-trip time %v exceeds %v", rtt, m.config.LatencyCritical))
	case rtt > m.config.LatencyWarning:
		m.raiseAlert(LevelWarning, "Elevated latency", fmt.Sprintf("round-trip time %v exceeds %v", rtt, m.config.LatencyWarning))
	}
	m.emitter.Emit(EventMetricUpdate, snapshot)
	return rtt, nil
}

func (m *Monitor) latencyStatus(avg time.Duration) Status {
	switch {
	case avg > m.config.LatencyUnhealthy:
		return StatusUnhealthy
	case avg > m.config.LatencyDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// ComputeThroughput 计算上个周期的速率并清零计数
func (m *Monitor) ComputeThroughput() ThroughputMetrics {
	now := time.Now()
	m.mu.Lock()
	elapsed := now.Sub(m.windowStart)
	tm := ThroughputMetrics{
		Messages:         m.windowMsgs,
		BytesTransferred: m.windowBytes,
		Interval:         elapsed,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		tm.MessagesPerSecond = float64(m.windowMsgs) / secs
		tm.BytesPerSecond = float64(m.windowBytes) / secs
	}
	m.windowMsgs, m.windowBytes = 0, 0
	m.windowStart = now
	m.metrics.Throughput = tm
	m.metrics.UpdatedAt = now
	snapshot := m.metrics
	m.mu.Unlock()

	m.emitter.Emit(EventMetricUpdate, snapshot)
	return tm
}

// ComputeReliability 计算可靠性得分，仅在状态越过阈值发生变化时告警
func (m *Monitor) ComputeReliability() ReliabilityMetrics {
	m.mu.Lock()
	rm := &m.metrics.Reliability
	prev := rm.Status
	rm.Score = ReliabilityScore(rm.SuccessfulConnections, rm.FailedConnections, rm.MessagesSent, rm.MessageFailures)
	switch {
	case rm.SuccessfulConnections+rm.FailedConnections+rm.MessagesSent+rm.MessageFailures == 0:
		rm.Status = StatusUnknown
	case rm.Score < m.config.ReliabilityCritical:
		rm.Status = StatusCritical
	case rm.Score < m.config.ReliabilityWarning:
		rm.Status = StatusDegraded
	default:
		rm.Status = StatusHealthy
	}
	result := *rm
	m.metrics.UpdatedAt = time.Now()
	snapshot := m.metrics
	m.mu.Unlock()

	switch {
	case result.Status == prev:
	case result.Status == StatusCritical:
		m.raiseAlert(LevelCritical, "Reliability critical", fmt.Sprintf("reliability score %.3f below %.2f", result.Score, m.config.ReliabilityCritical))
	case result.Status == StatusDegraded:
		m.raiseAlert(LevelWarning, "Reliability degraded", fmt.Sprintf("reliability score %.3f below %.2f", result.Score, m.config.ReliabilityWarning))
	}
	m.emitter.Emit(EventMetricUpdate, snapshot)
	return result
}

// CheckServerHealth 仅在已连接时查询服务端状态，任何失败都记为 unhealthy
func (m *Monitor) CheckServerHealth(ctx context.Context) ServerMetrics {
	now := time.Now()
	sm := ServerMetrics{LastCheck: now}

	if !m.transport.IsConnected() {
		sm.Status = StatusUnhealthy
		sm.Error = errors.ErrNotConnected.Error()
	} else {
		probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
		report, err := m.prober.Probe(probeCtx)
		cancel()
		sm.ResponseTime = time.Since(now)
		if err != nil {
			sm.Status = StatusUnhealthy
			sm.Error = err.Error()
			m.logger.Warn("server health check failed", zap.Error(err))
		} else {
			sm.Responsive = true
			sm.Load = report.Load
			sm.MemoryUsage = report.MemoryUsage
			sm.ActiveConnections = report.ActiveConnections
			switch {
			case !report.Healthy(), sm.ResponseTime > m.config.ServerResponseDegraded:
				sm.Status = StatusDegraded
			default:
				sm.Status = StatusHealthy
			}
		}
	}

	m.mu.Lock()
	m.metrics.Server = sm
	m.metrics.UpdatedAt = now
	snapshot := m.metrics
	m.mu.Unlock()

	m.emitter.Emit(EventMetricUpdate, snapshot)
	return sm
}

// connectionStatus 由传输层当前状态得出连接子状态
func (m *Monitor) connectionStatus() Status {
	switch m.transport.State() {
	case types.StateConnected:
		return StatusHealthy
	case types.StateConnecting:
		return StatusDegraded
	}
	if m.transport.BreakerState() == types.BreakerOpen {
		return StatusCritical
	}
	return StatusUnhealthy
}

// AssessHealth 按最差者优先汇总子状态，发出状态事件，必要时自动恢复并调整轮询节奏
func (m *Monitor) AssessHealth(ctx context.Context) Status {
	connStatus := m.connectionStatus()
	connected := m.transport.IsConnected()

	m.mu.Lock()
	m.metrics.Connection.Status = connStatus
	m.metrics.Connection.Connected = connected
	prev := m.metrics.Overall
	next := Aggregate(connStatus, m.metrics.Latency.Status, m.metrics.Reliability.Status, m.metrics.Server.Status)
	m.metrics.Overall = next
	m.metrics.UpdatedAt = time.Now()
	snapshot := m.metrics
	m.mu.Unlock()

	if next != prev {
		change := StatusChangeEvent{From: prev, To: next}
		m.logger.Info("health status changed", zap.String("from", string(prev)), zap.String("to", string(next)))
		m.emitter.Emit(EventStatusChange, change)
		switch {
		case prev == StatusUnknown || next == StatusUnknown:
			// 进出 unknown 不算恶化或恢复
		case next.WorseThan(prev):
			m.emitter.Emit(EventDegradation, change)
			if next == StatusCritical {
				m.raiseAlert(LevelCritical, "Connection health critical", fmt.Sprintf("overall health dropped from %s to %s", prev, next))
			}
		case prev.WorseThan(next):
			m.emitter.Emit(EventRecovery, change)
		}
	}
	m.emitter.Emit(EventMetricUpdate, snapshot)

	if next.Rank() >= StatusUnhealthy.Rank() && !connected {
		m.attemptRecovery(ctx)
	}
	m.adaptInterval(next)
	return next
}

// attemptRecovery 每个冷却窗口最多一次自动重连
func (m *Monitor) attemptRecovery(ctx context.Context) {
	if !m.limiter.Allow() {
		m.mu.Lock()
		m.recovery.Throttled++
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	m.recovery.Attempts++
	m.recovery.LastAttempt = time.Now()
	attempt := m.recovery.Attempts
	m.mu.Unlock()

	m.logger.Info("attempting automatic recovery", zap.Int64("attempt", attempt))
	err := m.transport.Connect(ctx)

	m.mu.Lock()
	if err != nil {
		m.recovery.Failures++
	} else {
		m.recovery.Successes++
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("automatic recovery failed", zap.Int64("attempt", attempt), zap.String("code", errors.Code(err)), zap.Error(err))
	}
	m.emitter.Emit(EventRecoveryAttempt, RecoveryAttemptEvent{Attempt: attempt, Err: err})
}

// adaptInterval 节奏变化时只重挂延迟、服务端、整体评估三个任务
func (m *Monitor) adaptInterval(s Status) {
	mode := ModeFor(s)
	m.mu.Lock()
	if mode == m.mode {
		m.mu.Unlock()
		return
	}
	prev := m.mode
	m.mode = mode
	monitoring := m.monitoring
	m.mu.Unlock()

	m.logger.Info("interval mode changed", zap.String("from", string(prev)), zap.String("to", string(mode)))
	if !monitoring {
		return
	}
	m.scheduler.Reschedule(TaskLatency, mode.Scale(m.config.LatencyInterval))
	m.scheduler.Reschedule(TaskServer, mode.Scale(m.config.ServerInterval))
	m.scheduler.Reschedule(TaskHealth, mode.Scale(m.config.HealthInterval))
}

// PerformHealthCheck 同步执行一次完整检查
func (m *Monitor) PerformHealthCheck(ctx context.Context) Report {
	if _, err := m.MeasureLatency(ctx); err != nil {
		m.logger.Debug("latency probe skipped", zap.Error(err))
	}
	m.CheckServerHealth(ctx)
	m.ComputeThroughput()
	m.ComputeReliability()
	status := m.AssessHealth(ctx)
	return Report{
		Status:    status,
		Mode:      m.IntervalMode(),
		Metrics:   m.GetMetrics(),
		CheckedAt: time.Now(),
	}
}

func (m *Monitor) raiseAlert(level AlertLevel, title, message string) {
	alert, ok := m.alerts.Add(level, title, message)
	if !ok {
		return
	}
	if level == LevelCritical {
		m.logger.Error("health alert", zap.String("title", title), zap.String("message", message))
	} else {
		m.logger.Warn("health alert", zap.String("title", title), zap.String("message", message))
	}
	m.emitter.Emit(EventAlert, alert)
}

// GetStatus 当前整体状态
func (m *Monitor) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics.Overall
}

// GetMetrics 指标快照副本，在线时长包含当前连接
func (m *Monitor) GetMetrics() HealthMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.metrics
	if since := snapshot.Connection.ConnectedSince; !since.IsZero() {
		snapshot.Connection.Uptime += time.Since(since)
	}
	return snapshot
}

// GetAlerts 告警历史
func (m *Monitor) GetAlerts() []Alert {
	return m.alerts.List()
}

// AcknowledgeAlert 确认告警
func (m *Monitor) AcknowledgeAlert(id string) bool {
	return m.alerts.Acknowledge(id)
}

// ClearAlerts 清空告警
func (m *Monitor) ClearAlerts() {
	m.alerts.Clear()
}

// IntervalMode 当前轮询节奏
func (m *Monitor) IntervalMode() IntervalMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// RecoveryStats 自动恢复计数
func (m *Monitor) RecoveryStats() RecoveryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovery
}

// On 注册监控事件监听
func (m *Monitor) On(event string, fn events.Listener) events.ListenerID {
	return m.emitter.On(event, fn)
}

// Off 移除监控事件监听
func (m *Monitor) Off(event string, id events.ListenerID) bool {
	return m.emitter.Off(event, id)
}

// OnWithOwner 注册带 owner 标签的监听
func (m *Monitor) OnWithOwner(owner, event string, fn events.Listener) events.ListenerID {
	return m.emitter.OnWithOwner(owner, event, fn)
}

// OffAllByOwner 移除 owner 注册的全部监听
func (m *Monitor) OffAllByOwner(owner string) int {
	return m.emitter.OffAllByOwner(owner)
}

package health

import (
	"github.com/BetaCatPro/ws-guard/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Exporter 把监控事件转成 Prometheus 指标
type Exporter struct {
	// Latency: 最近一次与窗口平均往返时间
	LatencySeconds        prometheus.Gauge
	LatencyAverageSeconds prometheus.Gauge

	// Traffic: 上个周期的消息速率
	MessagesPerSecond prometheus.Gauge
	BytesPerSecond    prometheus.Gauge

	ReliabilityScore prometheus.Gauge

	// Saturation: 整体状态等级（0 unknown .. 4 critical）与轮询节奏
	OverallStatus *prometheus.GaugeVec
	IntervalMode  *prometheus.GaugeVec

	AlertsTotal   *prometheus.CounterVec
	RecoveryTotal *prometheus.CounterVec
}

// NewExporter 注册指标；reg 为 nil 时使用不对外暴露的本地注册表
func NewExporter(reg prometheus.Registerer) *Exporter {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Exporter{
		LatencySeconds: f.NewGauge(prometheus.GaugeOpts{
			Name: "ws_guard_latency_seconds",
			Help: "Most recent probe round-trip time.",
		}),
		LatencyAverageSeconds: f.NewGauge(prometheus.GaugeOpts{
			Name: "ws_guard_latency_average_seconds",
			Help: "Average round-trip time over the retained sample window.",
		}),
		MessagesPerSecond: f.NewGauge(prometheus.GaugeOpts{
			Name: "ws_guard_messages_per_second",
			Help: "Inbound plus outbound messages per second over the last interval.",
		}),
		BytesPerSecond: f.NewGauge(prometheus.GaugeOpts{
			Name: "ws_guard_bytes_per_second",
			Help: "Bytes per second over the last interval.",
		}),
		ReliabilityScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "ws_guard_reliability_score",
			Help: "Weighted connection and message reliability score (0-1).",
		}),
		OverallStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ws_guard_health_status",
			Help: "Severity rank of the health status (0=unknown, 1=healthy, 4=critical).",
		}, []string{"component"}),
		IntervalMode: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ws_guard_interval_mode",
			Help: "Active polling cadence (1 for the current mode).",
		}, []string{"mode"}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_guard_alerts_total",
			Help: "Alerts raised by level.",
		}, []string{"level"}),
		RecoveryTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_guard_recovery_attempts_total",
			Help: "Automatic recovery attempts by outcome.",
		}, []string{"outcome"}), // 取值: success, failure
	}
}

// Observe 用快照刷新 gauge
func (e *Exporter) Observe(m HealthMetrics, mode IntervalMode) {
	e.LatencySeconds.Set(m.Latency.Current.Seconds())
	e.LatencyAverageSeconds.Set(m.Latency.Average.Seconds())
	e.MessagesPerSecond.Set(m.Throughput.MessagesPerSecond)
	e.BytesPerSecond.Set(m.Throughput.BytesPerSecond)
	e.ReliabilityScore.Set(m.Reliability.Score)

	e.OverallStatus.WithLabelValues("overall").Set(float64(m.Overall.Rank()))
	e.OverallStatus.WithLabelValues("connection").Set(float64(m.Connection.Status.Rank()))
	e.OverallStatus.WithLabelValues("latency").Set(float64(m.Latency.Status.Rank()))
	e.OverallStatus.WithLabelValues("reliability").Set(float64(m.Reliability.Status.Rank()))
	e.OverallStatus.WithLabelValues("server").Set(float64(m.Server.Status.Rank()))

	for _, candidate := range []IntervalMode{ModeFast, ModeNormal, ModeSlow} {
		v := 0.0
		if candidate == mode {
			v = 1
		}
		e.IntervalMode.WithLabelValues(string(candidate)).Set(v)
	}
}

// Attach 订阅监控事件，返回用于解除订阅的 owner 标签
func (e *Exporter) Attach(m *Monitor) string {
	owner := "prometheus-exporter-" + utils.GenerateCorrelationID()
	m.OnWithOwner(owner, EventMetricUpdate, func(payload any) {
		if metrics, ok := payload.(HealthMetrics); ok {
			e.Observe(metrics, m.IntervalMode())
		}
	})
	m.OnWithOwner(owner, EventAlert, func(payload any) {
		if alert, ok := payload.(Alert); ok {
			e.AlertsTotal.WithLabelValues(string(alert.Level)).Inc()
		}
	})
	m.OnWithOwner(owner, EventRecoveryAttempt, func(payload any) {
		if ev, ok := payload.(RecoveryAttemptEvent); ok {
			outcome := "success"
			if ev.Err != nil {
				outcome = "failure"
			}
			e.RecoveryTotal.WithLabelValues(outcome).Inc()
		}
	})
	return owner
}

package health

import (
	"time"
)

// ConnectionMetrics 连接子记录
type ConnectionMetrics struct {
	Status         Status        `json:"status"`
	Connected      bool          `json:"connected"`
	Uptime         time.Duration `json:"uptime"` // 累计在线时长
	ConnectedSince time.Time     `json:"connected_since,omitempty"`
	Disconnections int64         `json:"disconnections"`
	Reconnections  int64         `json:"reconnections"`
}

// LatencyMetrics 延迟子记录，统计值只覆盖滚动窗口内的样本
type LatencyMetrics struct {
	Status             Status        `json:"status"`
	Current            time.Duration `json:"current"`
	Average            time.Duration `json:"average"`
	Min                time.Duration `json:"min"`
	Max                time.Duration `json:"max"`
	Samples            int           `json:"samples"`
	ProbeFailures      int64         `json:"probe_failures"`
	DegradedThreshold  time.Duration `json:"degraded_threshold"`
	UnhealthyThreshold time.Duration `json:"unhealthy_threshold"`
}

// ThroughputMetrics 吞吐子记录，每个周期计算后清零
type ThroughputMetrics struct {
	MessagesPerSecond float64       `json:"messages_per_second"`
	BytesPerSecond    float64       `json:"bytes_per_second"`
	Messages          int64         `json:"messages"`
	BytesTransferred  int64         `json:"bytes_transferred"`
	Interval          time.Duration `json:"interval"`
}

// ReliabilityMetrics 可靠性子记录
type ReliabilityMetrics struct {
	Status                Status  `json:"status"`
	SuccessfulConnections int64   `json:"successful_connections"`
	FailedConnections     int64   `json:"failed_connections"`
	MessagesSent          int64   `json:"messages_sent"`
	MessageFailures       int64   `json:"message_failures"`
	Score                 float64 `json:"score"`
}

// ServerMetrics 服务端子记录
type ServerMetrics struct {
	Status            Status        `json:"status"`
	Responsive        bool          `json:"responsive"`
	ResponseTime      time.Duration `json:"response_time"`
	Load              float64       `json:"load"`
	MemoryUsage       float64       `json:"memory_usage"`
	ActiveConnections int           `json:"active_connections"`
	LastCheck         time.Time     `json:"last_check,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// HealthMetrics 健康指标快照
type HealthMetrics struct {
	Overall     Status             `json:"overall"`
	Connection  ConnectionMetrics  `json:"connection"`
	Latency     LatencyMetrics     `json:"latency"`
	Throughput  ThroughputMetrics  `json:"throughput"`
	Reliability ReliabilityMetrics `json:"reliability"`
	Server      ServerMetrics      `json:"server"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// RecoveryStats 自动恢复计数
type RecoveryStats struct {
	Attempts    int64     `json:"attempts"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	Throttled   int64     `json:"throttled"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
}

// ReliabilityScore 70% 连接成功率 + 30% (1 - 消息失败率)；没有样本的部分按满分计
func ReliabilityScore(okConn, failConn, okMsg, failMsg int64) float64 {
	connRate := 1.0
	if total := okConn + failConn; total > 0 {
		connRate = float64(okConn) / float64(total)
	}
	failRate := 0.0
	if total := okMsg + failMsg; total > 0 {
		failRate = float64(failMsg) / float64(total)
	}
	return connRate*0.7 + (1-failRate)*0.3
}

// latencyWindow 固定容量的延迟样本窗口
type latencyWindow struct {
	samples []time.Duration
	size    int
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{size: size, samples: make([]time.Duration, 0, size)}
}

// add 追加样本，超出容量时淘汰最旧的
func (w *latencyWindow) add(d time.Duration) {
	if len(w.samples) == w.size {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.size-1]
	}
	w.samples = append(w.samples, d)
}

// stats 返回窗口内的平均、最小、最大值
func (w *latencyWindow) stats() (avg, lo, hi time.Duration) {
	if len(w.samples) == 0 {
		return 0, 0, 0
	}
	var sum time.Duration
	lo, hi = w.samples[0], w.samples[0]
	for _, d := range w.samples {
		sum += d
		if d < lo {
			lo = d
		}
		if d > hi {
			hi = d
		}
	}
	return sum / time.Duration(len(w.samples)), lo, hi
}

func (w *latencyWindow) len() int {
	return len(w.samples)
}

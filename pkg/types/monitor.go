package types

import (
	"fmt"
	"time"
)

// MonitorConfig 健康监控配置
type MonitorConfig struct {
	LatencyInterval     time.Duration `mapstructure:"latency_interval"`
	ThroughputInterval  time.Duration `mapstructure:"throughput_interval"`
	ReliabilityInterval time.Duration `mapstructure:"reliability_interval"`
	ServerInterval      time.Duration `mapstructure:"server_interval"`
	HealthInterval      time.Duration `mapstructure:"health_interval"`

	// 平均延迟超过阈值时延迟子状态降级
	LatencyDegraded  time.Duration `mapstructure:"latency_degraded"`
	LatencyUnhealthy time.Duration `mapstructure:"latency_unhealthy"`
	// 单次采样告警阈值
	LatencyWarning  time.Duration `mapstructure:"latency_warning"`
	LatencyCritical time.Duration `mapstructure:"latency_critical"`

	ReliabilityWarning  float64 `mapstructure:"reliability_warning"`
	ReliabilityCritical float64 `mapstructure:"reliability_critical"`

	ServerResponseDegraded time.Duration `mapstructure:"server_response_degraded"`
	ProbeTimeout           time.Duration `mapstructure:"probe_timeout"`
	RecoveryCooldown       time.Duration `mapstructure:"recovery_cooldown"`

	MaxAlerts     int           `mapstructure:"max_alerts"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown"` // 同标题告警抑制窗口，0 表示不抑制
	LatencyWindow int           `mapstructure:"latency_window"`
}

// DefaultMonitorConfig 返回默认监控配置
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		LatencyInterval:        5 * time.Second,
		ThroughputInterval:     10 * time.Second,
		ReliabilityInterval:    15 * time.Second,
		ServerInterval:         30 * time.Second,
		HealthInterval:         60 * time.Second,
		LatencyDegraded:        1000 * time.Millisecond,
		LatencyUnhealthy:       3000 * time.Millisecond,
		LatencyWarning:         1000 * time.Millisecond,
		LatencyCritical:        3000 * time.Millisecond,
		ReliabilityWarning:     0.90,
		ReliabilityCritical:    0.70,
		ServerResponseDegraded: 2000 * time.Millisecond,
		ProbeTimeout:           5 * time.Second,
		RecoveryCooldown:       5 * time.Second,
		MaxAlerts:              50,
		LatencyWindow:          100,
	}
}

// Validate 校验传输层配置
func (c *Config) Validate() error {
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive, got %d", c.MaxQueueSize)
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker thresholds must be positive")
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker reset_timeout must be positive")
	}
	if c.ReconnectBaseTime <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseTime {
		return fmt.Errorf("invalid reconnect backoff: base=%v max=%v", c.ReconnectBaseTime, c.ReconnectMaxDelay)
	}
	if c.StartupMaxAttempts <= 0 {
		return fmt.Errorf("startup_max_attempts must be positive")
	}
	return nil
}

// Validate 校验监控配置
func (c MonitorConfig) Validate() error {
	for name, d := range map[string]time.Duration{
		"latency_interval":     c.LatencyInterval,
		"throughput_interval":  c.ThroughputInterval,
		"reliability_interval": c.ReliabilityInterval,
		"server_interval":      c.ServerInterval,
		"health_interval":      c.HealthInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.LatencyCritical < c.LatencyWarning || c.LatencyUnhealthy < c.LatencyDegraded {
		return fmt.Errorf("latency critical thresholds must not be below warning thresholds")
	}
	if c.ReliabilityCritical > c.ReliabilityWarning {
		return fmt.Errorf("reliability_critical must not exceed reliability_warning")
	}
	if c.MaxAlerts <= 0 || c.LatencyWindow <= 0 {
		return fmt.Errorf("max_alerts and latency_window must be positive")
	}
	return nil
}

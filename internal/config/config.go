package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BetaCatPro/ws-guard/internal/logger"
	"github.com/BetaCatPro/ws-guard/pkg/types"
	"github.com/spf13/viper"
)

// Config 根配置
type Config struct {
	Transport types.Config        `mapstructure:"transport"`
	Monitor   types.MonitorConfig `mapstructure:"monitor"`
	Alerts    AlertsConfig        `mapstructure:"alerts"`
	HTTP      HTTPConfig          `mapstructure:"http"`
	Server    ServerConfig        `mapstructure:"server"`
	Logger    logger.Config       `mapstructure:"logger"`
}

// AlertsConfig 告警持久化
type AlertsConfig struct {
	Store string      `mapstructure:"store"` // file, redis, memory
	Dir   string      `mapstructure:"dir"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig Redis 连接
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// HTTPConfig 客户端状态接口
type HTTPConfig struct {
	Addr      string `mapstructure:"addr"`
	StatusURL string `mapstructure:"status_url"` // 旁路健康查询地址，为空时由 transport.url 推导
}

// ServerConfig 参考服务端
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load 读取配置：文件（可选）< 环境变量，缺省值来自 types 包
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// TRANSPORT_URL=... 覆盖 transport.url
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Transport.Validate(); err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if err := cfg.Monitor.Validate(); err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	t := types.DefaultConfig()
	v.SetDefault("transport.url", "ws://localhost:8080/ws")
	v.SetDefault("transport.heartbeat_interval", t.HeartbeatInterval)
	v.SetDefault("transport.heartbeat_timeout", t.HeartbeatTimeout)
	v.SetDefault("transport.handshake_timeout", t.HandshakeTimeout)
	v.SetDefault("transport.write_timeout", t.WriteTimeout)
	v.SetDefault("transport.auto_reconnect", t.AutoReconnect)
	v.SetDefault("transport.reconnect_base_time", t.ReconnectBaseTime)
	v.SetDefault("transport.reconnect_max_delay", t.ReconnectMaxDelay)
	v.SetDefault("transport.reconnect_min_interval", t.ReconnectMinInterval)
	v.SetDefault("transport.startup_max_attempts", t.StartupMaxAttempts)
	v.SetDefault("transport.startup_window", t.StartupWindow)
	v.SetDefault("transport.enable_queue", t.EnableQueue)
	v.SetDefault("transport.max_queue_size", t.MaxQueueSize)
	v.SetDefault("transport.request_timeout", t.RequestTimeout)
	v.SetDefault("transport.requeue_on_disconnect", t.RequeueOnDisconnect)
	v.SetDefault("transport.breaker.failure_threshold", t.Breaker.FailureThreshold)
	v.SetDefault("transport.breaker.success_threshold", t.Breaker.SuccessThreshold)
	v.SetDefault("transport.breaker.reset_timeout", t.Breaker.ResetTimeout)
	v.SetDefault("transport.compression", t.Compression)
	v.SetDefault("transport.protocol", t.Protocol)

	m := types.DefaultMonitorConfig()
	v.SetDefault("monitor.latency_interval", m.LatencyInterval)
	v.SetDefault("monitor.throughput_interval", m.ThroughputInterval)
	v.SetDefault("monitor.reliability_interval", m.ReliabilityInterval)
	v.SetDefault("monitor.server_interval", m.ServerInterval)
	v.SetDefault("monitor.health_interval", m.HealthInterval)
	v.SetDefault("monitor.latency_degraded", m.LatencyDegraded)
	v.SetDefault("monitor.latency_unhealthy", m.LatencyUnhealthy)
	v.SetDefault("monitor.latency_warning", m.LatencyWarning)
	v.SetDefault("monitor.latency_critical", m.LatencyCritical)
	v.SetDefault("monitor.reliability_warning", m.ReliabilityWarning)
	v.SetDefault("monitor.reliability_critical", m.ReliabilityCritical)
	v.SetDefault("monitor.server_response_degraded", m.ServerResponseDegraded)
	v.SetDefault("monitor.probe_timeout", m.ProbeTimeout)
	v.SetDefault("monitor.recovery_cooldown", m.RecoveryCooldown)
	v.SetDefault("monitor.max_alerts", m.MaxAlerts)
	v.SetDefault("monitor.alert_cooldown", m.AlertCooldown)
	v.SetDefault("monitor.latency_window", m.LatencyWindow)

	v.SetDefault("alerts.store", "file")
	v.SetDefault("alerts.dir", "./data")
	v.SetDefault("alerts.redis.addr", "localhost:6379")
	v.SetDefault("alerts.redis.password", "")
	v.SetDefault("alerts.redis.db", 0)
	v.SetDefault("alerts.redis.key", "")

	v.SetDefault("http.addr", ":9090")
	v.SetDefault("http.status_url", "")
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// ShutdownTimeout 优雅退出等待时间
const ShutdownTimeout = 10 * time.Second

package types

import (
	"time"
)

// ConnectionState 连接状态
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateClosing      ConnectionState = "closing"
)

// BreakerState 熔断器状态
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// 传输层事件名
const (
	EventConnect                 = "connect"
	EventDisconnect              = "disconnect"
	EventError                   = "error"
	EventReconnecting            = "reconnecting"
	EventCircuitOpen             = "circuit_open"
	EventStartupConnectionFailed = "startup_connection_failed"
	EventMessage                 = "message"
	EventMessageSent             = "message_sent"
)

// 协议内置消息类型
const (
	TypePing     = "ping"
	TypePong     = "pong"
	TypeRequest  = "request"
	TypeTrigger  = "trigger"
	TypeResponse = "response"
	TypeError    = "error"
)

// ErrorEvent 中的操作名
const (
	OpConnect = "connect"
	OpSend    = "send"
	OpDecode  = "decode"
	OpRequest = "request"
)

// Envelope 线上消息信封
type Envelope struct {
	Type          string         `json:"type"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     string         `json:"timestamp,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewEnvelope 创建带当前时间戳的信封
func NewEnvelope(msgType string, data map[string]any) Envelope {
	return Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Correlation 返回信封携带的关联ID，兼容 data.correlation_id / data.request_id
func (e Envelope) Correlation() string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	for _, key := range []string{"correlation_id", "request_id"} {
		if v, ok := e.Data[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// DisconnectEvent disconnect 事件载荷
type DisconnectEvent struct {
	Code   int
	Reason string
}

// ReconnectingEvent reconnecting 事件载荷，MaxAttempts 为 0 表示不限次数
type ReconnectingEvent struct {
	Attempt     int
	MaxAttempts int
}

// CircuitOpenEvent circuit_open 事件载荷
type CircuitOpenEvent struct {
	Failures int
}

// StartupFailedEvent startup_connection_failed 事件载荷
type StartupFailedEvent struct {
	Attempts int
	Err      error // 包装 errors.ErrStartupFailed
}

// ErrorEvent error 事件载荷
type ErrorEvent struct {
	Op  string
	Err error
}

// MessageEvent message / message_sent 事件载荷
type MessageEvent struct {
	Envelope Envelope
	Bytes    int
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// Config 传输层配置
type Config struct {
	URL               string        `mapstructure:"url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"` // 心跳间隔，0 关闭心跳
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`  // 未收到 pong 的超时时间
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`

	AutoReconnect        bool          `mapstructure:"auto_reconnect"`         // 意外断开或连接失败后自动重连
	ReconnectBaseTime    time.Duration `mapstructure:"reconnect_base_time"`    // 重连基础时间
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`    // 退避上限
	ReconnectMinInterval time.Duration `mapstructure:"reconnect_min_interval"` // 两次尝试的最小间隔
	StartupMaxAttempts   int           `mapstructure:"startup_max_attempts"`   // 启动阶段最大重连次数
	StartupWindow        time.Duration `mapstructure:"startup_window"`

	EnableQueue         bool          `mapstructure:"enable_queue"`
	MaxQueueSize        int           `mapstructure:"max_queue_size"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	RequeueOnDisconnect bool          `mapstructure:"requeue_on_disconnect"`

	Breaker BreakerConfig `mapstructure:"breaker"`

	Compression string `mapstructure:"compression"` // none, gzip, snappy
	Protocol    string `mapstructure:"protocol"`    // json, protobuf
}

// DefaultConfig 返回默认传输层配置
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     90 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         10 * time.Second,
		AutoReconnect:        true,
		ReconnectBaseTime:    1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		ReconnectMinInterval: 1 * time.Second,
		StartupMaxAttempts:   5,
		StartupWindow:        60 * time.Second,
		EnableQueue:          true,
		MaxQueueSize:         100,
		RequestTimeout:       10 * time.Second,
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout:     30 * time.Second,
		},
		Compression: "none",
		Protocol:    "json",
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	State                 ConnectionState
	BreakerState          BreakerState
	MessagesSent          int64
	MessagesReceived      int64
	MessagesFailed        int64
	DroppedMessages       int64 // 队列满时丢弃的消息数
	BytesSent             int64
	BytesReceived         int64
	ReconnectAttempts     int
	SuccessfulConnections int64
	FailedConnections     int64
	QueueLength           int
	PendingRequests       int
	LastConnectAt         time.Time
}

// ConnectionInfo 连接信息
type ConnectionInfo struct {
	ID           string
	URL          string
	Headers      map[string]string
	StartupPhase bool
	Stats        ConnectionStats
}

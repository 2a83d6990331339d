package conn

import (
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/BetaCatPro/ws-guard/internal/errors"
	"github.com/BetaCatPro/ws-guard/internal/utils"
	"github.com/BetaCatPro/ws-guard/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Connection 单条物理 WebSocket 连接
type Connection struct {
	conn   *websocket.Conn // 底层WebSocket连接
	config *types.Config
	logger *zap.Logger
	id     string

	sendMutex sync.Mutex // 发送锁
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{} // 结束信号

	messageHandler func(msgType int, data []byte) // 业务消息回调
	closeHandler   func(code int, reason string)  // 连接关闭回调，只调用一次
}

// NewConnection 包装已建立的 WebSocket 连接
func NewConnection(wsConn *websocket.Conn, config *types.Config, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := utils.GenerateConnectionID()
	return &Connection{
		conn:   wsConn,
		config: config,
		logger: logger.With(zap.String("conn_id", id)),
		id:     id,
		done:   make(chan struct{}),
	}
}

// SetMessageHandler 设置消息处理回调，需在 Start 前调用
func (c *Connection) SetMessageHandler(handler func(msgType int, data []byte)) {
	c.messageHandler = handler
}

// SetCloseHandler 设置关闭回调，需在 Start 前调用
func (c *Connection) SetCloseHandler(handler func(code int, reason string)) {
	c.closeHandler = handler
}

// Start 启动读取与心跳协程
func (c *Connection) Start() {
	if timeout := c.config.HeartbeatTimeout; timeout > 0 {
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(timeout))
		})
	}
	go c.readMessages()
	if c.config.HeartbeatInterval > 0 {
		go c.heartbeat()
	}
}

// readMessages 读取消息直到连接断开
func (c *Connection) readMessages() {
	for {
		if timeout := c.config.HeartbeatTimeout; timeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		}

		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			if !c.closed.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("read message error", zap.Int("code", code), zap.Error(err))
			}
			c.shutdown(code, reason, false)
			return
		}

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if c.messageHandler != nil {
			c.messageHandler(msgType, message)
		}
	}
}

// heartbeat 定时发送 ping 控制帧，pong 超时由读超时处理
func (c *Connection) heartbeat() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.logger.Debug("heartbeat send failed", zap.Error(err))
			}
		case <-c.done:
			return
		}
	}
}

// WriteMessage 写入一帧数据
func (c *Connection) WriteMessage(msgType int, data []byte) error {
	if c.closed.Load() {
		return errors.ErrConnectionClosed
	}

	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := c.conn.WriteMessage(msgType, data); err != nil {
		return fmt.Errorf("write message failed: %w", err)
	}
	return nil
}

// Close 主动关闭连接，发送关闭帧
func (c *Connection) Close(code int, reason string) {
	c.shutdown(code, reason, true)
}

func (c *Connection) shutdown(code int, reason string, sendFrame bool) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		if sendFrame {
			c.sendMutex.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
			c.sendMutex.Unlock()
		}
		_ = c.conn.Close()
		if c.closeHandler != nil {
			c.closeHandler(code, reason)
		}
	})
}

// IsClosed 连接是否已关闭
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// GetID 获取连接ID
func (c *Connection) GetID() string {
	return c.id
}

// closeInfo 从读错误中提取关闭码
func closeInfo(err error) (int, string) {
	var closeErr *websocket.CloseError
	if stderrors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return websocket.CloseAbnormalClosure, "heartbeat timeout"
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

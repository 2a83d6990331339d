package conn

import (
	"sync"

	"go.uber.org/zap"
)

// ConnectionManager 连接注册表，服务端按连接ID管理会话
type ConnectionManager struct {
	connections map[string]*Connection
	mutex       sync.RWMutex
	logger      *zap.Logger
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(logger *zap.Logger) *ConnectionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionManager{
		connections: make(map[string]*Connection),
		logger:      logger,
	}
}

// AddConnection 添加连接
func (cm *ConnectionManager) AddConnection(conn *Connection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.connections[conn.GetID()] = conn
}

// RemoveConnection 移除连接，不关闭
func (cm *ConnectionManager) RemoveConnection(id string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	delete(cm.connections, id)
}

// GetConnection 获取连接
func (cm *ConnectionManager) GetConnection(id string) (*Connection, bool) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	conn, exists := cm.connections[id]
	return conn, exists
}

// Count 当前连接数
func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.connections)
}

// snapshot 复制连接列表，避免持锁调用连接方法
func (cm *ConnectionManager) snapshot() []*Connection {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	list := make([]*Connection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		list = append(list, conn)
	}
	return list
}

// Broadcast 广播一帧到所有连接，返回成功数
func (cm *ConnectionManager) Broadcast(msgType int, data []byte) int {
	sent := 0
	for _, conn := range cm.snapshot() {
		if conn.IsClosed() {
			continue
		}
		if err := conn.WriteMessage(msgType, data); err != nil {
			cm.logger.Debug("broadcast failed", zap.String("conn_id", conn.GetID()), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// CloseAll 以指定关闭码关闭所有连接
func (cm *ConnectionManager) CloseAll(code int, reason string) {
	for _, conn := range cm.snapshot() {
		conn.Close(code, reason)
		cm.RemoveConnection(conn.GetID())
	}
}

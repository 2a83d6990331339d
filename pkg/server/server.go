package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/BetaCatPro/ws-guard/internal/compression"
	"github.com/BetaCatPro/ws-guard/internal/conn"
	"github.com/BetaCatPro/ws-guard/internal/errors"
	"github.com/BetaCatPro/ws-guard/internal/protocol"
	"github.com/BetaCatPro/ws-guard/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// RequestHandler 处理 request / trigger 消息，返回 nil 表示不回复
type RequestHandler func(ctx context.Context, connID string, req types.Envelope) (*types.Envelope, error)

// EchoHandler 默认处理器，把请求数据原样放进响应
func EchoHandler(_ context.Context, _ string, req types.Envelope) (*types.Envelope, error) {
	resp := types.NewEnvelope(types.TypeResponse, map[string]any{
		"success": true,
		"echo":    req.Data,
	})
	return &resp, nil
}

// Option 服务器选项
type Option func(*Server)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRequestHandler 设置请求处理器
func WithRequestHandler(h RequestHandler) Option {
	return func(s *Server) { s.requestHandler = h }
}

// WithConnectionConfig 设置服务端连接的心跳、写超时以及编码与压缩方式
func WithConnectionConfig(cfg *types.Config) Option {
	return func(s *Server) { s.config = cfg }
}

// Stats 服务器统计信息
type Stats struct {
	Connections      int       `json:"connections"`
	TotalConnections int64     `json:"total_connections"`
	MessagesReceived int64     `json:"messages_received"`
	MessagesSent     int64     `json:"messages_sent"`
	InvalidMessages  int64     `json:"invalid_messages"`
	StartedAt        time.Time `json:"started_at"`
}

// Server WebSocket服务器
type Server struct {
	addr           string
	config         *types.Config
	logger         *zap.Logger
	protocol       protocol.MessageProtocol
	compressor     compression.Compressor
	connManager    *conn.ConnectionManager
	upgrader       websocket.Upgrader
	server         *http.Server
	router         chi.Router
	requestHandler RequestHandler
	startedAt      time.Time
	mutex          sync.RWMutex

	totalConnections atomic.Int64
	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	invalidMessages  atomic.Int64

	// 回调函数
	connectHandler    func(string)
	disconnectHandler func(string, int, string)
	messageHandler    func(string, types.Envelope)
}

// NewServer 创建新的WebSocket服务器
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		config:         types.DefaultConfig(),
		requestHandler: EchoHandler,
		startedAt:      time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("mod", "server"))
	s.protocol = protocol.GetProtocol(s.config.Protocol)
	s.compressor = compression.GetCompressor(s.config.Compression)
	s.connManager = conn.NewConnectionManager(s.logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/api/status", s.handleStatus)
	s.router = r
	return s
}

// Handler 返回路由，便于挂到其他 http.Server 或 httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动WebSocket服务器
func (s *Server) Start() error {
	s.mutex.Lock()
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mutex.Unlock()

	s.logger.Info("starting websocket server", zap.String("addr", s.addr))
	return srv.ListenAndServe()
}

// handleWebSocket 处理WebSocket连接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	connection := conn.NewConnection(wsConn, s.config, s.logger)
	connectionID := connection.GetID()

	// 设置连接的消息处理回调
	connection.SetMessageHandler(func(msgType int, data []byte) {
		s.handleClientMessage(connection, msgType, data)
	})
	// 设置连接关闭时的清理操作
	connection.SetCloseHandler(func(code int, reason string) {
		s.connManager.RemoveConnection(connectionID)
		s.logger.Info("client disconnected", zap.String("conn_id", connectionID), zap.Int("code", code))
		if h := s.getDisconnectHandler(); h != nil {
			h(connectionID, code, reason)
		}
	})

	s.connManager.AddConnection(connection)
	s.totalConnections.Inc()
	connection.Start()
	s.logger.Info("client connected", zap.String("conn_id", connectionID), zap.String("remote", r.RemoteAddr))

	// 触发连接成功回调
	if h := s.getConnectHandler(); h != nil {
		h(connectionID)
	}
}

// handleClientMessage 处理客户端消息
func (s *Server) handleClientMessage(connection *conn.Connection, msgType int, data []byte) {
	s.messagesReceived.Inc()
	if msgType == websocket.BinaryMessage && s.compressor.Name() != "none" {
		decompressed, err := s.compressor.Decompress(data)
		if err != nil {
			s.invalidMessages.Inc()
			s.logger.Debug("undecodable client frame", zap.String("conn_id", connection.GetID()), zap.Error(err))
			return
		}
		data = decompressed
	}
	env, err := s.protocol.Decode(data)
	if err != nil {
		s.invalidMessages.Inc()
		s.logger.Debug("invalid client message", zap.String("conn_id", connection.GetID()), zap.Error(err))
		return
	}

	switch env.Type {
	case types.TypePing:
		pong := types.NewEnvelope(types.TypePong, map[string]any{"server_time": time.Now().UnixMilli()})
		pong.CorrelationID = env.Correlation()
		s.send(connection, pong)
	case types.TypeRequest, types.TypeTrigger:
		go s.handleRequest(connection, env)
	}

	s.mutex.RLock()
	h := s.messageHandler
	s.mutex.RUnlock()
	if h != nil {
		h(connection.GetID(), env)
	}
}

// handleRequest 调用请求处理器并回写带相同关联ID的响应
func (s *Server) handleRequest(connection *conn.Connection, req types.Envelope) {
	s.mutex.RLock()
	handler := s.requestHandler
	s.mutex.RUnlock()

	if action, _ := req.Data["action"].(string); action == "server_status" {
		handler = func(context.Context, string, types.Envelope) (*types.Envelope, error) {
			resp := types.NewEnvelope(types.TypeResponse, s.statusPayload())
			return &resp, nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.RequestTimeout)
	defer cancel()

	resp, err := handler(ctx, connection.GetID(), req)
	if err != nil {
		failed := types.NewEnvelope(types.TypeError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		resp = &failed
	}
	if resp == nil {
		return
	}
	if resp.CorrelationID == "" {
		resp.CorrelationID = req.Correlation()
	}
	s.send(connection, *resp)
}

func (s *Server) send(connection *conn.Connection, env types.Envelope) {
	if err := s.writeTo(connection, env); err != nil {
		s.logger.Debug("send to client failed", zap.String("conn_id", connection.GetID()), zap.Error(err))
	}
}

// encode 编码并按配置压缩，压缩后的数据以二进制帧发送
func (s *Server) encode(env types.Envelope) (int, []byte, error) {
	data, err := s.protocol.Encode(env)
	if err != nil {
		return 0, nil, err
	}
	if s.compressor.Name() == "none" {
		return s.protocol.FrameType(), data, nil
	}
	if data, err = s.compressor.Compress(data); err != nil {
		return 0, nil, fmt.Errorf("%w: compress: %v", errors.ErrInvalidMessage, err)
	}
	return websocket.BinaryMessage, data, nil
}

func (s *Server) writeTo(connection *conn.Connection, env types.Envelope) error {
	frameType, data, err := s.encode(env)
	if err != nil {
		return err
	}
	if err := connection.WriteMessage(frameType, data); err != nil {
		return err
	}
	s.messagesSent.Inc()
	return nil
}

// statusPayload 状态字段，与客户端的旁路健康查询对应
func (s *Server) statusPayload() map[string]any {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	stats := s.GetStats()
	// 只放基础类型，protobuf 编码不接受结构体
	return map[string]any{
		"status":             "ok",
		"time":               time.Now().UTC().Format(time.RFC3339),
		"active_connections": stats.Connections,
		"memory_usage":       float64(mem.HeapAlloc) / (1 << 20), // MB
		"load":               float64(runtime.NumGoroutine()),
		"stats": map[string]any{
			"connections":       stats.Connections,
			"total_connections": stats.TotalConnections,
			"messages_received": stats.MessagesReceived,
			"messages_sent":     stats.MessagesSent,
			"invalid_messages":  stats.InvalidMessages,
			"started_at":        stats.StartedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

// handleStatus 状态接口
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.statusPayload())
}

// BroadcastMessage 广播消息到所有客户端，返回成功数
func (s *Server) BroadcastMessage(env types.Envelope) (int, error) {
	frameType, data, err := s.encode(env)
	if err != nil {
		return 0, err
	}
	sent := s.connManager.Broadcast(frameType, data)
	s.messagesSent.Add(int64(sent))
	return sent, nil
}

// SendToClient 发送消息到指定客户端
func (s *Server) SendToClient(connectionID string, env types.Envelope) error {
	connection, exists := s.connManager.GetConnection(connectionID)
	if !exists {
		return fmt.Errorf("client %s: %w", connectionID, errors.ErrConnectionClosed)
	}
	return s.writeTo(connection, env)
}

// CloseClient 以指定关闭码断开某个客户端
func (s *Server) CloseClient(connectionID string, code int, reason string) bool {
	connection, exists := s.connManager.GetConnection(connectionID)
	if !exists {
		return false
	}
	connection.Close(code, reason)
	return true
}

// CloseAll 以指定关闭码断开全部客户端
func (s *Server) CloseAll(code int, reason string) {
	s.connManager.CloseAll(code, reason)
}

// SetConnectHandler 设置连接成功回调
func (s *Server) SetConnectHandler(handler func(string)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.connectHandler = handler
}

// SetDisconnectHandler 设置断开连接回调
func (s *Server) SetDisconnectHandler(handler func(connID string, code int, reason string)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.disconnectHandler = handler
}

// SetMessageHandler 设置消息处理回调
func (s *Server) SetMessageHandler(handler func(string, types.Envelope)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.messageHandler = handler
}

// SetRequestHandler 替换请求处理器
func (s *Server) SetRequestHandler(handler RequestHandler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.requestHandler = handler
}

func (s *Server) getConnectHandler() func(string) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.connectHandler
}

func (s *Server) getDisconnectHandler() func(string, int, string) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.disconnectHandler
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() Stats {
	return Stats{
		Connections:      s.connManager.Count(),
		TotalConnections: s.totalConnections.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		InvalidMessages:  s.invalidMessages.Load(),
		StartedAt:        s.startedAt,
	}
}

// GetClientCount 获取客户端数量
func (s *Server) GetClientCount() int {
	return s.connManager.Count()
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.connManager.CloseAll(websocket.CloseGoingAway, "server shutdown")
	s.mutex.RLock()
	srv := s.server
	s.mutex.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

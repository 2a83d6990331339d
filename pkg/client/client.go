package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BetaCatPro/ws-guard/internal/compression"
	"github.com/BetaCatPro/ws-guard/internal/conn"
	"github.com/BetaCatPro/ws-guard/internal/errors"
	"github.com/BetaCatPro/ws-guard/internal/protocol"
	"github.com/BetaCatPro/ws-guard/internal/utils"
	"github.com/BetaCatPro/ws-guard/pkg/events"
	"github.com/BetaCatPro/ws-guard/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Dialer 建立物理连接，*websocket.Dialer 满足该接口
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Option 客户端选项
type Option func(*Client)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithDialer 替换拨号器
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithHeaders 设置握手请求头
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// connectCall 一次进行中的连接尝试，并发调用方共享结果
type connectCall struct {
	done chan struct{}
	err  error
}

func (call *connectCall) wait(ctx context.Context) error {
	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (call *connectCall) finish(err error) {
	call.err = err
	close(call.done)
}

// Client 具备重连、熔断、发送队列与请求关联的 WebSocket 客户端
type Client struct {
	url          string
	config       *types.Config
	logger       *zap.Logger
	dialer       Dialer
	headers      map[string]string
	emitter      *events.Emitter
	dispatcher   *events.Dispatcher
	protocol     protocol.MessageProtocol
	compressor   compression.Compressor
	breaker      *conn.Breaker
	queue        *conn.Queue
	pending      *conn.PendingRequests
	reconnectMgr *conn.ReconnectManager
	startupTimer *time.Timer

	mutex             sync.Mutex
	state             types.ConnectionState
	conn              *conn.Connection
	inflight          *connectCall
	generation        uint64 // 每次主动断开递增，用于丢弃过期的连接结果
	autoReconnect     bool
	sessionStarted    bool
	reconnectAttempts int
	lastConnectAt     time.Time
	closed            bool

	sendMutex sync.Mutex // 保证队列冲刷与并发发送的顺序

	messagesSent          atomic.Int64
	messagesReceived      atomic.Int64
	messagesFailed        atomic.Int64
	bytesSent             atomic.Int64
	bytesReceived         atomic.Int64
	successfulConnections atomic.Int64
	failedConnections     atomic.Int64
}

// NewClient 创建新的WebSocket客户端
func NewClient(serverURL string, config *types.Config, opts ...Option) (*Client, error) {
	if config == nil {
		config = types.DefaultConfig()
	}
	if !utils.IsValidURL(serverURL) {
		return nil, fmt.Errorf("%w: %q", errors.ErrInvalidURL, serverURL)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		url:        serverURL,
		config:     config,
		headers:    make(map[string]string),
		protocol:   protocol.GetProtocol(config.Protocol),
		compressor: compression.GetCompressor(config.Compression),
		queue:      conn.NewQueue(config.MaxQueueSize),
		pending:    conn.NewPendingRequests(),
		state:      types.StateDisconnected,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("mod", "transport"))
	c.emitter = events.NewEmitter(c.logger)
	c.dispatcher = events.NewDispatcher(c.emitter)
	c.autoReconnect = config.AutoReconnect
	c.breaker = conn.NewBreaker("ws-guard-connect", config.Breaker, c.onCircuitOpen)
	c.reconnectMgr = conn.NewReconnectManager(config, c.logger)
	if config.StartupWindow > 0 {
		c.startupTimer = time.AfterFunc(config.StartupWindow, c.EndStartupPhase)
	}
	return c, nil
}

// Connect 连接到服务器；已连接直接返回，进行中的连接尝试由并发调用方共享
func (c *Client) Connect(ctx context.Context) error {
	return c.connect(ctx, true)
}

// connect manual 为 false 时来自重连循环，不改变自动重连开关
func (c *Client) connect(ctx context.Context, manual bool) error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return errors.ErrClientClosed
	}
	if !manual && !c.autoReconnect {
		c.mutex.Unlock()
		return errors.ErrConnectionClosed
	}
	if c.state == types.StateConnected {
		c.mutex.Unlock()
		return nil
	}
	if call := c.inflight; call != nil {
		c.mutex.Unlock()
		return call.wait(ctx)
	}

	done, err := c.breaker.Allow()
	if err != nil {
		c.mutex.Unlock()
		c.logger.Warn("connect rejected by circuit breaker")
		return err
	}

	call := &connectCall{done: make(chan struct{})}
	c.inflight = call
	c.state = types.StateConnecting
	if manual {
		c.autoReconnect = c.config.AutoReconnect
	}
	c.sessionStarted = true
	gen := c.generation
	c.mutex.Unlock()

	go c.dial(call, gen, manual, done)
	return call.wait(ctx)
}

// dial 执行物理连接，结果写入 call；重连循环发起的失败由循环自身重试
func (c *Client) dial(call *connectCall, gen uint64, manual bool, breakerDone func(success bool)) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	c.mutex.Lock()
	for key, value := range c.headers {
		header.Set(key, value)
	}
	c.mutex.Unlock()

	wsConn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		c.failedConnections.Inc()
		breakerDone(false)

		c.mutex.Lock()
		if c.inflight == call {
			c.inflight = nil
			c.state = types.StateDisconnected
		}
		retry := manual && c.autoReconnect && !c.closed && c.generation == gen
		c.mutex.Unlock()

		c.logger.Warn("connect failed", zap.String("url", c.url), zap.Error(err))
		c.emit(types.EventError, types.ErrorEvent{Op: types.OpConnect, Err: err})
		if retry {
			c.scheduleReconnect()
		}
		call.finish(fmt.Errorf("connect %s: %w", c.url, err))
		return
	}
	breakerDone(true)

	c.sendMutex.Lock()
	c.mutex.Lock()
	if c.generation != gen || c.closed {
		// 连接期间已主动断开，丢弃本次结果
		if c.inflight == call {
			c.inflight = nil
		}
		c.mutex.Unlock()
		c.sendMutex.Unlock()
		_ = wsConn.Close()
		call.finish(errors.ErrConnectionClosed)
		return
	}

	connection := conn.NewConnection(wsConn, c.config, c.logger)
	connection.SetMessageHandler(c.handleFrame)
	connection.SetCloseHandler(func(code int, reason string) {
		c.handleClosed(connection, code, reason)
	})
	c.conn = connection
	c.state = types.StateConnected
	c.inflight = nil
	c.reconnectAttempts = 0
	c.lastConnectAt = time.Now()
	c.mutex.Unlock()

	connection.Start()
	sent := c.flushQueue(connection)
	c.sendMutex.Unlock()

	c.successfulConnections.Inc()
	c.logger.Info("connected", zap.String("url", c.url), zap.String("conn_id", connection.GetID()), zap.Int("flushed", len(sent)))
	c.emit(types.EventConnect, nil)
	for _, out := range sent {
		c.emitWriteResult(out)
	}
	call.finish(nil)
}

// writeOutcome 一次写入的结果，事件在释放锁之后发出
type writeOutcome struct {
	env   types.Envelope
	bytes int
	err   error
}

// flushQueue 按入队顺序冲刷发送队列，调用方持有 sendMutex
func (c *Client) flushQueue(connection *conn.Connection) []writeOutcome {
	entries := c.queue.Drain()
	outcomes := make([]writeOutcome, 0, len(entries))
	for i, entry := range entries {
		out := c.writeEnvelope(connection, entry.Envelope)
		outcomes = append(outcomes, out)
		if out.err != nil && connection.IsClosed() {
			c.queue.Requeue(entries[i+1:])
			c.logger.Warn("queue flush interrupted", zap.Int("remaining", len(entries)-i-1), zap.Error(out.err))
			break
		}
	}
	return outcomes
}

// writeEnvelope 编码、压缩并写入，调用方持有 sendMutex
func (c *Client) writeEnvelope(connection *conn.Connection, env types.Envelope) writeOutcome {
	data, err := c.protocol.Encode(env)
	if err != nil {
		return writeOutcome{env: env, err: err}
	}
	frameType := c.protocol.FrameType()
	if c.compressor.Name() != "none" {
		if data, err = c.compressor.Compress(data); err != nil {
			return writeOutcome{env: env, err: fmt.Errorf("%w: compress: %v", errors.ErrInvalidMessage, err)}
		}
		frameType = websocket.BinaryMessage
	}
	if err := connection.WriteMessage(frameType, data); err != nil {
		return writeOutcome{env: env, bytes: len(data), err: err}
	}
	return writeOutcome{env: env, bytes: len(data)}
}

func (c *Client) emitWriteResult(out writeOutcome) {
	if out.err != nil {
		c.messagesFailed.Inc()
		c.logger.Warn("send failed", zap.String("type", out.env.Type), zap.Error(out.err))
		c.emit(types.EventError, types.ErrorEvent{Op: types.OpSend, Err: out.err})
		return
	}
	c.messagesSent.Inc()
	c.bytesSent.Add(int64(out.bytes))
	c.emit(types.EventMessageSent, types.MessageEvent{Envelope: out.env, Bytes: out.bytes})
}

// SendMessage 发送消息；未连接时进入发送队列（队列关闭时返回 ErrNotConnected）
func (c *Client) SendMessage(env types.Envelope) error {
	if env.Timestamp == "" {
		env.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	c.sendMutex.Lock()
	c.mutex.Lock()
	connection, state, closed := c.conn, c.state, c.closed
	c.mutex.Unlock()

	if closed {
		c.sendMutex.Unlock()
		return errors.ErrClientClosed
	}
	if state != types.StateConnected || connection == nil || connection.IsClosed() {
		c.sendMutex.Unlock()
		return c.enqueue(env)
	}

	out := c.writeEnvelope(connection, env)
	c.sendMutex.Unlock()
	c.emitWriteResult(out)

	switch {
	case out.err == nil:
		return nil
	case stderrors.Is(out.err, errors.ErrInvalidMessage):
		return out.err
	case connection.IsClosed():
		return fmt.Errorf("%w: %v", errors.ErrConnectionClosed, out.err)
	default:
		return nil
	}
}

func (c *Client) enqueue(env types.Envelope) error {
	if !c.config.EnableQueue {
		return errors.ErrNotConnected
	}
	if evicted, dropped := c.queue.Push(env); dropped {
		c.logger.Warn("outbound queue full, dropped oldest message",
			zap.String("dropped_type", evicted.Envelope.Type),
			zap.Time("dropped_enqueued_at", evicted.EnqueuedAt),
			zap.Int("capacity", c.queue.Capacity()))
	}
	return nil
}

// RequestWithTimeout 发送关联请求并等待匹配的响应
func (c *Client) RequestWithTimeout(ctx context.Context, env types.Envelope, timeout time.Duration) (types.Envelope, error) {
	if timeout <= 0 {
		timeout = c.config.RequestTimeout
	}
	if env.Type == "" {
		env.Type = types.TypeRequest
	}
	if env.CorrelationID == "" {
		env.CorrelationID = utils.GenerateCorrelationID()
	}
	id := env.CorrelationID

	result, err := c.pending.Add(id, env, timeout)
	if err != nil {
		return types.Envelope{}, err
	}
	if err := c.SendMessage(env); err != nil {
		c.pending.Reject(id, err)
		c.emit(types.EventError, types.ErrorEvent{Op: types.OpRequest, Err: err})
		return types.Envelope{}, err
	}

	select {
	case res := <-result:
		if res.Err != nil {
			c.emit(types.EventError, types.ErrorEvent{Op: types.OpRequest, Err: res.Err})
		}
		return res.Envelope, res.Err
	case <-ctx.Done():
		c.pending.Reject(id, ctx.Err())
		return types.Envelope{}, ctx.Err()
	}
}

// emit 经分发协程通知监听器，调用方（包括读协程）不会被监听器阻塞
func (c *Client) emit(event string, payload any) {
	c.dispatcher.Post(event, payload)
}

// handleFrame 处理收到的数据帧
func (c *Client) handleFrame(msgType int, data []byte) {
	c.messagesReceived.Inc()
	c.bytesReceived.Add(int64(len(data)))

	payload := data
	if msgType == websocket.BinaryMessage && c.compressor.Name() != "none" {
		decompressed, err := c.compressor.Decompress(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", zap.Error(err))
			c.emit(types.EventError, types.ErrorEvent{Op: types.OpDecode, Err: err})
			return
		}
		payload = decompressed
	}

	env, err := c.protocol.Decode(payload)
	if err != nil {
		c.logger.Warn("dropping malformed envelope", zap.Int("bytes", len(data)), zap.Error(err))
		c.emit(types.EventError, types.ErrorEvent{Op: types.OpDecode, Err: err})
		return
	}

	if id := env.Correlation(); id != "" {
		var matched bool
		if msg, failed := failureMessage(env); failed {
			matched = c.pending.Reject(id, &errors.RequestError{CorrelationID: id, Message: msg})
		} else {
			matched = c.pending.Resolve(id, env)
		}
		if !matched {
			c.logger.Debug("unmatched correlation id", zap.String("correlation_id", id), zap.String("type", env.Type))
		}
	}

	event := types.MessageEvent{Envelope: env, Bytes: len(data)}
	c.emit(types.EventMessage, event)
	if !reservedEvents[env.Type] {
		c.emit(env.Type, event)
	}
}

// 与传输层事件同名的消息类型不单独转发
var reservedEvents = map[string]bool{
	types.EventConnect:                 true,
	types.EventDisconnect:              true,
	types.EventError:                   true,
	types.EventReconnecting:            true,
	types.EventCircuitOpen:             true,
	types.EventStartupConnectionFailed: true,
	types.EventMessage:                 true,
	types.EventMessageSent:             true,
}

// failureMessage 判断响应是否为失败响应
func failureMessage(env types.Envelope) (string, bool) {
	success, hasSuccess := env.Data["success"].(bool)
	if env.Type != types.TypeError && !(hasSuccess && !success) {
		return "", false
	}
	for _, key := range []string{"error", "message"} {
		if msg, ok := env.Data[key].(string); ok && msg != "" {
			return msg, true
		}
	}
	return "request failed", true
}

// handleClosed 物理连接关闭回调
func (c *Client) handleClosed(connection *conn.Connection, code int, reason string) {
	c.mutex.Lock()
	if c.conn != connection {
		c.mutex.Unlock()
		return
	}
	c.conn = nil
	c.state = types.StateDisconnected
	auto := c.autoReconnect && !c.closed
	c.mutex.Unlock()

	c.dropPending()
	c.logger.Warn("connection closed", zap.Int("code", code), zap.String("reason", reason), zap.Bool("reconnect", auto))
	c.emit(types.EventDisconnect, types.DisconnectEvent{Code: code, Reason: reason})

	if code == websocket.CloseNormalClosure || !auto {
		return
	}
	c.scheduleReconnect()
}

// dropPending 意外断开时按配置重新入队或拒绝等待中的请求
func (c *Client) dropPending() {
	if c.config.RequeueOnDisconnect && c.config.EnableQueue {
		for _, req := range c.pending.Requests() {
			_ = c.enqueue(req)
		}
		return
	}
	if n := c.pending.RejectAll(errors.ErrConnectionClosed); n > 0 {
		c.logger.Info("rejected pending requests", zap.Int("count", n))
	}
}

func (c *Client) scheduleReconnect() {
	c.reconnectMgr.ScheduleReconnect(conn.ReconnectHooks{
		Connect: func(ctx context.Context) error {
			return c.connect(ctx, false)
		},
		OnAttempt: func(attempt, maxAttempts int) {
			c.mutex.Lock()
			c.reconnectAttempts = attempt
			c.mutex.Unlock()
			c.emit(types.EventReconnecting, types.ReconnectingEvent{Attempt: attempt, MaxAttempts: maxAttempts})
		},
		OnStartupFailed: func(attempts int) {
			c.emit(types.EventStartupConnectionFailed, types.StartupFailedEvent{
				Attempts: attempts,
				Err:      fmt.Errorf("%w after %d attempts", errors.ErrStartupFailed, attempts),
			})
		},
	})
}

func (c *Client) onCircuitOpen(failures int) {
	c.logger.Warn("circuit breaker opened", zap.Int("failures", failures))
	c.emit(types.EventCircuitOpen, types.CircuitOpenEvent{Failures: failures})
}

// Disconnect 主动断开：关闭自动重连、关闭连接、拒绝所有等待中的请求
func (c *Client) Disconnect() error {
	c.mutex.Lock()
	c.autoReconnect = false
	c.generation++
	connection := c.conn
	c.conn = nil
	c.inflight = nil
	if connection != nil {
		c.state = types.StateClosing
	}
	c.mutex.Unlock()

	c.reconnectMgr.Stop()
	if connection != nil {
		connection.Close(websocket.CloseNormalClosure, "client disconnect")
	}
	c.pending.RejectAll(errors.ErrConnectionClosed)

	c.mutex.Lock()
	c.state = types.StateDisconnected
	c.mutex.Unlock()

	if connection != nil {
		c.emit(types.EventDisconnect, types.DisconnectEvent{
			Code:   websocket.CloseNormalClosure,
			Reason: "client disconnect",
		})
	}
	return nil
}

// Reconnect 重新启用自动重连并连接
func (c *Client) Reconnect(ctx context.Context) error {
	c.mutex.Lock()
	c.autoReconnect = c.config.AutoReconnect
	c.mutex.Unlock()
	return c.Connect(ctx)
}

// Close 关闭客户端，取消所有定时器
func (c *Client) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	c.mutex.Unlock()

	if c.startupTimer != nil {
		c.startupTimer.Stop()
	}
	return c.Disconnect()
}

// EndStartupPhase 结束启动阶段；此后重连不限次数
func (c *Client) EndStartupPhase() {
	if !c.reconnectMgr.EndStartupPhase() {
		return
	}
	if c.startupTimer != nil {
		c.startupTimer.Stop()
	}
	c.mutex.Lock()
	resume := c.sessionStarted && c.state == types.StateDisconnected && c.autoReconnect && !c.closed
	c.mutex.Unlock()

	c.logger.Info("startup phase ended", zap.Bool("resume_reconnect", resume))
	if resume {
		c.scheduleReconnect()
	}
}

// InStartupPhase 是否处于启动阶段
func (c *Client) InStartupPhase() bool {
	return c.reconnectMgr.InStartupPhase()
}

// On 注册事件监听；监听器在客户端的分发协程中按事件发生顺序调用，可以在其中发起请求
func (c *Client) On(event string, fn events.Listener) events.ListenerID {
	return c.emitter.On(event, fn)
}

// Off 移除事件监听
func (c *Client) Off(event string, id events.ListenerID) bool {
	return c.emitter.Off(event, id)
}

// OnWithOwner 注册带 owner 标签的事件监听，调用方式同 On
func (c *Client) OnWithOwner(owner, event string, fn events.Listener) events.ListenerID {
	return c.emitter.OnWithOwner(owner, event, fn)
}

// OffAllByOwner 移除 owner 注册的全部监听
func (c *Client) OffAllByOwner(owner string) int {
	return c.emitter.OffAllByOwner(owner)
}

// SetHeader 设置请求头
func (c *Client) SetHeader(key, value string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.headers[key] = value
}

// State 当前连接状态
func (c *Client) State() types.ConnectionState {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.State() == types.StateConnected
}

// BreakerState 查询熔断器状态
func (c *Client) BreakerState() types.BreakerState {
	return c.breaker.State()
}

// QueueLength 发送队列长度
func (c *Client) QueueLength() int {
	return c.queue.Len()
}

// PendingCount 等待响应的请求数
func (c *Client) PendingCount() int {
	return c.pending.Len()
}

// GetStats 获取统计信息
func (c *Client) GetStats() types.ConnectionStats {
	c.mutex.Lock()
	state, attempts, last := c.state, c.reconnectAttempts, c.lastConnectAt
	c.mutex.Unlock()

	return types.ConnectionStats{
		State:                 state,
		BreakerState:          c.breaker.State(),
		MessagesSent:          c.messagesSent.Load(),
		MessagesReceived:      c.messagesReceived.Load(),
		MessagesFailed:        c.messagesFailed.Load(),
		DroppedMessages:       c.queue.Dropped(),
		BytesSent:             c.bytesSent.Load(),
		BytesReceived:         c.bytesReceived.Load(),
		ReconnectAttempts:     attempts,
		SuccessfulConnections: c.successfulConnections.Load(),
		FailedConnections:     c.failedConnections.Load(),
		QueueLength:           c.queue.Len(),
		PendingRequests:       c.pending.Len(),
		LastConnectAt:         last,
	}
}

// GetConnectionInfo 获取连接信息
func (c *Client) GetConnectionInfo() types.ConnectionInfo {
	c.mutex.Lock()
	id := ""
	if c.conn != nil {
		id = c.conn.GetID()
	}
	headers := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		headers[k] = v
	}
	c.mutex.Unlock()

	return types.ConnectionInfo{
		ID:           id,
		URL:          c.url,
		Headers:      headers,
		StartupPhase: c.InStartupPhase(),
		Stats:        c.GetStats(),
	}
}

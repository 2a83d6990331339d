package errors

import (
	stderrors "errors"
	"fmt"
)

// 定义错误类型
var (
	ErrConnectionClosed = fmt.Errorf("connection closed")
	ErrNotConnected     = fmt.Errorf("not connected")
	ErrCircuitOpen      = fmt.Errorf("circuit breaker open")
	ErrRequestTimeout   = fmt.Errorf("request timeout")
	ErrStartupFailed    = fmt.Errorf("startup connection failed")
	ErrInvalidMessage   = fmt.Errorf("invalid message")
	ErrInvalidURL       = fmt.Errorf("invalid websocket url")
	ErrClientClosed     = fmt.Errorf("client closed")
)

// 对外暴露的条件码
const (
	CodeCircuitOpen      = "circuit_open"
	CodeNotConnected     = "not_connected"
	CodeConnectionClosed = "connection_closed"
	CodeRequestTimeout   = "request_timeout"
	CodeRequestFailed    = "request_failed"
	CodeInvalidMessage   = "invalid_message"
	CodeUnknown          = "unknown"
)

// RequestError 对端返回的失败响应
type RequestError struct {
	CorrelationID string
	Message       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s failed: %s", e.CorrelationID, e.Message)
}

// Code 把错误映射为条件码
func Code(err error) string {
	var reqErr *RequestError
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case stderrors.Is(err, ErrNotConnected):
		return CodeNotConnected
	case stderrors.Is(err, ErrConnectionClosed), stderrors.Is(err, ErrClientClosed):
		return CodeConnectionClosed
	case stderrors.Is(err, ErrRequestTimeout):
		return CodeRequestTimeout
	case stderrors.As(err, &reqErr):
		return CodeRequestFailed
	case stderrors.Is(err, ErrInvalidMessage):
		return CodeInvalidMessage
	default:
		return CodeUnknown
	}
}

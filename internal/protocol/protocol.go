package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/BetaCatPro/ws-guard/internal/errors"
	"github.com/BetaCatPro/ws-guard/pkg/types"
	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// MessageProtocol 信封编解码接口
type MessageProtocol interface {
	Name() string
	FrameType() int                        // 对应的 WebSocket 帧类型
	Encode(types.Envelope) ([]byte, error) // 编码消息
	Decode([]byte) (types.Envelope, error) // 解码消息
}

// JSONProtocol JSON协议实现
type JSONProtocol struct{}

func (j *JSONProtocol) Name() string   { return "json" }
func (j *JSONProtocol) FrameType() int { return websocket.TextMessage }

// Encode 编码为JSON
func (j *JSONProtocol) Encode(env types.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode 从JSON解码
func (j *JSONProtocol) Decode(data []byte) (types.Envelope, error) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return types.Envelope{}, fmt.Errorf("%w: %v", errors.ErrInvalidMessage, err)
	}
	if env.Type == "" {
		return types.Envelope{}, fmt.Errorf("%w: missing type", errors.ErrInvalidMessage)
	}
	return env, nil
}

// ProtobufProtocol 基于 structpb 的 Protobuf 协议实现
type ProtobufProtocol struct{}

func (p *ProtobufProtocol) Name() string   { return "protobuf" }
func (p *ProtobufProtocol) FrameType() int { return websocket.BinaryMessage }

// Encode 编码为Protobuf
func (p *ProtobufProtocol) Encode(env types.Envelope) ([]byte, error) {
	fields := map[string]any{"type": env.Type}
	if env.Timestamp != "" {
		fields["timestamp"] = env.Timestamp
	}
	if env.CorrelationID != "" {
		fields["correlation_id"] = env.CorrelationID
	}
	if env.Data != nil {
		fields["data"] = env.Data
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidMessage, err)
	}
	return proto.Marshal(msg)
}

// Decode 从Protobuf解码
func (p *ProtobufProtocol) Decode(data []byte) (types.Envelope, error) {
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return types.Envelope{}, fmt.Errorf("%w: %v", errors.ErrInvalidMessage, err)
	}
	fields := msg.AsMap()
	env := types.Envelope{}
	env.Type, _ = fields["type"].(string)
	env.Timestamp, _ = fields["timestamp"].(string)
	env.CorrelationID, _ = fields["correlation_id"].(string)
	env.Data, _ = fields["data"].(map[string]any)
	if env.Type == "" {
		return types.Envelope{}, fmt.Errorf("%w: missing type", errors.ErrInvalidMessage)
	}
	return env, nil
}

// GetProtocol 根据名称获取协议处理器
func GetProtocol(name string) MessageProtocol {
	switch name {
	case "protobuf":
		return &ProtobufProtocol{}
	default:
		return &JSONProtocol{}
	}
}

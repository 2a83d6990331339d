package protocol

import (
	"testing"

	"github.com/BetaCatPro/ws-guard/internal/errors"
	"github.com/BetaCatPro/ws-guard/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolsCarryEnvelope(t *testing.T) {
	env := types.Envelope{
		Type:          types.TypeRequest,
		CorrelationID: "req-1",
		Timestamp:     "2026-01-02T03:04:05Z",
		Data:          map[string]any{"task": "build", "stage": "lint", "retries": float64(2)},
	}
	for _, name := range []string{"json", "protobuf"} {
		t.Run(name, func(t *testing.T) {
			p := GetProtocol(name)
			raw, err := p.Encode(env)
			require.NoError(t, err)
			got, err := p.Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, env, got)
		})
	}
}

func TestFrameTypes(t *testing.T) {
	assert.Equal(t, websocket.TextMessage, GetProtocol("json").FrameType())
	assert.Equal(t, websocket.BinaryMessage, GetProtocol("protobuf").FrameType())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	p := GetProtocol("json")
	_, err := p.Decode([]byte("{not json"))
	assert.ErrorIs(t, err, errors.ErrInvalidMessage)

	_, err = p.Decode([]byte(`{"data":{"x":1}}`))
	assert.ErrorIs(t, err, errors.ErrInvalidMessage)

	_, err = GetProtocol("protobuf").Decode([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, errors.ErrInvalidMessage)
}

package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressorsRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"type":"trigger","data":{"task":"deploy"}}`), 20)
	for _, name := range []string{"none", "gzip", "snappy"} {
		t.Run(name, func(t *testing.T) {
			c := GetCompressor(name)
			assert.Equal(t, name, c.Name())
			packed, err := c.Compress(payload)
			require.NoError(t, err)
			if name != "none" {
				assert.Less(t, len(packed), len(payload))
			}
			unpacked, err := c.Decompress(packed)
			require.NoError(t, err)
			assert.Equal(t, payload, unpacked)
		})
	}
}

func TestGzipRejectsPlainData(t *testing.T) {
	_, err := GetCompressor("gzip").Decompress([]byte(`{"type":"pong"}`))
	assert.Error(t, err)
}

func TestUnknownCompressorFallsBackToNoop(t *testing.T) {
	assert.Equal(t, "none", GetCompressor("zstd").Name())
}

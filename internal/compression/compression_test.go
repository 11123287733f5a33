package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZstdRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3, 4, 0, 0, 0, 255}, 4096)
	packed, err := Compress(data, "zstd")
	require.NoError(t, err)
	assert.Less(t, len(packed), len(data))

	out, err := Decompress(packed, "ZSTD", len(data))
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestNoneIsPassthrough(t *testing.T) {
	data := []byte("pixels")
	packed, err := Compress(data, "")
	require.NoError(t, err)
	assert.Equal(t, data, packed)

	out, err := Decompress(packed, "none", 0)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestUnknownCodec(t *testing.T) {
	_, err := Compress([]byte{1}, "bslz4")
	assert.Error(t, err)
	_, err = Decompress([]byte{1}, "lz4", 0)
	assert.Error(t, err)
}

func TestDecompressCorrupt(t *testing.T) {
	_, err := Decompress([]byte("not zstd"), CodecZstd, 0)
	assert.Error(t, err)
}

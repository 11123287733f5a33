package compression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	CodecNone = "none"
	CodecZstd = "zstd"
)

var (
	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error

	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error
)

func encoder() (*zstd.Encoder, error) {
	encOnce.Do(func() {
		enc, encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return enc, encErr
}

func decoder() (*zstd.Decoder, error) {
	decOnce.Do(func() {
		dec, decErr = zstd.NewReader(nil)
	})
	return dec, decErr
}

// Compress encodes data with codec. Safe for concurrent use.
func Compress(data []byte, codec string) ([]byte, error) {
	c, err := parseCodec(codec)
	if err != nil {
		return nil, err
	}
	switch c {
	case CodecZstd:
		e, err := encoder()
		if err != nil {
			return nil, err
		}
		return e.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return data, nil
	}
}

// Decompress reverses Compress. sizeHint preallocates the output when known.
func Decompress(encoded []byte, codec string, sizeHint int) ([]byte, error) {
	c, err := parseCodec(codec)
	if err != nil {
		return nil, err
	}
	switch c {
	case CodecZstd:
		d, err := decoder()
		if err != nil {
			return nil, err
		}
		if sizeHint < 0 {
			sizeHint = 0
		}
		out, err := d.DecodeAll(encoded, make([]byte, 0, sizeHint))
		if err != nil {
			return nil, fmt.Errorf("zstd decompression failed: %w", err)
		}
		return out, nil
	default:
		return encoded, nil
	}
}

func parseCodec(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", CodecNone, "raw":
		return CodecNone, nil
	case CodecZstd, "zst":
		return CodecZstd, nil
	default:
		return "", fmt.Errorf("unsupported compression codec %q", value)
	}
}

package source

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"timeslice-go/internal/compression"
)

const (
	tagMultiDimArray = 40
	tagUint8         = 64
	// tagCompressed wraps [codec, elemSize, payload].
	tagCompressed = 56500
)

// decodePixelArray reads a frame payload: a tag 40 multi-dimensional array
// [[rows, rowBytes], tag 64 uint8 array], where the typed array may itself be
// wrapped in a compression tag. It returns the flat bytes and the row layout.
func decodePixelArray(value any) ([]byte, int, int, error) {
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return nil, 0, 0, fmt.Errorf("expected multidim tag 40")
	}

	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, 0, 0, fmt.Errorf("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) != 2 {
		return nil, 0, 0, fmt.Errorf("invalid multidim dimensions")
	}

	rows, err := toInt(dimsRaw[0])
	if err != nil {
		return nil, 0, 0, err
	}
	cols, err := toInt(dimsRaw[1])
	if err != nil {
		return nil, 0, 0, err
	}

	flat, err := decodeTypedArray(items[1])
	if err != nil {
		return nil, 0, 0, err
	}
	if rows <= 0 || cols <= 0 || rows*cols != len(flat) {
		return nil, 0, 0, errors.New("dimension mismatch")
	}
	return flat, rows, cols, nil
}

func decodeTypedArray(value any) ([]byte, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return nil, fmt.Errorf("expected typed array tag")
	}
	if tag.Number != tagUint8 {
		return nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
	return extractBytes(tag)
}

func extractBytes(tag cbor.Tag) ([]byte, error) {
	switch v := tag.Content.(type) {
	case []byte:
		return v, nil
	case cbor.Tag:
		if v.Number != tagCompressed {
			return nil, fmt.Errorf("unsupported nested tag %d", v.Number)
		}
		return decompressTag(v)
	default:
		return nil, fmt.Errorf("unsupported typed array content %T", v)
	}
}

func decompressTag(tag cbor.Tag) ([]byte, error) {
	items, ok := tag.Content.([]any)
	if !ok || len(items) != 3 {
		return nil, errors.New("invalid compressed tag content")
	}
	codec, ok := items[0].(string)
	if !ok {
		return nil, errors.New("invalid compression codec")
	}
	elemSize, err := toInt(items[1])
	if err != nil {
		return nil, err
	}
	if elemSize != 1 {
		return nil, fmt.Errorf("unsupported element size %d", elemSize)
	}
	encoded, ok := items[2].([]byte)
	if !ok {
		return nil, errors.New("invalid compressed payload")
	}
	return compression.Decompress(encoded, codec, 0)
}

// encodePixelArray is the inverse of decodePixelArray.
func encodePixelArray(pix []byte, rows, rowBytes int, codec string) (cbor.Tag, error) {
	var content any = pix
	if codec != "" && codec != compression.CodecNone {
		packed, err := compression.Compress(pix, codec)
		if err != nil {
			return cbor.Tag{}, err
		}
		content = cbor.Tag{Number: tagCompressed, Content: []any{codec, 1, packed}}
	}
	return cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{rows, rowBytes},
			cbor.Tag{Number: tagUint8, Content: content},
		},
	}, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported float type %T", v)
	}
}

package output

import (
	"bytes"
	"encoding/json"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"timeslice-go/internal/compression"
	"timeslice-go/internal/types"
)

func TestRawLogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.bin")
	w, err := NewRawLogWriter(path, compression.CodecZstd)
	require.NoError(t, err)

	pix := bytes.Repeat([]byte{9, 8, 7, 6}, 12)
	require.NoError(t, w.WriteRecord(Record{Kind: KindInfo, Width: 3, Height: 4, FrameRate: 25}))
	require.NoError(t, w.WriteRecord(Record{Kind: KindFrame, Index: 0, Width: 3, Height: 4, Stride: 12, Data: pix}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Error(t, w.Record([]byte{1}))

	r, err := OpenRawLog(path)
	require.NoError(t, err)
	defer r.Close()

	entry, err := r.Next()
	require.NoError(t, err)
	info, err := DecodeRecord(entry.Payload)
	require.NoError(t, err)
	assert.Equal(t, KindInfo, info.Kind)
	assert.Equal(t, 25.0, info.FrameRate)

	entry, err = r.Next()
	require.NoError(t, err)
	assert.False(t, entry.Timestamp.IsZero())
	frame, err := DecodeRecord(entry.Payload)
	require.NoError(t, err)
	assert.Equal(t, pix, frame.Data)
	assert.Equal(t, 12, frame.Stride)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRawLogRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	require.NoError(t, os.WriteFile(path, []byte("STXMRAW1"), 0o644))
	_, err := OpenRawLog(path)
	assert.Error(t, err)
}

func TestRawLogTruncatedRecordEndsLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cut.bin")
	w, err := NewRawLogWriter(path, compression.CodecNone)
	require.NoError(t, err)
	require.NoError(t, w.Record([]byte("complete")))
	require.NoError(t, w.Record([]byte("cut short")))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0o644))

	r, err := OpenRawLog(path)
	require.NoError(t, err)
	defer r.Close()
	entry, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("complete"), entry.Payload)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func testRaster() *types.Raster {
	r := types.NewRaster(3, 2)
	for i := range r.Pix {
		r.Pix[i] = 0xFF
	}
	copy(r.PixelAt(1, 1), []byte{10, 20, 30, 255})
	return r
}

func TestWritePreviewFormats(t *testing.T) {
	dir := t.TempDir()
	r := testRaster()

	for _, name := range []string{"p.png", "p.bmp", "p.tiff"} {
		path := filepath.Join(dir, name)
		require.NoError(t, WritePreview(path, r), name)

		f, err := os.Open(path)
		require.NoError(t, err)
		switch filepath.Ext(name) {
		case ".png":
			img, err := png.Decode(f)
			require.NoError(t, err)
			assert.Equal(t, 3, img.Bounds().Dx())
			rr, g, b, _ := img.At(1, 1).RGBA()
			assert.Equal(t, []uint32{10, 20, 30}, []uint32{rr >> 8, g >> 8, b >> 8})
		case ".bmp":
			img, err := bmp.Decode(f)
			require.NoError(t, err)
			assert.Equal(t, 2, img.Bounds().Dy())
		case ".tiff":
			img, err := tiff.Decode(f)
			require.NoError(t, err)
			assert.Equal(t, 3, img.Bounds().Dx())
		}
		_ = f.Close()
	}

	err := WritePreview(filepath.Join(dir, "p.gif"), r)
	assert.ErrorIs(t, err, types.ErrInvalidParameters)
}

func TestWriteMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "run.mp4.json")
	require.NoError(t, WriteMetadata(path, map[string]any{
		"run_id": "abc",
		"nested": map[any]any{"k": 1},
	}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "abc", decoded["run_id"])
	assert.Equal(t, map[string]any{"k": float64(1)}, decoded["nested"])
}

func TestNormalizeJSONValue(t *testing.T) {
	got := NormalizeJSONValue(map[any]any{
		uint64(1): []any{map[any]any{"a": true}},
		"blob":    make([]byte, 100),
	})
	m := got.(map[string]any)
	assert.Equal(t, []any{map[string]any{"a": true}}, m["1"])
	assert.Equal(t, "<100 bytes>", m["blob"])
	assert.Equal(t, "out.mp4.json", MetadataPath("out.mp4"))
}

package sink

import (
	"errors"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeslice-go/internal/compression"
	"timeslice-go/internal/output"
	"timeslice-go/internal/types"
)

func testRaster(w, h int, seed byte) *types.Raster {
	r := types.NewRaster(w, h)
	for i := range r.Pix {
		r.Pix[i] = seed + byte(i)
	}
	return r
}

func TestMemorySinkOrder(t *testing.T) {
	m := &MemorySink{KeepRasters: true}
	require.NoError(t, m.Push(testRaster(2, 2, 0), 0))
	require.NoError(t, m.Push(testRaster(2, 2, 1), 1))
	assert.Error(t, m.Push(testRaster(2, 2, 2), 3))
	assert.Error(t, m.Push(testRaster(3, 2, 2), 2))
	require.NoError(t, m.Finish())
	assert.Error(t, m.Push(testRaster(2, 2, 2), 2))

	assert.True(t, m.Finished())
	assert.False(t, m.Aborted())
	assert.Equal(t, 2, m.Pushed())
	require.Len(t, m.Rasters(), 2)
	assert.Equal(t, testRaster(2, 2, 1).Pix, m.Rasters()[1].Pix)
}

func TestMemorySinkAbortAfterFinishIsNoop(t *testing.T) {
	m := &MemorySink{}
	require.NoError(t, m.Finish())
	require.NoError(t, m.Abort())
	assert.True(t, m.Finished())
	assert.False(t, m.Aborted())
}

func TestImageSequenceSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "frames")
	s, err := ImageSequence(".png")(dir, 3, 2, 30)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Push(testRaster(3, 2, byte(i*10)), i))
	}
	require.NoError(t, s.Finish())

	f, err := os.Open(filepath.Join(dir, "frame_000002.png"))
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())
}

func TestImageSequenceSinkAbortRemovesImages(t *testing.T) {
	dir := t.TempDir()
	s, err := NewImageSequenceSink(dir, ".bmp", 2, 2)
	require.NoError(t, err)
	require.NoError(t, s.Push(testRaster(2, 2, 0), 0))
	require.NoError(t, s.Push(testRaster(2, 2, 1), 1))
	require.NoError(t, s.Abort())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestImageSequenceSinkRejectsExtension(t *testing.T) {
	_, err := NewImageSequenceSink(t.TempDir(), ".gif", 2, 2)
	assert.ErrorIs(t, err, types.ErrSinkSetupFailed)
}

func TestRawLogSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	s, err := RawLog(compression.CodecZstd)(path, 4, 3, 15)
	require.NoError(t, err)
	require.NoError(t, s.Push(testRaster(4, 3, 5), 0))
	require.NoError(t, s.Push(testRaster(4, 3, 9), 1))
	require.NoError(t, s.Finish())

	reader, err := output.OpenRawLog(path)
	require.NoError(t, err)
	defer reader.Close()

	var recs []output.Record
	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		rec, err := output.DecodeRecord(entry.Payload)
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	require.Len(t, recs, 3)
	assert.Equal(t, output.KindInfo, recs[0].Kind)
	assert.Equal(t, 15.0, recs[0].FrameRate)
	assert.Equal(t, output.KindRaster, recs[2].Kind)
	assert.Equal(t, 1, recs[2].Index)
	assert.Equal(t, testRaster(4, 3, 9).Pix, recs[2].Data)
}

func TestRawLogSinkAbortRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	s, err := NewRawLogSink(path, compression.CodecNone, 2, 2, 30)
	require.NoError(t, err)
	require.NoError(t, s.Push(testRaster(2, 2, 0), 0))
	require.NoError(t, s.Abort())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFFmpegSinkSetupFailure(t *testing.T) {
	_, err := NewFFmpegSink("/nonexistent/ffmpeg-binary", filepath.Join(t.TempDir(), "out.mp4"), 4, 4, 30)
	assert.ErrorIs(t, err, types.ErrSinkSetupFailed)

	_, err = NewFFmpegSink("", filepath.Join(t.TempDir(), "out.mp4"), 0, 4, 30)
	assert.ErrorIs(t, err, types.ErrSinkSetupFailed)
}

// fakeEncoder writes a shell script standing in for ffmpeg: it copies stdin
// to the output path (the last argument) and exits with code.
func fakeEncoder(t *testing.T, code int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	bin := filepath.Join(t.TempDir(), "fake-ffmpeg")
	script := "#!/bin/sh\nfor last; do :; done\ncat > \"$last\"\necho 'trailer write failed' >&2\nexit " + strconv.Itoa(code) + "\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin
}

func TestFFmpegSinkFinishKeepsOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	s, err := NewFFmpegSink(fakeEncoder(t, 0), path, 2, 2, 30)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Push(testRaster(2, 2, byte(i)), i))
	}
	require.NoError(t, s.Finish())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, 3*2*2*types.BytesPerPixel, info.Size())
}

func TestFFmpegSinkFailedFinishRemovesOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	s, err := NewFFmpegSink(fakeEncoder(t, 1), path, 2, 2, 30)
	require.NoError(t, err)
	require.NoError(t, s.Push(testRaster(2, 2, 1), 0))

	err = s.Finish()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailer write failed")
	assert.NoFileExists(t, path)
	assert.NoError(t, s.Abort())
}

func TestEncodeArgs(t *testing.T) {
	args := encodeArgs("out.mp4", 150, 1080, 30)
	assert.Contains(t, args, "150x1080")
	assert.Contains(t, args, "libx264")
	assert.Equal(t, "out.mp4", args[len(args)-1])
}

func TestForFormat(t *testing.T) {
	for _, format := range []string{"mp4", "png", "tiff", "rawlog", "null"} {
		open, err := ForFormat(format, "", compression.CodecNone)
		require.NoError(t, err, format)
		assert.NotNil(t, open)
	}
	_, err := ForFormat("avi-ish", "", "")
	assert.ErrorIs(t, err, types.ErrInvalidParameters)
}

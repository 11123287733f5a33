package ingest

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeslice-go/internal/plan"
	"timeslice-go/internal/types"
)

// paddedSource yields count frames whose pixels encode (frame, x, y) and whose
// rows carry pad bytes of 0xEE after the visible pixels.
type paddedSource struct {
	width, height, pad int
	count              int
	pulled             int
	cancelAt           int
	cancel             context.CancelFunc
}

func (s *paddedSource) Next() (*types.Frame, error) {
	if s.pulled >= s.count {
		return nil, io.EOF
	}
	if s.cancel != nil && s.pulled == s.cancelAt {
		s.cancel()
	}
	stride := s.width*types.BytesPerPixel + s.pad
	pix := make([]byte, stride*s.height)
	for i := range pix {
		pix[i] = 0xEE
	}
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			off := y*stride + x*types.BytesPerPixel
			copy(pix[off:off+4], pixel(s.pulled, x, y))
		}
	}
	f := &types.Frame{Index: s.pulled, Width: s.width, Height: s.height, Stride: stride, Pix: pix}
	s.pulled++
	return f, nil
}

func pixel(frame, x, y int) []byte {
	return []byte{byte(frame), byte(x), byte(y), 0xFF}
}

func testPlan(width, height, interval, samples int) plan.Plan {
	return plan.Plan{
		Mode:              plan.ModeExport,
		SourceWidth:       width,
		SourceHeight:      height,
		SourceFrameRate:   30,
		FrameInterval:     interval,
		SampledFrameCount: samples,
		TotalFrames:       interval * samples,
	}
}

func TestIngestCopiesSampledFramesIgnoringStride(t *testing.T) {
	p := testPlan(4, 3, 2, 5)
	arena, err := NewArena(p, 0)
	require.NoError(t, err)

	src := &paddedSource{width: 4, height: 3, pad: 12, count: 10}
	res, err := Ingest(context.Background(), src, p, arena, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Exhausted)
	assert.Equal(t, 5, res.Samples)
	assert.Equal(t, 9, res.Pulled)

	for s := 0; s < 5; s++ {
		slot := arena.Slot(s)
		for y := 0; y < 3; y++ {
			for x := 0; x < 4; x++ {
				off := (y*4 + x) * types.BytesPerPixel
				assert.Equal(t, pixel(s*2, x, y), slot[off:off+4], "sample %d x %d y %d", s, x, y)
			}
		}
		assert.NotContains(t, slot, byte(0xEE))
	}
}

func TestIngestStopsAtBudget(t *testing.T) {
	p := testPlan(2, 2, 1, 3)
	arena, err := NewArena(p, 0)
	require.NoError(t, err)

	src := &paddedSource{width: 2, height: 2, count: 100}
	res, err := Ingest(context.Background(), src, p, arena, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Samples)
	assert.Equal(t, 3, src.pulled)
}

func TestIngestTruncatesShortSource(t *testing.T) {
	p := testPlan(2, 2, 1, 100)
	arena, err := NewArena(p, 0)
	require.NoError(t, err)

	src := &paddedSource{width: 2, height: 2, pad: 4, count: 80}
	var reports []float64
	res, err := Ingest(context.Background(), src, p, arena, func(v float64) { reports = append(reports, v) })
	require.NoError(t, err)
	require.NotNil(t, res.Exhausted)
	assert.ErrorIs(t, res.Exhausted, types.ErrPartialSourceExhaustion)
	assert.Equal(t, 100, res.Exhausted.Planned)
	assert.Equal(t, 80, res.Exhausted.Actual)
	assert.Equal(t, 80, arena.Frames())
	assert.Equal(t, 1.0, reports[len(reports)-1])
	for i := 1; i < len(reports); i++ {
		assert.GreaterOrEqual(t, reports[i], reports[i-1])
	}
}

func TestIngestProgressEveryTenSamples(t *testing.T) {
	p := testPlan(1, 1, 1, 25)
	arena, err := NewArena(p, 0)
	require.NoError(t, err)

	var reports []float64
	_, err = Ingest(context.Background(), &paddedSource{width: 1, height: 1, count: 25}, p, arena, func(v float64) {
		reports = append(reports, v)
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.4, 0.8, 1.0}, reports)
}

func TestIngestCancelled(t *testing.T) {
	p := testPlan(2, 2, 1, 50)
	arena, err := NewArena(p, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &paddedSource{width: 2, height: 2, count: 50, cancelAt: 7, cancel: cancel}
	res, err := Ingest(ctx, src, p, arena, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 8, res.Samples)
	assert.Equal(t, 8, src.pulled)
}

func TestIngestRejectsGeometryChange(t *testing.T) {
	p := testPlan(3, 2, 1, 4)
	arena, err := NewArena(p, 0)
	require.NoError(t, err)

	_, err = Ingest(context.Background(), &paddedSource{width: 2, height: 2, count: 4}, p, arena, nil)
	assert.ErrorIs(t, err, types.ErrSourceUnreadable)
}

func TestPassSpreadsPreviewSamples(t *testing.T) {
	p, err := plan.ForPreview(types.Range{Start: 0, End: 1}, types.SourceInfo{Width: 2, Height: 2, FrameRate: 30}, plan.PreviewOptions{Target: 20})
	require.NoError(t, err)
	require.Equal(t, 30, p.TotalFrames)
	require.Equal(t, 20, p.SampledFrameCount)

	var picked []int
	res, err := Pass(context.Background(), &paddedSource{width: 2, height: 2, count: 30}, p, func(sample int, frame *types.Frame) error {
		assert.Equal(t, len(picked), sample)
		picked = append(picked, frame.Index)
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Exhausted)
	assert.Equal(t, []int{0, 1, 3, 4, 6, 7, 9, 10, 12, 13, 15, 16, 18, 19, 21, 22, 24, 25, 27, 28}, picked)
	assert.Equal(t, 29, res.Pulled)
}

func TestNewArenaLimit(t *testing.T) {
	p := testPlan(100, 100, 1, 100)
	_, err := NewArena(p, 1024)
	assert.ErrorIs(t, err, types.ErrAllocationFailure)

	p.SampledFrameCount = 0
	_, err = NewArena(p, 0)
	assert.ErrorIs(t, err, types.ErrAllocationFailure)
}

func TestArenaSlotsAreDisjoint(t *testing.T) {
	p := testPlan(3, 2, 1, 4)
	arena, err := NewArena(p, 0)
	require.NoError(t, err)

	for i := 0; i < arena.Frames(); i++ {
		slot := arena.Slot(i)
		assert.Len(t, slot, arena.FrameBytes())
		assert.Equal(t, arena.FrameBytes(), cap(slot))
		for j := range slot {
			slot[j] = byte(i + 1)
		}
	}
	for i := 0; i < arena.Frames(); i++ {
		for _, b := range arena.Slot(i) {
			require.Equal(t, byte(i+1), b)
		}
	}
	assert.Panics(t, func() { arena.Slot(4) })

	arena.Release()
	assert.True(t, arena.Released())
}

package assemble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeslice-go/internal/transpose"
	"timeslice-go/internal/types"
)

type store struct {
	width, height, frames int
	buf                   []byte
}

func (s *store) Width() int  { return s.width }
func (s *store) Height() int { return s.height }
func (s *store) Frames() int { return s.frames }
func (s *store) Release()    {}
func (s *store) Slot(i int) []byte {
	n := s.width * s.height * types.BytesPerPixel
	return s.buf[i*n : (i+1)*n]
}

func px(f, x, y int) []byte {
	return []byte{byte(f), byte(x), byte(y), 0x7F}
}

func buildIndex(t *testing.T, width, height, frames int) *transpose.ColumnIndex {
	t.Helper()
	s := &store{width: width, height: height, frames: frames}
	s.buf = make([]byte, width*height*frames*types.BytesPerPixel)
	for f := 0; f < frames; f++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				off := ((f*height+y)*width + x) * types.BytesPerPixel
				copy(s.buf[off:off+4], px(f, x, y))
			}
		}
	}
	idx, err := transpose.Transpose(context.Background(), s, 4, nil)
	require.NoError(t, err)
	return idx
}

type recordingSink struct {
	mu      sync.Mutex
	indices []int
	rasters []*types.Raster
	delay   time.Duration
	onPush  func(index int)
	failAt  int
	active  int
	maxConc int
}

func (s *recordingSink) Push(r *types.Raster, index int) error {
	s.mu.Lock()
	s.active++
	if s.active > s.maxConc {
		s.maxConc = s.active
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if s.failAt > 0 && index == s.failAt {
		return errors.New("encoder broke")
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	clone := &types.Raster{Width: r.Width, Height: r.Height, Stride: r.Stride, Pix: append([]byte(nil), r.Pix...)}
	s.mu.Lock()
	s.indices = append(s.indices, index)
	s.rasters = append(s.rasters, clone)
	s.mu.Unlock()
	if s.onPush != nil {
		s.onPush(index)
	}
	return nil
}

func TestAssembleOrderAndContent(t *testing.T) {
	const width, height, frames = 23, 3, 5
	idx := buildIndex(t, width, height, frames)
	sink := &recordingSink{}

	var reports []float64
	res, err := Assemble(context.Background(), idx, sink, nil, Options{BatchSize: 4, Workers: 3}, func(v float64) {
		reports = append(reports, v)
	})
	require.NoError(t, err)
	assert.Equal(t, width, res.Pushed)
	assert.Equal(t, width, res.Assembled)
	assert.Equal(t, 1, sink.maxConc)

	for i, index := range sink.indices {
		require.Equal(t, i, index)
	}
	for x, r := range sink.rasters {
		require.Equal(t, frames, r.Width)
		require.Equal(t, height, r.Height)
		for j := 0; j < frames; j++ {
			for y := 0; y < height; y++ {
				assert.Equal(t, px(j, x, y), r.PixelAt(j, y), "x=%d col=%d y=%d", x, j, y)
			}
		}
	}

	require.Len(t, reports, width)
	for i := 1; i < len(reports); i++ {
		assert.Greater(t, reports[i], reports[i-1])
	}
	assert.Equal(t, 1.0, reports[len(reports)-1])
	assert.Equal(t, 0, idx.Remaining())
}

func TestAssembleBoundsResidentRasters(t *testing.T) {
	const width, batchSize = 60, 5
	idx := buildIndex(t, width, 2, 3)
	pool := types.NewRasterPool(3, 2, 2*batchSize)
	sink := &recordingSink{delay: time.Millisecond}

	_, err := Assemble(context.Background(), idx, sink, pool, Options{BatchSize: batchSize, Workers: 8}, nil)
	require.NoError(t, err)

	hits, misses := pool.Stats()
	assert.LessOrEqual(t, misses, uint64(2*batchSize))
	assert.Equal(t, uint64(width), hits+misses)
}

func TestAssembleCancelledStopsHandoff(t *testing.T) {
	idx := buildIndex(t, 40, 2, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{onPush: func(index int) {
		if index == 4 {
			cancel()
		}
	}}

	res, err := Assemble(ctx, idx, sink, nil, Options{BatchSize: 8, Workers: 2}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.Equal(t, 5, res.Pushed)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, sink.indices)
}

func TestAssembleSinkFailure(t *testing.T) {
	idx := buildIndex(t, 12, 2, 2)
	sink := &recordingSink{failAt: 6}

	res, err := Assemble(context.Background(), idx, sink, nil, Options{BatchSize: 4, Workers: 2}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encoder broke")
	assert.NotErrorIs(t, err, types.ErrCancelled)
	assert.Equal(t, 6, res.Pushed)
}

func TestAssembleSingleBatchLargerThanWidth(t *testing.T) {
	idx := buildIndex(t, 3, 1, 2)
	sink := &recordingSink{}
	res, err := Assemble(context.Background(), idx, sink, nil, Options{BatchSize: 100}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pushed)
	assert.Equal(t, []int{0, 1, 2}, sink.indices)
}

func TestFill(t *testing.T) {
	idx := buildIndex(t, 2, 2, 3)
	strip, err := idx.Take(1)
	require.NoError(t, err)

	r := types.NewRaster(3, 2)
	Fill(r, strip)
	for j := 0; j < 3; j++ {
		for y := 0; y < 2; y++ {
			assert.Equal(t, px(j, 1, y), r.PixelAt(j, y))
		}
	}
}

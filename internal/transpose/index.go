package transpose

import (
	"fmt"

	"timeslice-go/internal/types"
)

// ColumnIndex is the column-major view of a run: for every source x it holds
// one strip with a column sample (Height pixels, top to bottom) per sampled
// frame, in sampling order.
type ColumnIndex struct {
	width       int
	height      int
	frames      int
	sampleBytes int
	strips      [][]byte
}

func newColumnIndex(width, height, frames int) (idx *ColumnIndex, err error) {
	sampleBytes := height * types.BytesPerPixel
	stripBytes := sampleBytes * frames
	if width <= 0 || frames <= 0 || sampleBytes <= 0 || stripBytes/frames != sampleBytes {
		return nil, fmt.Errorf("%w: column index %dx%d over %d frames cannot be sized", types.ErrAllocationFailure, width, height, frames)
	}

	defer func() {
		if r := recover(); r != nil {
			idx = nil
			err = fmt.Errorf("%w: column index of %d strips x %d bytes: %v", types.ErrAllocationFailure, width, stripBytes, r)
		}
	}()
	strips := make([][]byte, width)
	for x := range strips {
		strips[x] = make([]byte, stripBytes)
	}

	return &ColumnIndex{
		width:       width,
		height:      height,
		frames:      frames,
		sampleBytes: sampleBytes,
		strips:      strips,
	}, nil
}

func (c *ColumnIndex) Width() int  { return c.width }
func (c *ColumnIndex) Height() int { return c.height }
func (c *ColumnIndex) Frames() int { return c.frames }

// Sample returns the column sample of frame f at x without consuming it.
// It returns nil once the strip for x has been taken.
func (c *ColumnIndex) Sample(x, f int) []byte {
	strip := c.strips[x]
	if strip == nil {
		return nil
	}
	off := f * c.sampleBytes
	return strip[off : off+c.sampleBytes]
}

// Take hands out the strip for x and drops the index's reference to it.
// Every strip can be taken once; a second Take for the same x fails.
// Takes for distinct x may run concurrently.
func (c *ColumnIndex) Take(x int) (Strip, error) {
	if x < 0 || x >= c.width {
		return Strip{}, fmt.Errorf("column %d outside [0, %d)", x, c.width)
	}
	strip := c.strips[x]
	if strip == nil {
		return Strip{}, fmt.Errorf("column %d already taken", x)
	}
	c.strips[x] = nil
	return Strip{X: x, sampleBytes: c.sampleBytes, frames: c.frames, buf: strip}, nil
}

// Remaining counts the strips not yet taken.
func (c *ColumnIndex) Remaining() int {
	n := 0
	for _, s := range c.strips {
		if s != nil {
			n++
		}
	}
	return n
}

// Strip is one column position across every sampled frame.
type Strip struct {
	X           int
	sampleBytes int
	frames      int
	buf         []byte
}

func (s Strip) Frames() int { return s.frames }

// Sample returns frame f's column: Height pixels of BytesPerPixel bytes, top row first.
func (s Strip) Sample(f int) []byte {
	off := f * s.sampleBytes
	return s.buf[off : off+s.sampleBytes]
}

// frameWriter is the only write handle a transpose worker gets: it can reach
// frame f's sample in every strip and nothing else.
type frameWriter struct {
	idx *ColumnIndex
	f   int
}

func (w frameWriter) sample(x int) []byte {
	off := w.f * w.idx.sampleBytes
	end := off + w.idx.sampleBytes
	return w.idx.strips[x][off:end:end]
}

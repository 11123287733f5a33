package processing

import (
	"fmt"
	"sync"

	"timeslice-go/internal/plan"
	"timeslice-go/internal/types"
)

// PreviewBuilder accumulates a half-height timeslice still: column j holds the
// pixels at SampleX of sampled frame j, every other source row.
type PreviewBuilder struct {
	mu      sync.Mutex
	sampleX int
	columns int
	height  int
	filled  int
	raster  *types.Raster
}

func NewPreviewBuilder(p plan.Plan) (builder *PreviewBuilder, err error) {
	if p.SampleX < 0 || p.SampleX >= p.SourceWidth {
		return nil, fmt.Errorf("%w: sample x %d outside [0, %d)", types.ErrInvalidParameters, p.SampleX, p.SourceWidth)
	}
	height := p.PreviewHeight()
	if p.SampledFrameCount < 1 || height < 1 {
		return nil, fmt.Errorf("%w: preview of %dx%d", types.ErrInvalidParameters, p.SampledFrameCount, height)
	}

	defer func() {
		if r := recover(); r != nil {
			builder = nil
			err = fmt.Errorf("%w: preview raster %dx%d: %v", types.ErrAllocationFailure, p.SampledFrameCount, height, r)
		}
	}()
	return &PreviewBuilder{
		sampleX: p.SampleX,
		columns: p.SampledFrameCount,
		height:  height,
		raster:  types.NewRaster(p.SampledFrameCount, height),
	}, nil
}

// AddFrame writes frame into the next free column. It reports true once every
// column is filled; frames past that point are ignored.
func (b *PreviewBuilder) AddFrame(frame *types.Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filled >= b.columns {
		return true
	}
	ExtractColumn(b.raster, b.filled, frame, b.sampleX)
	b.filled++
	return b.filled >= b.columns
}

func (b *PreviewBuilder) Filled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filled
}

// Snapshot copies the columns filled so far into a new raster, for live display.
func (b *PreviewBuilder) Snapshot() *types.Raster {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filled == 0 {
		return nil
	}
	out := types.NewRaster(b.filled, b.height)
	row := b.filled * types.BytesPerPixel
	for y := 0; y < b.height; y++ {
		copy(out.Pix[y*out.Stride:y*out.Stride+row], b.raster.Pix[y*b.raster.Stride:y*b.raster.Stride+row])
	}
	return out
}

// Raster returns the preview itself. A builder that received fewer frames than
// planned yields a raster narrowed to the filled columns, sharing the buffer.
func (b *PreviewBuilder) Raster() *types.Raster {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := *b.raster
	r.Width = b.filled
	return &r
}

func (b *PreviewBuilder) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filled = 0
	clear(b.raster.Pix)
}

// ExtractColumn copies the pixel at x of every even source row of frame into
// column col of dst, top to bottom, stopping at dst's height.
func ExtractColumn(dst *types.Raster, col int, frame *types.Frame, x int) {
	px := x * types.BytesPerPixel
	d := col * types.BytesPerPixel
	for y := 0; y < dst.Height; y++ {
		s := 2*y*frame.Stride + px
		o := y*dst.Stride + d
		copy(dst.Pix[o:o+types.BytesPerPixel], frame.Pix[s:s+types.BytesPerPixel])
	}
}

package ingest

import (
	"fmt"

	"timeslice-go/internal/plan"
	"timeslice-go/internal/types"
)

// Arena holds every sampled frame of a run in one contiguous buffer.
// Frame i occupies bytes [i*FrameBytes, (i+1)*FrameBytes), rows tightly packed.
type Arena struct {
	width      int
	height     int
	frameBytes int
	frames     int
	buf        []byte
}

// NewArena allocates the arena for p in a single allocation. limit caps the
// arena size in bytes; zero or negative means no cap.
func NewArena(p plan.Plan, limit int64) (arena *Arena, err error) {
	size := p.ArenaBytes()
	if size <= 0 {
		return nil, fmt.Errorf("%w: arena for %d frames of %dx%d cannot be sized", types.ErrAllocationFailure, p.SampledFrameCount, p.SourceWidth, p.SourceHeight)
	}
	if limit > 0 && size > limit {
		return nil, fmt.Errorf("%w: arena needs %d bytes, limit is %d", types.ErrAllocationFailure, size, limit)
	}
	if int64(int(size)) != size {
		return nil, fmt.Errorf("%w: arena size %d overflows int", types.ErrAllocationFailure, size)
	}

	defer func() {
		if r := recover(); r != nil {
			arena = nil
			err = fmt.Errorf("%w: arena of %d bytes: %v", types.ErrAllocationFailure, size, r)
		}
	}()
	buf := make([]byte, int(size))

	return &Arena{
		width:      p.SourceWidth,
		height:     p.SourceHeight,
		frameBytes: p.FrameBytes(),
		frames:     p.SampledFrameCount,
		buf:        buf,
	}, nil
}

func (a *Arena) Width() int      { return a.width }
func (a *Arena) Height() int     { return a.height }
func (a *Arena) Frames() int     { return a.frames }
func (a *Arena) FrameBytes() int { return a.frameBytes }

// Slot returns the bytes of frame i. The slice's capacity ends at the slot
// boundary, so appends or writes through it never reach a neighbouring frame.
func (a *Arena) Slot(i int) []byte {
	if i < 0 || i >= a.frames {
		panic(fmt.Sprintf("arena slot %d out of range [0, %d)", i, a.frames))
	}
	off := i * a.frameBytes
	end := off + a.frameBytes
	return a.buf[off:end:end]
}

// Truncate drops trailing slots after a short ingest pass.
func (a *Arena) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < a.frames {
		a.frames = n
		a.buf = a.buf[: n*a.frameBytes : n*a.frameBytes]
	}
}

// Release drops the buffer so the garbage collector can reclaim it.
func (a *Arena) Release() {
	a.buf = nil
	a.frames = 0
}

func (a *Arena) Released() bool {
	return a.buf == nil
}

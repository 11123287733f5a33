package types

import "fmt"

// BytesPerPixel is fixed: every frame and raster is interleaved RGBA, 8 bits per channel.
const BytesPerPixel = 4

// Frame is one decoded raster as delivered by a frame source.
// Stride may exceed Width*BytesPerPixel; rows start at multiples of Stride.
type Frame struct {
	Index  int
	Width  int
	Height int
	Stride int
	Pix    []byte
}

// Row returns the tight pixel bytes of row y, without trailing padding.
func (f *Frame) Row(y int) []byte {
	off := y * f.Stride
	return f.Pix[off : off+f.Width*BytesPerPixel]
}

func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame %d has invalid size %dx%d", f.Index, f.Width, f.Height)
	}
	if f.Stride < f.Width*BytesPerPixel {
		return fmt.Errorf("frame %d stride %d shorter than row %d", f.Index, f.Stride, f.Width*BytesPerPixel)
	}
	if need := (f.Height-1)*f.Stride + f.Width*BytesPerPixel; len(f.Pix) < need {
		return fmt.Errorf("frame %d holds %d bytes, need %d", f.Index, len(f.Pix), need)
	}
	return nil
}

// Range is a time window in seconds, start inclusive.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (r Range) Duration() float64 {
	return r.End - r.Start
}

func (r Range) Validate() error {
	if r.Start < 0 {
		return fmt.Errorf("%w: start time %.3f is negative", ErrInvalidParameters, r.Start)
	}
	if r.Start >= r.End {
		return fmt.Errorf("%w: start time %.3f must be before end time %.3f", ErrInvalidParameters, r.Start, r.End)
	}
	return nil
}

// SourceInfo describes the video track a source decodes.
type SourceInfo struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frame_rate"`
	Duration  float64 `json:"duration"`
}

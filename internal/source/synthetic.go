package source

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"timeslice-go/internal/types"
)

// SyntheticOpener generates a deterministic moving test pattern. Rows are
// padded by Pad bytes so consumers must honour the stride.
type SyntheticOpener struct {
	Width     int
	Height    int
	FrameRate float64
	// Frames is the length of the whole synthetic clip.
	Frames int
	Pad    int
	// Rate paces delivery in frames per second; zero delivers as fast as possible.
	Rate float64

	opens  atomic.Int64
	probes atomic.Int64
}

func (o *SyntheticOpener) info() types.SourceInfo {
	return types.SourceInfo{
		Width:     o.Width,
		Height:    o.Height,
		FrameRate: o.FrameRate,
		Duration:  float64(o.Frames) / o.FrameRate,
	}
}

func (o *SyntheticOpener) Probe(_ context.Context) (types.SourceInfo, error) {
	o.probes.Add(1)
	if o.Width <= 0 || o.Height <= 0 || o.FrameRate <= 0 {
		return types.SourceInfo{}, fmt.Errorf("%w: synthetic source %dx%d at %.2f fps", types.ErrNoDecodableTrack, o.Width, o.Height, o.FrameRate)
	}
	return o.info(), nil
}

func (o *SyntheticOpener) Open(ctx context.Context, r types.Range) (FrameSource, error) {
	o.opens.Add(1)
	info, err := o.Probe(ctx)
	if err != nil {
		return nil, err
	}
	first, last := frameWindow(r, info.FrameRate)
	if last > o.Frames {
		last = o.Frames
	}
	stride := o.Width*types.BytesPerPixel + o.Pad
	s := &syntheticSource{
		ctx:   ctx,
		info:  info,
		first: first,
		next:  first,
		last:  last,
		frame: types.Frame{
			Width:  o.Width,
			Height: o.Height,
			Stride: stride,
			Pix:    make([]byte, stride*o.Height),
		},
	}
	if o.Rate > 0 {
		s.ticker = time.NewTicker(time.Duration(float64(time.Second) / o.Rate))
	}
	return s, nil
}

// Opens reports how many decode passes were started.
func (o *SyntheticOpener) Opens() int64 { return o.opens.Load() }

// Probes reports how many times metadata was read, including by Open.
func (o *SyntheticOpener) Probes() int64 { return o.probes.Load() }

// SyntheticPixel is the RGBA value of pixel (x, y) in source frame index.
func SyntheticPixel(index, x, y int) [4]byte {
	return [4]byte{byte(x + index), byte(y), byte(index), 0xFF}
}

type syntheticSource struct {
	ctx    context.Context
	info   types.SourceInfo
	first  int
	next   int
	last   int
	frame  types.Frame
	ticker *time.Ticker
}

func (s *syntheticSource) Info() types.SourceInfo { return s.info }

func (s *syntheticSource) Next() (*types.Frame, error) {
	if s.next >= s.last {
		return nil, io.EOF
	}
	if s.ticker != nil {
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-s.ticker.C:
		}
	}

	f := &s.frame
	f.Index = s.next - s.first
	for i := range f.Pix {
		f.Pix[i] = 0xAB
	}
	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*f.Stride:]
		for x := 0; x < f.Width; x++ {
			px := SyntheticPixel(s.next, x, y)
			copy(row[x*types.BytesPerPixel:], px[:])
		}
	}
	s.next++
	return f, nil
}

func (s *syntheticSource) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.next = s.last
	return nil
}

// Package sink holds the sequential frame sinks an export run pushes its
// assembled rasters into.
package sink

import (
	"fmt"
	"strings"
	"sync"

	"timeslice-go/internal/types"
)

// Sink consumes rasters in strictly increasing presentation order starting at
// 0. Push must not retain r. Exactly one of Finish or Abort ends the sink:
// Finish leaves a valid output holding everything pushed so far, Abort leaves
// no output behind. A Finish that fails removes what it wrote, since the
// output can no longer be trusted.
type Sink interface {
	Push(r *types.Raster, index int) error
	Finish() error
	Abort() error
}

// Opener creates a sink for rasters of width x height at fps. Errors wrap
// types.ErrSinkSetupFailed.
type Opener func(path string, width, height int, fps float64) (Sink, error)

// ForFormat returns the opener for an output format name: "mp4" (ffmpeg),
// "png", "bmp", "tiff" (image sequence), "rawlog" or "null".
func ForFormat(format, ffmpegBin, codec string) (Opener, error) {
	switch strings.ToLower(format) {
	case "", "mp4", "mkv", "mov", "video":
		return FFmpeg(ffmpegBin), nil
	case "png", "bmp", "tif", "tiff":
		return ImageSequence("." + strings.ToLower(format)), nil
	case "rawlog", "raw":
		return RawLog(codec), nil
	case "null":
		return func(string, int, int, float64) (Sink, error) { return &MemorySink{}, nil }, nil
	default:
		return nil, fmt.Errorf("%w: unknown output format %q", types.ErrInvalidParameters, format)
	}
}

// sequence enforces the presentation order contract.
type sequence struct {
	next     int
	finished bool
}

func (s *sequence) admit(r *types.Raster, index int, width, height int) error {
	if s.finished {
		return fmt.Errorf("push %d after sink was closed", index)
	}
	if index != s.next {
		return fmt.Errorf("push %d out of order, expected %d", index, s.next)
	}
	if r == nil || r.Width != width || r.Height != height {
		return fmt.Errorf("push %d: raster does not match sink size %dx%d", index, width, height)
	}
	s.next++
	return nil
}

func (s *sequence) close() bool {
	if s.finished {
		return false
	}
	s.finished = true
	return true
}

// MemorySink keeps copies of pushed rasters when KeepRasters is set and
// otherwise only counts them. It backs the "null" output format.
type MemorySink struct {
	KeepRasters bool

	mu       sync.Mutex
	seq      sequence
	width    int
	height   int
	rasters  []*types.Raster
	pushed   int
	finished bool
	aborted  bool
}

func (m *MemorySink) Push(r *types.Raster, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index == 0 && m.width == 0 && r != nil {
		m.width, m.height = r.Width, r.Height
	}
	if err := m.seq.admit(r, index, m.width, m.height); err != nil {
		return err
	}
	m.pushed++
	if m.KeepRasters {
		cp := types.NewRaster(r.Width, r.Height)
		copy(cp.Pix, r.Tight())
		m.rasters = append(m.rasters, cp)
	}
	return nil
}

func (m *MemorySink) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq.close() {
		m.finished = true
	}
	return nil
}

func (m *MemorySink) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq.close() {
		m.aborted = true
		m.rasters = nil
	}
	return nil
}

func (m *MemorySink) Pushed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushed
}

func (m *MemorySink) Rasters() []*types.Raster {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rasters
}

func (m *MemorySink) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

func (m *MemorySink) Aborted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborted
}

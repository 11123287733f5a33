package sink

import (
	"errors"
	"fmt"
	"os"

	"timeslice-go/internal/output"
	"timeslice-go/internal/types"
)

// RawLogSink records rasters into a raw log capture.
type RawLogSink struct {
	log    *output.RawLogWriter
	width  int
	height int
	seq    sequence
}

func RawLog(codec string) Opener {
	return func(path string, width, height int, fps float64) (Sink, error) {
		return NewRawLogSink(path, codec, width, height, fps)
	}
}

func NewRawLogSink(path, codec string, width, height int, fps float64) (*RawLogSink, error) {
	log, err := output.NewRawLogWriter(path, codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSinkSetupFailed, err)
	}
	err = log.WriteRecord(output.Record{
		Kind:      output.KindInfo,
		Width:     width,
		Height:    height,
		Stride:    width * types.BytesPerPixel,
		FrameRate: fps,
	})
	if err != nil {
		_ = log.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: %v", types.ErrSinkSetupFailed, err)
	}
	return &RawLogSink{log: log, width: width, height: height}, nil
}

func (s *RawLogSink) Push(r *types.Raster, index int) error {
	if err := s.seq.admit(r, index, s.width, s.height); err != nil {
		return err
	}
	return s.log.WriteRecord(output.Record{
		Kind:   output.KindRaster,
		Index:  index,
		Width:  r.Width,
		Height: r.Height,
		Stride: r.Width * types.BytesPerPixel,
		Data:   r.Tight(),
	})
}

func (s *RawLogSink) Finish() error {
	if !s.seq.close() {
		return nil
	}
	if err := s.log.Close(); err != nil {
		_ = os.Remove(s.log.Path())
		return err
	}
	return nil
}

func (s *RawLogSink) Abort() error {
	if !s.seq.close() {
		return nil
	}
	_ = s.log.Close()
	if err := os.Remove(s.log.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

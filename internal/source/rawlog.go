package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"timeslice-go/internal/output"
	"timeslice-go/internal/types"
)

// RawLogOpener replays a raw log recorded from another source. The first
// info record carries the stream geometry; frame records follow in order.
type RawLogOpener struct {
	Path string
}

func (o *RawLogOpener) Probe(_ context.Context) (types.SourceInfo, error) {
	reader, err := o.open()
	if err != nil {
		return types.SourceInfo{}, err
	}
	defer reader.Close()
	return readInfo(reader, o.Path)
}

func (o *RawLogOpener) open() (*output.RawLogReader, error) {
	if _, err := os.Stat(o.Path); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSourceUnreadable, err)
	}
	reader, err := output.OpenRawLog(o.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSourceUnreadable, err)
	}
	return reader, nil
}

func readInfo(reader *output.RawLogReader, path string) (types.SourceInfo, error) {
	entry, err := reader.Next()
	if errors.Is(err, io.EOF) {
		return types.SourceInfo{}, fmt.Errorf("%w: raw log %s is empty", types.ErrNoDecodableTrack, path)
	}
	if err != nil {
		return types.SourceInfo{}, fmt.Errorf("%w: %v", types.ErrSourceUnreadable, err)
	}
	rec, err := output.DecodeRecord(entry.Payload)
	if err != nil {
		return types.SourceInfo{}, fmt.Errorf("%w: %v", types.ErrSourceUnreadable, err)
	}
	if rec.Kind != output.KindInfo || rec.Width <= 0 || rec.Height <= 0 || rec.FrameRate <= 0 {
		return types.SourceInfo{}, fmt.Errorf("%w: raw log %s has no stream info record", types.ErrNoDecodableTrack, path)
	}
	return types.SourceInfo{
		Width:     rec.Width,
		Height:    rec.Height,
		FrameRate: rec.FrameRate,
		Duration:  float64(rec.Index) / rec.FrameRate,
	}, nil
}

func (o *RawLogOpener) Open(_ context.Context, r types.Range) (FrameSource, error) {
	reader, err := o.open()
	if err != nil {
		return nil, err
	}
	info, err := readInfo(reader, o.Path)
	if err != nil {
		_ = reader.Close()
		return nil, err
	}
	first, last := frameWindow(r, info.FrameRate)
	return &rawLogSource{reader: reader, info: info, first: first, last: last}, nil
}

type rawLogSource struct {
	reader *output.RawLogReader
	info   types.SourceInfo
	first  int
	last   int
	frame  types.Frame
	done   bool
}

func (s *rawLogSource) Info() types.SourceInfo { return s.info }

func (s *rawLogSource) Next() (*types.Frame, error) {
	for !s.done {
		entry, err := s.reader.Next()
		if errors.Is(err, io.EOF) {
			s.done = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrSourceUnreadable, err)
		}
		rec, err := output.DecodeRecord(entry.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrSourceUnreadable, err)
		}
		if rec.Kind != output.KindFrame || rec.Index < s.first {
			continue
		}
		if rec.Index >= s.last {
			s.done = true
			break
		}
		s.frame = types.Frame{
			Index:  rec.Index - s.first,
			Width:  rec.Width,
			Height: rec.Height,
			Stride: rec.Stride,
			Pix:    rec.Data,
		}
		return &s.frame, nil
	}
	return nil, io.EOF
}

func (s *rawLogSource) Close() error {
	s.done = true
	return s.reader.Close()
}

// Recorder tees every frame pulled from a source into a raw log so the run
// can be replayed later with RawLogOpener.
type Recorder struct {
	FrameSource
	log    *output.RawLogWriter
	failed bool
}

// NewRecorder writes src's info record to log and returns the teeing source.
// frames is the expected clip length stored in the info record.
func NewRecorder(src FrameSource, log *output.RawLogWriter) (*Recorder, error) {
	info := src.Info()
	err := log.WriteRecord(output.Record{
		Kind:      output.KindInfo,
		Index:     int(info.Duration*info.FrameRate + 1e-6),
		Width:     info.Width,
		Height:    info.Height,
		Stride:    info.Width * types.BytesPerPixel,
		FrameRate: info.FrameRate,
	})
	if err != nil {
		return nil, err
	}
	return &Recorder{FrameSource: src, log: log}, nil
}

func (r *Recorder) Next() (*types.Frame, error) {
	frame, err := r.FrameSource.Next()
	if err != nil || r.failed {
		return frame, err
	}
	werr := r.log.WriteRecord(output.Record{
		Kind:   output.KindFrame,
		Index:  frame.Index,
		Width:  frame.Width,
		Height: frame.Height,
		Stride: frame.Stride,
		Data:   frame.Pix[:frame.Stride*frame.Height],
	})
	if werr != nil {
		// recording is best effort; the run itself continues
		r.failed = true
		logrus.WithFields(logrus.Fields{
			"function": "Recorder.Next",
			"path":     r.log.Path(),
		}).WithError(werr).Warn("raw log recording stopped")
	}
	return frame, nil
}

func (r *Recorder) Close() error {
	err := r.FrameSource.Close()
	if cerr := r.log.Close(); err == nil {
		err = cerr
	}
	return err
}

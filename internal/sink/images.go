package sink

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"timeslice-go/internal/output"
	"timeslice-go/internal/types"
)

// ImageSequenceSink writes one image per raster into a directory as
// frame_000000.<ext>, frame_000001.<ext>, ...
type ImageSequenceSink struct {
	dir     string
	ext     string
	format  string
	width   int
	height  int
	seq     sequence
	written []string
}

// ImageSequence returns an Opener writing ext images; the path is a directory.
func ImageSequence(ext string) Opener {
	return func(path string, width, height int, _ float64) (Sink, error) {
		return NewImageSequenceSink(path, ext, width, height)
	}
}

func NewImageSequenceSink(dir, ext string, width, height int) (*ImageSequenceSink, error) {
	format, err := output.ImageFormat("frame" + ext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSinkSetupFailed, err)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: output %dx%d", types.ErrSinkSetupFailed, width, height)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSinkSetupFailed, err)
	}
	return &ImageSequenceSink{dir: dir, ext: ext, format: format, width: width, height: height}, nil
}

func (s *ImageSequenceSink) framePath(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("frame_%06d%s", index, s.ext))
}

func (s *ImageSequenceSink) Push(r *types.Raster, index int) error {
	if err := s.seq.admit(r, index, s.width, s.height); err != nil {
		return err
	}
	path := s.framePath(index)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	s.written = append(s.written, path)
	w := bufio.NewWriter(f)
	if err := output.EncodeImage(w, r.Image(), s.format); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *ImageSequenceSink) Finish() error {
	if s.seq.close() {
		logrus.WithFields(logrus.Fields{
			"function": "ImageSequenceSink.Finish",
			"dir":      s.dir,
			"frames":   len(s.written),
		}).Info("image sequence written")
	}
	return nil
}

// Abort removes every image written so far.
func (s *ImageSequenceSink) Abort() error {
	if !s.seq.close() {
		return nil
	}
	var errs []error
	for _, path := range s.written {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.written = nil
	return errors.Join(errs...)
}

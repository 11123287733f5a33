package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"timeslice-go/internal/types"
)

// FFmpegSink encodes rasters to an H.264 file through an ffmpeg subprocess
// reading rawvideo RGBA on stdin.
type FFmpegSink struct {
	path   string
	width  int
	height int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	seq    sequence
}

// FFmpeg returns an Opener that runs bin (ffmpeg on PATH when empty).
func FFmpeg(bin string) Opener {
	return func(path string, width, height int, fps float64) (Sink, error) {
		return NewFFmpegSink(bin, path, width, height, fps)
	}
}

func encodeArgs(path string, width, height int, fps float64) []string {
	return []string{
		"-v", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		path,
	}
}

func NewFFmpegSink(bin, path string, width, height int, fps float64) (*FFmpegSink, error) {
	if width <= 0 || height <= 0 || fps <= 0 {
		return nil, fmt.Errorf("%w: output %dx%d at %.2f fps", types.ErrSinkSetupFailed, width, height, fps)
	}
	if bin == "" {
		bin = "ffmpeg"
	}
	resolved, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSinkSetupFailed, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSinkSetupFailed, err)
	}
	probe, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSinkSetupFailed, err)
	}
	_ = probe.Close()

	cmd := exec.Command(resolved, encodeArgs(path, width, height, fps)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: %v", types.ErrSinkSetupFailed, err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: start ffmpeg: %v", types.ErrSinkSetupFailed, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewFFmpegSink",
		"path":     path,
		"width":    width,
		"height":   height,
		"fps":      fps,
	}).Info("encoder started")
	return &FFmpegSink{
		path:   path,
		width:  width,
		height: height,
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
	}, nil
}

func (s *FFmpegSink) Push(r *types.Raster, index int) error {
	if err := s.seq.admit(r, index, s.width, s.height); err != nil {
		return err
	}
	if _, err := s.stdin.Write(r.Tight()); err != nil {
		return fmt.Errorf("ffmpeg write: %v: %s", err, s.stderr.String())
	}
	return nil
}

// Finish closes stdin and waits for ffmpeg to write the container trailer.
func (s *FFmpegSink) Finish() error {
	if !s.seq.close() {
		return nil
	}
	cerr := s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		s.discard()
		return fmt.Errorf("ffmpeg: %v: %s", err, s.stderr.String())
	}
	if cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		s.discard()
		return cerr
	}
	logrus.WithFields(logrus.Fields{
		"function": "FFmpegSink.Finish",
		"path":     s.path,
		"frames":   s.seq.next,
	}).Info("encoder finished")
	return nil
}

// Abort kills the encoder and removes the partial file.
func (s *FFmpegSink) Abort() error {
	if !s.seq.close() {
		return nil
	}
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FFmpegSink) discard() {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithFields(logrus.Fields{
			"function": "FFmpegSink.discard",
			"path":     s.path,
		}).WithError(err).Warn("could not remove failed output")
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}

package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"timeslice-go/internal/types"
)

// FFmpegOpener decodes a media file through ffprobe/ffmpeg subprocesses,
// streaming RGBA rawvideo over a pipe.
type FFmpegOpener struct {
	Path    string
	FFmpeg  string
	FFprobe string

	mu    sync.Mutex
	probe *types.SourceInfo
}

func (o *FFmpegOpener) ffmpegBin() string {
	if o.FFmpeg != "" {
		return o.FFmpeg
	}
	return "ffmpeg"
}

func (o *FFmpegOpener) ffprobeBin() string {
	if o.FFprobe != "" {
		return o.FFprobe
	}
	return "ffprobe"
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (o *FFmpegOpener) Probe(ctx context.Context) (types.SourceInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.probe != nil {
		return *o.probe, nil
	}
	if _, err := os.Stat(o.Path); err != nil {
		return types.SourceInfo{}, fmt.Errorf("%w: %v", types.ErrSourceUnreadable, err)
	}

	cmd := exec.CommandContext(ctx, o.ffprobeBin(),
		"-v", "error",
		"-show_entries", "stream=codec_type,width,height,r_frame_rate,avg_frame_rate,duration:format=duration",
		"-of", "json",
		o.Path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return types.SourceInfo{}, fmt.Errorf("%w: ffprobe %s: %v: %s", types.ErrSourceUnreadable, o.Path, err, strings.TrimSpace(stderr.String()))
	}
	info, err := parseProbe(out)
	if err != nil {
		return types.SourceInfo{}, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "FFmpegOpener.Probe",
		"path":     o.Path,
		"width":    info.Width,
		"height":   info.Height,
		"fps":      info.FrameRate,
		"duration": info.Duration,
	}).Debug("probed source")
	o.probe = &info
	return info, nil
}

func parseProbe(data []byte) (types.SourceInfo, error) {
	var probe probeOutput
	if err := json.Unmarshal(data, &probe); err != nil {
		return types.SourceInfo{}, fmt.Errorf("%w: ffprobe output: %v", types.ErrSourceUnreadable, err)
	}
	for _, s := range probe.Streams {
		if s.CodecType != "video" || s.Width <= 0 || s.Height <= 0 {
			continue
		}
		fps, err := parseRational(s.AvgFrameRate)
		if err != nil || fps <= 0 {
			fps, err = parseRational(s.RFrameRate)
		}
		if err != nil || fps <= 0 {
			continue
		}
		duration, _ := strconv.ParseFloat(s.Duration, 64)
		if duration <= 0 {
			duration, _ = strconv.ParseFloat(probe.Format.Duration, 64)
		}
		return types.SourceInfo{Width: s.Width, Height: s.Height, FrameRate: fps, Duration: duration}, nil
	}
	return types.SourceInfo{}, fmt.Errorf("%w: no video stream with usable geometry and frame rate", types.ErrNoDecodableTrack)
}

// parseRational reads "30000/1001" or "25".
func parseRational(v string) (float64, error) {
	num, den, found := strings.Cut(strings.TrimSpace(v), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, err
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, errors.New("zero denominator")
	}
	return n / d, nil
}

func decodeArgs(path string, r types.Range) []string {
	return []string{
		"-v", "error",
		"-nostdin",
		"-ss", strconv.FormatFloat(r.Start, 'f', 6, 64),
		"-i", path,
		"-t", strconv.FormatFloat(r.Duration(), 'f', 6, 64),
		"-map", "0:v:0",
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	}
}

func (o *FFmpegOpener) Open(ctx context.Context, r types.Range) (FrameSource, error) {
	info, err := o.Probe(ctx)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, o.ffmpegBin(), decodeArgs(o.Path, r)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSourceUnreadable, err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", types.ErrSourceUnreadable, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "FFmpegOpener.Open",
		"path":     o.Path,
		"start":    r.Start,
		"end":      r.End,
	}).Info("decoder started")

	stride := info.Width * types.BytesPerPixel
	return &ffmpegSource{
		cmd:    cmd,
		stdout: bufio.NewReaderSize(stdout, stride*info.Height),
		stderr: stderr,
		info:   info,
		frame: types.Frame{
			Width:  info.Width,
			Height: info.Height,
			Stride: stride,
			Pix:    make([]byte, stride*info.Height),
		},
	}, nil
}

type ffmpegSource struct {
	cmd    *exec.Cmd
	stdout *bufio.Reader
	stderr *tailBuffer
	info   types.SourceInfo
	frame  types.Frame
	next   int
	done   bool
}

func (s *ffmpegSource) Info() types.SourceInfo { return s.info }

func (s *ffmpegSource) Next() (*types.Frame, error) {
	if s.done {
		return nil, io.EOF
	}
	_, err := io.ReadFull(s.stdout, s.frame.Pix)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		s.done = true
		if werr := s.cmd.Wait(); werr != nil && s.next == 0 {
			return nil, fmt.Errorf("%w: ffmpeg: %v: %s", types.ErrSourceUnreadable, werr, s.stderr.String())
		}
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read frame %d: %v", types.ErrSourceUnreadable, s.next, err)
	}
	s.frame.Index = s.next
	s.next++
	return &s.frame, nil
}

func (s *ffmpegSource) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
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

package config

import (
	"fmt"
	"strings"
	"time"

	"timeslice-go/internal/plan"
	"timeslice-go/internal/types"
)

type AppConfig struct {
	Mode string

	// Exactly one source: Input (file), Endpoint (ZMQ), RawLogInput or Debug.
	Input          string
	Endpoint       string
	RawLogInput    string
	Debug          bool
	DebugWidth     int
	DebugHeight    int
	DebugFPS       float64
	DebugFrames    int
	DebugAcqRate   float64
	IngestLogEvery int
	IdleTimeout    time.Duration

	Output        string
	OutputFormat  string
	Start         float64
	End           float64
	Speed         float64
	OutputFPS     float64
	PreviewX      int
	PreviewTarget int
	PreviewMax    int

	Workers       int
	BatchSize     int
	MaxArenaBytes int64
	CancelPolicy  string

	Serve  bool
	Port   int
	UIRate time.Duration

	LogLevel string
	LogJSON  bool

	FFmpeg  string
	FFprobe string

	RawLogEnabled bool
	RawLogDir     string
	RawLogCodec   string
}

// Defaults returns the configuration used when no flags are given.
// PreviewX of -1 selects the horizontal midpoint.
func Defaults() AppConfig {
	return AppConfig{
		Mode:           "export",
		DebugWidth:     320,
		DebugHeight:    180,
		DebugFPS:       30,
		DebugFrames:    900,
		IngestLogEvery: 100,
		IdleTimeout:    10 * time.Second,
		OutputFormat:   "mp4",
		Speed:          1,
		OutputFPS:      plan.DefaultOutputFrameRate,
		PreviewX:       -1,
		PreviewTarget:  plan.DefaultPreviewTarget,
		PreviewMax:     plan.DefaultPreviewMax,
		BatchSize:      100,
		MaxArenaBytes:  8 << 30,
		CancelPolicy:   "keep",
		Port:           8888,
		UIRate:         250 * time.Millisecond,
		LogLevel:       "info",
		FFmpeg:         "ffmpeg",
		FFprobe:        "ffprobe",
		RawLogDir:      "rawlog",
		RawLogCodec:    "zstd",
	}
}

// Validate rejects settings that cannot produce a run. It never touches the
// source or the output.
func (c AppConfig) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{types.ErrInvalidParameters}, args...)...)
	}

	switch c.Mode {
	case "export", "preview":
	default:
		return bad("mode must be export or preview, got %q", c.Mode)
	}

	sources := 0
	for _, set := range []bool{c.Input != "", c.Endpoint != "", c.RawLogInput != "", c.Debug} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return bad("choose exactly one of -input, -endpoint, -raw-log-input or -debug")
	}
	if c.Debug && (c.DebugWidth <= 0 || c.DebugHeight <= 0 || c.DebugFPS <= 0 || c.DebugFrames <= 0) {
		return bad("debug source needs positive size, fps and frame count")
	}

	if err := (types.Range{Start: c.Start, End: c.End}).Validate(); err != nil {
		return err
	}
	if c.Output == "" {
		return bad("-output is required")
	}
	if c.Mode == "export" {
		if err := plan.ValidateSpeed(c.Speed); err != nil {
			return err
		}
		if c.OutputFPS <= 0 {
			return bad("output fps %.2f must be positive", c.OutputFPS)
		}
	}
	if c.PreviewX < -1 {
		return bad("preview x %d must be -1 (midpoint) or a column index", c.PreviewX)
	}
	if c.PreviewTarget < 0 || c.PreviewMax < 0 {
		return bad("preview limits must not be negative")
	}
	if c.Workers < 0 || c.BatchSize < 0 || c.MaxArenaBytes < 0 {
		return bad("workers, batch size and arena limit must not be negative")
	}
	switch strings.ToLower(c.CancelPolicy) {
	case "", "keep", "discard":
	default:
		return bad("cancel policy must be keep or discard, got %q", c.CancelPolicy)
	}
	if c.Serve && (c.Port <= 0 || c.Port > 65535) {
		return bad("port %d out of range", c.Port)
	}
	return nil
}

// SampleX returns the preview column, nil meaning the midpoint.
func (c AppConfig) SampleX() *int {
	if c.PreviewX < 0 {
		return nil
	}
	x := c.PreviewX
	return &x
}

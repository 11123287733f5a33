package plan

import (
	"fmt"
	"math"

	"timeslice-go/internal/types"
)

const (
	MinSpeed = 1.0
	MaxSpeed = 10.0

	DefaultOutputFrameRate = 30.0

	DefaultPreviewTarget = 800
	DefaultPreviewMax    = 1000
	// HardPreviewMax bounds preview latency regardless of what the caller asks for.
	HardPreviewMax = 2000
)

type Mode string

const (
	ModeExport  Mode = "export"
	ModePreview Mode = "preview"
)

// Plan is the immutable result of sampling a time range of a source.
type Plan struct {
	Mode              Mode        `json:"mode"`
	Range             types.Range `json:"range"`
	SourceWidth       int         `json:"source_width"`
	SourceHeight      int         `json:"source_height"`
	SourceFrameRate   float64     `json:"source_frame_rate"`
	TotalFrames       int         `json:"total_frames"`
	FrameInterval     int         `json:"frame_interval"`
	SampledFrameCount int         `json:"sampled_frame_count"`
	OutputFrameRate   float64     `json:"output_frame_rate,omitempty"`
	SampleX           int         `json:"sample_x,omitempty"`

	// spread, when set, is the column count a preview distributes evenly
	// over TotalFrames.
	spread int
}

// PreviewOptions tunes ForPreview. Zero values select the defaults.
type PreviewOptions struct {
	// SampleX is the column sampled from every frame; nil selects the midpoint.
	SampleX   *int
	Target    int
	MaxFrames int
}

// ValidateSpeed rejects speed factors outside [MinSpeed, MaxSpeed].
func ValidateSpeed(speed float64) error {
	if math.IsNaN(speed) || speed < MinSpeed || speed > MaxSpeed {
		return fmt.Errorf("%w: speed factor %.2f outside [%.0f, %.0f]", types.ErrInvalidParameters, speed, MinSpeed, MaxSpeed)
	}
	return nil
}

// ForExport plans a full export: every frameInterval-th frame of the range is sampled.
func ForExport(r types.Range, speed float64, info types.SourceInfo, outputFPS float64) (Plan, error) {
	if err := r.Validate(); err != nil {
		return Plan{}, err
	}
	if err := ValidateSpeed(speed); err != nil {
		return Plan{}, err
	}
	if err := validateInfo(info); err != nil {
		return Plan{}, err
	}
	if outputFPS <= 0 {
		outputFPS = DefaultOutputFrameRate
	}

	total := TotalFrames(r, info.FrameRate)
	interval := int(math.Round(speed))
	if interval < 1 {
		interval = 1
	}
	sampled := total / interval
	if sampled <= 0 {
		return Plan{}, fmt.Errorf("%w: range %.3f-%.3f at %.3f fps yields no samples", types.ErrInvalidParameters, r.Start, r.End, info.FrameRate)
	}

	return Plan{
		Mode:              ModeExport,
		Range:             r,
		SourceWidth:       info.Width,
		SourceHeight:      info.Height,
		SourceFrameRate:   info.FrameRate,
		TotalFrames:       total,
		FrameInterval:     interval,
		SampledFrameCount: sampled,
		OutputFrameRate:   outputFPS,
	}, nil
}

// ForPreview plans a preview still of exactly min(target, maxFrames,
// totalFrames) columns, spread evenly over the whole range. FrameInterval is
// the nominal (floored) gap between samples.
func ForPreview(r types.Range, info types.SourceInfo, opts PreviewOptions) (Plan, error) {
	if err := r.Validate(); err != nil {
		return Plan{}, err
	}
	if err := validateInfo(info); err != nil {
		return Plan{}, err
	}

	sampleX := info.Width / 2
	if opts.SampleX != nil {
		sampleX = *opts.SampleX
	}
	if sampleX < 0 || sampleX >= info.Width {
		return Plan{}, fmt.Errorf("%w: sample x %d outside [0, %d)", types.ErrInvalidParameters, sampleX, info.Width)
	}
	if info.Height < 2 {
		return Plan{}, fmt.Errorf("%w: source height %d too small for a half-height preview", types.ErrInvalidParameters, info.Height)
	}

	target := opts.Target
	if target <= 0 {
		target = DefaultPreviewTarget
	}
	maxFrames := opts.MaxFrames
	if maxFrames <= 0 {
		maxFrames = DefaultPreviewMax
	}
	if maxFrames > HardPreviewMax {
		maxFrames = HardPreviewMax
	}
	limit := min(target, maxFrames)

	total := TotalFrames(r, info.FrameRate)
	if total <= 0 {
		return Plan{}, fmt.Errorf("%w: range %.3f-%.3f at %.3f fps yields no samples", types.ErrInvalidParameters, r.Start, r.End, info.FrameRate)
	}
	limit = min(limit, total)
	interval := max(1, total/limit)

	return Plan{
		Mode:              ModePreview,
		Range:             r,
		SourceWidth:       info.Width,
		SourceHeight:      info.Height,
		SourceFrameRate:   info.FrameRate,
		TotalFrames:       total,
		FrameInterval:     interval,
		SampledFrameCount: limit,
		SampleX:           sampleX,
		spread:            limit,
	}, nil
}

// TotalFrames is floor(duration * fps), tolerant of floating point noise just below an integer.
func TotalFrames(r types.Range, fps float64) int {
	return int(math.Floor(r.Duration()*fps + 1e-6))
}

// SourceIndex is the range-relative source frame read for sample j. Exports
// take every FrameInterval-th frame; previews take floor(j*TotalFrames/columns)
// so the last column lands in the final stretch of the range. The result is
// strictly increasing in j.
func (p Plan) SourceIndex(j int) int {
	if p.spread > 0 {
		return int(int64(j) * int64(p.TotalFrames) / int64(p.spread))
	}
	return j * p.FrameInterval
}

// Truncated returns a copy of p that samples only n frames.
// SourceIndex is unaffected.
func (p Plan) Truncated(n int) Plan {
	if n < p.SampledFrameCount {
		p.SampledFrameCount = n
	}
	return p
}

// FrameBytes is the size of one tightly packed source frame.
func (p Plan) FrameBytes() int {
	return p.SourceWidth * p.SourceHeight * types.BytesPerPixel
}

// ArenaBytes is the size of the arena holding every sampled frame, or -1 on overflow.
func (p Plan) ArenaBytes() int64 {
	fb := int64(p.FrameBytes())
	n := int64(p.SampledFrameCount)
	if fb <= 0 || n <= 0 {
		return 0
	}
	if n > math.MaxInt64/fb {
		return -1
	}
	return fb * n
}

// PreviewHeight is the output height of a preview raster.
func (p Plan) PreviewHeight() int {
	return p.SourceHeight / 2
}

func validateInfo(info types.SourceInfo) error {
	if info.Width <= 0 || info.Height <= 0 {
		return fmt.Errorf("%w: source size %dx%d", types.ErrInvalidParameters, info.Width, info.Height)
	}
	if info.FrameRate <= 0 || math.IsNaN(info.FrameRate) || math.IsInf(info.FrameRate, 0) {
		return fmt.Errorf("%w: source frame rate %.3f", types.ErrInvalidParameters, info.FrameRate)
	}
	return nil
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"timeslice-go/internal/plan"
	"timeslice-go/internal/types"
)

// timeslice-plan prints the sampling plan for a source description without
// opening any media.
func main() {
	var (
		mode          = flag.String("mode", "export", "export or preview")
		width         = flag.Int("width", 1920, "Source width")
		height        = flag.Int("height", 1080, "Source height")
		fps           = flag.Float64("fps", 30, "Source frame rate")
		start         = flag.Float64("start", 0, "Range start in seconds")
		end           = flag.Float64("end", 10, "Range end in seconds")
		speed         = flag.Float64("speed", 1, "Speed factor in [1, 10]")
		outputFPS     = flag.Float64("output-fps", plan.DefaultOutputFrameRate, "Output frame rate")
		previewX      = flag.Int("preview-x", -1, "Preview column (-1 = midpoint)")
		previewTarget = flag.Int("preview-target", plan.DefaultPreviewTarget, "Preferred preview width")
		previewMax    = flag.Int("preview-max", plan.DefaultPreviewMax, "Maximum preview width")
	)
	flag.Parse()

	info := types.SourceInfo{Width: *width, Height: *height, FrameRate: *fps}
	r := types.Range{Start: *start, End: *end}

	var (
		p   plan.Plan
		err error
	)
	switch *mode {
	case "export":
		p, err = plan.ForExport(r, *speed, info, *outputFPS)
	case "preview":
		opts := plan.PreviewOptions{Target: *previewTarget, MaxFrames: *previewMax}
		if *previewX >= 0 {
			opts.SampleX = previewX
		}
		p, err = plan.ForPreview(r, info, opts)
	default:
		err = fmt.Errorf("%w: unknown mode %q", types.ErrInvalidParameters, *mode)
	}
	if err != nil {
		logrus.WithField("function", "main").WithError(err).Error("cannot plan")
		os.Exit(2)
	}

	summary := map[string]any{
		"plan":        p,
		"arena_bytes": p.ArenaBytes(),
	}
	if p.Mode == plan.ModeExport {
		summary["output_frames"] = p.SourceWidth
		summary["output_size"] = fmt.Sprintf("%dx%d", p.SampledFrameCount, p.SourceHeight)
		summary["output_seconds"] = float64(p.SourceWidth) / p.OutputFrameRate
	} else {
		summary["output_size"] = fmt.Sprintf("%dx%d", p.SampledFrameCount, p.PreviewHeight())
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		logrus.WithError(err).Fatal("encode plan")
	}
}

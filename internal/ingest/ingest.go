package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"timeslice-go/internal/plan"
	"timeslice-go/internal/types"
)

// ReportEvery is how many samples pass between progress callbacks.
const ReportEvery = 10

// Source is the forward-only cursor a pass pulls from. Next returns io.EOF
// once exhausted. A returned frame is only valid until the next call.
type Source interface {
	Next() (*types.Frame, error)
}

// Visitor receives each sampled frame together with its sample index.
type Visitor func(sample int, frame *types.Frame) error

// Result summarizes a pass.
type Result struct {
	Pulled    int
	Samples   int
	Exhausted *types.ExhaustionError
}

// Pass pulls src sequentially, handing frame p.SourceIndex(j) to visit as
// sample j until SampledFrameCount samples were visited or src ran dry. Cancellation is
// checked once per pulled frame. A short source is reported in Result.Exhausted
// and is not an error.
func Pass(ctx context.Context, src Source, p plan.Plan, visit Visitor, progress func(float64)) (Result, error) {
	var res Result
	if p.FrameInterval < 1 || p.SampledFrameCount < 1 {
		return res, fmt.Errorf("%w: plan samples %d frames every %d", types.ErrInvalidParameters, p.SampledFrameCount, p.FrameInterval)
	}

	log := logrus.WithFields(logrus.Fields{
		"function": "ingest.Pass",
		"mode":     p.Mode,
		"planned":  p.SampledFrameCount,
		"interval": p.FrameInterval,
	})

	for res.Samples < p.SampledFrameCount {
		if err := ctx.Err(); err != nil {
			log.WithField("samples", res.Samples).Info("pass cancelled")
			return res, types.Cancelled(context.Cause(ctx))
		}

		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, types.Cancelled(context.Cause(ctx))
			}
			return res, classify(err)
		}
		index := res.Pulled
		res.Pulled++

		if index != p.SourceIndex(res.Samples) {
			continue
		}
		if frame.Width != p.SourceWidth || frame.Height != p.SourceHeight {
			return res, fmt.Errorf("%w: frame %d is %dx%d, plan expects %dx%d", types.ErrSourceUnreadable, index, frame.Width, frame.Height, p.SourceWidth, p.SourceHeight)
		}
		if err := frame.Validate(); err != nil {
			return res, fmt.Errorf("%w: %v", types.ErrSourceUnreadable, err)
		}
		if err := visit(res.Samples, frame); err != nil {
			return res, err
		}
		res.Samples++

		if progress != nil && (res.Samples%ReportEvery == 0 || res.Samples == p.SampledFrameCount) {
			progress(float64(res.Samples) / float64(p.SampledFrameCount))
		}
	}

	if res.Samples < p.SampledFrameCount {
		res.Exhausted = &types.ExhaustionError{Planned: p.SampledFrameCount, Actual: res.Samples}
		log.WithFields(logrus.Fields{
			"pulled":  res.Pulled,
			"samples": res.Samples,
		}).Warn("source exhausted before plan completed")
		if progress != nil && res.Samples > 0 {
			progress(1)
		}
	}
	return res, nil
}

// Ingest copies every sampled frame of src into arena, one slot per sample.
// On a short source the arena is truncated to the samples actually written.
func Ingest(ctx context.Context, src Source, p plan.Plan, arena *Arena, progress func(float64)) (Result, error) {
	if arena.Frames() != p.SampledFrameCount || arena.Width() != p.SourceWidth || arena.Height() != p.SourceHeight {
		return Result{}, fmt.Errorf("%w: arena %dx%dx%d does not match plan %dx%dx%d", types.ErrInvalidParameters,
			arena.Width(), arena.Height(), arena.Frames(), p.SourceWidth, p.SourceHeight, p.SampledFrameCount)
	}

	res, err := Pass(ctx, src, p, func(sample int, frame *types.Frame) error {
		CopyFrame(arena.Slot(sample), frame)
		return nil
	}, progress)
	if err != nil {
		return res, err
	}
	if res.Exhausted != nil {
		arena.Truncate(res.Samples)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ingest.Ingest",
		"pulled":   res.Pulled,
		"samples":  res.Samples,
		"bytes":    res.Samples * arena.FrameBytes(),
	}).Info("ingest pass complete")
	return res, nil
}

// CopyFrame copies frame's rows into dst, which is tightly packed.
// The source stride is honoured and never assumed equal to the row width.
func CopyFrame(dst []byte, frame *types.Frame) {
	row := frame.Width * types.BytesPerPixel
	if frame.Stride == row {
		copy(dst[:row*frame.Height], frame.Pix[:row*frame.Height])
		return
	}
	for y := 0; y < frame.Height; y++ {
		copy(dst[y*row:(y+1)*row], frame.Row(y))
	}
}

func classify(err error) error {
	for _, known := range []error{
		types.ErrSourceUnreadable,
		types.ErrNoDecodableTrack,
		types.ErrCancelled,
		types.ErrAllocationFailure,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", types.ErrSourceUnreadable, err)
}

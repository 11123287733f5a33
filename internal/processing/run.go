package processing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"timeslice-go/internal/ingest"
	"timeslice-go/internal/plan"
	"timeslice-go/internal/types"
)

// SnapshotFunc receives partial previews while a pass is running.
type SnapshotFunc func(*types.Raster)

// RunPreview performs one sequential pass over src and returns the preview
// raster. No arena or transpose is involved: each sampled frame contributes
// its SampleX column directly. A short source yields a narrower raster and a
// non-nil Result.Exhausted. onSnapshot, if set, is called every snapshotEvery columns.
func RunPreview(ctx context.Context, src ingest.Source, p plan.Plan, progress func(float64), snapshotEvery int, onSnapshot SnapshotFunc) (*types.Raster, ingest.Result, error) {
	builder, err := NewPreviewBuilder(p)
	if err != nil {
		return nil, ingest.Result{}, err
	}

	log := logrus.WithFields(logrus.Fields{
		"function": "processing.RunPreview",
		"columns":  p.SampledFrameCount,
		"height":   p.PreviewHeight(),
		"sample_x": p.SampleX,
		"interval": p.FrameInterval,
	})
	start := time.Now()

	res, err := ingest.Pass(ctx, src, p, func(sample int, frame *types.Frame) error {
		builder.AddFrame(frame)
		if onSnapshot != nil && snapshotEvery > 0 && (sample+1)%snapshotEvery == 0 {
			onSnapshot(builder.Snapshot())
		}
		return nil
	}, progress)
	if err != nil {
		log.WithError(err).Warn("preview pass stopped")
		return nil, res, err
	}
	if res.Samples == 0 {
		return nil, res, fmt.Errorf("%w: no frames in range: %w", types.ErrNoDecodableTrack, res.Exhausted)
	}

	raster := builder.Raster()
	log.WithFields(logrus.Fields{
		"width":   raster.Width,
		"elapsed": time.Since(start),
	}).Info("preview complete")
	return raster, res, nil
}

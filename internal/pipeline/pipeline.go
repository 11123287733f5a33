// Package pipeline runs the timeslice phases end to end: plan, ingest,
// transpose and assemble for an export, or a single extraction pass for a
// preview. Both entry points block until the run ends and report progress
// through an injected callback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"timeslice-go/internal/assemble"
	"timeslice-go/internal/ingest"
	"timeslice-go/internal/output"
	"timeslice-go/internal/plan"
	"timeslice-go/internal/processing"
	"timeslice-go/internal/progress"
	"timeslice-go/internal/sink"
	"timeslice-go/internal/source"
	"timeslice-go/internal/transpose"
	"timeslice-go/internal/types"
)

// CancelPolicy decides what a cancelled export leaves behind.
type CancelPolicy string

const (
	// KeepPartial finalizes the sink with the rasters pushed before cancellation.
	KeepPartial CancelPolicy = "keep"
	// Discard aborts the sink so no output remains.
	Discard CancelPolicy = "discard"
)

func ParseCancelPolicy(v string) (CancelPolicy, error) {
	switch CancelPolicy(strings.ToLower(strings.TrimSpace(v))) {
	case "", KeepPartial:
		return KeepPartial, nil
	case Discard:
		return Discard, nil
	default:
		return "", fmt.Errorf("%w: unknown cancel policy %q", types.ErrInvalidParameters, v)
	}
}

type ExportRequest struct {
	Range           types.Range
	Speed           float64
	OutputPath      string
	OutputFrameRate float64
}

type PreviewRequest struct {
	Range     types.Range
	SampleX   *int
	Target    int
	MaxFrames int
}

// Options carries the tunables shared by both modes. Zero values select defaults.
type Options struct {
	RunID         string
	Workers       int
	BatchSize     int
	MaxArenaBytes int64
	CancelPolicy  CancelPolicy
	Progress      progress.Func
	// Phase, if set, is told about every phase transition.
	Phase   func(name string)
	Metrics *Metrics
	// Capture, if set, receives a raw log copy of every pulled frame.
	Capture *output.RawLogWriter
	// SnapshotEvery and OnSnapshot stream partial previews.
	SnapshotEvery int
	OnSnapshot    processing.SnapshotFunc
}

func (o Options) metrics() *Metrics {
	if o.Metrics != nil {
		return o.Metrics
	}
	return &Metrics{}
}

func (o Options) runID() string {
	if o.RunID != "" {
		return o.RunID
	}
	return uuid.NewString()
}

func (o Options) enter(name string) {
	if o.Phase != nil {
		o.Phase(name)
	}
}

// Result describes a finished, failed or cancelled run.
type Result struct {
	RunID string    `json:"run_id"`
	Plan  plan.Plan `json:"plan"`
	// Planned is the sample count before any truncation.
	Planned   int                      `json:"planned_samples"`
	Exhausted *types.ExhaustionError   `json:"exhausted,omitempty"`
	Pulled    int                      `json:"frames_pulled"`
	Pushed    int                      `json:"rasters_pushed"`
	Cancelled bool                     `json:"cancelled"`
	Kept      bool                     `json:"kept_output"`
	Timings   map[string]time.Duration `json:"timings"`
}

// Export renders one raster per source column and pushes them to the sink
// opened by openSink. Parameters are validated before the source is touched;
// the sample column is not used by exports. A short source truncates the plan
// and is reported in Result.Exhausted. Fatal errors abort the sink; on
// cancellation opts.CancelPolicy decides between Finish and Abort.
func Export(ctx context.Context, opener source.Opener, openSink sink.Opener, req ExportRequest, opts Options) (Result, error) {
	res := Result{RunID: opts.runID(), Timings: map[string]time.Duration{}}
	m := opts.metrics()
	log := logrus.WithFields(logrus.Fields{
		"function": "pipeline.Export",
		"run_id":   res.RunID,
	})

	if err := req.Range.Validate(); err != nil {
		return res, err
	}
	if err := plan.ValidateSpeed(req.Speed); err != nil {
		return res, err
	}
	if openSink == nil || req.OutputPath == "" {
		return res, fmt.Errorf("%w: export needs an output", types.ErrInvalidParameters)
	}
	policy := opts.CancelPolicy
	if policy == "" {
		policy = KeepPartial
	}
	if policy != KeepPartial && policy != Discard {
		return res, fmt.Errorf("%w: unknown cancel policy %q", types.ErrInvalidParameters, policy)
	}

	m.runsStarted.Add(1)
	err := runExport(ctx, opener, openSink, req, opts, policy, m, &res, log)
	switch {
	case err == nil:
		m.runsCompleted.Add(1)
	case errors.Is(err, types.ErrCancelled):
		m.runsCancelled.Add(1)
		res.Cancelled = true
	default:
		m.runsFailed.Add(1)
		log.WithError(err).Error("export failed")
	}
	return res, err
}

func runExport(ctx context.Context, opener source.Opener, openSink sink.Opener, req ExportRequest, opts Options, policy CancelPolicy, m *Metrics, res *Result, log *logrus.Entry) error {
	opts.enter("probe")
	info, err := opener.Probe(ctx)
	if err != nil {
		return err
	}
	p, err := plan.ForExport(req.Range, req.Speed, info, req.OutputFrameRate)
	if err != nil {
		return err
	}
	res.Plan = p
	res.Planned = p.SampledFrameCount
	log = log.WithFields(logrus.Fields{
		"width":    p.SourceWidth,
		"height":   p.SourceHeight,
		"samples":  p.SampledFrameCount,
		"interval": p.FrameInterval,
	})
	log.Info("export planned")

	arena, err := ingest.NewArena(p, opts.MaxArenaBytes)
	if err != nil {
		return err
	}
	defer arena.Release()

	src, err := openSource(ctx, opener, req.Range, opts.Capture)
	if err != nil {
		return err
	}
	defer src.Close()

	tracker := progress.NewTracker(opts.Progress, progress.ExportPhases)

	opts.enter("ingest")
	start := time.Now()
	ing, err := ingest.Ingest(ctx, src, p, arena, tracker.Phase("ingest"))
	res.Timings["ingest"] = time.Since(start)
	since(&m.ingestNanos, start)
	res.Pulled = ing.Pulled
	m.framesPulled.Add(uint64(ing.Pulled))
	m.framesSampled.Add(uint64(ing.Samples))
	if err != nil {
		return err
	}
	if ing.Exhausted != nil {
		res.Exhausted = ing.Exhausted
		m.framesShort.Add(uint64(ing.Exhausted.Planned - ing.Exhausted.Actual))
		p = p.Truncated(ing.Samples)
		res.Plan = p
	}
	if ing.Samples == 0 {
		return fmt.Errorf("%w: no frames in range: %w", types.ErrNoDecodableTrack, ing.Exhausted)
	}
	_ = src.Close()

	opts.enter("transpose")
	start = time.Now()
	idx, err := transpose.Transpose(ctx, arena, opts.Workers, tracker.Phase("transpose"))
	res.Timings["transpose"] = time.Since(start)
	since(&m.transposeNanos, start)
	if err != nil {
		return err
	}

	out, err := openSink(req.OutputPath, p.SampledFrameCount, p.SourceHeight, p.OutputFrameRate)
	if err != nil {
		if !errors.Is(err, types.ErrSinkSetupFailed) {
			err = fmt.Errorf("%w: %v", types.ErrSinkSetupFailed, err)
		}
		return err
	}

	opts.enter("assemble")
	batch := opts.BatchSize
	if batch < 1 {
		batch = assemble.DefaultBatchSize
	}
	pool := types.NewRasterPool(p.SampledFrameCount, p.SourceHeight, 2*batch)
	start = time.Now()
	asm, err := assemble.Assemble(ctx, idx, out, pool, assemble.Options{BatchSize: batch, Workers: opts.Workers}, tracker.Phase("assemble"))
	res.Timings["assemble"] = time.Since(start)
	since(&m.assembleNanos, start)
	res.Pushed = asm.Pushed
	m.rasterAssembled.Add(uint64(asm.Assembled))
	m.rasterPushed.Add(uint64(asm.Pushed))
	hits, misses := pool.Stats()
	m.poolHits.Add(hits)
	m.poolMisses.Add(misses)

	if err != nil {
		if !errors.Is(err, types.ErrCancelled) {
			if aerr := out.Abort(); aerr != nil {
				log.WithError(aerr).Warn("sink abort failed")
			}
			return err
		}
		return cancelSink(out, policy, res, err, log)
	}

	opts.enter("finish")
	if err := out.Finish(); err != nil {
		// A failed Finish has already removed the output.
		return fmt.Errorf("finish output: %w", err)
	}
	res.Kept = true
	tracker.Complete()
	opts.enter("done")
	log.WithFields(logrus.Fields{
		"pushed":    res.Pushed,
		"truncated": res.Exhausted != nil,
	}).Info("export complete")
	return nil
}

// cancelSink applies policy to a sink after a cancelled assembly and returns
// the cancellation error, or the sink's own failure if finalizing failed.
func cancelSink(out sink.Sink, policy CancelPolicy, res *Result, cancelErr error, log *logrus.Entry) error {
	fields := logrus.Fields{"policy": policy, "pushed": res.Pushed}
	if policy == Discard {
		if err := out.Abort(); err != nil {
			log.WithFields(fields).WithError(err).Warn("discarding cancelled output failed")
		}
		log.WithFields(fields).Info("export cancelled, output discarded")
		return cancelErr
	}
	if err := out.Finish(); err != nil {
		return fmt.Errorf("%w: finalizing partial output: %v", cancelErr, err)
	}
	res.Kept = true
	log.WithFields(fields).Info("export cancelled, partial output kept")
	return cancelErr
}

// Preview builds the half-height composite still. The sample column is
// checked against the probed width before any decode pass starts.
func Preview(ctx context.Context, opener source.Opener, req PreviewRequest, opts Options) (*types.Raster, Result, error) {
	res := Result{RunID: opts.runID(), Timings: map[string]time.Duration{}}
	m := opts.metrics()
	log := logrus.WithFields(logrus.Fields{
		"function": "pipeline.Preview",
		"run_id":   res.RunID,
	})

	if err := req.Range.Validate(); err != nil {
		return nil, res, err
	}

	m.runsStarted.Add(1)
	raster, err := runPreview(ctx, opener, req, opts, m, &res)
	switch {
	case err == nil:
		m.runsCompleted.Add(1)
		m.previews.Add(1)
	case errors.Is(err, types.ErrCancelled):
		m.runsCancelled.Add(1)
		res.Cancelled = true
	default:
		m.runsFailed.Add(1)
		log.WithError(err).Error("preview failed")
	}
	return raster, res, err
}

func runPreview(ctx context.Context, opener source.Opener, req PreviewRequest, opts Options, m *Metrics, res *Result) (*types.Raster, error) {
	opts.enter("probe")
	info, err := opener.Probe(ctx)
	if err != nil {
		return nil, err
	}
	p, err := plan.ForPreview(req.Range, info, plan.PreviewOptions{
		SampleX:   req.SampleX,
		Target:    req.Target,
		MaxFrames: req.MaxFrames,
	})
	if err != nil {
		return nil, err
	}
	res.Plan = p
	res.Planned = p.SampledFrameCount

	src, err := openSource(ctx, opener, req.Range, opts.Capture)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	tracker := progress.NewTracker(opts.Progress, progress.PreviewPhases)
	opts.enter("extract")
	start := time.Now()
	raster, pass, err := processing.RunPreview(ctx, src, p, tracker.Phase("extract"), opts.SnapshotEvery, opts.OnSnapshot)
	res.Timings["extract"] = time.Since(start)
	since(&m.previewNanos, start)
	res.Pulled = pass.Pulled
	m.framesPulled.Add(uint64(pass.Pulled))
	m.framesSampled.Add(uint64(pass.Samples))
	if pass.Exhausted != nil {
		res.Exhausted = pass.Exhausted
		m.framesShort.Add(uint64(pass.Exhausted.Planned - pass.Exhausted.Actual))
		res.Plan = p.Truncated(pass.Samples)
	}
	if err != nil {
		return nil, err
	}
	tracker.Complete()
	opts.enter("done")
	return raster, nil
}

func openSource(ctx context.Context, opener source.Opener, r types.Range, capture *output.RawLogWriter) (source.FrameSource, error) {
	src, err := opener.Open(ctx, r)
	if err != nil {
		return nil, err
	}
	if capture == nil {
		return src, nil
	}
	rec, err := source.NewRecorder(src, capture)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("raw log capture: %w", err)
	}
	return rec, nil
}

package transpose

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"timeslice-go/internal/types"
)

// FrameStore is the frame-major input of a transpose: Frames() tightly packed
// frames of Width x Height pixels, one per slot.
type FrameStore interface {
	Width() int
	Height() int
	Frames() int
	Slot(i int) []byte
	Release()
}

// Transpose reorganizes store into a ColumnIndex. Frames are transposed in
// parallel, one work item per frame; each worker only writes its own frame's
// samples. The store is released once every frame has been consumed.
// Cancellation is observed between frames.
func Transpose(ctx context.Context, store FrameStore, workers int, progress func(float64)) (*ColumnIndex, error) {
	width, height, frames := store.Width(), store.Height(), store.Frames()
	if frames == 0 {
		return nil, fmt.Errorf("%w: nothing to transpose", types.ErrInvalidParameters)
	}
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}

	log := logrus.WithFields(logrus.Fields{
		"function": "transpose.Transpose",
		"width":    width,
		"height":   height,
		"frames":   frames,
		"workers":  workers,
	})
	start := time.Now()

	idx, err := newColumnIndex(width, height, frames)
	if err != nil {
		log.WithError(err).Error("column index allocation failed")
		return nil, err
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for f := 0; f < frames; f++ {
		if gctx.Err() != nil {
			break
		}
		f := f
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			transposeFrame(store.Slot(f), width, height, frameWriter{idx: idx, f: f})
			n := done.Add(1)
			if progress != nil {
				progress(float64(n) / float64(frames))
			}
			return nil
		})
	}
	err = g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		log.WithField("transposed", done.Load()).Info("transpose cancelled")
		return nil, types.Cancelled(context.Cause(ctx))
	}

	store.Release()
	log.WithField("elapsed", time.Since(start)).Info("transpose complete")
	return idx, nil
}

func transposeFrame(src []byte, width, height int, w frameWriter) {
	row := width * types.BytesPerPixel
	for x := 0; x < width; x++ {
		dst := w.sample(x)
		px := x * types.BytesPerPixel
		for y := 0; y < height; y++ {
			s := y*row + px
			d := y * types.BytesPerPixel
			copy(dst[d:d+types.BytesPerPixel], src[s:s+types.BytesPerPixel])
		}
	}
}

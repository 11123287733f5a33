package assemble

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"timeslice-go/internal/transpose"
	"timeslice-go/internal/types"
)

const DefaultBatchSize = 100

// Sink receives finished rasters in presentation order. Push blocks until the
// sink can take more data and must not keep r after it returns.
type Sink interface {
	Push(r *types.Raster, index int) error
}

type Options struct {
	BatchSize int
	Workers   int
}

type Result struct {
	Assembled int
	Pushed    int
}

// batch is a contiguous run of output units assembled together. Each unit
// has a single-use slot; workers fill slots in any order and the consumer
// reads them strictly by index.
type batch struct {
	start int
	slots []chan *types.Raster
}

func newBatch(start, end int) *batch {
	b := &batch{start: start, slots: make([]chan *types.Raster, end-start)}
	for i := range b.slots {
		b.slots[i] = make(chan *types.Raster, 1)
	}
	return b
}

// Assemble builds one raster per column of idx, in ascending x, and pushes each
// to sink with presentation index x. Batches of BatchSize units are assembled in
// parallel: the next batch starts when the sink takes the first unit of the
// current one, so assembly overlaps the sink while at most two batches of rasters
// are resident. Rasters come from pool and go back to it after Push.
// Cancellation is observed before every push; in-flight units finish first.
func Assemble(ctx context.Context, idx *transpose.ColumnIndex, sink Sink, pool *types.RasterPool, opts Options, progress func(float64)) (Result, error) {
	var res Result
	width, frames, height := idx.Width(), idx.Frames(), idx.Height()
	size := opts.BatchSize
	if size < 1 {
		size = DefaultBatchSize
	}
	workers := opts.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	if pool == nil {
		pool = types.NewRasterPool(frames, height, 2*size)
	}

	log := logrus.WithFields(logrus.Fields{
		"function":   "assemble.Assemble",
		"units":      width,
		"raster_w":   frames,
		"raster_h":   height,
		"batch_size": size,
		"workers":    workers,
	})
	log.Info("assembly started")
	started := time.Now()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(workers)

	var assembled atomic.Int64
	var dispatchers sync.WaitGroup
	numBatches := (width + size - 1) / size
	batches := make([]*batch, numBatches)

	schedule := func(k int) {
		if k >= numBatches || batches[k] != nil {
			return
		}
		start := k * size
		b := newBatch(start, min(start+size, width))
		batches[k] = b
		dispatchers.Add(1)
		go func() {
			defer dispatchers.Done()
			for i := range b.slots {
				if gctx.Err() != nil {
					return
				}
				x := b.start + i
				slot := b.slots[i]
				g.Go(func() error {
					if err := gctx.Err(); err != nil {
						return err
					}
					strip, err := idx.Take(x)
					if err != nil {
						return err
					}
					r := pool.Acquire()
					Fill(r, strip)
					assembled.Add(1)
					slot <- r
					return nil
				})
			}
		}()
	}

	var runErr error
	schedule(0)
	for x := 0; x < width; x++ {
		if err := ctx.Err(); err != nil {
			runErr = types.Cancelled(context.Cause(ctx))
			break
		}
		k := x / size
		if x%size == 0 {
			schedule(k + 1)
		}

		b := batches[k]
		var r *types.Raster
		select {
		case r = <-b.slots[x-b.start]:
		case <-gctx.Done():
		}
		if r == nil {
			// A worker failed or ctx ended; Wait below reports which.
			break
		}

		if err := sink.Push(r, x); err != nil {
			pool.Release(r)
			runErr = fmt.Errorf("push raster %d: %w", x, err)
			break
		}
		pool.Release(r)
		res.Pushed++
		if progress != nil {
			progress(float64(res.Pushed) / float64(width))
		}
		if x == b.start+len(b.slots)-1 {
			batches[k] = nil
		}
	}

	stop()
	dispatchers.Wait()
	workErr := g.Wait()
	res.Assembled = int(assembled.Load())

	for _, b := range batches {
		if b == nil {
			continue
		}
		for _, slot := range b.slots {
			select {
			case r := <-slot:
				pool.Release(r)
			default:
			}
		}
	}

	if runErr == nil && res.Pushed < width {
		switch {
		case ctx.Err() != nil:
			runErr = types.Cancelled(context.Cause(ctx))
		case workErr != nil && !errors.Is(workErr, context.Canceled):
			runErr = fmt.Errorf("assemble: %w", workErr)
		default:
			runErr = fmt.Errorf("assemble stopped after %d of %d rasters", res.Pushed, width)
		}
	}

	fields := logrus.Fields{
		"assembled": res.Assembled,
		"pushed":    res.Pushed,
		"elapsed":   time.Since(started),
	}
	if runErr != nil {
		log.WithFields(fields).WithError(runErr).Warn("assembly stopped")
		return res, runErr
	}
	log.WithFields(fields).Info("assembly complete")
	return res, nil
}

// Fill writes strip into r: column j of r is frame j's sample, top row first.
func Fill(r *types.Raster, strip transpose.Strip) {
	for j := 0; j < strip.Frames(); j++ {
		sample := strip.Sample(j)
		px := j * types.BytesPerPixel
		for y := 0; y < r.Height; y++ {
			d := y*r.Stride + px
			s := y * types.BytesPerPixel
			copy(r.Pix[d:d+types.BytesPerPixel], sample[s:s+types.BytesPerPixel])
		}
	}
}

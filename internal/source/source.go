// Package source provides the sequential frame sources a timeslice run pulls
// from: an ffmpeg decoder for files, a ZMQ network feed, raw log replays and a
// synthetic test pattern.
package source

import (
	"context"
	"math"

	"timeslice-go/internal/types"
)

// FrameSource is a forward-only cursor over decoded RGBA frames, indexed from
// the start of the opened range. Next returns io.EOF when exhausted. The
// returned frame is owned by the source and only valid until the next call to
// Next.
type FrameSource interface {
	Info() types.SourceInfo
	Next() (*types.Frame, error)
	Close() error
}

// Opener describes and opens a source. Probe reads metadata only; Open starts
// a decode pass already trimmed to the requested range.
type Opener interface {
	Probe(ctx context.Context) (types.SourceInfo, error)
	Open(ctx context.Context, r types.Range) (FrameSource, error)
}

// frameWindow converts a time range to source frame indices [first, last).
func frameWindow(r types.Range, fps float64) (first, last int) {
	first = int(math.Floor(r.Start*fps + 1e-6))
	last = int(math.Floor(r.End*fps + 1e-6))
	return first, last
}

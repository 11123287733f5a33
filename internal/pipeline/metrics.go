package pipeline

import (
	"sync/atomic"
	"time"

	"timeslice-go/internal/source"
)

// Metrics accumulates counters across runs. The zero value is ready to use
// and safe for concurrent readers. Snapshot also reports the process-wide
// ZMQ decode failure count.
type Metrics struct {
	runsStarted     atomic.Uint64
	runsCompleted   atomic.Uint64
	runsCancelled   atomic.Uint64
	runsFailed      atomic.Uint64
	framesPulled    atomic.Uint64
	framesSampled   atomic.Uint64
	framesShort     atomic.Uint64
	rasterAssembled atomic.Uint64
	rasterPushed    atomic.Uint64
	poolHits        atomic.Uint64
	poolMisses      atomic.Uint64
	previews        atomic.Uint64
	ingestNanos     atomic.Uint64
	transposeNanos  atomic.Uint64
	assembleNanos   atomic.Uint64
	previewNanos    atomic.Uint64
}

func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"runs_started_total":        m.runsStarted.Load(),
		"runs_completed_total":      m.runsCompleted.Load(),
		"runs_cancelled_total":      m.runsCancelled.Load(),
		"runs_failed_total":         m.runsFailed.Load(),
		"frames_pulled_total":       m.framesPulled.Load(),
		"frames_sampled_total":      m.framesSampled.Load(),
		"frames_missing_total":      m.framesShort.Load(),
		"rasters_assembled_total":   m.rasterAssembled.Load(),
		"rasters_pushed_total":      m.rasterPushed.Load(),
		"pool_hits_total":           m.poolHits.Load(),
		"pool_misses_total":         m.poolMisses.Load(),
		"previews_total":            m.previews.Load(),
		"ingest_nanos_total":        m.ingestNanos.Load(),
		"transpose_nanos_total":     m.transposeNanos.Load(),
		"assemble_nanos_total":      m.assembleNanos.Load(),
		"preview_nanos_total":       m.previewNanos.Load(),
		"zmq_decode_failures_total": source.DecodeFailures(),
	}
}

func since(counter *atomic.Uint64, start time.Time) {
	counter.Add(uint64(time.Since(start).Nanoseconds()))
}

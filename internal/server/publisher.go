package server

import (
	"sync"
	"time"

	"timeslice-go/internal/types"
)

// Publisher turns pipeline callbacks into websocket messages and keeps the
// latest state for the HTTP handlers. Progress is throttled to one message
// per interval; sends never block the pipeline.
type Publisher struct {
	runID    string
	interval time.Duration
	messages chan any

	mu       sync.Mutex
	phase    string
	progress float64
	lastSent time.Time
	preview  *types.Raster
	final    bool
	result   *types.ResultMessage
	metrics  func() map[string]any
}

func NewPublisher(runID string, interval time.Duration, buffer int) *Publisher {
	if buffer < 1 {
		buffer = 64
	}
	return &Publisher{
		runID:    runID,
		interval: interval,
		messages: make(chan any, buffer),
	}
}

func (p *Publisher) Messages() <-chan any { return p.messages }

// SetMetrics attaches a counter snapshot to every Status.
func (p *Publisher) SetMetrics(fn func() map[string]any) {
	p.mu.Lock()
	p.metrics = fn
	p.mu.Unlock()
}

func (p *Publisher) send(msg any) {
	select {
	case p.messages <- msg:
	default:
	}
}

func (p *Publisher) Phase(name string) {
	p.mu.Lock()
	p.phase = name
	msg := p.progressLocked()
	p.lastSent = time.Now()
	p.mu.Unlock()
	p.send(msg)
}

func (p *Publisher) Progress(v float64) {
	p.mu.Lock()
	p.progress = v
	if v < 1 && time.Since(p.lastSent) < p.interval {
		p.mu.Unlock()
		return
	}
	msg := p.progressLocked()
	p.lastSent = time.Now()
	p.mu.Unlock()
	p.send(msg)
}

func (p *Publisher) progressLocked() types.ProgressMessage {
	return types.ProgressMessage{Type: "progress", RunID: p.runID, Phase: p.phase, Progress: p.progress}
}

// Preview stores a copy of r for /preview.png and announces it.
func (p *Publisher) Preview(r *types.Raster, final bool) {
	cp := &types.Raster{Width: r.Width, Height: r.Height, Stride: r.Stride, Pix: append([]byte(nil), r.Pix...)}
	p.mu.Lock()
	p.preview = cp
	p.final = final
	msg := p.previewLocked()
	p.mu.Unlock()
	p.send(msg)
}

func (p *Publisher) previewLocked() types.PreviewMessage {
	return types.PreviewMessage{Type: "preview", RunID: p.runID, Width: p.preview.Width, Height: p.preview.Height, Final: p.final}
}

func (p *Publisher) Result(msg types.ResultMessage) {
	msg.Type = "result"
	msg.RunID = p.runID
	p.mu.Lock()
	p.result = &msg
	p.mu.Unlock()
	p.send(msg)
}

func (p *Publisher) LatestPreview() *types.Raster {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.preview
}

func (p *Publisher) Status() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Publisher) statusLocked() map[string]any {
	status := map[string]any{
		"run_id":   p.runID,
		"phase":    p.phase,
		"progress": p.progress,
	}
	if p.result != nil {
		status["result"] = *p.result
	}
	if p.metrics != nil {
		status["metrics"] = p.metrics()
	}
	return status
}

// Reply answers "status_request" with the run status and "preview_request"
// with the latest preview announcement, if there is one.
func (p *Publisher) Reply(request map[string]any) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch request["type"] {
	case "status_request":
		status := p.statusLocked()
		status["type"] = "status"
		return status, true
	case "preview_request":
		if p.preview == nil {
			return nil, false
		}
		return p.previewLocked(), true
	default:
		return nil, false
	}
}

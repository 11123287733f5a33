package progress

import (
	"sync"
)

// Func receives overall progress in [0, 1].
type Func func(float64)

// Phase is one weighted stage of a run.
type Phase struct {
	Name   string
	Weight float64
}

// ceiling is the highest value reported before Complete.
const ceiling = 0.999

var (
	ExportPhases = []Phase{
		{Name: "ingest", Weight: 0.4},
		{Name: "transpose", Weight: 0.2},
		{Name: "assemble", Weight: 0.4},
	}
	PreviewPhases = []Phase{
		{Name: "extract", Weight: 1.0},
	}
)

// Tracker composes per-phase fractions into one monotonically non-decreasing
// value. 1.0 is only ever reported by Complete. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	report  Func
	phases  []Phase
	offsets map[string]float64
	weights map[string]float64
	phase   string
	value   float64
	done    bool
}

func NewTracker(report Func, phases []Phase) *Tracker {
	t := &Tracker{
		report:  report,
		phases:  phases,
		offsets: make(map[string]float64, len(phases)),
		weights: make(map[string]float64, len(phases)),
	}
	total := 0.0
	for _, p := range phases {
		total += p.Weight
	}
	if total <= 0 {
		total = 1
	}
	offset := 0.0
	for _, p := range phases {
		w := p.Weight / total
		t.offsets[p.Name] = offset
		t.weights[p.Name] = w
		offset += w
	}
	return t
}

// Phase returns the reporter for the named phase. Fractions outside [0, 1] are clamped.
func (t *Tracker) Phase(name string) Func {
	return func(frac float64) {
		if frac < 0 || frac != frac {
			frac = 0
		}
		if frac > 1 {
			frac = 1
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.done {
			return
		}
		t.phase = name
		v := t.offsets[name] + t.weights[name]*frac
		if v > ceiling {
			v = ceiling
		}
		t.emitLocked(v)
	}
}

// Complete reports 1.0. Call only after the run fully succeeded.
func (t *Tracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.phase = "done"
	t.value = 1
	if t.report != nil {
		t.report(1)
	}
}

func (t *Tracker) Value() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

func (t *Tracker) CurrentPhase() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

func (t *Tracker) emitLocked(v float64) {
	if v <= t.value {
		return
	}
	t.value = v
	if t.report != nil {
		t.report(v)
	}
}

// Fanout forwards every report to several listeners.
func Fanout(fns ...Func) Func {
	return func(v float64) {
		for _, fn := range fns {
			if fn != nil {
				fn(v)
			}
		}
	}
}

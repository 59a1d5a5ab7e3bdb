package monitoring

import (
	"sync"
	"time"

	"github.com/banshee-data/ultrasonic.position/internal/solver"
)

// LogTraceSink writes every solver iteration through Logf, one line per
// iteration, in the layout of the bench LCD readout.
type LogTraceSink struct{}

// Trace logs t.
func (LogTraceSink) Trace(t solver.Trace) {
	Logf("[solver] it=%d dX=%.1f dY=%.1f X=%.1f Y=%.1f err=%.3f", t.Iteration, t.DFX, t.DFY, t.X, t.Y, t.Error)
}

// TimedTrace is a solver trace stamped with the wall time it was recorded.
type TimedTrace struct {
	solver.Trace
	At time.Time `json:"at"`
}

// TraceRing keeps the most recent solver traces in a fixed-size ring for the
// debug pages. Trace only takes a short mutex, so it is safe to attach to a
// running solve.
type TraceRing struct {
	mu   sync.Mutex
	buf  []TimedTrace
	next int
	full bool
	now  func() time.Time
}

// NewTraceRing returns a ring holding up to size traces. size < 1 is treated
// as 1.
func NewTraceRing(size int) *TraceRing {
	if size < 1 {
		size = 1
	}
	return &TraceRing{buf: make([]TimedTrace, size), now: time.Now}
}

// Trace stores t, overwriting the oldest entry once the ring is full.
func (r *TraceRing) Trace(t solver.Trace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = TimedTrace{Trace: t, At: r.now()}
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns the stored traces, oldest first.
func (r *TraceRing) Recent() []TimedTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]TimedTrace, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]TimedTrace, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// MultiTraceSink fans a trace out to several sinks. Nil sinks are skipped.
func MultiTraceSink(sinks ...solver.TraceSink) solver.TraceSink {
	var live []solver.TraceSink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return solver.TraceFunc(func(t solver.Trace) {
		for _, s := range live {
			s.Trace(t)
		}
	})
}

// Package locator runs the per-cycle pipeline: validate the captured
// timestamps, convert them into distance differences, solve for the
// position and publish it.
//
// HandleCycle is meant to be registered with a capture source and is called
// once per completed ping cycle. It runs to completion on the caller's
// goroutine and spawns nothing.
package locator

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/ultrasonic.position/internal/geometry"
	"github.com/banshee-data/ultrasonic.position/internal/measurement"
	"github.com/banshee-data/ultrasonic.position/internal/position"
	"github.com/banshee-data/ultrasonic.position/internal/solver"
)

// Config collects what the pipeline needs to know about the installation.
type Config struct {
	Geometry geometry.Geometry
	Params   solver.Params
	// ReportRejections publishes the offending transmitter index as X and
	// the offending value as Y when a cycle fails validation, instead of
	// dropping it silently. Only meant for bench diagnostics.
	ReportRejections bool
}

// DefaultConfig returns the reference installation with silent rejection.
func DefaultConfig() Config {
	return Config{
		Geometry: geometry.Default(),
		Params:   solver.DefaultParams(),
	}
}

// Validate checks the geometry and solver parameters.
func (c Config) Validate() error {
	if err := c.Geometry.Validate(); err != nil {
		return fmt.Errorf("invalid geometry: %w", err)
	}
	if err := c.Params.Validate(); err != nil {
		return fmt.Errorf("invalid solver params: %w", err)
	}
	return nil
}

// Outcome describes one processed cycle.
type Outcome struct {
	Sample      measurement.Sample
	Differences measurement.Differences
	Result      solver.Result
	// Solved is false when the cycle was rejected before solving.
	Solved bool
	// Published is set when the publisher was updated, including rejection
	// reports.
	Published bool
	// Err is nil for an accepted fit, a *measurement.RejectError or an error
	// wrapping solver.ErrPoorFit otherwise.
	Err      error
	Duration time.Duration
}

// Observer is told about every processed cycle. It is called on the
// producer's goroutine after the publish step and must not block.
type Observer interface {
	ObserveCycle(Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Outcome)

func (f ObserverFunc) ObserveCycle(o Outcome) { f(o) }

// Option configures a Locator.
type Option func(*Locator)

// WithTraceSink attaches a diagnostic sink to the solver.
func WithTraceSink(sink solver.TraceSink) Option {
	return func(l *Locator) { l.sink = sink }
}

// WithObserver adds a cycle observer.
func WithObserver(o Observer) Option {
	return func(l *Locator) {
		if o != nil {
			l.observers = append(l.observers, o)
		}
	}
}

// Locator turns ping cycles into published positions.
type Locator struct {
	cfg       Config
	pub       *position.Publisher
	sink      solver.TraceSink
	observers []Observer

	// last accepted estimate, used to warm start the next solve. Only the
	// producer touches it.
	last solver.Point
}

// New creates a Locator publishing into pub. The first solve warm starts
// from whatever pub currently holds.
func New(cfg Config, pub *position.Publisher, opts ...Option) (*Locator, error) {
	if pub == nil {
		return nil, errors.New("locator: nil publisher")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	snap := pub.Snapshot()
	l := &Locator{
		cfg:  cfg,
		pub:  pub,
		last: solver.Point{X: snap.X, Y: snap.Y},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the configuration the locator runs with.
func (l *Locator) Config() Config { return l.cfg }

// Publisher returns the publisher consumers should poll.
func (l *Locator) Publisher() *position.Publisher { return l.pub }

// HandleCycle processes one ping cycle. Rejections are not reported to the
// caller; they leave the published state untouched.
func (l *Locator) HandleCycle(s measurement.Sample) {
	l.Process(s)
}

// Process runs the pipeline for one sample and reports what happened.
func (l *Locator) Process(s measurement.Sample) Outcome {
	started := time.Now()
	out := l.process(s)
	out.Duration = time.Since(started)
	for _, o := range l.observers {
		o.ObserveCycle(out)
	}
	return out
}

func (l *Locator) process(s measurement.Sample) Outcome {
	out := Outcome{Sample: s}

	d, err := measurement.Process(l.cfg.Geometry, s)
	out.Differences = d
	if err != nil {
		out.Err = err
		var rej *measurement.RejectError
		if l.cfg.ReportRejections && errors.As(err, &rej) {
			// the fit metric of the last estimate is left as it was
			l.pub.Publish(position.Estimate{X: float64(rej.Index), Y: rej.Value, Error: l.pub.Error()})
			out.Published = true
		}
		return out
	}

	// The solve runs outside the publisher's critical section.
	res := solver.Solve(l.cfg.Geometry, d, l.last, l.cfg.Params, l.sink)
	out.Result = res
	out.Solved = true
	if err := res.Check(l.cfg.Params); err != nil {
		out.Err = err
		return out
	}

	l.last = solver.Point{X: res.X, Y: res.Y}
	l.pub.Publish(position.Estimate{X: res.X, Y: res.Y, Error: res.Error})
	out.Published = true
	return out
}

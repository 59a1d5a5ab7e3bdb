// Package solver finds the receiver position that best explains a set of
// distance differences.
//
// The update is a damped, gradient-normalised Newton-like step: the point
// moves against the gradient of the squared-residual metric by
// StepFactor * f / |grad f|. It needs no Jacobian inversion and tolerates the
// near-degenerate geometry of a flat transmitter rectangle.
package solver

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/ultrasonic.position/internal/geometry"
	"github.com/banshee-data/ultrasonic.position/internal/measurement"
)

// ErrPoorFit is returned when the final metric does not pass the acceptance
// gate.
var ErrPoorFit = errors.New("position fit rejected")

// Params tunes the iteration.
type Params struct {
	// StepFactor damps every update.
	StepFactor float64 `json:"step_factor"`
	// ErrorThreshold ends the iteration once the metric drops to it (ft²).
	ErrorThreshold float64 `json:"error_threshold"`
	// MaxError is the acceptance gate for publishing a result (ft²).
	MaxError float64 `json:"max_error"`
	// MaxIterations bounds the loop.
	MaxIterations int `json:"max_iterations"`
}

// DefaultParams returns the tuning used on the reference installation.
func DefaultParams() Params {
	return Params{
		StepFactor:     0.1,
		ErrorThreshold: 0.01,
		MaxError:       0.5,
		MaxIterations:  100,
	}
}

// Validate checks that the parameters bound the solve.
func (p Params) Validate() error {
	switch {
	case !(p.StepFactor > 0) || math.IsInf(p.StepFactor, 0):
		return fmt.Errorf("step factor must be positive, got %v", p.StepFactor)
	case !(p.ErrorThreshold >= 0):
		return fmt.Errorf("error threshold must be non-negative, got %v", p.ErrorThreshold)
	case !(p.MaxError > 0):
		return fmt.Errorf("max error must be positive, got %v", p.MaxError)
	case p.MaxIterations <= 0:
		return fmt.Errorf("max iterations must be positive, got %d", p.MaxIterations)
	}
	return nil
}

// Point is a planar position in feet.
type Point struct {
	X, Y float64
}

// Result is the outcome of one solve.
type Result struct {
	X, Y float64
	// Error is the sum of squared residuals at the last evaluated point.
	Error float64
	// Iterations is the number of updates applied.
	Iterations int
	// Stationary is set when the loop stopped on a zero gradient.
	Stationary bool
}

// Accepted reports whether r passes the fit-quality gate.
func (r Result) Accepted(p Params) bool {
	if math.IsNaN(r.X) || math.IsNaN(r.Y) || math.IsInf(r.X, 0) || math.IsInf(r.Y, 0) {
		return false
	}
	return math.Abs(r.Error) < p.MaxError
}

// Check returns ErrPoorFit, wrapped with the metric, when r is not accepted.
func (r Result) Check(p Params) error {
	if r.Accepted(p) {
		return nil
	}
	return fmt.Errorf("%w: error %.4f ft² after %d iterations", ErrPoorFit, r.Error, r.Iterations)
}

// Trace is one iteration of the solve, for diagnostics.
type Trace struct {
	Iteration int     `json:"iteration"`
	DFX       float64 `json:"dfx"`
	DFY       float64 `json:"dfy"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Error     float64 `json:"error"`
}

// TraceSink receives iteration traces. Implementations must return quickly
// and never block the solve.
type TraceSink interface {
	Trace(Trace)
}

// TraceFunc adapts a function to TraceSink.
type TraceFunc func(Trace)

func (f TraceFunc) Trace(t Trace) { f(t) }

// Evaluate returns the residual metric f(x, y) and its gradient for the
// observed differences d.
func Evaluate(g geometry.Geometry, d measurement.Differences, x, y float64) (fxy, dfx, dfy float64) {
	tx := g.Transmitters()
	var dist [geometry.NumTransmitters]float64
	for i := range tx {
		dist[i] = g.Distance(i, x, y)
	}

	residuals := make([]float64, 0, geometry.NumTransmitters-1)
	// unit vector components from transmitter 0 towards the receiver
	ux0, uy0 := (x-tx[0].X)/dist[0], (y-tx[0].Y)/dist[0]
	for i := 1; i < geometry.NumTransmitters; i++ {
		e := (dist[i] - dist[0]) - d[i]
		residuals = append(residuals, e)
		dfx += 2 * e * ((x-tx[i].X)/dist[i] - ux0)
		dfy += 2 * e * ((y-tx[i].Y)/dist[i] - uy0)
	}
	fxy = floats.Dot(residuals, residuals)
	return fxy, dfx, dfy
}

// Solve iterates from start towards the position that minimises the sum of
// squared residuals between predicted and observed differences. It always
// returns within p.MaxIterations updates; the caller applies the
// acceptance gate. sink may be nil.
func Solve(g geometry.Geometry, d measurement.Differences, start Point, p Params, sink TraceSink) Result {
	x, y := start.X, start.Y
	var fxy float64
	iters := 0
	stationary := false
	for {
		var dfx, dfy float64
		fxy, dfx, dfy = Evaluate(g, d, x, y)

		gradSq := dfx*dfx + dfy*dfy
		if gradSq == 0 {
			stationary = true
			break
		}

		x -= p.StepFactor * fxy * dfx / gradSq
		y -= p.StepFactor * fxy * dfy / gradSq

		if sink != nil {
			sink.Trace(Trace{Iteration: iters, DFX: dfx, DFY: dfy, X: x, Y: y, Error: fxy})
		}

		iters++
		// NaN fails the comparison and ends the loop; Accepted rejects it.
		if !(math.Abs(fxy) > p.ErrorThreshold) || iters >= p.MaxIterations {
			break
		}
	}
	return Result{X: x, Y: y, Error: fxy, Iterations: iters, Stationary: stationary}
}

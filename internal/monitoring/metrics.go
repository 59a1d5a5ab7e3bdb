package monitoring

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/ultrasonic.position/internal/locator"
	"github.com/banshee-data/ultrasonic.position/internal/measurement"
	"github.com/banshee-data/ultrasonic.position/internal/solver"
)

// Cycle result labels.
const (
	ResultAccepted = "accepted"
	ResultPoorFit  = "poor_fit"
	ResultError    = "error"
)

// LocatorCollector exposes per-cycle Prometheus metrics. It implements
// locator.Observer.
type LocatorCollector struct {
	gatherer prometheus.Gatherer

	Cycles        *prometheus.CounterVec
	Iterations    prometheus.Histogram
	CycleDuration prometheus.Histogram
	FitError      prometheus.Gauge
	Position      *prometheus.GaugeVec
}

// NewLocatorCollector registers the locator metrics against reg. A nil reg
// uses the default registerer.
func NewLocatorCollector(reg prometheus.Registerer) (*LocatorCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locator_cycles_total",
		Help: "Ping cycles processed, by result.",
	}, []string{"result"})
	if err := register(reg, cycles, "locator_cycles_total"); err != nil {
		return nil, err
	}

	iterations := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "locator_solver_iterations",
		Help:    "Solver updates applied per solved cycle.",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 99, 100},
	})
	if err := register(reg, iterations, "locator_solver_iterations"); err != nil {
		return nil, err
	}

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "locator_cycle_duration_seconds",
		Help:    "Time spent processing one ping cycle.",
		Buckets: []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2},
	})
	if err := register(reg, duration, "locator_cycle_duration_seconds"); err != nil {
		return nil, err
	}

	fitError := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "locator_fit_error_square_feet",
		Help: "Sum of squared residuals of the last published estimate.",
	})
	if err := register(reg, fitError, "locator_fit_error_square_feet"); err != nil {
		return nil, err
	}

	pos := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "locator_position_feet",
		Help: "Last published position, by axis.",
	}, []string{"axis"})
	if err := register(reg, pos, "locator_position_feet"); err != nil {
		return nil, err
	}

	return &LocatorCollector{
		gatherer:      gatherer,
		Cycles:        cycles,
		Iterations:    iterations,
		CycleDuration: duration,
		FitError:      fitError,
		Position:      pos,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *LocatorCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ResultLabel maps a cycle outcome onto the result label.
func ResultLabel(o locator.Outcome) string {
	if o.Err == nil {
		return ResultAccepted
	}
	var rej *measurement.RejectError
	if errors.As(o.Err, &rej) {
		return rej.Cause.String()
	}
	if errors.Is(o.Err, solver.ErrPoorFit) {
		return ResultPoorFit
	}
	return ResultError
}

// ObserveCycle records one processed cycle.
func (c *LocatorCollector) ObserveCycle(o locator.Outcome) {
	if c == nil {
		return
	}
	c.Cycles.WithLabelValues(ResultLabel(o)).Inc()
	c.CycleDuration.Observe(o.Duration.Seconds())
	if o.Solved {
		c.Iterations.Observe(float64(o.Result.Iterations))
	}
	if o.Err == nil && o.Published {
		c.FitError.Set(o.Result.Error)
		c.Position.WithLabelValues("x").Set(o.Result.X)
		c.Position.WithLabelValues("y").Set(o.Result.Y)
	}
}

func register(reg prometheus.Registerer, c prometheus.Collector, name string) error {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return fmt.Errorf("collector %s already registered", name)
		}
		return err
	}
	return nil
}

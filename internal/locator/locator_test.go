package locator

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ultrasonic.position/internal/geometry"
	"github.com/banshee-data/ultrasonic.position/internal/measurement"
	"github.com/banshee-data/ultrasonic.position/internal/position"
	"github.com/banshee-data/ultrasonic.position/internal/solver"
)

const epsilon = 0.5

// trackingLock records whether the publisher's critical section is held.
type trackingLock struct {
	mu   sync.Mutex
	held bool
}

func (l *trackingLock) Lock()   { l.mu.Lock(); l.held = true }
func (l *trackingLock) Unlock() { l.held = false; l.mu.Unlock() }

func newLocator(t *testing.T, cfg Config, opts ...Option) (*Locator, *position.Publisher) {
	t.Helper()
	pub := position.NewPublisher(nil)
	l, err := New(cfg, pub, opts...)
	require.NoError(t, err)
	return l, pub
}

// sampleFromDiffs builds a fresh sample whose differences are exactly the
// given tick offsets from the spaced schedule.
func sampleFromDiffs(g geometry.Geometry, diffFeet [3]float64) measurement.Sample {
	ref := uint32(math.MaxUint32) - 1000
	s := measurement.Sample{ref}
	for i := 1; i < geometry.NumTransmitters; i++ {
		ticks := int64(i)*g.SpacingTicks() + int64(math.Round(diffFeet[i-1]/g.FeetPerTick()))
		s[i] = uint32(int64(ref) - ticks)
	}
	return s
}

func TestNewValidates(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Params.MaxIterations = 0
	_, err = New(cfg, position.NewPublisher(nil))
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Geometry.TickRate = 0
	_, err = New(cfg, position.NewPublisher(nil))
	assert.Error(t, err)
}

func TestValidCyclePublishes(t *testing.T) {
	cfg := DefaultConfig()
	l, pub := newLocator(t, cfg)

	out := l.Process(measurement.Synthesize(cfg.Geometry, 3, -4, 200))
	require.NoError(t, out.Err)
	assert.True(t, out.Solved)
	assert.True(t, out.Published)

	assert.True(t, pub.DataAvailable())
	assert.False(t, pub.DataAvailable())
	assert.InDelta(t, 3, pub.X(), epsilon)
	assert.InDelta(t, -4, pub.Y(), epsilon)
	assert.Less(t, math.Abs(pub.Error()), cfg.Params.MaxError)
}

func TestZeroTimestampNeverPublishes(t *testing.T) {
	cfg := DefaultConfig()
	for i := 0; i < geometry.NumTransmitters; i++ {
		l, pub := newLocator(t, cfg)
		before := pub.Snapshot()

		s := measurement.Synthesize(cfg.Geometry, 1, 1, 200)
		s[i] = 0
		out := l.Process(s)

		var rej *measurement.RejectError
		require.True(t, errors.As(out.Err, &rej), "index %d", i)
		assert.Equal(t, measurement.CauseNoCapture, rej.Cause)
		assert.False(t, out.Solved)
		assert.False(t, out.Published)
		assert.False(t, pub.DataAvailable())
		assert.Equal(t, before, pub.Snapshot())
	}
}

func TestRejectionDoesNotRegressState(t *testing.T) {
	cfg := DefaultConfig()
	l, pub := newLocator(t, cfg)

	l.HandleCycle(measurement.Synthesize(cfg.Geometry, -5, 6, 200))
	require.True(t, pub.DataAvailable())
	good := pub.Snapshot()

	stale := measurement.Synthesize(cfg.Geometry, 2, 2, 200)
	stale[1] = 12345
	l.HandleCycle(stale)

	implausible := sampleFromDiffs(cfg.Geometry, [3]float64{0, cfg.Geometry.MaxDifference() + 1, 0})
	l.HandleCycle(implausible)

	poorFit := sampleFromDiffs(cfg.Geometry, [3]float64{50, -50, 50})
	l.HandleCycle(poorFit)

	assert.False(t, pub.DataAvailable())
	assert.Equal(t, good.X, pub.X())
	assert.Equal(t, good.Y, pub.Y())
	assert.Equal(t, good.Error, pub.Error())
}

func TestImplausibleDifferenceRejected(t *testing.T) {
	cfg := DefaultConfig()
	l, pub := newLocator(t, cfg)

	out := l.Process(sampleFromDiffs(cfg.Geometry, [3]float64{0, 0, -60}))
	var rej *measurement.RejectError
	require.True(t, errors.As(out.Err, &rej))
	assert.Equal(t, measurement.CauseImplausible, rej.Cause)
	assert.Equal(t, 3, rej.Index)
	assert.False(t, pub.DataAvailable())
}

func TestPoorFitRejected(t *testing.T) {
	cfg := DefaultConfig()
	l, pub := newLocator(t, cfg)

	out := l.Process(sampleFromDiffs(cfg.Geometry, [3]float64{50, -50, 50}))
	assert.True(t, out.Solved)
	assert.True(t, errors.Is(out.Err, solver.ErrPoorFit))
	assert.False(t, out.Published)
	assert.LessOrEqual(t, out.Result.Iterations, cfg.Params.MaxIterations)
	assert.False(t, pub.DataAvailable())
	assert.Equal(t, position.Estimate{}, pub.Snapshot())
}

func TestReportRejections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReportRejections = true
	l, pub := newLocator(t, cfg)

	s := measurement.Synthesize(cfg.Geometry, 0, 0, 200)
	s[2] = 0
	out := l.Process(s)
	assert.Error(t, out.Err)
	assert.True(t, out.Published)
	require.True(t, pub.DataAvailable())
	assert.Equal(t, position.Estimate{X: 2, Y: 0}, pub.Snapshot())

	s = measurement.Synthesize(cfg.Geometry, 0, 0, 200)
	s[1] = 777
	l.Process(s)
	require.True(t, pub.DataAvailable())
	assert.Equal(t, position.Estimate{X: 1, Y: 777}, pub.Snapshot())

	// a report must not become the next warm start
	out = l.Process(measurement.Synthesize(cfg.Geometry, 2, 3, 200))
	require.NoError(t, out.Err)
	assert.InDelta(t, 2, pub.X(), epsilon)
	assert.InDelta(t, 3, pub.Y(), epsilon)
}

func TestReportRejectionsKeepsFitError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReportRejections = true
	l, pub := newLocator(t, cfg)

	pub.Publish(position.Estimate{X: 1, Y: 1, Error: 0.25})
	require.True(t, pub.DataAvailable())

	s := measurement.Synthesize(cfg.Geometry, 0, 0, 200)
	s[3] = 0
	out := l.Process(s)
	require.True(t, out.Published)
	assert.Equal(t, position.Estimate{X: 3, Y: 0, Error: 0.25}, pub.Snapshot())
}

func TestWarmStartShortensSolve(t *testing.T) {
	cfg := DefaultConfig()
	l, _ := newLocator(t, cfg)
	s := measurement.Synthesize(cfg.Geometry, 4, 5, 200)

	first := l.Process(s)
	require.NoError(t, first.Err)
	second := l.Process(s)
	require.NoError(t, second.Err)
	assert.Less(t, second.Result.Iterations, first.Result.Iterations)
}

func TestWarmStartFromPublisher(t *testing.T) {
	pub := position.NewPublisher(nil)
	pub.Publish(position.Estimate{X: 4, Y: 5})
	pub.DataAvailable()

	cfg := DefaultConfig()
	var firstTrace *solver.Trace
	l, err := New(cfg, pub, WithTraceSink(solver.TraceFunc(func(tr solver.Trace) {
		if firstTrace == nil {
			firstTrace = &tr
		}
	})))
	require.NoError(t, err)

	out := l.Process(measurement.Synthesize(cfg.Geometry, 4.2, 5.1, 200))
	require.NoError(t, out.Err)
	require.NotNil(t, firstTrace)
	assert.InDelta(t, 4, firstTrace.X, 0.5, "first step starts near the published estimate")
	assert.InDelta(t, 5, firstTrace.Y, 0.5)
}

func TestSolveRunsOutsideCriticalSection(t *testing.T) {
	lock := &trackingLock{}
	pub := position.NewPublisher(lock)
	cfg := DefaultConfig()

	traces := 0
	sink := solver.TraceFunc(func(solver.Trace) {
		traces++
		if lock.held {
			t.Error("solver iteration ran while the publisher lock was held")
		}
	})
	l, err := New(cfg, pub, WithTraceSink(sink))
	require.NoError(t, err)

	out := l.Process(measurement.Synthesize(cfg.Geometry, -6, -9, 200))
	require.NoError(t, out.Err)
	assert.Greater(t, traces, 0)
}

func TestObserversSeeEveryCycle(t *testing.T) {
	cfg := DefaultConfig()
	var outcomes []Outcome
	l, _ := newLocator(t, cfg, WithObserver(ObserverFunc(func(o Outcome) {
		outcomes = append(outcomes, o)
	})), WithObserver(nil))

	l.HandleCycle(measurement.Synthesize(cfg.Geometry, 1, 2, 200))
	l.HandleCycle(measurement.Sample{})

	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0].Err)
	assert.True(t, outcomes[0].Published)
	assert.ErrorIs(t, outcomes[1].Err, measurement.ErrRejected)
	assert.GreaterOrEqual(t, outcomes[0].Duration.Nanoseconds(), int64(0))
}

func TestAccessors(t *testing.T) {
	cfg := DefaultConfig()
	l, pub := newLocator(t, cfg)
	assert.Same(t, pub, l.Publisher())
	assert.Equal(t, cfg, l.Config())
}

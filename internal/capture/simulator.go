package capture

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"time"

	"github.com/banshee-data/ultrasonic.position/internal/geometry"
	"github.com/banshee-data/ultrasonic.position/internal/measurement"
)

// SimulatorOptions describes a synthetic receiver circling inside the
// transmitter rectangle.
type SimulatorOptions struct {
	CenterX, CenterY float64
	Radius           float64
	// LapTime is how long one lap of the circle takes.
	LapTime time.Duration
	// CycleInterval is the time between completed ping cycles.
	CycleInterval time.Duration
	// StartTicks is how long the counter runs before transmitter 0 is heard.
	StartTicks uint32
	// JitterTicks adds uniform noise of up to ±JitterTicks to each arrival.
	JitterTicks int
	// DropoutEvery zeroes one timestamp on every Nth cycle. 0 disables.
	DropoutEvery int
	Seed         uint64
}

// DefaultSimulatorOptions returns a slow 6 ft circle around the center.
func DefaultSimulatorOptions() SimulatorOptions {
	return SimulatorOptions{
		Radius:        6,
		LapTime:       time.Minute,
		CycleInterval: 500 * time.Millisecond,
		StartTicks:    2000,
		JitterTicks:   2,
		DropoutEvery:  25,
		Seed:          1,
	}
}

// Simulator produces the samples the capture board would record for the
// synthetic receiver.
type Simulator struct {
	g     geometry.Geometry
	opts  SimulatorOptions
	rng   *rand.Rand
	cycle int
}

// NewSimulator validates opts against g and returns a Simulator.
func NewSimulator(g geometry.Geometry, opts SimulatorOptions) (*Simulator, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if opts.CycleInterval <= 0 {
		return nil, fmt.Errorf("cycle interval must be positive, got %v", opts.CycleInterval)
	}
	if opts.LapTime <= 0 {
		return nil, fmt.Errorf("lap time must be positive, got %v", opts.LapTime)
	}
	if opts.JitterTicks < 0 || opts.DropoutEvery < 0 {
		return nil, fmt.Errorf("jitter and dropout must be non-negative")
	}
	hw, hh := g.HalfWidth(), g.HalfHeight()
	if math.Abs(opts.CenterX)+opts.Radius > hw || math.Abs(opts.CenterY)+opts.Radius > hh {
		return nil, fmt.Errorf("circle of radius %v at (%v, %v) leaves the %vx%v rectangle",
			opts.Radius, opts.CenterX, opts.CenterY, g.Width, g.Height)
	}
	// every arrival, spacing and flight time included, must stay fresh
	budget := int64(opts.StartTicks) + int64(geometry.NumTransmitters-1)*g.SpacingTicks() +
		int64(math.Ceil(g.MaxDifference()/g.FeetPerTick())) + int64(opts.JitterTicks)
	if budget > int64(g.TickRate) {
		return nil, fmt.Errorf("ping schedule needs %d ticks but the counter stays fresh for %d", budget, g.TickRate)
	}
	return &Simulator{
		g:    g,
		opts: opts,
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// PositionAt returns where the receiver is on the given cycle.
func (s *Simulator) PositionAt(cycle int) (x, y float64) {
	theta := 2 * math.Pi * float64(cycle) * float64(s.opts.CycleInterval) / float64(s.opts.LapTime)
	return s.opts.CenterX + s.opts.Radius*math.Cos(theta), s.opts.CenterY + s.opts.Radius*math.Sin(theta)
}

// Next returns the sample for the next cycle.
func (s *Simulator) Next() measurement.Sample {
	x, y := s.PositionAt(s.cycle)
	sample := measurement.Synthesize(s.g, x, y, s.opts.StartTicks)
	if j := s.opts.JitterTicks; j > 0 {
		for i := range sample {
			sample[i] = uint32(int64(sample[i]) + int64(s.rng.IntN(2*j+1)-j))
		}
	}
	s.cycle++
	if n := s.opts.DropoutEvery; n > 0 && s.cycle%n == 0 {
		sample[s.rng.IntN(len(sample))] = 0
	}
	return sample
}

// Run delivers one cycle per CycleInterval until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context, h Handler) error {
	ticker := time.NewTicker(s.opts.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h(s.Next())
		}
	}
}

// WriteLines writes one sample line per CycleInterval to w in the capture
// board's output format until ctx is cancelled or a write fails.
func (s *Simulator) WriteLines(ctx context.Context, w io.Writer) error {
	ticker := time.NewTicker(s.opts.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := fmt.Fprintln(w, s.Next().String()); err != nil {
				return err
			}
		}
	}
}

// PipePort is an in-memory serial port: reads come from a pipe fed by a
// simulator, writes are discarded.
type PipePort struct {
	*io.PipeReader
	w *io.PipeWriter
}

func (p *PipePort) Write(b []byte) (int, error) { return len(b), nil }

func (p *PipePort) Close() error {
	p.w.Close()
	return p.PipeReader.Close()
}

// NewSimulatedSerialSource wires sim behind an in-memory port so the dev
// build exercises the same line parsing as the real board. The simulator
// stops when ctx is cancelled or the source is closed.
func NewSimulatedSerialSource(ctx context.Context, sim *Simulator) *SerialSource[*PipePort] {
	r, w := io.Pipe()
	go func() {
		err := sim.WriteLines(ctx, w)
		w.CloseWithError(err)
	}()
	return NewSerialSource(&PipePort{PipeReader: r, w: w})
}

// Package geometry describes the fixed transmitter layout used for
// positioning: four ultrasonic transmitters at the corners of a rectangle,
// pinging in counterclockwise order with transmitter 0 as the time reference.
package geometry

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// NumTransmitters is the number of transmitters in a ping cycle.
const NumTransmitters = 4

// Geometry is the immutable description of the transmitter rectangle and
// the signal timing. Lengths are in feet, the origin is the rectangle
// center and the receiver moves in the z=0 plane.
type Geometry struct {
	// Width is the distance between transmitters 0 and 1.
	Width float64 `json:"width_ft"`
	// Height is the distance between transmitters 1 and 2.
	Height float64 `json:"height_ft"`
	// ZOffset is the height of the transmitter plane above the receiver.
	ZOffset float64 `json:"z_offset_ft"`
	// WaveSpeed is the propagation speed in ft/s.
	WaveSpeed float64 `json:"wave_speed_fps"`
	// TickRate is the capture counter frequency in ticks per second.
	TickRate uint32 `json:"tick_rate_hz"`
	// TxSpacing is the fixed delay between consecutive transmitter pings.
	TxSpacing time.Duration `json:"tx_spacing"`
}

// Default returns the layout of the reference installation: a 23.5 x 33.75 ft
// rectangle, 1 MHz capture clock and 100 ms between pings.
func Default() Geometry {
	return Geometry{
		Width:     23.5,
		Height:    33.75,
		ZOffset:   7.583,
		WaveSpeed: 1135.0,
		TickRate:  1000000,
		TxSpacing: 100 * time.Millisecond,
	}
}

// MaxTxSpacing is the exclusive upper bound on TxSpacing: the last
// transmitter has to fire while the counter is still within one second of
// its reset, or every cycle reads as stale.
const MaxTxSpacing = time.Second / (NumTransmitters - 1)

// Validate reports whether the geometry can be used by the solver.
func (g Geometry) Validate() error {
	switch {
	case !(g.Width > 0) || math.IsInf(g.Width, 0):
		return fmt.Errorf("width must be positive, got %v", g.Width)
	case !(g.Height > 0) || math.IsInf(g.Height, 0):
		return fmt.Errorf("height must be positive, got %v", g.Height)
	case math.IsNaN(g.ZOffset) || math.IsInf(g.ZOffset, 0):
		return fmt.Errorf("z offset must be finite, got %v", g.ZOffset)
	case !(g.WaveSpeed > 0) || math.IsInf(g.WaveSpeed, 0):
		return fmt.Errorf("wave speed must be positive, got %v", g.WaveSpeed)
	case g.TickRate == 0:
		return fmt.Errorf("tick rate must be positive")
	case g.TxSpacing < 0:
		return fmt.Errorf("tx spacing must be non-negative, got %v", g.TxSpacing)
	case g.TxSpacing >= MaxTxSpacing:
		return fmt.Errorf("tx spacing must be below %v, got %v", MaxTxSpacing, g.TxSpacing)
	}
	return nil
}

// HalfWidth is the distance from the center to the left and right sides.
func (g Geometry) HalfWidth() float64 { return g.Width / 2 }

// HalfHeight is the distance from the center to the near and far sides.
func (g Geometry) HalfHeight() float64 { return g.Height / 2 }

// Transmitter returns the position of transmitter i relative to the
// receiver plane. Transmitters are numbered counterclockwise starting at
// the (-x, -y) corner.
func (g Geometry) Transmitter(i int) r3.Vec {
	hw, hh := g.HalfWidth(), g.HalfHeight()
	switch i {
	case 0:
		return r3.Vec{X: -hw, Y: -hh, Z: g.ZOffset}
	case 1:
		return r3.Vec{X: hw, Y: -hh, Z: g.ZOffset}
	case 2:
		return r3.Vec{X: hw, Y: hh, Z: g.ZOffset}
	case 3:
		return r3.Vec{X: -hw, Y: hh, Z: g.ZOffset}
	}
	panic(fmt.Sprintf("geometry: transmitter index %d out of range", i))
}

// Transmitters returns all transmitter positions in ping order.
func (g Geometry) Transmitters() [NumTransmitters]r3.Vec {
	var out [NumTransmitters]r3.Vec
	for i := range out {
		out[i] = g.Transmitter(i)
	}
	return out
}

// Distance returns the straight-line distance from the receiver at (x, y)
// to transmitter i.
func (g Geometry) Distance(i int, x, y float64) float64 {
	return r3.Norm(r3.Sub(g.Transmitter(i), r3.Vec{X: x, Y: y}))
}

// Distances returns the distances from (x, y) to every transmitter.
func (g Geometry) Distances(x, y float64) [NumTransmitters]float64 {
	var out [NumTransmitters]float64
	for i := range out {
		out[i] = g.Distance(i, x, y)
	}
	return out
}

// MaxDifference is the largest plausible distance difference: the sum of
// the rectangle's two side lengths.
func (g Geometry) MaxDifference() float64 {
	return g.Width + g.Height
}

// FeetPerTick converts capture counter ticks to feet of travel.
func (g Geometry) FeetPerTick() float64 {
	return g.WaveSpeed / float64(g.TickRate)
}

// SpacingTicks is TxSpacing expressed in capture counter ticks.
func (g Geometry) SpacingTicks() int64 {
	return int64(g.TickRate) * int64(g.TxSpacing) / int64(time.Second)
}

// Contains reports whether (x, y) lies inside or on the transmitter rectangle.
func (g Geometry) Contains(x, y float64) bool {
	return math.Abs(x) <= g.HalfWidth() && math.Abs(y) <= g.HalfHeight()
}

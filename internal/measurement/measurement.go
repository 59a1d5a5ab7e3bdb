// Package measurement validates raw ping arrival timestamps and converts
// them into distance differences relative to the reference transmitter.
//
// The capture counter is a 32-bit down-counter that is reloaded to its
// maximum value whenever it is reset at the start of a ping cycle, so a
// later arrival reads a smaller value and a freshly captured value sits
// within one tick-rate-second of math.MaxUint32.
package measurement

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/ultrasonic.position/internal/geometry"
)

// ErrRejected is wrapped by every rejection returned from this package.
var ErrRejected = errors.New("measurement rejected")

// Cause identifies why a cycle was rejected.
type Cause int

const (
	CauseNoCapture Cause = iota + 1
	CauseStale
	CauseImplausible
)

func (c Cause) String() string {
	switch c {
	case CauseNoCapture:
		return "no_capture"
	case CauseStale:
		return "stale"
	case CauseImplausible:
		return "implausible_difference"
	}
	return "unknown"
}

// RejectError describes a rejected cycle. Index is the offending
// transmitter and Value the offending timestamp or difference.
type RejectError struct {
	Cause Cause
	Index int
	Value float64
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%v: %s at transmitter %d (value %v)", ErrRejected, e.Cause, e.Index, e.Value)
}

func (e *RejectError) Unwrap() error { return ErrRejected }

// Sample is one ping cycle's raw capture counter values, index 0 being the
// reference transmitter.
type Sample [geometry.NumTransmitters]uint32

// ParseSample parses four counter values separated by commas or whitespace,
// as emitted by the capture board.
func ParseSample(line string) (Sample, error) {
	var s Sample
	fields := strings.FieldsFunc(strings.TrimSpace(line), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) != len(s) {
		return s, fmt.Errorf("invalid sample %q: expected %d values, got %d", line, len(s), len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return s, fmt.Errorf("failed to parse timestamp %d: %w", i, err)
		}
		s[i] = uint32(v)
	}
	return s, nil
}

// String formats the sample in the form accepted by ParseSample.
func (s Sample) String() string {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(parts, ",")
}

// Differences holds dist_i - dist_0 in feet for i in 1..3. Index 0 is unused
// so indexes line up with transmitter numbers.
type Differences [geometry.NumTransmitters]float64

// Validate rejects samples where a transmitter was not captured or where the
// counter has been running for more than one tick-rate-second since reset.
//
// The staleness test compares against math.MaxUint32 - TickRate. It is a
// conservative guard against garbage left over from a wrapped counter and
// does not measure time since reset exactly.
func Validate(g geometry.Geometry, s Sample) error {
	floor := uint32(math.MaxUint32) - g.TickRate
	for i, v := range s {
		if v == 0 {
			return &RejectError{Cause: CauseNoCapture, Index: i, Value: 0}
		}
		if v < floor {
			return &RejectError{Cause: CauseStale, Index: i, Value: float64(v)}
		}
	}
	return nil
}

// ElapsedTicks returns the ticks between the reference arrival and arrival
// i. The subtraction is done in uint32 so wraparound is handled, then
// reinterpreted as signed.
func ElapsedTicks(ref, t uint32) int32 {
	return int32(ref - t)
}

// Diff converts a validated sample into distance differences, correcting for
// the send spacing of transmitter i. Differences larger in magnitude than
// the rectangle's side lengths combined are rejected.
func Diff(g geometry.Geometry, s Sample) (Differences, error) {
	var d Differences
	spacing := g.SpacingTicks()
	limit := g.MaxDifference()
	feetPerTick := g.FeetPerTick()
	for i := 1; i < len(s); i++ {
		ticks := int64(ElapsedTicks(s[0], s[i])) - int64(i)*spacing
		d[i] = float64(ticks) * feetPerTick
		if err := CheckDifference(limit, i, d[i]); err != nil {
			return d, err
		}
	}
	return d, nil
}

// CheckDifference rejects a difference whose magnitude exceeds limit. A value
// exactly at the limit is accepted.
func CheckDifference(limit float64, i int, diff float64) error {
	if math.Abs(diff) > limit || math.IsNaN(diff) {
		return &RejectError{Cause: CauseImplausible, Index: i, Value: diff}
	}
	return nil
}

// Process validates s and computes its differences in one step.
func Process(g geometry.Geometry, s Sample) (Differences, error) {
	if err := Validate(g, s); err != nil {
		return Differences{}, err
	}
	return Diff(g, s)
}

// FromPosition returns the exact differences a receiver at (x, y) would
// observe.
func FromPosition(g geometry.Geometry, x, y float64) Differences {
	var d Differences
	dist := g.Distances(x, y)
	for i := 1; i < len(d); i++ {
		d[i] = dist[i] - dist[0]
	}
	return d
}

// Synthesize builds the sample the capture board would record for a
// receiver at (x, y). offset is the number of ticks the counter has run
// before transmitter 0 is heard, and must leave every value within the
// freshness window.
func Synthesize(g geometry.Geometry, x, y float64, offset uint32) Sample {
	var s Sample
	dist := g.Distances(x, y)
	spacing := g.SpacingTicks()
	ticksPerFoot := float64(g.TickRate) / g.WaveSpeed
	for i := range s {
		flight := math.Round((dist[i] - dist[0]) * ticksPerFoot)
		elapsed := int64(offset) + int64(i)*spacing + int64(flight)
		s[i] = uint32(math.MaxUint32) - uint32(elapsed)
	}
	return s
}

// Package capture delivers ping cycles to the locator. A Source produces one
// measurement.Sample per completed four-ping cycle and calls the registered
// Handler with it, serially and on a single goroutine.
package capture

import (
	"context"

	"github.com/banshee-data/ultrasonic.position/internal/measurement"
)

// Handler is invoked once per completed ping cycle. It runs to completion
// before the source delivers the next cycle.
type Handler func(measurement.Sample)

// Source is a producer of ping cycles.
type Source interface {
	// Run delivers cycles to h until ctx is cancelled or the source is
	// exhausted.
	Run(ctx context.Context, h Handler) error
}

// Package sink delivers published estimates to consumers: the display log,
// the position database, MQTT subscribers and the HTTP API.
package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/ultrasonic.position/internal/monitoring"
	"github.com/banshee-data/ultrasonic.position/internal/position"
)

var logf = monitoring.Prefixed("[sink] ")

// Consumer receives each new estimate once.
type Consumer interface {
	Consume(est position.Estimate, at time.Time)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(est position.Estimate, at time.Time)

func (f ConsumerFunc) Consume(est position.Estimate, at time.Time) { f(est, at) }

// Source is the polling side of position.Publisher.
type Source interface {
	Poll() (position.Estimate, bool)
}

// Poller checks a Source on a fixed interval and fans every new estimate
// out to its consumers. It is the only reader of the source's new-data
// flag; consumers that need their own flag use Latest.
type Poller struct {
	src       Source
	interval  time.Duration
	consumers []Consumer

	now func() time.Time
}

// NewPoller creates a Poller. nil consumers are skipped.
func NewPoller(src Source, interval time.Duration, consumers ...Consumer) (*Poller, error) {
	if src == nil {
		return nil, fmt.Errorf("poller needs a source")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", interval)
	}
	p := &Poller{src: src, interval: interval, now: time.Now}
	for _, c := range consumers {
		if c != nil {
			p.consumers = append(p.consumers, c)
		}
	}
	return p, nil
}

// PollOnce delivers the current estimate if it is new and reports whether
// it did.
func (p *Poller) PollOnce() bool {
	est, ok := p.src.Poll()
	if !ok {
		return false
	}
	at := p.now()
	for _, c := range p.consumers {
		c.Consume(est, at)
	}
	return true
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PollOnce()
		}
	}
}

// Latest keeps the most recent estimate with a new-data flag of its own, so
// a second reader can follow a Poller without stealing its updates.
type Latest struct {
	mu    sync.Mutex
	est   position.Estimate
	at    time.Time
	fresh bool
}

func (l *Latest) Consume(est position.Estimate, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.est, l.at, l.fresh = est, at, true
}

// Poll returns the latest estimate and whether it arrived since the last
// Poll.
func (l *Latest) Poll() (position.Estimate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fresh := l.fresh
	l.fresh = false
	return l.est, fresh
}

// At returns when the latest estimate was delivered. It is zero until the
// first one.
func (l *Latest) At() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.at
}

// LogConsumer prints each estimate the way the bench display showed it.
func LogConsumer() Consumer {
	return ConsumerFunc(func(est position.Estimate, _ time.Time) {
		logf("X=%.1f Y=%.1f err=%.3f", est.X, est.Y, est.Error)
	})
}

// PositionRecorder persists estimates. *db.DB implements it.
type PositionRecorder interface {
	RecordPosition(runID string, est position.Estimate, at time.Time) error
}

// Recorder writes each estimate to a PositionRecorder under one run id.
// Write failures are logged and counted; they never stop delivery.
type Recorder struct {
	store PositionRecorder
	runID string

	mu     sync.Mutex
	failed uint64
}

// NewRecorder creates a Recorder for runID.
func NewRecorder(store PositionRecorder, runID string) *Recorder {
	return &Recorder{store: store, runID: runID}
}

func (r *Recorder) Consume(est position.Estimate, at time.Time) {
	if err := r.store.RecordPosition(r.runID, est, at); err != nil {
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
		logf("failed to record position: %v", err)
	}
}

// Failed returns the number of estimates that could not be recorded.
func (r *Recorder) Failed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

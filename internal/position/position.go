// Package position holds the single current position estimate shared
// between the measurement producer and any number of polling consumers.
package position

import (
	"sync"
)

// Estimate is a published position in feet with its fit metric in ft².
type Estimate struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Error float64 `json:"error"`
}

// Publisher stores the latest Estimate and a new-data flag. Every field is
// read and written while holding lock, so consumers never see a partially
// written estimate.
type Publisher struct {
	lock    sync.Locker
	est     Estimate
	newData bool
}

// NewPublisher returns a Publisher at the origin with no pending data. lock
// guards the shared state; nil selects a sync.Mutex.
func NewPublisher(lock sync.Locker) *Publisher {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Publisher{lock: lock}
}

// Publish stores e and raises the new-data flag.
func (p *Publisher) Publish(e Estimate) {
	p.lock.Lock()
	p.est = e
	p.newData = true
	p.lock.Unlock()
}

// DataAvailable reports whether an estimate was published since the last
// call, clearing the flag. Each publish is reported at most once.
func (p *Publisher) DataAvailable() bool {
	p.lock.Lock()
	ret := p.newData
	p.newData = false
	p.lock.Unlock()
	return ret
}

// Snapshot returns the latest estimate without touching the flag.
func (p *Publisher) Snapshot() Estimate {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.est
}

// Poll combines DataAvailable and Snapshot under one lock acquisition.
func (p *Publisher) Poll() (Estimate, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	ret := p.newData
	p.newData = false
	return p.est, ret
}

// X returns the latest estimate's X in feet without touching the flag.
func (p *Publisher) X() float64 { return p.Snapshot().X }

// Y returns the latest estimate's Y in feet without touching the flag.
func (p *Publisher) Y() float64 { return p.Snapshot().Y }

// Error returns the latest estimate's fit metric without touching the flag.
func (p *Publisher) Error() float64 { return p.Snapshot().Error }

package position

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingLock records how often the critical section is entered and fails
// the test on re-entry.
type countingLock struct {
	t     *testing.T
	mu    sync.Mutex
	held  bool
	count int
}

func (l *countingLock) Lock() {
	l.mu.Lock()
	if l.held {
		l.t.Error("critical section entered while held")
	}
	l.held = true
	l.count++
}

func (l *countingLock) Unlock() {
	l.held = false
	l.mu.Unlock()
}

func TestInitialState(t *testing.T) {
	p := NewPublisher(nil)
	assert.False(t, p.DataAvailable())
	assert.Equal(t, Estimate{}, p.Snapshot())
	assert.Equal(t, 0.0, p.X())
	assert.Equal(t, 0.0, p.Y())
	assert.Equal(t, 0.0, p.Error())
}

func TestDataAvailableIsReadAndClear(t *testing.T) {
	p := NewPublisher(nil)
	p.Publish(Estimate{X: 1, Y: 2, Error: 0.003})

	assert.True(t, p.DataAvailable())
	assert.False(t, p.DataAvailable(), "second poll must not report the same update")

	p.Publish(Estimate{X: 3, Y: 4, Error: 0.004})
	assert.True(t, p.DataAvailable())
	assert.False(t, p.DataAvailable())
}

func TestAccessorsIgnoreFlag(t *testing.T) {
	p := NewPublisher(nil)
	p.Publish(Estimate{X: -5.5, Y: 7.25, Error: 0.02})

	assert.Equal(t, -5.5, p.X())
	assert.Equal(t, 7.25, p.Y())
	assert.Equal(t, 0.02, p.Error())
	assert.True(t, p.DataAvailable(), "accessors must not clear the flag")

	assert.Equal(t, -5.5, p.X(), "values persist after the flag is cleared")
}

func TestPoll(t *testing.T) {
	p := NewPublisher(nil)
	est, ok := p.Poll()
	assert.False(t, ok)
	assert.Equal(t, Estimate{}, est)

	p.Publish(Estimate{X: 1, Y: 1, Error: 0.1})
	est, ok = p.Poll()
	assert.True(t, ok)
	assert.Equal(t, Estimate{X: 1, Y: 1, Error: 0.1}, est)

	_, ok = p.Poll()
	assert.False(t, ok)
}

func TestInjectedLockBracketsEveryAccess(t *testing.T) {
	lock := &countingLock{t: t}
	p := NewPublisher(lock)

	p.Publish(Estimate{X: 1})
	assert.Equal(t, 1, lock.count)
	p.DataAvailable()
	assert.Equal(t, 2, lock.count)
	p.X()
	p.Y()
	p.Error()
	assert.Equal(t, 5, lock.count)
}

// The estimate fields are always written together, so a reader must never
// see X from one publish and Y from another.
func TestConcurrentReadersNeverSeeTornState(t *testing.T) {
	p := NewPublisher(nil)
	const writes = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			v := float64(i)
			p.Publish(Estimate{X: v, Y: -v, Error: v * 2})
		}
	}()

	notifications := 0
	var readers sync.WaitGroup
	var mu sync.Mutex
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < writes; i++ {
				est, ok := p.Poll()
				if est.Y != -est.X || est.Error != 2*est.X {
					t.Errorf("torn estimate %+v", est)
					return
				}
				if ok {
					mu.Lock()
					notifications++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	readers.Wait()

	if p.DataAvailable() {
		notifications++
	}
	require.GreaterOrEqual(t, notifications, 1)
	assert.LessOrEqual(t, notifications, writes)
}

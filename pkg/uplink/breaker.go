package uplink

import (
	"errors"
	"sync"
	"time"
)

// ErrSuppressed marks publishes rejected while the breaker is open.
var ErrSuppressed = errors.New("uplink suppressed after repeated failures")

type breakerState int32

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker sheds publishes when the backend keeps failing, so the comms
// task does not spend a full publish timeout on every alert while the
// broker is down. Closed passes traffic, open rejects immediately, and
// after the cooldown a single probe decides which way to go.
type breaker struct {
	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time

	failureLimit int
	cooldown     time.Duration

	now func() time.Time
}

func newBreaker(failureLimit int, cooldown time.Duration) *breaker {
	if failureLimit <= 0 {
		failureLimit = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{failureLimit: failureLimit, cooldown: cooldown, now: time.Now}
}

// do runs fn under breaker protection. The comms task is the only caller,
// so half-open never sees concurrent probes.
func (b *breaker) do(fn func() error) error {
	b.mu.Lock()
	if b.state == breakerOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrSuppressed
		}
		b.state = breakerHalfOpen
	}
	state := b.state
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		if b.failures >= b.failureLimit || state == breakerHalfOpen {
			b.state = breakerOpen
			b.openedAt = b.now()
		}
		return err
	}
	b.failures = 0
	b.state = breakerClosed
	return nil
}

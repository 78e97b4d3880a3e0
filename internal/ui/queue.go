package ui

import (
	"sync"
	"time"
)

// Distinguished values returned by WaitKey alongside real key codes.
const (
	// KeyNone reports a timed-out wait.
	KeyNone = -1
	// KeyInterrupt reports that the wait was cancelled from another
	// goroutine.
	KeyInterrupt = -2
)

// rebootPressCount is how many consecutive power presses force a reboot,
// an escape hatch for a wedged console.
const rebootPressCount = 7

const queueCapacity = 256

// keyQueue is a bounded FIFO of key codes. Producers never block: when the
// queue is full new keys are dropped, matching what a human mashing buttons
// would expect over losing old input.
type keyQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	keys  []int
	power int

	// onPowerReboot fires when the power key is pressed rebootPressCount
	// times in a row.
	onPowerReboot func()
}

func newKeyQueue(onPowerReboot func()) *keyQueue {
	q := &keyQueue{onPowerReboot: onPowerReboot}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a key. Non-power keys reset the consecutive-power counter.
func (q *keyQueue) Enqueue(key int, isPower bool) {
	var fire func()

	q.mu.Lock()
	if isPower {
		q.power++
		if q.power >= rebootPressCount {
			q.power = 0
			fire = q.onPowerReboot
		}
	} else {
		q.power = 0
	}
	if len(q.keys) < queueCapacity {
		q.keys = append(q.keys, key)
		q.cond.Signal()
	}
	q.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// Wait blocks until a key arrives, the timeout passes, or Interrupt is
// called. A zero or negative timeout waits forever.
func (q *keyQueue) Wait(timeout time.Duration) int {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.keys) == 0 {
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return KeyNone
			}
			// Cond has no timed wait; poke the cond when the clock
			// runs out so the loop re-checks.
			t := time.AfterFunc(remaining, q.cond.Broadcast)
			q.cond.Wait()
			t.Stop()
		} else {
			q.cond.Wait()
		}
	}
	key := q.keys[0]
	q.keys = q.keys[1:]
	return key
}

// Flush discards all pending keys.
func (q *keyQueue) Flush() {
	q.mu.Lock()
	q.keys = q.keys[:0]
	q.mu.Unlock()
}

// Interrupt wakes every waiter with KeyInterrupt.
func (q *keyQueue) Interrupt() {
	q.mu.Lock()
	q.keys = append(q.keys, KeyInterrupt)
	q.cond.Broadcast()
	q.mu.Unlock()
}

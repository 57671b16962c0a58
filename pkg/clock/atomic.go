package clock

import "sync/atomic"

// AtomicClock is a monotonically advancing uint64 counter. The commit
// pipeline uses one instance for the last allocated sequence and another for
// the last published sequence.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}

// Ratchet advances the clock to t unless it already passed it. Concurrent
// callers may ratchet out of order; the value only ever moves forward.
func (ac *AtomicClock) Ratchet(t uint64) {
	for {
		cur := ac.Load()
		if t <= cur {
			return
		}
		if ac.CompareAndSwap(cur, t) {
			return
		}
	}
}

// Package spin provides the busy-wait primitives the hypervisor core
// synchronizes with. There is no scheduler to sleep on below the host
// kernel, so mutual exclusion and handshakes are spin loops; every loop
// body issues the caller's relax hint.
package spin

import "sync/atomic"

// Forever is a poll budget that never expires in practice.
const Forever = int(^uint(0) >> 1)

// Lock is a test-and-set spinlock. The zero value is unlocked.
type Lock struct {
	v atomic.Uint32
}

// Lock acquires l, calling relax between attempts.
func (l *Lock) Lock(relax func()) {
	for !l.v.CompareAndSwap(0, 1) {
		relax()
	}
}

// TryLock acquires l if it is free and reports whether it did.
func (l *Lock) TryLock() bool {
	return l.v.CompareAndSwap(0, 1)
}

// Unlock releases l.
func (l *Lock) Unlock() {
	l.v.Store(0)
}

// Until spins until cond reports true, calling relax between polls.
// It gives up after budget polls and returns false; a handshake that
// exceeds its budget is a detected hardware fault, not a hang.
func Until(budget int, relax func(), cond func() bool) bool {
	for i := 0; i < budget; i++ {
		if cond() {
			return true
		}
		relax()
	}
	return false
}

package monitor

import (
	"runtime"
	"sync/atomic"
)

// spinlock is a leaf CAS lock guarding one bucket's intrusive list. It
// is held only across the handful of pointer-chasing instructions in
// newLock/getLock/freeLock (§4.6, §9: "never held across a blocking
// call") — exactly the case a real OS mutex is overkill for and a
// semaphore is the wrong shape for (see SPEC_FULL.md's DOMAIN STACK
// table for why golang.org/x/sync/semaphore was rejected here).
type spinlock struct {
	state int32
}

func (s *spinlock) Lock() {
	for !atomic.CompareAndSwapInt32(&s.state, 0, 1) {
		runtime.Gosched()
	}
}

func (s *spinlock) Unlock() {
	atomic.StoreInt32(&s.state, 0)
}

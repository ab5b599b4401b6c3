package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAllocator hands out distinct Handles without any real GC behind
// it, enough to exercise Registry's bookkeeping in isolation from
// package gc.
type fakeAllocator struct{}

func (fakeAllocator) Malloc(size uintptr, class int) (Handle, error) {
	return new(struct{}), nil
}

func newTestRegistry() *Registry {
	return NewRegistry(fakeAllocator{}, 0)
}

// S4: recursive lock/unlock on the same address by the same owner nests
// and only releases on the matching number of Unlocks.
func TestRecursiveLockUnlock(t *testing.T) {
	r := newTestRegistry()
	const addr = 0x1000
	const owner Owner = 1

	r.Lock(addr, owner)
	r.Lock(addr, owner)
	assert.True(t, r.Held(addr, owner))

	require.NoError(t, r.Unlock(addr, owner))
	assert.True(t, r.Held(addr, owner), "still held after one of two unlocks")

	require.NoError(t, r.Unlock(addr, owner))
	assert.False(t, r.Held(addr, owner))
}

func TestLockExcludesOtherOwners(t *testing.T) {
	r := newTestRegistry()
	const addr = 0x2000
	const owner1 Owner = 1
	const owner2 Owner = 2

	r.Lock(addr, owner1)

	acquired := make(chan struct{})
	go func() {
		r.Lock(addr, owner2)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("owner2 acquired lock while owner1 still held it")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, r.Unlock(addr, owner1))

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("owner2 never acquired lock after owner1 released it")
	}
	require.NoError(t, r.Unlock(addr, owner2))
}

// S5: Wait releases the monitor, Signal wakes exactly one waiter, and
// the waiter reacquires before Wait returns.
func TestWaitSignal(t *testing.T) {
	r := newTestRegistry()
	const addr = 0x3000
	const waiter Owner = 7
	const signaller Owner = 8

	var wg sync.WaitGroup
	wg.Add(1)
	woke := make(chan struct{})
	go func() {
		defer wg.Done()
		r.Lock(addr, waiter)
		require.NoError(t, r.Wait(addr, waiter, 0))
		assert.True(t, r.Held(addr, waiter), "must reacquire before Wait returns")
		close(woke)
		require.NoError(t, r.Unlock(addr, waiter))
	}()

	// Give the waiter a chance to block inside Wait, releasing the lock.
	time.Sleep(20 * time.Millisecond)
	r.Lock(addr, signaller)
	require.NoError(t, r.Signal(addr, signaller))
	require.NoError(t, r.Unlock(addr, signaller))

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke from Signal")
	}
	wg.Wait()
}

func TestBroadcastWakesAll(t *testing.T) {
	r := newTestRegistry()
	const addr = 0x4000
	const owner Owner = 9
	const n = 4

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		waiter := Owner(100 + i)
		go func() {
			defer wg.Done()
			r.Lock(addr, waiter)
			require.NoError(t, r.Wait(addr, waiter, 0))
			require.NoError(t, r.Unlock(addr, waiter))
		}()
	}

	time.Sleep(20 * time.Millisecond)

	r.Lock(addr, owner)
	require.NoError(t, r.Broadcast(addr, owner))
	require.NoError(t, r.Unlock(addr, owner))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all waiters woke from Broadcast")
	}
}

// S6: Wait/Signal/Broadcast/Unlock on a monitor the caller doesn't hold
// is an illegal-monitor-state error, never a panic.
func TestIllegalMonitorState(t *testing.T) {
	r := newTestRegistry()
	const addr = 0x5000
	const owner Owner = 3

	assert.ErrorIs(t, r.Unlock(addr, owner), ErrIllegalMonitorState)
	assert.ErrorIs(t, r.Wait(addr, owner, 0), ErrIllegalMonitorState)
	assert.ErrorIs(t, r.Signal(addr, owner), ErrIllegalMonitorState)
	assert.ErrorIs(t, r.Broadcast(addr, owner), ErrIllegalMonitorState)
	assert.False(t, r.Held(addr, owner))

	r.Lock(addr, owner)
	defer r.Unlock(addr, owner)
	const other Owner = 4
	assert.ErrorIs(t, r.Unlock(addr, other), ErrIllegalMonitorState)
	assert.ErrorIs(t, r.Signal(addr, other), ErrIllegalMonitorState)
}

func TestWaitTimeout(t *testing.T) {
	r := newTestRegistry()
	const addr = 0x6000
	const owner Owner = 11

	r.Lock(addr, owner)
	start := time.Now()
	err := r.Wait(addr, owner, 30*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err, "a timed-out Wait still returns nil, like a spurious wakeup")
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.True(t, r.Held(addr, owner), "must reacquire after timeout")
	require.NoError(t, r.Unlock(addr, owner))
}

func TestStaticLock(t *testing.T) {
	r := newTestRegistry()
	lk := r.InitStatic("rtgc.heapLock")
	const owner Owner = 1

	r.LockStatic(lk, owner)
	assert.True(t, r.HeldStatic(lk, owner))
	require.NoError(t, r.UnlockStatic(lk, owner))
	assert.False(t, r.HeldStatic(lk, owner))
}

// A record's address is only reusable once its refcount drops to zero;
// dropping the refcount to zero while the lock is still held must never
// silently succeed.
func TestFreeLockRejectsStillHeld(t *testing.T) {
	r := newTestRegistry()
	const addr = 0x7000
	const owner Owner = 1

	r.Lock(addr, owner)
	lk := r.getLock(addr)
	require.NotNil(t, lk)

	assert.Panics(t, func() {
		r.freeLock(lk) // ref would hit 0 while count is still 1
	})
}

package gc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	classPlain  = 0
	classFinal  = 1
	classFixed  = 2
	classNoWalk = 3
)

// newTestCollector builds a Collector with Init already called and three
// classes registered: two GC classes with neither a Walk (so they are
// scanned conservatively) nor a FinalizeFunc, and a Fixed (unmanaged)
// class. No Registerer is
// passed, since prometheus would reject repeat registration across
// parallel test binaries.
func newTestCollector(t *testing.T, opts Options, scanner RootScanner) *Collector {
	t.Helper()
	c := New(opts, scanner)
	c.Init()
	require.NoError(t, c.RegisterGC(classPlain, nil, nil, nil, "plain"))
	require.NoError(t, c.RegisterGC(classFinal, nil, nil, nil, "final-base"))
	require.NoError(t, c.RegisterFixed(classFixed, "fixed"))
	enableForTest(t, c)
	return c
}

// enableForTest starts the collector's gcMan/finaliserMan worker
// goroutines and arranges for them to be stopped at test teardown, so
// that Invoke/InvokeFinalizer have someone to wake up rather than
// blocking forever on gcCond/finCond.
func enableForTest(t *testing.T, c *Collector) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c.Enable(ctx)
	t.Cleanup(func() {
		cancel()
		_ = c.Wait()
	})
}

// S1: an object reachable from the root set at collection time survives
// the cycle, stays registered in its class's live accounting, and is
// never placed on mustfree.
func TestSurvivesWhenReachable(t *testing.T) {
	var root *Unit
	scanner := func(c *Collector) {
		if root != nil {
			c.MarkObject(root)
		}
	}
	c := newTestCollector(t, Options{}, scanner)

	u, err := c.Malloc(16, classPlain)
	require.NoError(t, err)
	root = u

	c.Invoke(true)

	_, ok := c.heap.IsObject(u.Addr())
	assert.True(t, ok, "reachable object must still be live after a cycle")
	assert.Equal(t, White, u.colour(), "survivor returns to white for the next cycle")

	class, _ := c.classes.Get(classPlain)
	assert.EqualValues(t, 1, class.Live())
}

// S2: an object not reachable from the root set is reclaimed by the
// next forced cycle and disappears from the heap and from its class's
// live accounting.
func TestReclaimsWhenUnreachable(t *testing.T) {
	c := newTestCollector(t, Options{}, func(c *Collector) {})

	u, err := c.Malloc(16, classPlain)
	require.NoError(t, err)
	addr := u.Addr()

	c.Invoke(true)

	_, ok := c.heap.IsObject(addr)
	assert.False(t, ok, "unreachable object must be swept")

	class, _ := c.classes.Get(classPlain)
	assert.EqualValues(t, 0, class.Live())

	s := c.Stats()
	assert.EqualValues(t, 1, s.FreedObj)
}

// S3: an unreachable object whose class has a finalizer is promoted
// through NeedFinalize -> InFinalize -> Finalized, survives the cycle
// that discovers it unreachable, has its FinalizeFunc invoked exactly
// once, and — since its finalizer does not resurrect it — is reclaimed
// by a later cycle. Resurrection is covered by
// TestFinalizerResurrectionKeepsObjectAlive.
func TestFinalizationRunsOnceThenReclaims(t *testing.T) {
	var resurrected *Unit
	var calls int

	finalize := func(payload []byte) {
		calls++
	}

	c := New(Options{}, func(c *Collector) {
		if resurrected != nil {
			c.MarkObject(resurrected)
		}
	})
	c.Init()
	require.NoError(t, c.RegisterGC(classFinal, nil, finalize, nil, "finalized"))
	enableForTest(t, c)

	u, err := c.Malloc(16, classFinal)
	require.NoError(t, err)
	assert.Equal(t, NeedFinalize, u.state())

	c.Invoke(true)

	assert.Equal(t, InFinalize, u.state(), "unreachable finalizable object is promoted, not swept")
	_, ok := c.heap.IsObject(u.Addr())
	assert.True(t, ok, "promoted object survives the cycle that discovers it")

	c.InvokeFinalizer()

	assert.Equal(t, 1, calls, "finalizer must run exactly once")
	assert.Equal(t, Finalized, u.state())

	c.Invoke(true)
	_, ok = c.heap.IsObject(u.Addr())
	assert.False(t, ok, "finalized, non-resurrected object is reclaimed by the next cycle")
}

func TestFinalizerResurrectionKeepsObjectAlive(t *testing.T) {
	var resurrected, u *Unit
	finalize := func(payload []byte) {
		resurrected = u // the finalizer publishes its object back to a root
	}

	c := New(Options{}, func(c *Collector) {
		if resurrected != nil {
			c.MarkObject(resurrected)
		}
	})
	c.Init()
	require.NoError(t, c.RegisterGC(classFinal, nil, finalize, nil, "finalized"))
	enableForTest(t, c)

	var err error
	u, err = c.Malloc(16, classFinal)
	require.NoError(t, err)

	c.Invoke(true)
	c.InvokeFinalizer()
	assert.Equal(t, Finalized, u.state())

	c.Invoke(true)
	_, ok := c.heap.IsObject(u.Addr())
	assert.True(t, ok, "resurrected object must survive the following cycle")
}

// S7: when the heap is exhausted, Malloc returns ErrOutOfMemory rather
// than blocking or panicking, and the collector's internal lock is not
// left held.
func TestOutOfMemoryReleasesLock(t *testing.T) {
	c := newTestCollector(t, Options{HeapLimit: 64}, func(c *Collector) {})

	var lastErr error
	for i := 0; i < 100000; i++ {
		_, err := c.Malloc(32, classPlain)
		if err != nil {
			lastErr = err
			break
		}
	}
	require.ErrorIs(t, lastErr, ErrOutOfMemory)

	// gcLock must not be stuck held by the failed Malloc.
	_, err := c.Malloc(32, classPlain)
	assert.ErrorIs(t, err, ErrOutOfMemory, "heap is still exhausted, but the call must not deadlock")
}

func TestFixedClassFreeAndExplicitFreeContract(t *testing.T) {
	c := newTestCollector(t, Options{}, func(c *Collector) {})

	u, err := c.Malloc(16, classFixed)
	require.NoError(t, err)
	assert.Equal(t, FixedColour, u.colour())

	c.Free(u)
	_, ok := c.heap.IsObject(u.Addr())
	assert.False(t, ok)

	plain, err := c.Malloc(16, classPlain)
	require.NoError(t, err)
	assert.Panics(t, func() {
		c.Free(plain) // freeing a non-Fixed object is a programming error
	})
}

func TestReallocGrowsAndShrinksNoop(t *testing.T) {
	c := newTestCollector(t, Options{}, func(c *Collector) {})

	u, err := c.Malloc(16, classFixed)
	require.NoError(t, err)
	copy(u.Payload(), []byte("hello"))

	same, err := c.Realloc(u, 8, classFixed)
	require.NoError(t, err)
	assert.Same(t, u, same, "shrinking within the same size class is a no-op")

	grown, err := c.Realloc(u, 5000, classFixed)
	require.NoError(t, err)
	assert.NotSame(t, u, grown)
	assert.Equal(t, []byte("hello"), grown.Payload()[:5])
}

func TestInvokeOptionalSkipsOnNoChurn(t *testing.T) {
	var scans int
	c := newTestCollector(t, Options{}, func(c *Collector) { scans++ })

	c.gcLock.Lock()
	c.stats.AllocMem = 0
	c.gcLock.Unlock()

	assert.True(t, c.shouldSkip())
}

// Walk functions let a class precisely trace references instead of
// falling back to a conservative scan; a chain a -> b survives together
// when only a is rooted.
func TestWalkFuncTracesReferences(t *testing.T) {
	var root, b *Unit

	c := New(Options{}, func(c *Collector) {
		if root != nil {
			c.MarkObject(root)
		}
	})
	c.Init()
	require.NoError(t, c.RegisterGC(classPlain, func(cc *Collector, payload []byte) {
		cc.MarkObject(b) // a's one outgoing edge, traced precisely
	}, nil, nil, "linked"))
	enableForTest(t, c)

	a, err := c.Malloc(16, classPlain)
	require.NoError(t, err)
	b, err = c.Malloc(16, classPlain)
	require.NoError(t, err)
	root = a

	c.Invoke(true)

	_, aLive := c.heap.IsObject(a.Addr())
	_, bLive := c.heap.IsObject(b.Addr())
	assert.True(t, aLive)
	assert.True(t, bLive, "object reachable only via a's Walk must survive")
}

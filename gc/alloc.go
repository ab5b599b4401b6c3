package gc

import "fmt"

// Malloc allocates size bytes under the given allocation-class index
// (§4.2). Fixed-class objects are coloured Fixed and never placed on a
// colour list; everything else starts White (or, if the class has a
// real finalizer, starts life in state NeedFinalize) and is appended to
// the white list.
func (c *Collector) Malloc(size uintptr, classIdx int) (*Unit, error) {
	if !c.initDone {
		fatalf("gc: Malloc called before Init")
	}
	class, ok := c.classes.Get(classIdx)
	if !ok {
		return nil, fmt.Errorf("gc: malloc: %w: %d", ErrIndexOutOfRange, classIdx)
	}

	c.gcLock.Lock()
	defer c.gcLock.Unlock()

	u, err := c.heap.Allocate(size, classIdx)
	if err != nil {
		return nil, err
	}

	bsz := c.heap.BlockSize(u)
	c.stats.TotalMem += uint64(bsz)
	c.stats.TotalObj++
	c.stats.AllocMem += uint64(bsz)
	c.stats.AllocObj++
	class.accountAdd(bsz)

	if class.IsFixed() {
		u.setState(Normal)
		u.setColour(FixedColour)
		return u, nil
	}

	if class.NeedsFinalizer() {
		u.setState(NeedFinalize)
	} else {
		u.setState(Normal)
	}
	u.setColour(White)
	c.white.Append(u)
	return u, nil
}

// Realloc is only valid for Fixed-class objects (§4.2); calling it with
// any other class is a programming error, matching the reference VM's
// assert(fidx == GC_ALLOC_FIXED). A nil ptr behaves like Malloc.
func (c *Collector) Realloc(u *Unit, size uintptr, classIdx int) (*Unit, error) {
	if u == nil {
		return c.Malloc(size, classIdx)
	}

	c.gcLock.Lock()
	if u.colour() != FixedColour {
		c.gcLock.Unlock()
		fatalf("gc: realloc of non-fixed object")
	}
	osize := c.heap.BlockSize(u)
	c.gcLock.Unlock()

	if osize >= size {
		return u, nil
	}

	newU, err := c.Malloc(size, classIdx)
	if err != nil {
		return nil, err
	}
	copy(newU.payload, u.payload)
	c.Free(u)
	return newU, nil
}

// Free explicitly releases a Fixed-class object. It is a no-op on nil,
// and a fatal ProgrammingError on any object whose colour is not Fixed —
// an intentionally asymmetric contract (Open Questions, DESIGN.md)
// reproduced verbatim from gc-incremental.c's gcFree.
func (c *Collector) Free(u *Unit) {
	if u == nil {
		return
	}
	c.gcLock.Lock()
	defer c.gcLock.Unlock()

	if u.colour() != FixedColour {
		fatalf("gc: attempt to explicitly free nonfixed object")
	}

	bsz := c.heap.BlockSize(u)
	c.stats.TotalMem -= uint64(bsz)
	c.stats.TotalObj--
	if class, ok := c.classes.Get(u.class); ok {
		class.accountRemove(bsz)
	}
	c.heap.Free(u)
}

// MarkAddress classifies addr as a potential unit start via the heap
// adapter's IsObject predicate and, if positive, delegates to
// MarkObject. Callable only from the root-scan callback or a class Walk
// function, with the world stopped.
func (c *Collector) MarkAddress(addr uintptr) {
	if u, ok := c.heap.IsObject(addr); ok {
		c.markObjectDontCheck(u)
	}
}

// MarkObject marks u, assumed to already be known to point to a valid
// object. Idempotent for anything that isn't currently White.
func (c *Collector) MarkObject(u *Unit) {
	if u != nil {
		c.markObjectDontCheck(u)
	}
}

func (c *Collector) markObjectDontCheck(u *Unit) {
	if u.colour() != White {
		return
	}
	u.setColour(Grey)
	c.grey.MoveTo(u)
}

// WalkMemory dispatches into u's allocation class Walk function (or a
// conservative whole-unit scan if the class registered none), having
// first coloured u Black and moved it off the grey list.
func (c *Collector) WalkMemory(u *Unit) {
	c.black.MoveTo(u)
	u.setColour(Black)

	bsz := c.heap.BlockSize(u)
	c.stats.MarkedObj++
	c.stats.MarkedMem += uint64(bsz)

	class, ok := c.classes.Get(u.class)
	if !ok || class.Walk == nil {
		c.conservativeWalkUnit(u)
		return
	}
	class.Walk(c, u.payload)
}

// conservativeWalkUnit is the fallback precise-walk-less path: treat
// every aligned word of the payload as a possible pointer, exactly as
// spec.md §4.3 describes ("a conservative word-wise scan if null").
func (c *Collector) conservativeWalkUnit(u *Unit) {
	words := bytesToWords(u.payload)
	for _, w := range words {
		if w != 0 {
			c.MarkAddress(w)
		}
	}
}

func bytesToWords(b []byte) []uintptr {
	n := len(b) / 8
	out := make([]uintptr, 0, n)
	for i := 0; i < n; i++ {
		var w uintptr
		for j := 0; j < 8; j++ {
			w |= uintptr(b[i*8+j]) << (8 * j)
		}
		out = append(out, w)
	}
	return out
}

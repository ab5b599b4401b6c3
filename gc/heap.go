package gc

import "sync"

// unitsPerBlock mirrors the reference VM's pattern of carving a page into
// a homogeneous array of same-sized units (gc-incremental.c's gc_block).
// Here a "page" is just a slab of Go memory; the constant controls how
// many units a single Block batches before the heap grows a new one.
const unitsPerBlock = 64

// sizeClasses is a coarse table (doubling from 32 to 4096 bytes, then
// 16 KiB and 64 KiB), in the shape of the teacher's
// src/runtime/mcache.go class_to_size table, simplified to the handful
// of buckets this module actually exercises.
var sizeClasses = [...]uintptr{32, 64, 128, 256, 512, 1024, 2048, 4096, 16384, 65536}

func sizeClassFor(size uintptr) (class int, rounded uintptr) {
	for i, sz := range sizeClasses {
		if size <= sz {
			return i, sz
		}
	}
	last := len(sizeClasses) - 1
	return last, size // oversize: one unit gets its own block of exactly this size
}

// Block is the heap adapter's homogeneous page: a fixed-capacity array of
// same-sized units plus the side arrays the collector mutates (colour,
// state, in-use). Grounded on gc-incremental.c's gc_block plus the
// GC_GET_COLOUR/GC_GET_STATE accessor macros that index into it.
type Block struct {
	sizeClass int
	unitSize  uintptr

	units  []*Unit
	colour []Colour
	state  []State
	inUse  []bool

	free []int // index-based freelist, per the §9 design note
}

func newBlock(sizeClass int, unitSize uintptr) *Block {
	b := &Block{
		sizeClass: sizeClass,
		unitSize:  unitSize,
		units:     make([]*Unit, unitsPerBlock),
		colour:    make([]Colour, unitsPerBlock),
		state:     make([]State, unitsPerBlock),
		inUse:     make([]bool, unitsPerBlock),
	}
	for i := unitsPerBlock - 1; i >= 0; i-- {
		b.free = append(b.free, i)
	}
	return b
}

// Size returns the per-unit byte size of every object the block holds.
func (b *Block) Size() uintptr { return b.unitSize }

func (b *Block) colourOf(idx int) Colour      { return b.colour[idx] }
func (b *Block) setColour(idx int, c Colour)  { b.colour[idx] = c }
func (b *Block) stateOf(idx int) State        { return b.state[idx] }
func (b *Block) setState(idx int, s State)    { b.state[idx] = s }
func (b *Block) isInUse(idx int) bool         { return b.inUse[idx] }

// Unit is one heap-managed object's header. Address is a logical handle,
// not a real memory address: the heap is a teaching/testing simulation
// of a managed runtime's nested heap, not a real page allocator (spec's
// heap adapter is explicitly out of scope to implement for real).
type Unit struct {
	addr    uintptr
	payload []byte
	class   int
	block   *Block
	index   int

	// intrusive colour-list links, co-located with the header per the
	// §9 design note. A unit not currently on a list has prev==next==nil.
	prev, next *Unit
	list       *List
}

// Addr returns the unit's logical address, stable for its lifetime.
func (u *Unit) Addr() uintptr { return u.addr }

// Payload returns the zero-initialized storage backing this unit.
func (u *Unit) Payload() []byte { return u.payload }

// Class returns the allocation-class index this unit was allocated under.
func (u *Unit) Class() int { return u.class }

func (u *Unit) colour() Colour     { return u.block.colourOf(u.index) }
func (u *Unit) setColour(c Colour) { u.block.setColour(u.index, c) }
func (u *Unit) state() State       { return u.block.stateOf(u.index) }
func (u *Unit) setState(s State)   { u.block.setState(u.index, s) }

// Heap is the block-structured allocator consumed by the collector,
// standing in for the external gc_heap_* contract (spec.md §6). All
// state is guarded by mu; the collector additionally serializes access
// to it with its own gc-lock, but the heap must be self-consistent even
// if called directly by tests.
type Heap struct {
	mu sync.Mutex

	base  uintptr
	limit uintptr
	total uintptr // bytes currently carved into blocks (gc_heap_total)

	nextAddr uintptr
	live     map[uintptr]*Unit
	active   map[int]*Block // one growable block per size class
	blocks   []*Block
}

// NewHeap constructs a heap with the given soft limit in bytes
// (gc_heap_limit — the liveness heuristic's upper bound, not a hard cap).
func NewHeap(limit uintptr) *Heap {
	return &Heap{
		base:   1,
		limit:  limit,
		live:   make(map[uintptr]*Unit),
		active: make(map[int]*Block),
	}
}

// Base returns the heap's logical base address (gc_heap_base).
func (h *Heap) Base() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.base
}

// Range returns the span of addresses the heap has ever handed out
// (gc_heap_range).
func (h *Heap) Range() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextAddr - h.base
}

// Total returns the number of bytes currently carved into blocks
// (gc_heap_total).
func (h *Heap) Total() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Limit returns the heap's configured soft limit (gc_heap_limit).
func (h *Heap) Limit() uintptr {
	return h.limit
}

// Allocate reserves a zero-initialized unit of at least size bytes under
// the given allocation-class index. Returns ErrOutOfMemory if growing a
// new block would take the heap past twice the configured limit.
func (h *Heap) Allocate(size uintptr, class int) (*Unit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sc, rounded := sizeClassFor(size)
	oversize := rounded > sizeClasses[len(sizeClasses)-1]
	b := h.active[sc]
	if oversize || b == nil || len(b.free) == 0 {
		if h.limit > 0 && h.total+rounded*unitsPerBlock > h.limit*2 {
			// Only refuse once we would blow well past the soft limit;
			// the liveness heuristic, not this check, is what normally
			// keeps usage near gc_heap_limit.
			return nil, ErrOutOfMemory
		}
		b = newBlock(sc, rounded)
		if !oversize {
			h.active[sc] = b
		}
		h.blocks = append(h.blocks, b)
		h.total += rounded * unitsPerBlock
	}

	idx := b.free[len(b.free)-1]
	b.free = b.free[:len(b.free)-1]
	b.inUse[idx] = true

	addr := h.nextAddr + 1
	h.nextAddr = addr

	u := &Unit{
		addr:    addr,
		payload: make([]byte, rounded),
		class:   class,
		block:   b,
		index:   idx,
	}
	b.units[idx] = u
	h.live[addr] = u
	return u, nil
}

// Free unconditionally returns a unit's slot to its block's freelist.
func (h *Heap) Free(u *Unit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.freeLocked(u)
}

func (h *Heap) freeLocked(u *Unit) {
	delete(h.live, u.addr)
	u.block.units[u.index] = nil
	u.block.inUse[u.index] = false
	u.block.free = append(u.block.free, u.index)
}

// IsObject reports whether addr is the start of a currently live,
// in-use unit — the conjunction of alignment, range, in-use bit and
// exact-start checks the spec requires of mark_address (§4.3, §9).
// Because this heap hands out opaque logical addresses rather than real
// pointers, "alignment" collapses to exact membership in the live table,
// which is the precise-match behavior spec.md calls for anyway.
func (h *Heap) IsObject(addr uintptr) (*Unit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.live[addr]
	if !ok || !u.block.isInUse(u.index) {
		return nil, false
	}
	return u, true
}

// BlockSize returns the byte size of the allocation containing u
// (object_size / GCBLOCKSIZE).
func (h *Heap) BlockSize(u *Unit) uintptr {
	return u.block.Size()
}

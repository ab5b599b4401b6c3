package gc

import "sync"

// MaxAllocClasses is the compile-time bound on registered allocation
// classes (gc-incremental.c's GC_ALLOC_MAX_INDEX, generalized into a
// constant since this port has no compiled-in class list of its own).
const MaxAllocClasses = 64

// WalkFunc precisely traces an object's outgoing references, appending
// any newly discovered white unit to the grey list via Collector.MarkObject.
// A nil WalkFunc falls back to a conservative word-wise scan of the
// unit's whole payload.
type WalkFunc func(c *Collector, payload []byte)

// FinalizeFunc is invoked by the finalizer worker, locks released, at
// most once per unit.
type FinalizeFunc func(payload []byte)

// DestroyFunc runs after an object has been swept but before its memory
// is returned to the heap; unlike FinalizeFunc it runs with the
// collector's gc-lock held (the world has already resumed), and strictly
// before the unit's storage is reused.
type DestroyFunc func(payload []byte)

type finalizeKind uint8

const (
	finalizeKindNone finalizeKind = iota // NORMAL sentinel: no finalizer
	finalizeKindFixed                    // FIXED sentinel: unmanaged object
	finalizeKindCallback
)

// AllocClass is one entry of the allocation-class registry: the walk,
// finalize and destroy callbacks plus live-object/live-byte counters,
// mirroring gc-incremental.c's gcFuncs.
type AllocClass struct {
	Index       int
	Walk        WalkFunc
	Destroy     DestroyFunc
	Description string

	finalizeFn   FinalizeFunc
	finalizeKind finalizeKind

	liveObjs  int64
	liveBytes int64
}

// IsFixed reports whether objects of this class are unmanaged (never
// placed on a colour list, freed only by explicit Collector.Free).
func (c *AllocClass) IsFixed() bool { return c.finalizeKind == finalizeKindFixed }

// NeedsFinalizer reports whether a freshly allocated object of this
// class starts in state NeedFinalize.
func (c *AllocClass) NeedsFinalizer() bool { return c.finalizeKind == finalizeKindCallback }

// Live returns the current number of live objects of this class
// (gcFunctions[i].nr).
func (c *AllocClass) Live() int64 { return c.liveObjs }

// LiveBytes returns the current number of live bytes of this class
// (gcFunctions[i].mem).
func (c *AllocClass) LiveBytes() int64 { return c.liveBytes }

func (c *AllocClass) accountAdd(size uintptr) {
	c.liveObjs++
	c.liveBytes += int64(size)
}

func (c *AllocClass) accountRemove(size uintptr) {
	c.liveObjs--
	c.liveBytes -= int64(size)
}

// ClassRegistry is the write-once-at-init table of allocation classes
// (§4.1, §9 "polymorphism by small-integer index"). Registration and
// reads both take the registry's mutex.
type ClassRegistry struct {
	mu      sync.Mutex
	classes [MaxAllocClasses]*AllocClass
	nrTypes int
}

// NewClassRegistry returns an empty registry.
func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{}
}

// RegisterFixed registers index as an unmanaged allocation class: objects
// are never placed on a colour list and must be freed explicitly via
// Collector.Free.
func (r *ClassRegistry) RegisterFixed(index int, description string) error {
	return r.register(index, &AllocClass{
		Index:        index,
		Description:  description,
		finalizeKind: finalizeKindFixed,
	})
}

// RegisterGC registers index as a collected allocation class. finalize
// may be nil, meaning objects of this class are never finalized.
func (r *ClassRegistry) RegisterGC(index int, walk WalkFunc, finalize FinalizeFunc, destroy DestroyFunc, description string) error {
	kind := finalizeKindNone
	if finalize != nil {
		kind = finalizeKindCallback
	}
	return r.register(index, &AllocClass{
		Index:        index,
		Walk:         walk,
		Destroy:      destroy,
		Description:  description,
		finalizeFn:   finalize,
		finalizeKind: kind,
	})
}

func (r *ClassRegistry) register(index int, class *AllocClass) error {
	if index < 0 || index >= MaxAllocClasses {
		return ErrIndexOutOfRange
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.classes[index] != nil {
		return ErrAlreadyRegistered
	}
	r.classes[index] = class
	if index >= r.nrTypes {
		r.nrTypes = index + 1
	}
	return nil
}

// Get returns the class registered under index, or (nil, false) if none.
func (r *ClassRegistry) Get(index int) (*AllocClass, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= MaxAllocClasses || r.classes[index] == nil {
		return nil, false
	}
	return r.classes[index], true
}

// Each calls fn for every registered class, in index order, up to the
// highest registered index (nrTypes) — used by verbose-GC per-class
// reporting (objectStatsPrint).
func (r *ClassRegistry) Each(fn func(*AllocClass)) {
	r.mu.Lock()
	classes := make([]*AllocClass, r.nrTypes)
	copy(classes, r.classes[:r.nrTypes])
	r.mu.Unlock()
	for _, c := range classes {
		if c != nil {
			fn(c)
		}
	}
}

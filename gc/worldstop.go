package gc

import "sync"

// WorldStopper is the collector's view of the external thread-scheduling
// contract spec.md §5 calls stop_world()/resume_world(): an opaque
// capability that suspends every mutator at a safe point before
// StopWorld returns, and releases them on ResumeWorld. The collector's
// correctness never depends on how this is implemented (signals,
// cooperative polling, safepoint pages — spec.md §9), only on the
// ordering guarantee it provides.
type WorldStopper interface {
	StopWorld()
	ResumeWorld()
}

// CooperativeWorldStopper is a reference WorldStopper for mutators that
// are ordinary goroutines with no JIT safepoints to inject into. Mutator
// code brackets any read/write of heap colour, list membership or object
// graph edges with Safepoint and the leave function it returns;
// StopWorld takes the writer side of the lock, excluding every mutator
// currently inside a safepoint bracket (and every future one) until
// ResumeWorld releases it.
//
// This is a simplification spec.md's "Out of scope" section anticipates
// (the real thread-scheduling primitives are an external collaborator);
// it is documented here rather than silently substituted, since it
// changes *how* mutators must cooperate (explicit safepoint brackets)
// even though it preserves the ordering guarantee §5 requires.
type CooperativeWorldStopper struct {
	mu sync.RWMutex
}

// NewCooperativeWorldStopper returns a ready-to-use stopper.
func NewCooperativeWorldStopper() *CooperativeWorldStopper {
	return &CooperativeWorldStopper{}
}

func (w *CooperativeWorldStopper) StopWorld()   { w.mu.Lock() }
func (w *CooperativeWorldStopper) ResumeWorld() { w.mu.Unlock() }

// Safepoint brackets a mutator-side critical section that touches heap
// colour, list membership or object graph edges. Call the returned
// function to leave the safepoint.
func (w *CooperativeWorldStopper) Safepoint() func() {
	w.mu.RLock()
	return w.mu.RUnlock
}

package gc

import "fmt"

// ErrOutOfMemory is returned from Malloc/Realloc when the underlying heap
// cannot satisfy a request. Unlike the reference VM, which raises a
// language-level exception from the allocation site, this port surfaces
// it as an ordinary Go error so callers can decide whether to retry,
// trigger a forced collection, or propagate it.
var ErrOutOfMemory = fmt.Errorf("gc: out of memory")

// ErrAlreadyRegistered is returned when an allocation-class index is
// registered a second time.
var ErrAlreadyRegistered = fmt.Errorf("gc: allocation class already registered")

// ErrIndexOutOfRange is returned when an allocation-class index falls
// outside [0, MaxAllocClasses).
var ErrIndexOutOfRange = fmt.Errorf("gc: allocation class index out of range")

// ProgrammingError marks an invariant violation that this package treats
// as fatal: freeing or reallocating a non-Fixed object, allocating or
// enabling before Init, putting a unit on two colour lists at once, or a
// colour/state invariant broken during a cycle. (Registering an index
// twice is not one of them: it returns ErrAlreadyRegistered.) There is
// no recovery path; the
// convention in this module is to panic with ProgrammingError rather
// than return it, so it cannot be silently swallowed by a caller that
// only checks the common error cases.
type ProgrammingError struct {
	Msg string
}

func (e ProgrammingError) Error() string {
	return "gc: programming error: " + e.Msg
}

func fatalf(format string, args ...any) {
	panic(ProgrammingError{Msg: fmt.Sprintf(format, args...)})
}

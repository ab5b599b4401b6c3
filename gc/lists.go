package gc

// List is an intrusive, doubly-linked, sentinel-headed queue of units —
// the Go shape of gc-incremental.c's gcList plus its UAPPENDLIST /
// UREMOVELIST / URESETLIST macros. It exists so that moving a unit
// between colour lists during a collection never allocates: the
// prev/next pointers live on the Unit itself, not in a wrapper node
// (container/list was rejected for exactly this reason — see
// DESIGN.md).
type List struct {
	sentinel Unit
	name     string
}

// NewList returns an empty list. name is used only for diagnostics
// (invariant-violation panics).
func NewList(name string) *List {
	l := &List{name: name}
	l.sentinel.next = &l.sentinel
	l.sentinel.prev = &l.sentinel
	return l
}

// Empty reports whether the list currently holds no units.
func (l *List) Empty() bool {
	return l.sentinel.next == &l.sentinel
}

// Append adds u to the tail of the list. u must not already be on a
// list; use List.Remove (or MoveTo) first if it is.
func (l *List) Append(u *Unit) {
	if u.list != nil {
		fatalf("list %s: append of unit already on list %s", l.name, u.list.name)
	}
	tail := l.sentinel.prev
	u.prev = tail
	u.next = &l.sentinel
	tail.next = u
	l.sentinel.prev = u
	u.list = l
}

// Remove unlinks u from l. It is a programming error to remove a unit
// that is not currently on l.
func (l *List) Remove(u *Unit) {
	if u.list != l {
		fatalf("list %s: remove of unit not on this list", l.name)
	}
	u.prev.next = u.next
	u.next.prev = u.prev
	u.prev, u.next, u.list = nil, nil, nil
}

// MoveTo removes u from its current list (if any) and appends it to l.
func (l *List) MoveTo(u *Unit) {
	if u.list != nil {
		u.list.Remove(u)
	}
	l.Append(u)
}

// PopFront removes and returns the head unit, or nil if the list is empty.
func (l *List) PopFront() *Unit {
	if l.Empty() {
		return nil
	}
	u := l.sentinel.next
	l.Remove(u)
	return u
}

// Each calls fn for every unit on the list, head to tail, stopping early
// if fn returns false. fn may safely unlink the unit it was given (onto
// another list) but must not otherwise mutate list membership of units
// it has not yet visited.
func (l *List) Each(fn func(*Unit) bool) {
	for u := l.sentinel.next; u != &l.sentinel; {
		next := u.next
		if !fn(u) {
			return
		}
		u = next
	}
}

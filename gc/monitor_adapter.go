package gc

import "github.com/heapwright/rtgc/monitor"

// MonitorAllocator adapts a Collector to monitor.Allocator, so the
// monitor package can reserve its Record backing storage through the
// collector's Fixed allocation class without importing package gc's
// concrete Unit type into its own public API.
type MonitorAllocator struct {
	C *Collector
}

// Malloc implements monitor.Allocator.
func (a MonitorAllocator) Malloc(size uintptr, class int) (monitor.Handle, error) {
	u, err := a.C.Malloc(size, class)
	if err != nil {
		return nil, err
	}
	return u, nil
}

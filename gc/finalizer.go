package gc

import "context"

// finaliserMan drains the finalise list, invoking each class's finalize
// callback with every lock released, mirroring gc-incremental.c's
// finaliserMan. Moving a unit to grey and state Finalized *before*
// calling its finalizer means a resurrecting finalizer (one that
// publishes the object back into the reachable graph) hands the next
// collection a valid scan target, and the object is never finalized
// twice since its state has already advanced past InFinalize.
func (c *Collector) finaliserMan(ctx context.Context) {
	go func() {
		<-ctx.Done()
		c.finMu.Lock()
		c.finCond.Broadcast()
		c.finMu.Unlock()
	}()

	for {
		c.finMu.Lock()
		for !c.finRunning {
			if ctx.Err() != nil {
				c.finMu.Unlock()
				return
			}
			c.finCond.Wait()
		}
		if ctx.Err() != nil {
			c.finMu.Unlock()
			return
		}
		c.finMu.Unlock()

		for {
			c.gcLock.Lock()
			u := c.finalise.PopFront()
			if u == nil {
				c.gcLock.Unlock()
				break
			}
			c.grey.Append(u)
			u.setColour(Grey)

			bsz := c.heap.BlockSize(u)
			c.stats.FinalMem -= uint64(bsz)
			c.stats.FinalObj--

			if u.state() != InFinalize {
				c.gcLock.Unlock()
				fatalf("gc: finalizer drained unit not in state InFinalize")
			}
			u.setState(Finalized)
			c.gcLock.Unlock()

			class, ok := c.classes.Get(u.class)
			if ok && class.finalizeFn != nil {
				class.finalizeFn(u.payload)
			}
		}

		c.finMu.Lock()
		c.finRunning = false
		c.finCond.Broadcast()
		c.finMu.Unlock()
	}
}

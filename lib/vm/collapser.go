package vm

import (
	"github.com/ValentinKolb/dVM/lib/util"
	"time"
)

// --------------------------------------------------------------------------
// Background collapser
// --------------------------------------------------------------------------

// startCollapser starts the background collapser if CollapseInterval is set.
// Shadow and Copy push the ids of new chain heads as hints. Every interval
// the collected hints are collapsed in one sweep.
func (e *Engine) startCollapser() {
	if e.opts.CollapseInterval <= 0 || !e.opts.CollapseAllowed {
		return
	}
	if !e.collapserRunning.CompareAndSwap(false, true) {
		return
	}

	e.hints = util.NewLockFreeMPSC[uint64]()
	e.collapserDone = make(chan struct{})
	go e.runCollapser(e.opts.CollapseInterval)
}

func (e *Engine) stopCollapser() {
	if !e.collapserRunning.CompareAndSwap(true, false) {
		return
	}
	e.hints.Close()
	<-e.collapserDone
}

// hint queues o for the next background sweep
func (e *Engine) hint(o *Object) {
	if !e.collapserRunning.Load() {
		return
	}
	id := o.id
	e.hints.Push(&id)
}

func (e *Engine) runCollapser(interval time.Duration) {
	defer close(e.collapserDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pending := make(map[uint64]struct{})
	for {
		select {
		case id, ok := <-e.hints.Recv():
			if !ok {
				return
			}
			pending[*id] = struct{}{}
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			swept := 0
			for id := range pending {
				delete(pending, id)
				o, ok := e.registry.get(id)
				if !ok || !e.acquireTemp(o) {
					continue
				}
				_ = e.Collapse(e.ctx, o)
				e.Deallocate(o)
				swept++
			}
			plog.Debugf("background collapser swept %d objects", swept)
		}
	}
}

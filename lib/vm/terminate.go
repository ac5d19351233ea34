package vm

import (
	"context"
	"fmt"
)

// --------------------------------------------------------------------------
// Deallocation
// --------------------------------------------------------------------------

// Deallocate releases one reference on o.
//
// If o keeps exactly one reference and that reference is held by a single
// shadower, the shadower is collapsed so chains stay short without a
// background sweep. If the last reference is dropped, o is either cached
// (FlagCanPersist) or terminated. Terminating o releases the reference it held
// on its shadow, which is processed by the same loop, so releasing the head of
// an arbitrarily long chain runs in constant stack space.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) Deallocate(o *Object) {
	if o == nil {
		return
	}

	work := []*Object{o}
	for len(work) > 0 {
		next := work[len(work)-1]
		work = work[:len(work)-1]
		work = e.release(next, work)
	}
}

// release drops one reference on o and returns work with every object whose
// reference has to be released next appended.
func (e *Engine) release(o *Object, work []*Object) []*Object {
	o.mu.Lock()
	if o.dead || o.refCount <= 0 {
		panic(fmt.Sprintf("vm: deallocate of unreferenced object %d (ref=%d)", o.id, o.refCount))
	}

	if o.refCount > 1 {
		o.refCount--

		var single *Object
		if o.refCount == 1 && len(o.shadowers) == 1 &&
			o.flags&(FlagInternal|FlagFading) == FlagInternal {
			for id := range o.shadowers {
				single, _ = e.registry.get(id)
			}
		}
		o.mu.Unlock()

		if single != nil && e.acquireTemp(single) {
			var handback []*Object
			_ = e.collapse(e.ctx, single, &handback)
			work = append(work, single)
			work = append(work, handback...)
		}
		return work
	}

	// last reference, the registry lock has to be taken first
	o.mu.Unlock()
	e.registry.mu.Lock()
	o.mu.Lock()
	if o.refCount != 1 {
		// revived through Lookup in the meantime
		o.mu.Unlock()
		e.registry.mu.Unlock()
		return append(work, o)
	}
	if len(o.shadowers) != 0 {
		panic(fmt.Sprintf("vm: last reference of %d dropped while it has %d shadowers", o.id, len(o.shadowers)))
	}

	if o.flags&FlagCanPersist != 0 {
		// the cache keeps the last reference
		e.registry.cacheAddLocked(o)
		for _, p := range o.pages {
			p.active = false
		}
		plog.Debugf("cached object %d (%d resident pages)", o.id, len(o.pages))
		o.mu.Unlock()

		victims := e.registry.takeVictimsLocked()
		for _, v := range victims {
			v.mu.Lock()
			v.flags &^= FlagCanPersist
			v.mu.Unlock()
		}
		e.registry.mu.Unlock()
		return append(work, victims...)
	}

	e.registry.forgetLocked(o)
	o.flags |= FlagFading
	o.abort.Store(true)
	e.registry.mu.Unlock()

	if shadow := e.terminate(o); shadow != nil {
		work = append(work, shadow)
	}
	return work
}

// --------------------------------------------------------------------------
// Termination
// --------------------------------------------------------------------------

// terminate destroys o. It is entered with o locked and returns with o
// unlocked. Dirty pages of named objects are written to the pager first.
//
// The reference o held on its shadow is returned to the caller, who must
// release it.
func (e *Engine) terminate(o *Object) *Object {
	if err := o.pagingWaitLocked(context.Background()); err != nil {
		panic(fmt.Sprintf("vm: wait for paging of %d: %v", o.id, err))
	}

	// detach from the shadow, keeping its reference for the caller
	shadow := o.shadow
	for shadow != nil {
		o.mu.Unlock()
		lockObjects(o, shadow)
		if o.shadow == shadow {
			shadow.refCount++
			e.setShadow(o, nil)
			if shadow.copy == o {
				shadow.copy = nil
			}
			shadow.mu.Unlock()
			break
		}
		shadow.mu.Unlock()
		shadow = o.shadow
	}

	if o.flags&FlagInternal == 0 && o.pager != nil {
		if err := e.cleanLocked(context.Background(), o, 0, 0, true, true); err != nil {
			plog.Errorf("flush of terminating object %d failed: %v", o.id, err)
		}
	}

	for _, p := range o.pages {
		if p.busy {
			panic(fmt.Sprintf("vm: terminating %d with busy page %d", o.id, p.offset))
		}
		e.ledger.free(p)
	}

	pg := o.pager
	o.pager = nil
	o.copy = nil
	o.dead = true
	o.wakeLocked()
	o.mu.Unlock()

	if pg != nil {
		if err := pg.Close(); err != nil {
			plog.Warningf("close pager of %d: %v", o.id, err)
		}
	}

	e.registry.remove(o)
	e.metrics.terminations.Inc()
	plog.Debugf("terminated object %d", o.id)

	if e.onTerminate != nil {
		e.onTerminate(o)
	}
	return shadow
}

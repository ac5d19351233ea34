package vm

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dVM/lib/pager"
	"math"
)

// --------------------------------------------------------------------------
// Collapse loop
// --------------------------------------------------------------------------

// Collapse shortens the shadow chain below object. While the shadow of object
// is an internal object it is either merged into object (overlay, when object
// is its only shadower) or spliced out of the chain (bypass, when every page
// it holds is hidden by object). The loop stops at the first object that
// cannot be removed.
//
// A failed attempt leaves the chain unchanged and valid. The returned error
// reports why the last attempt failed. It is informational, skipping a
// collapse is always safe.
//
// The caller must hold a reference on object.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) Collapse(ctx context.Context, object *Object) error {
	return e.collapse(ctx, object, nil)
}

// collapse runs the collapse loop. If handback is not nil, the temporary
// references on removed backing objects are appended to it instead of being
// released here, so a caller that is itself releasing references can continue
// its own walk without recursing.
func (e *Engine) collapse(ctx context.Context, object *Object, handback *[]*Object) error {
	if !e.opts.CollapseAllowed {
		return nil
	}

	object.mu.Lock()
	if object.collapsing || object.dead || object.flags&FlagFading != 0 {
		object.mu.Unlock()
		return nil
	}
	object.collapsing = true
	object.mu.Unlock()

	defer func() {
		object.mu.Lock()
		object.collapsing = false
		object.mu.Unlock()
		object.abort.Store(false)
	}()

	for {
		backing, next, ok := lockChain(object)
		if !ok {
			return nil
		}

		if backing.flags&(FlagInternal|FlagFading) != FlagInternal ||
			backing.collapsing || backing.dead ||
			(next != nil && next.copy != nil) {
			unlockObjects(object, backing, next)
			return nil
		}

		// keeps backing alive until the transformation is done
		backing.refCount++

		var err error
		if backing.refCount == 2 {
			err = e.overlay(ctx, object, backing)
		} else {
			err = e.bypass(object, backing, next)
		}

		if err != nil {
			backing.mu.Lock()
			backing.flags &^= FlagFading
			backing.mu.Unlock()

			e.metrics.collapseFailures.Inc()
			if pager.IsCode(err, pager.RetCIOError) {
				plog.Warningf("collapse of %d into %d failed: %v", backing.id, object.id, err)
			} else {
				plog.Debugf("collapse of %d into %d stopped: %v", backing.id, object.id, err)
			}

			e.releaseTemp(backing, handback)
			return err
		}

		e.releaseTemp(backing, handback)
		if handback != nil {
			// backing still links object to the next level until the caller
			// releases it, that release collapses the next level
			return nil
		}
	}
}

func (e *Engine) releaseTemp(o *Object, handback *[]*Object) {
	if handback != nil {
		*handback = append(*handback, o)
		return
	}
	e.Deallocate(o)
}

// --------------------------------------------------------------------------
// Overlay
// --------------------------------------------------------------------------

// overlay merges backing into object. It is entered with object, backing and
// the shadow of backing locked and returns with all of them unlocked.
func (e *Engine) overlay(ctx context.Context, object, backing *Object) error {
	backing.flags |= FlagFading
	if backing.pager != nil {
		start := backing.pagingOffset + object.shadowOffset
		end := start + object.size
		backing.pager.RemoveRange(0, start)
		backing.pager.RemoveRange(end, math.MaxInt64)
	}
	unlockObjects(object, backing, backing.shadow)

	for {
		if object.abort.Load() {
			return fmt.Errorf("%w: abort requested on %d", ErrCollapseAborted, object.id)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCollapseAborted, err)
		}

		// pagein quiescence
		backing.mu.Lock()
		if err := backing.pagingWaitLocked(ctx); err != nil {
			backing.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrCollapseAborted, err)
		}
		if backing.refCount == 1 {
			backing.mu.Unlock()
			return fmt.Errorf("%w: %d lost its last owner", ErrCollapseAborted, backing.id)
		}
		backing.mu.Unlock()

		b, next, ok := lockChain(object)
		if !ok {
			return fmt.Errorf("%w: %d no longer has a shadow", ErrCollapseAborted, object.id)
		}
		if b != backing {
			unlockObjects(object, b, next)
			return fmt.Errorf("%w: shadow of %d changed", ErrCollapseAborted, object.id)
		}
		if next != nil && next.copy != nil {
			unlockObjects(object, backing, next)
			return fmt.Errorf("%w: %d gained a copy object", ErrCollapseFailed, next.id)
		}
		if backing.pagingInProgress > 0 {
			unlockObjects(object, backing, next)
			continue
		}

		e.migrateResidentLocked(object, backing)

		if backing.pager != nil {
			if object.pager == nil {
				// cheapest case, the pager moves up as a whole
				object.pager = backing.pager
				object.pagingOffset = backing.pagingOffset + object.shadowOffset
				backing.pager = nil
			} else {
				pending, err := e.migratePagedLocked(ctx, object, backing, next)
				if err != nil {
					return err
				}
				if pending {
					continue
				}
			}
		}

		if backing.pager != nil {
			if n := backing.pager.Count(); n != 0 {
				// the pager failed to drop entries, the chain is still intact
				unlockObjects(object, backing, next)
				return fmt.Errorf("%w: pager of %d still holds %d pages", ErrCollapseFailed, backing.id, n)
			}
			if err := backing.pager.Close(); err != nil {
				plog.Warningf("close pager of %d: %v", backing.id, err)
			}
			backing.pager = nil
		}
		if len(backing.pages) != 0 {
			panic(fmt.Sprintf("vm: overlay of %d left %d resident pages", backing.id, len(backing.pages)))
		}

		e.setShadow(object, next)
		object.shadowOffset += backing.shadowOffset
		if backing.copy == object {
			backing.copy = nil
		}

		plog.Debugf("overlay: merged %d into %d", backing.id, object.id)
		unlockObjects(object, backing, next)
		e.metrics.collapses.Inc()
		return nil
	}
}

// migrateResidentLocked moves every resident page of backing that object can
// see into object and frees the rest.
func (e *Engine) migrateResidentLocked(object, backing *Object) {
	for off, p := range backing.pages {
		if p.busy {
			panic(fmt.Sprintf("vm: busy page %d in %d while paging is idle", off, backing.id))
		}

		var inPager bool
		if backing.pager != nil {
			idx := off + backing.pagingOffset
			inPager = backing.pager.RemoveRange(idx, idx+1) > 0
		}

		to := off - object.shadowOffset
		if to < 0 || to >= object.size || object.pages[to] != nil || object.pagerHasLocked(to) {
			e.ledger.free(p)
			continue
		}

		if inPager {
			// the only remaining copy now lives in memory
			p.dirty = true
		}
		p.fake = false
		e.ledger.rename(p, object, to)
	}
}

// migratePagedLocked scans the pager of backing. Pages object already covers
// are dropped from the pager. For the first page object cannot see otherwise
// a pagein into backing is started.
//
// If pending is true a pagein was done (or memory was reclaimed) and all locks
// have been released, the caller must revalidate and retry. If err is not nil
// all locks have been released as well. Otherwise all locks are still held.
func (e *Engine) migratePagedLocked(ctx context.Context, object, backing, next *Object) (pending bool, err error) {
	bp := backing.pager

	for idx, ok := bp.NextResident(0); ok; idx, ok = bp.NextResident(idx + 1) {
		off := idx - backing.pagingOffset
		to := off - object.shadowOffset
		if to < 0 || to >= object.size || object.pages[to] != nil || object.pagerHasLocked(to) {
			bp.RemoveRange(idx, idx+1)
			continue
		}
		if backing.pages[off] != nil {
			panic(fmt.Sprintf("vm: page %d of %d is resident after migration", off, backing.id))
		}

		placeholder := e.ledger.alloc(backing, off)
		if placeholder == nil {
			unlockObjects(object, backing, next)
			e.reclaim()
			if err := e.ledger.waitFrame(ctx); err != nil {
				return false, fmt.Errorf("%w: %v", ErrCollapseAborted, err)
			}
			return true, nil
		}
		placeholder.fake = true
		placeholder.busy = true
		backing.pagingBeginLocked()
		unlockObjects(object, backing, next)

		data, rerr := bp.Read(ctx, idx)

		backing.mu.Lock()
		if rerr != nil {
			e.ledger.free(placeholder)
			backing.pagingEndLocked()
			backing.mu.Unlock()
			return false, fmt.Errorf("%w: pagein of %d in %d: %w", ErrCollapseFailed, off, backing.id, rerr)
		}
		placeholder.data = data
		placeholder.fake = false
		placeholder.busy = false
		placeholder.dirty = false
		backing.pagingEndLocked()
		backing.mu.Unlock()
		e.metrics.pageins.Inc()
		return true, nil
	}
	return false, nil
}

// --------------------------------------------------------------------------
// Bypass
// --------------------------------------------------------------------------

// bypass splices backing out of the chain below object if object hides every
// page of backing. It is entered with object, backing and next locked and
// returns with all of them unlocked.
func (e *Engine) bypass(object, backing, next *Object) error {
	defer unlockObjects(object, backing, next)

	if backing.pagingInProgress > 0 {
		return fmt.Errorf("%w: paging in progress on %d", ErrCollapseFailed, backing.id)
	}

	covered := func(off int64) bool {
		to := off - object.shadowOffset
		if to < 0 || to >= object.size {
			return true
		}
		if p := object.pages[to]; p != nil && !p.fake {
			return true
		}
		return object.pagerHasLocked(to)
	}

	for off := range backing.pages {
		if !covered(off) {
			return fmt.Errorf("%w: page %d of %d is visible through %d", ErrCollapseFailed, off, backing.id, object.id)
		}
	}
	if bp := backing.pager; bp != nil {
		for idx, ok := bp.NextResident(0); ok; idx, ok = bp.NextResident(idx + 1) {
			if off := idx - backing.pagingOffset; !covered(off) {
				return fmt.Errorf("%w: paged out page %d of %d is visible through %d", ErrCollapseFailed, off, backing.id, object.id)
			}
		}
	}

	e.setShadow(object, next)
	object.shadowOffset += backing.shadowOffset
	if backing.copy == object {
		backing.copy = nil
	}

	plog.Debugf("bypass: spliced %d out below %d", backing.id, object.id)
	e.metrics.bypasses.Inc()
	return nil
}

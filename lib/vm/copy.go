package vm

import (
	"context"
	"fmt"
	"runtime"
)

// --------------------------------------------------------------------------
// Shadow
// --------------------------------------------------------------------------

// Shadow creates a new object of length pages that shadows source at offset.
// The caller's reference to source is transferred to the new object, so the
// caller must not deallocate source afterwards. The returned offset is always 0.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) Shadow(source *Object, offset, length int64) (*Object, int64) {
	if source == nil {
		panic("vm: shadow of nil object")
	}

	result := e.Allocate(length)

	lockObjects(result, source)
	e.setShadow(result, source)
	// the new shadow link takes over the caller's reference
	source.refCount--
	result.shadowOffset = offset
	unlockObjects(result, source)

	e.hint(result)
	return result, 0
}

// --------------------------------------------------------------------------
// Copy
// --------------------------------------------------------------------------

// Copy makes [srcOffset, srcOffset+size) of src available copy-on-write.
//
// For internal objects and objects without a pager the copy is symmetric: src
// gains a reference, its pages are marked copy-on-write and src itself is
// returned with needsCopy set, telling the caller to shadow it lazily on the
// first write.
//
// For pager-backed objects a copy object is interposed: a new object that
// shadows src and receives the old contents of pages before src modifies
// them. An older copy object is relinked to shadow the new one. With
// ReuseEmptyCopy an existing copy object that never received pages is handed
// out again before any of this happens.
//
// The caller must hold a reference on src. dst carries a reference for the caller.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) Copy(ctx context.Context, src *Object, srcOffset, size int64) (dst *Object, dstOffset int64, needsCopy bool) {
	if src == nil {
		return nil, 0, false
	}

	src.mu.Lock()
	if src.pager == nil || src.flags&FlagInternal != 0 {
		src.refCount++
		e.protectLocked(src, srcOffset, srcOffset+size)
		src.mu.Unlock()
		return src, srcOffset, true
	}
	src.mu.Unlock()

	if e.opts.ReuseEmptyCopy {
		if old := e.reusableCopy(src); old != nil {
			plog.Debugf("copy of %d reuses empty copy object %d", src.id, old.id)
			return old, srcOffset, false
		}
	}

	// shorten the chain before putting another object in front of it
	_ = e.Collapse(ctx, src)

	newCopy := e.Allocate(src.Size())

	for {
		src.mu.Lock()
		old := src.copy
		if old != nil && !old.mu.TryLock() {
			src.mu.Unlock()
			runtime.Gosched()
			continue
		}
		if !newCopy.mu.TryLock() {
			if old != nil {
				old.mu.Unlock()
			}
			src.mu.Unlock()
			runtime.Gosched()
			continue
		}

		if old != nil {
			if old.shadow != src || old.shadowOffset != 0 {
				panic(fmt.Sprintf("vm: copy object %d of %d does not shadow it at offset 0", old.id, src.id))
			}
			// the old copy now sees src as it was before this copy
			e.setShadow(old, newCopy)
		}
		e.setShadow(newCopy, src)
		newCopy.shadowOffset = 0
		src.copy = newCopy
		e.protectLocked(src, 0, newCopy.size)

		newCopy.mu.Unlock()
		if old != nil {
			old.mu.Unlock()
		}
		src.mu.Unlock()
		break
	}

	e.hint(newCopy)
	return newCopy, srcOffset, false
}

// reusableCopy returns the copy object of src with a new reference if it
// has neither pages nor a pager
func (e *Engine) reusableCopy(src *Object) *Object {
	for {
		src.mu.Lock()
		old := src.copy
		if old == nil {
			src.mu.Unlock()
			return nil
		}
		if !old.mu.TryLock() {
			src.mu.Unlock()
			runtime.Gosched()
			continue
		}

		var reused *Object
		if !old.dead && old.refCount > 0 && old.flags&FlagFading == 0 &&
			len(old.pages) == 0 && old.pager == nil {
			old.refCount++
			reused = old
		}
		old.mu.Unlock()
		src.mu.Unlock()
		return reused
	}
}

// --------------------------------------------------------------------------
// Coalesce
// --------------------------------------------------------------------------

// Coalesce tries to extend prev so that it also covers the region that would
// otherwise need a new object of nextSize pages directly behind it. It
// succeeds only if prev is anonymous, singly referenced and neither shadows
// nor is shadowed by a copy object. On success the pages in the added range
// are discarded and prev is grown if needed.
//
// next must be nil. A nil prev always coalesces. The offset of next is not
// used, the added range always starts at prevOffset+prevSize.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) Coalesce(ctx context.Context, prev, next *Object, prevOffset, _, prevSize, nextSize int64) bool {
	if next != nil {
		return false
	}
	if prev == nil {
		return true
	}

	_ = e.Collapse(ctx, prev)

	prev.mu.Lock()
	defer prev.mu.Unlock()

	if prev.refCount > 1 || prev.pager != nil || prev.shadow != nil || prev.copy != nil {
		return false
	}

	end := prevOffset + prevSize
	if nextSize > 0 {
		if err := e.removeLocked(ctx, prev, end, end+nextSize); err != nil {
			return false
		}
	}

	if newSize := end + nextSize; newSize > prev.size {
		prev.size = newSize
	}
	return true
}

// --------------------------------------------------------------------------
// Copy-on-write protection
// --------------------------------------------------------------------------

// ProtectCopyOnWrite marks all resident pages of o in [start, end) copy-on-write.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) ProtectCopyOnWrite(o *Object, start, end int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e.protectLocked(o, start, end)
}

func (e *Engine) protectLocked(o *Object, start, end int64) {
	for off, p := range o.pages {
		if off >= start && off < end {
			p.copyOnWrite = true
		}
	}
}

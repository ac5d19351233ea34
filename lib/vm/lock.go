package vm

import "runtime"

/*
Lock ordering:

  registry lock -> object lock

Object locks are never acquired blocking while another object lock is held.
The first lock of a group is taken with Lock, every further one with TryLock.
If a TryLock fails, all locks of the group are dropped and the whole group is
retried. Callers must re-validate any state read before the group was held.
*/

// lockObjects locks all distinct non-nil objects using drop-and-retry
func lockObjects(objs ...*Object) {
	objs = distinct(objs)
	if len(objs) == 0 {
		return
	}
	for {
		objs[0].mu.Lock()
		held := 1
		for ; held < len(objs); held++ {
			if !objs[held].mu.TryLock() {
				break
			}
		}
		if held == len(objs) {
			return
		}
		for i := held - 1; i >= 0; i-- {
			objs[i].mu.Unlock()
		}
		runtime.Gosched()
	}
}

// unlockObjects unlocks all distinct non-nil objects
func unlockObjects(objs ...*Object) {
	for _, o := range distinct(objs) {
		o.mu.Unlock()
	}
}

func distinct(objs []*Object) []*Object {
	out := make([]*Object, 0, len(objs))
	for _, o := range objs {
		if o == nil {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == o {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, o)
		}
	}
	return out
}

// lockChain locks object, its shadow (backing) and the shadow of the backing (next).
// next may be nil. If object has no shadow, nothing is locked and ok is false.
func lockChain(object *Object) (backing, next *Object, ok bool) {
	for {
		object.mu.Lock()
		backing = object.shadow
		if backing == nil {
			object.mu.Unlock()
			return nil, nil, false
		}
		if !backing.mu.TryLock() {
			object.mu.Unlock()
			runtime.Gosched()
			continue
		}
		next = backing.shadow
		if next != nil && !next.mu.TryLock() {
			backing.mu.Unlock()
			object.mu.Unlock()
			runtime.Gosched()
			continue
		}
		return backing, next, true
	}
}

package vm

import "fmt"

// setShadow makes object shadow newShadow, moving one reference and the weak
// shadower entry from the old shadow to the new one. It is the only place
// that modifies shadow links.
//
// The caller holds the locks of object, its current shadow and newShadow.
func (e *Engine) setShadow(object, newShadow *Object) {
	old := object.shadow
	if old == newShadow {
		return
	}

	plog.Debugf("set shadow of %d: %s -> %s", object.id, idOf(old), idOf(newShadow))

	if old != nil {
		old.refCount--
		if old.refCount <= 0 {
			panic(fmt.Sprintf("vm: unlinking %d dropped the last reference of %d", object.id, old.id))
		}
		delete(old.shadowers, object.id)
	}
	if newShadow != nil {
		if newShadow.dead {
			panic(fmt.Sprintf("vm: shadowing terminated object %d", newShadow.id))
		}
		newShadow.refCount++
		newShadow.shadowers[object.id] = struct{}{}
	}
	object.shadow = newShadow
}

func idOf(o *Object) string {
	if o == nil {
		return "none"
	}
	return fmt.Sprintf("%d", o.id)
}

package vm

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dVM/lib/pager"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Flags
// --------------------------------------------------------------------------

// Flags describe the kind and lifecycle state of an Object.
type Flags uint32

const (
	// FlagInternal marks anonymous memory created by the engine itself.
	// Only internal objects may be collapsed into their shadowers.
	FlagInternal Flags = 1 << iota
	// FlagCanPersist allows the object to stay cached after its last reference is dropped.
	FlagCanPersist
	// FlagFading marks an object that is being merged away or terminated.
	FlagFading
)

func (f Flags) String() string {
	var parts []string
	if f&FlagInternal != 0 {
		parts = append(parts, "internal")
	}
	if f&FlagCanPersist != 0 {
		parts = append(parts, "persist")
	}
	if f&FlagFading != 0 {
		parts = append(parts, "fading")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// --------------------------------------------------------------------------
// Object
// --------------------------------------------------------------------------

// Object is a memory object: a sparse array of pages, optionally backed by a
// pager, optionally shadowing another object.
//
// All fields except id and abort are guarded by mu. The cached flag is guarded
// by the registry lock instead.
type Object struct {
	id uint64
	mu sync.Mutex

	// wake is closed (and replaced) whenever paging ends or a page stops being busy
	wake chan struct{}

	size         int64
	refCount     int
	shadow       *Object
	shadowOffset int64
	shadowers    map[uint64]struct{} // weak: ids of objects whose shadow is this object
	copy         *Object             // weak: the copy object shadowing this object
	pager        pager.IPager
	pagingOffset int64
	pages        map[int64]*page
	flags        Flags

	pagingInProgress int
	collapsing       bool // a collapse loop is running with this object as target
	dead             bool // terminated, must never be used again

	cached bool // guarded by Registry.mu

	// abort asks a running collapse on this object to give up at the next yield point
	abort atomic.Bool
}

func newObject(id uint64, size int64) *Object {
	return &Object{
		id:        id,
		size:      size,
		refCount:  1,
		shadowers: make(map[uint64]struct{}),
		pages:     make(map[int64]*page),
		flags:     FlagInternal,
	}
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// ID returns the stable identifier of the object.
func (o *Object) ID() uint64 { return o.id }

// Size returns the size of the object in pages.
func (o *Object) Size() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

// RefCount returns the current reference count.
func (o *Object) RefCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refCount
}

// Shadow returns the object this object shadows and the offset into it.
func (o *Object) Shadow() (*Object, int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shadow, o.shadowOffset
}

// CopyObject returns the copy object of this object, if any.
func (o *Object) CopyObject() *Object {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.copy
}

// Shadowers returns the ids of all objects shadowing this object in ascending order.
func (o *Object) Shadowers() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shadowerIDsLocked()
}

// Pager returns the pager of the object and its paging offset.
func (o *Object) Pager() (pager.IPager, int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pager, o.pagingOffset
}

// Flags returns the object flags.
func (o *Object) Flags() Flags {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flags
}

// ResidentCount returns the number of resident pages.
func (o *Object) ResidentCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pages)
}

// ResidentOffsets returns the offsets of all resident pages in ascending order.
func (o *Object) ResidentOffsets() []int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offsetsLocked()
}

// PagingInProgress returns the number of outstanding pager operations.
func (o *Object) PagingInProgress() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pagingInProgress
}

// AbortCollapse asks a collapse running on this object to stop at its next yield point.
// The request is cleared when that collapse returns.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (o *Object) AbortCollapse() {
	o.abort.Store(true)
}

// String returns a one-line description of the object.
func (o *Object) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.describeLocked()
}

func (o *Object) describeLocked() string {
	shadow := "none"
	if o.shadow != nil {
		shadow = fmt.Sprintf("%d+%d", o.shadow.id, o.shadowOffset)
	}
	copyObj := "none"
	if o.copy != nil {
		copyObj = fmt.Sprintf("%d", o.copy.id)
	}
	pagerState := "none"
	if o.pager != nil {
		pagerState = fmt.Sprintf("%d pages@%d", o.pager.Count(), o.pagingOffset)
	}
	return fmt.Sprintf("object %d: size=%d ref=%d res=%d shadow=%s copy=%s pager=%s flags=%s",
		o.id, o.size, o.refCount, len(o.pages), shadow, copyObj, pagerState, o.flags)
}

// --------------------------------------------------------------------------
// Locked helpers (caller holds o.mu)
// --------------------------------------------------------------------------

func (o *Object) shadowerIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(o.shadowers))
	for id := range o.shadowers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (o *Object) offsetsLocked() []int64 {
	offs := make([]int64, 0, len(o.pages))
	for off := range o.pages {
		offs = append(offs, off)
	}
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	return offs
}

// pagerHasLocked reports whether the pager of o stores the page at offset
func (o *Object) pagerHasLocked(offset int64) bool {
	return o.pager != nil && o.pager.Has(offset+o.pagingOffset)
}

// waitLocked releases o.mu until the next wake-up or until ctx is done.
// o.mu is held again when it returns. Callers must re-check their condition.
func (o *Object) waitLocked(ctx context.Context) error {
	if o.wake == nil {
		o.wake = make(chan struct{})
	}
	ch := o.wake
	o.mu.Unlock()

	var err error
	select {
	case <-ch:
	case <-ctx.Done():
		err = ctx.Err()
	}

	o.mu.Lock()
	return err
}

// wakeLocked wakes every goroutine blocked in waitLocked
func (o *Object) wakeLocked() {
	if o.wake != nil {
		close(o.wake)
		o.wake = nil
	}
}

func (o *Object) pagingBeginLocked() {
	o.pagingInProgress++
}

func (o *Object) pagingEndLocked() {
	o.pagingInProgress--
	if o.pagingInProgress < 0 {
		panic(fmt.Sprintf("vm: paging count of object %d went negative", o.id))
	}
	if o.pagingInProgress == 0 {
		o.wakeLocked()
	}
}

// pagingWaitLocked blocks until no pager operation is outstanding on o
func (o *Object) pagingWaitLocked(ctx context.Context) error {
	for o.pagingInProgress > 0 {
		if err := o.waitLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

package vm

import (
	"context"
	"fmt"
	"golang.org/x/sync/semaphore"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Page
// --------------------------------------------------------------------------

// page is a resident page. It belongs to exactly one object at a time and is
// guarded by the lock of that object.
type page struct {
	offset int64
	owner  *Object
	data   []byte

	dirty       bool // modified since last written to the pager
	busy        bool // pager I/O in flight, must not be touched
	fake        bool // placeholder allocated for a pagein that has not completed
	copyOnWrite bool // shared with a copy, the next write must copy it first
	active      bool // on the active queue of the page daemon
}

// PageInfo is a read-only snapshot of a resident page.
type PageInfo struct {
	Offset      int64  `json:"offset"`
	Data        []byte `json:"data,omitempty"`
	Dirty       bool   `json:"dirty"`
	CopyOnWrite bool   `json:"copy_on_write"`
	Active      bool   `json:"active"`
}

// Pages returns snapshots of all resident pages of o in ascending offset order.
func (o *Object) Pages() []PageInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]PageInfo, 0, len(o.pages))
	for _, off := range o.offsetsLocked() {
		p := o.pages[off]
		data := make([]byte, len(p.data))
		copy(data, p.data)
		out = append(out, PageInfo{
			Offset:      off,
			Data:        data,
			Dirty:       p.dirty,
			CopyOnWrite: p.copyOnWrite,
			Active:      p.active,
		})
	}
	return out
}

// --------------------------------------------------------------------------
// Page Ownership Ledger
// --------------------------------------------------------------------------

// ledger tracks which object owns which page and bounds the number of resident pages.
//
// Every method requires the locks of all objects it touches to be held.
type ledger struct {
	pool     *semaphore.Weighted // nil = unlimited
	resident atomic.Int64
}

func newLedger(maxPages int64) *ledger {
	l := &ledger{}
	if maxPages > 0 {
		l.pool = semaphore.NewWeighted(maxPages)
	}
	return l
}

// alloc creates a page at offset in o. It returns nil if the page pool is
// exhausted, the caller must then release its locks and call waitFrame.
func (l *ledger) alloc(o *Object, offset int64) *page {
	if l.pool != nil && !l.pool.TryAcquire(1) {
		return nil
	}
	p := &page{offset: offset, active: true}
	l.insert(o, p)
	l.resident.Add(1)
	return p
}

func (l *ledger) insert(o *Object, p *page) {
	if old, ok := o.pages[p.offset]; ok && old != p {
		panic(fmt.Sprintf("vm: page %d of object %d is already resident", p.offset, o.id))
	}
	p.owner = o
	o.pages[p.offset] = p
}

func (l *ledger) lookup(o *Object, offset int64) *page {
	return o.pages[offset]
}

// free removes p from its owner and returns its frame to the pool
func (l *ledger) free(p *page) {
	if p.owner == nil {
		panic(fmt.Sprintf("vm: double free of page %d", p.offset))
	}
	delete(p.owner.pages, p.offset)
	p.owner = nil
	p.data = nil
	l.resident.Add(-1)
	if l.pool != nil {
		l.pool.Release(1)
	}
}

// rename atomically moves p to offset in object to. Both owners must be locked.
func (l *ledger) rename(p *page, to *Object, offset int64) {
	delete(p.owner.pages, p.offset)
	p.offset = offset
	l.insert(to, p)
}

// waitFrame blocks until at least one page frame is free.
func (l *ledger) waitFrame(ctx context.Context) error {
	if l.pool == nil {
		return nil
	}
	if err := l.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	l.pool.Release(1)
	return nil
}

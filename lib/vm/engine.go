package vm

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dVM/lib/pager"
	"github.com/ValentinKolb/dVM/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	"runtime"
	"sync/atomic"
)

var plog = logger.GetLogger("vm")

// --------------------------------------------------------------------------
// Core engine structure
// --------------------------------------------------------------------------

// Engine manages memory objects, their shadow chains and their pages.
type Engine struct {
	opts     *Options
	registry *Registry
	ledger   *ledger
	metrics  *engineMetrics

	// background collapser
	ctx              context.Context
	cancel           context.CancelFunc
	hints            *util.LockFreeMPSC[uint64]
	collapserRunning atomic.Bool
	collapserDone    chan struct{}

	// onTerminate is called for every terminated object (tests only)
	onTerminate func(o *Object)
}

// New creates a new engine with its own registry and the specified options (optional)
//
// Thread-safety: This function is not thread-safe and should only be called once
// per engine during initialization.
func New(opts *Options) *Engine {
	if opts == nil {
		opts = DefaultOptions()
	}
	return NewWithRegistry(opts, NewRegistry(opts.CacheMax))
}

// NewWithRegistry creates a new engine using the given registry.
// The registry must not be shared with another engine.
func NewWithRegistry(opts *Options, registry *Registry) *Engine {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.PageoutConcurrency < 1 {
		opts.PageoutConcurrency = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:     opts,
		registry: registry,
		ledger:   newLedger(opts.MaxPages),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.metrics = newEngineMetrics(e)

	e.startCollapser()

	return e
}

// Registry returns the registry of the engine.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Close stops the background collapser and terminates every cached object.
// Objects still referenced by callers are left alone.
func (e *Engine) Close() error {
	e.stopCollapser()
	e.cancel()
	e.CacheClear()
	return nil
}

// --------------------------------------------------------------------------
// Allocation and lookup
// --------------------------------------------------------------------------

// Allocate creates a new anonymous object of size pages with one reference.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) Allocate(size int64) *Object {
	if size < 0 {
		panic(fmt.Sprintf("vm: allocate object with negative size %d", size))
	}
	return e.registry.newObject(size)
}

// AllocateWithPager returns the object backed by p, creating it if needed.
// A created object is named (not internal), persistable and registered under p.
// The returned object carries a reference for the caller.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) AllocateWithPager(p pager.IPager, size, pagingOffset int64) *Object {
	if p == nil {
		return e.Allocate(size)
	}

	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()

	if o := e.lookupLocked(p); o != nil {
		return o
	}

	o := e.registry.newObject(size)
	o.mu.Lock()
	o.flags &^= FlagInternal
	o.pager = p
	o.pagingOffset = pagingOffset
	o.flags |= FlagCanPersist
	e.registry.enterLocked(o, p)
	o.mu.Unlock()
	return o
}

// Lookup returns the object registered for p with a new reference, or nil.
// A cached object is revived and the cache's reference passes to the caller.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) Lookup(p pager.IPager) *Object {
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()
	return e.lookupLocked(p)
}

func (e *Engine) lookupLocked(p pager.IPager) *Object {
	o, ok := e.registry.byPager[p]
	if !ok {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dead {
		panic(fmt.Sprintf("vm: registry maps pager to terminated object %d", o.id))
	}
	if o.cached {
		e.registry.cacheRemoveLocked(o)
		e.metrics.cacheHits.Inc()
		return o
	}
	o.refCount++
	return o
}

// Enter registers o under p and makes it persistable.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) Enter(o *Object, p pager.IPager) {
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pager == nil {
		o.pager = p
	}
	e.registry.enterLocked(o, p)
	o.flags |= FlagCanPersist
}

// SetPager attaches p to o at pagingOffset. A pager previously attached is not closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) SetPager(o *Object, p pager.IPager, pagingOffset int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pager = p
	o.pagingOffset = pagingOffset
}

// Reference adds a reference to o.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) Reference(o *Object) {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dead || o.refCount <= 0 {
		panic(fmt.Sprintf("vm: reference to unreferenced object %d", o.id))
	}
	o.refCount++
}

// acquireTemp takes a temporary reference on o unless it is already going away
func (e *Engine) acquireTemp(o *Object) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dead || o.refCount <= 0 || o.flags&FlagFading != 0 {
		return false
	}
	o.refCount++
	return true
}

// --------------------------------------------------------------------------
// Cache management
// --------------------------------------------------------------------------

// SetCacheMax changes the cache ceiling and trims the cache if needed.
func (e *Engine) SetCacheMax(n int) {
	e.registry.mu.Lock()
	e.registry.resizeLocked(n)
	victims := e.registry.takeVictimsLocked()
	e.registry.mu.Unlock()

	e.uncache(victims)
}

// CacheTrim terminates cached objects, least recently used first, until the
// cache holds at most CacheMax objects.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) CacheTrim() {
	e.registry.mu.Lock()
	for e.registry.cache.Len() > e.registry.cacheMax {
		e.registry.cache.RemoveOldest()
	}
	victims := e.registry.takeVictimsLocked()
	e.registry.mu.Unlock()

	e.uncache(victims)
}

// CacheClear terminates every cached object.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) CacheClear() {
	e.registry.mu.Lock()
	victims := e.registry.drainLocked()
	e.registry.mu.Unlock()

	e.uncache(victims)
}

// uncache clears the persist flag of evicted objects and drops the cache reference
func (e *Engine) uncache(victims []*Object) {
	for _, o := range victims {
		e.registry.mu.Lock()
		o.mu.Lock()
		if o.pager != nil && e.registry.byPager[o.pager] != o {
			panic(fmt.Sprintf("vm: cache trim lost pager mapping of object %d", o.id))
		}
		o.flags &^= FlagCanPersist
		o.mu.Unlock()
		e.registry.mu.Unlock()

		e.Deallocate(o)
	}
}

// reclaim frees memory held by the cache after a page allocation failed
func (e *Engine) reclaim() {
	plog.Debugf("page pool exhausted, clearing %d cached objects", e.registry.CachedLen())
	e.CacheClear()
	runtime.Gosched()
}

// --------------------------------------------------------------------------
// Page access (used by fault handlers)
// --------------------------------------------------------------------------

// WritePage installs data as a dirty resident page at offset of o,
// replacing a resident page at that offset.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) WritePage(ctx context.Context, o *Object, offset int64, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	o.mu.Lock()
	defer o.mu.Unlock()

	for {
		if offset < 0 || offset >= o.size {
			return fmt.Errorf("%w: page %d of object %d (size %d)", ErrOutOfRange, offset, o.id, o.size)
		}

		p := e.ledger.lookup(o, offset)
		if p != nil && p.busy {
			if err := o.waitLocked(ctx); err != nil {
				return err
			}
			continue
		}
		if p == nil {
			if p = e.ledger.alloc(o, offset); p == nil {
				o.mu.Unlock()
				e.reclaim()
				err := e.ledger.waitFrame(ctx)
				o.mu.Lock()
				if err != nil {
					return err
				}
				continue
			}
		}

		p.data = buf
		p.dirty = true
		p.copyOnWrite = false
		p.fake = false
		p.active = true
		return nil
	}
}

// ReadPage resolves offset of o through the shadow chain. The first object
// that has the page resident or in its pager provides the contents. found is
// false if no object in the chain has the page (zero-fill).
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) ReadPage(ctx context.Context, o *Object, offset int64) (data []byte, found bool, err error) {
restart:
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		cur, off := o, offset
		cur.mu.Lock()
		if off < 0 || off >= cur.size {
			cur.mu.Unlock()
			return nil, false, fmt.Errorf("%w: page %d of object %d", ErrOutOfRange, off, o.id)
		}

		for {
			if p := e.ledger.lookup(cur, off); p != nil {
				if p.busy {
					err := cur.waitLocked(ctx)
					cur.mu.Unlock()
					if err != nil {
						return nil, false, err
					}
					continue restart
				}
				out := make([]byte, len(p.data))
				copy(out, p.data)
				cur.mu.Unlock()
				return out, true, nil
			}

			if cur.pagerHasLocked(off) {
				// collapse and termination wait for the read before touching the pager
				pg, idx := cur.pager, off+cur.pagingOffset
				cur.pagingBeginLocked()
				cur.mu.Unlock()
				out, err := pg.Read(ctx, idx)
				cur.mu.Lock()
				cur.pagingEndLocked()
				cur.mu.Unlock()
				if err != nil {
					return nil, false, fmt.Errorf("read page %d: %w", off, err)
				}
				return out, true, nil
			}

			next := cur.shadow
			if next == nil {
				cur.mu.Unlock()
				return nil, false, nil
			}
			// hand over hand, never blocking while holding cur
			if !next.mu.TryLock() {
				cur.mu.Unlock()
				runtime.Gosched()
				continue restart
			}
			off += cur.shadowOffset
			cur.mu.Unlock()
			cur = next
		}
	}
}

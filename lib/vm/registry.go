package vm

import (
	"fmt"
	"github.com/ValentinKolb/dVM/lib/pager"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/puzpuzpuz/xsync/v3"
	"sync"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Registry owns the object arena, the pager -> object table for named objects
// and the persistence cache of unreferenced objects that may be revived.
//
// The arena is a concurrent map so traversal of weak shadower ids never needs
// the registry lock. The pager table and the cache are guarded by mu, which is
// always taken before any object lock.
type Registry struct {
	objects *xsync.MapOf[uint64, *Object]
	nextID  atomic.Uint64

	mu       sync.Mutex
	byPager  map[pager.IPager]*Object
	cache    *simplelru.LRU[uint64, *Object]
	cacheMax int
	victims  []*Object // evicted from the cache, still holding the cache reference
}

// NewRegistry creates an empty registry whose cache holds at most cacheMax objects.
func NewRegistry(cacheMax int) *Registry {
	r := &Registry{
		objects:  xsync.NewMapOf[uint64, *Object](),
		byPager:  make(map[pager.IPager]*Object),
		cacheMax: cacheMax,
	}
	cache, err := simplelru.NewLRU[uint64, *Object](lruSize(cacheMax), r.onEvict)
	if err != nil {
		panic(fmt.Sprintf("vm: create object cache: %v", err))
	}
	r.cache = cache
	return r
}

// lruSize maps the cache ceiling to a valid LRU capacity. A ceiling of zero
// is enforced by trimming after every insert.
func lruSize(cacheMax int) int {
	if cacheMax < 1 {
		return 1
	}
	return cacheMax
}

// onEvict runs under mu for every entry leaving the LRU. Explicit removals
// clear cached first and are ignored here.
func (r *Registry) onEvict(_ uint64, o *Object) {
	if !o.cached {
		return
	}
	o.cached = false
	r.victims = append(r.victims, o)
}

// --------------------------------------------------------------------------
// Arena
// --------------------------------------------------------------------------

func (r *Registry) newObject(size int64) *Object {
	o := newObject(r.nextID.Add(1), size)
	r.objects.Store(o.id, o)
	return o
}

// get resolves an object id. Terminated objects are not found.
func (r *Registry) get(id uint64) (*Object, bool) {
	return r.objects.Load(id)
}

func (r *Registry) remove(o *Object) {
	r.objects.Delete(o.id)
}

// Len returns the number of live objects, cached ones included.
func (r *Registry) Len() int {
	return r.objects.Size()
}

// CachedLen returns the number of objects in the persistence cache.
func (r *Registry) CachedLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// Range calls fn for every live object until fn returns false.
func (r *Registry) Range(fn func(o *Object) bool) {
	r.objects.Range(func(_ uint64, o *Object) bool {
		return fn(o)
	})
}

// --------------------------------------------------------------------------
// Pager table and cache (caller holds r.mu)
// --------------------------------------------------------------------------

func (r *Registry) enterLocked(o *Object, p pager.IPager) {
	r.byPager[p] = o
}

// forgetLocked drops the pager mapping of o if it still points at o
func (r *Registry) forgetLocked(o *Object) {
	if o.pager == nil {
		return
	}
	if cur, ok := r.byPager[o.pager]; ok && cur == o {
		delete(r.byPager, o.pager)
	}
}

func (r *Registry) cacheAddLocked(o *Object) {
	o.cached = true
	r.cache.Add(o.id, o)
	for r.cache.Len() > r.cacheMax {
		r.cache.RemoveOldest()
	}
}

func (r *Registry) cacheRemoveLocked(o *Object) {
	o.cached = false
	r.cache.Remove(o.id)
}

// takeVictimsLocked returns all objects evicted since the last call
func (r *Registry) takeVictimsLocked() []*Object {
	v := r.victims
	r.victims = nil
	return v
}

// drainLocked evicts every cached object
func (r *Registry) drainLocked() []*Object {
	for r.cache.Len() > 0 {
		r.cache.RemoveOldest()
	}
	return r.takeVictimsLocked()
}

// resizeLocked changes the cache ceiling, evicting as needed
func (r *Registry) resizeLocked(cacheMax int) {
	r.cacheMax = cacheMax
	r.cache.Resize(lruSize(cacheMax))
	for r.cache.Len() > r.cacheMax {
		r.cache.RemoveOldest()
	}
}

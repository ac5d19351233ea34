// Package vm implements memory objects and their shadow chains. An object is a
// sparse array of pages that may be backed by a pager and may shadow another
// object copy-on-write. Forking an address range stacks a new object on top
// of the existing one. As processes exit, the engine simplifies the resulting
// chains again by merging or splicing out objects nobody can see anymore.
//
// The package focuses on:
//   - Copy-on-write fork semantics for anonymous and pager-backed objects
//   - Keeping shadow chains short (collapse and bypass) without ever leaving
//     the graph in an invalid state, even if a pager fails mid-operation
//   - Reference counting that releases arbitrarily long chains iteratively
//   - Fine grained locking: one lock per object, no lock held across pager I/O
//
// Key Components:
//
//   - Engine: The public API. It owns the registry, the page ledger, the
//     metrics and the optional background collapser. All graph mutations go
//     through its methods (Allocate, Shadow, Copy, Reference, Deallocate,
//     Collapse, PageClean, ...).
//
//   - Object: A memory object. Holds a reference count, the strong shadow edge,
//     the weak shadowers set and copy edge, an optional pager and the resident
//     pages. Objects are addressed by stable ids, weak edges are resolved
//     through the registry arena.
//
//   - Registry: The object arena (id -> object), the pager -> object table of
//     named objects and the bounded LRU cache of unreferenced persistable
//     objects. It has its own lock which is always taken before object locks.
//
//   - ledger: Tracks page ownership. A page belongs to exactly one object,
//     moving it between objects (rename) happens while both are locked. The
//     ledger optionally bounds the number of resident pages with a semaphore.
//
// Internal Mechanisms:
//
//   - setShadow: The only function that changes shadow edges. It moves one
//     reference and one shadower entry from the old shadow to the new one.
//
//   - Collapse: For the shadow (backing) of an object, the loop chooses:
//     1. Overlay if the object is the only shadower. Pages of the backing are
//     renamed into the object, paged-out pages are paged in first (or the
//     whole pager is moved up) and the backing is destroyed afterwards.
//     2. Bypass if every page of the backing, resident or paged out, is hidden
//     by the object. The backing is spliced out of this chain only.
//     Only internal (anonymous) backings are collapsed. A backing whose shadow
//     has a copy object is never collapsed.
//
//   - Deallocate: Drops a reference with an explicit work list. Terminating an
//     object hands the reference it held on its shadow back to the list instead
//     of recursing. When an object is left with a single shadower, that
//     shadower is collapsed right away.
//
//   - Waiting: Pager I/O runs without object locks. The object is protected by
//     its paging count and busy pages instead, every waiter blocks on a
//     per-object wake channel together with its context and re-validates after
//     waking up.
//
// Lock ordering:
//
//	registry lock -> object lock. Several object locks are acquired with
//	drop-and-retry (see lock.go), never by blocking while holding another one.
//
// Thread Safety:
//
//	All exported methods of Engine are safe for concurrent use.
package vm

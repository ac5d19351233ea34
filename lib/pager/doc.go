// Package pager defines the backing-store abstraction used by memory objects
// and provides the shared error type for pager implementations.
//
// A pager is the only place page contents live once they leave memory. The
// engine uses it for three things:
//   - paging in pages of a backing object during a collapse
//   - flushing dirty pages when a named object is cleaned or terminated
//   - discarding ranges of pages that can no longer be reached
//
// Implementations:
//
//   - swap: an in-memory anonymous pager. Page data is held in a concurrent map
//     and an ordered B-tree index answers NextResident queries. It is the
//     default pager given to anonymous objects that need to be cleaned.
//
//   - bolt: a file-backed pager storing each pager in its own bucket of a
//     bbolt database. It models named (vnode-like) objects whose contents
//     survive the object.
//
// Conformance tests for all implementations live in the pager/testing
// package, which also provides a fault-injecting wrapper.
//
// Thread Safety:
//
//	All pager implementations are safe for concurrent use.
package pager

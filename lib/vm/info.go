package vm

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dVM/lib/util"
	"io"
	"sort"
	"strings"
)

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// Info holds statistics about an engine
type Info struct {
	Objects       int   `json:"objects"`
	Cached        int   `json:"cached"`
	ResidentPages int64 `json:"resident_pages"`
	Chains        int   `json:"chains"`

	ChainDepth  util.DistributionStats `json:"chain_depth"`
	DepthMedian int                    `json:"depth_median"`
	DepthP99    int                    `json:"depth_p99"`

	Collapses        uint64 `json:"collapses"`
	Bypasses         uint64 `json:"bypasses"`
	CollapseFailures uint64 `json:"collapse_failures"`
	Terminations     uint64 `json:"terminations"`
	CacheHits        uint64 `json:"cache_hits"`
	Pageins          uint64 `json:"pageins"`
	Pageouts         uint64 `json:"pageouts"`
	PageoutErrors    uint64 `json:"pageout_errors"`
}

// Info returns statistics about the engine. The chain depth is measured from
// every object that has no shadowers down to the end of its chain.
//
// The values are collected without stopping the engine and may be slightly
// inconsistent while other goroutines are working.
func (e *Engine) Info() Info {
	histogram := util.NewExponentialHistogram(12)
	var depths []float64

	e.registry.Range(func(o *Object) bool {
		o.mu.Lock()
		top := len(o.shadowers) == 0 && !o.dead
		o.mu.Unlock()
		if !top {
			return true
		}

		depth := 0
		for cur := o; cur != nil; depth++ {
			cur, _ = cur.Shadow()
		}
		histogram.AddSample(depth)
		depths = append(depths, float64(depth))
		return true
	})

	m := e.metrics
	return Info{
		Objects:          e.registry.Len(),
		Cached:           e.registry.CachedLen(),
		ResidentPages:    e.ledger.resident.Load(),
		Chains:           len(depths),
		ChainDepth:       util.NewDistributionStats(depths),
		DepthMedian:      histogram.Percentile(50),
		DepthP99:         histogram.Percentile(99),
		Collapses:        m.collapses.Get(),
		Bypasses:         m.bypasses.Get(),
		CollapseFailures: m.collapseFailures.Get(),
		Terminations:     m.terminations.Get(),
		CacheHits:        m.cacheHits.Get(),
		Pageins:          m.pageins.Get(),
		Pageouts:         m.pageouts.Get(),
		PageoutErrors:    m.pageoutErrors.Get(),
	}
}

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

// ObjectInfo is a serializable snapshot of one object. Object references are
// given as ids, 0 means none.
type ObjectInfo struct {
	ID               uint64   `json:"id"`
	Size             int64    `json:"size"`
	RefCount         int      `json:"ref_count"`
	Shadow           uint64   `json:"shadow,omitempty"`
	ShadowOffset     int64    `json:"shadow_offset,omitempty"`
	Shadowers        []uint64 `json:"shadowers,omitempty"`
	Copy             uint64   `json:"copy,omitempty"`
	HasPager         bool     `json:"has_pager"`
	PagerPages       int      `json:"pager_pages,omitempty"`
	PagingOffset     int64    `json:"paging_offset,omitempty"`
	Flags            string   `json:"flags"`
	Resident         []int64  `json:"resident,omitempty"`
	Cached           bool     `json:"cached"`
	PagingInProgress int      `json:"paging_in_progress,omitempty"`
}

// Snapshot returns snapshots of all live objects ordered by id.
//
// Thread-safety: This method is thread-safe, but the result is only
// consistent if no other goroutine modifies the engine at the same time.
func (e *Engine) Snapshot() []ObjectInfo {
	infos, _ := e.snapshot()
	return infos
}

// snapshot also returns violations of page ownership found on the way
func (e *Engine) snapshot() ([]ObjectInfo, []error) {
	var out []ObjectInfo
	var errs []error

	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()

	e.registry.Range(func(o *Object) bool {
		o.mu.Lock()
		defer o.mu.Unlock()

		if o.dead {
			errs = append(errs, fmt.Errorf("terminated object %d is still registered", o.id))
			return true
		}
		for off, p := range o.pages {
			if p.owner != o || p.offset != off {
				errs = append(errs, fmt.Errorf("page %d of object %d has owner/offset mismatch", off, o.id))
			}
		}

		info := ObjectInfo{
			ID:               o.id,
			Size:             o.size,
			RefCount:         o.refCount,
			ShadowOffset:     o.shadowOffset,
			Shadowers:        o.shadowerIDsLocked(),
			HasPager:         o.pager != nil,
			PagingOffset:     o.pagingOffset,
			Flags:            o.flags.String(),
			Resident:         o.offsetsLocked(),
			Cached:           o.cached,
			PagingInProgress: o.pagingInProgress,
		}
		if o.shadow != nil {
			info.Shadow = o.shadow.id
		}
		if o.copy != nil {
			info.Copy = o.copy.id
		}
		if o.pager != nil {
			info.PagerPages = o.pager.Count()
		}
		out = append(out, info)
		return true
	})

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, errs
}

// --------------------------------------------------------------------------
// Invariant checks
// --------------------------------------------------------------------------

// Verify checks the structural invariants of the object graph:
//   - shadow edges and shadower sets mirror each other
//   - a copy object shadows its source at offset 0
//   - every object holds at least one reference per shadower (plus the cache reference)
//   - every resident page belongs to exactly the object that lists it
//
// It must only be called while no other goroutine uses the engine.
func (e *Engine) Verify() error {
	infos, errs := e.snapshot()

	byID := make(map[uint64]*ObjectInfo, len(infos))
	for i := range infos {
		byID[infos[i].ID] = &infos[i]
	}

	var resident int64
	for _, o := range infos {
		resident += int64(len(o.Resident))

		if o.Shadow != 0 {
			s, ok := byID[o.Shadow]
			if !ok {
				errs = append(errs, fmt.Errorf("object %d shadows unknown object %d", o.ID, o.Shadow))
			} else if !containsID(s.Shadowers, o.ID) {
				errs = append(errs, fmt.Errorf("object %d shadows %d but is not one of its shadowers", o.ID, o.Shadow))
			}
		}
		for _, id := range o.Shadowers {
			s, ok := byID[id]
			if !ok {
				errs = append(errs, fmt.Errorf("object %d lists unknown shadower %d", o.ID, id))
			} else if s.Shadow != o.ID {
				errs = append(errs, fmt.Errorf("object %d lists %d as shadower but %d shadows %d", o.ID, id, id, s.Shadow))
			}
		}
		if o.Copy != 0 {
			c, ok := byID[o.Copy]
			if !ok {
				errs = append(errs, fmt.Errorf("object %d has unknown copy object %d", o.ID, o.Copy))
			} else if c.Shadow != o.ID || c.ShadowOffset != 0 {
				errs = append(errs, fmt.Errorf("copy object %d of %d shadows %d at offset %d", o.Copy, o.ID, c.Shadow, c.ShadowOffset))
			}
		}

		min := len(o.Shadowers)
		if o.Cached {
			min++
		}
		if o.RefCount < min || o.RefCount < 1 {
			errs = append(errs, fmt.Errorf("object %d has %d references but needs at least %d", o.ID, o.RefCount, min))
		}
	}

	if got := e.ledger.resident.Load(); got != resident {
		errs = append(errs, fmt.Errorf("ledger counts %d resident pages, objects hold %d", got, resident))
	}
	return errors.Join(errs...)
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// --------------------------------------------------------------------------
// Debug output
// --------------------------------------------------------------------------

// Dump writes o and its shadow chain to w, one object per line.
// With full every resident page is listed as well.
func (e *Engine) Dump(w io.Writer, o *Object, full bool) {
	for depth := 0; o != nil; depth++ {
		indent := strings.Repeat("  ", depth)

		o.mu.Lock()
		fmt.Fprintf(w, "%s%s\n", indent, o.describeLocked())
		if full {
			for _, off := range o.offsetsLocked() {
				p := o.pages[off]
				fmt.Fprintf(w, "%s  page %d: len=%d dirty=%t busy=%t cow=%t active=%t\n",
					indent, off, len(p.data), p.dirty, p.busy, p.copyOnWrite, p.active)
			}
		}
		next := o.shadow
		o.mu.Unlock()

		o = next
	}
}

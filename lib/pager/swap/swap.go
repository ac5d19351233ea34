package swap

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dVM/lib/pager"
	"github.com/google/btree"
	"github.com/puzpuzpuz/xsync/v3"
	"sync"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

// btreeDegree is the degree of the index B-tree. Small degrees keep inserts
// cheap for the short-lived pagers created for anonymous objects.
const btreeDegree = 16

// --------------------------------------------------------------------------
// Core swap pager structure
// --------------------------------------------------------------------------

// swapImpl is an in-memory pager for anonymous memory.
//
// Page data lives in a concurrent map so reads never take the index lock.
// The ordered index is only needed for range removal and NextResident.
type swapImpl struct {
	mu     sync.RWMutex               // guards index
	index  *btree.BTreeG[int64]       // ordered set of stored indices
	pages  *xsync.MapOf[int64, []byte] // page data by index
	closed atomic.Bool
}

// NewSwapPager creates a new, empty in-memory pager.
//
// Thread-safety: The returned pager is safe for concurrent use.
func NewSwapPager() pager.IPager {
	return &swapImpl{
		index: btree.NewG[int64](btreeDegree, func(a, b int64) bool { return a < b }),
		pages: xsync.NewMapOf[int64, []byte](),
	}
}

// NewFactory returns a pager.Factory producing swap pagers. The size hint is ignored.
func NewFactory() pager.Factory {
	return func(int64) (pager.IPager, error) {
		return NewSwapPager(), nil
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see pager.IPager)
// --------------------------------------------------------------------------

func (s *swapImpl) Read(ctx context.Context, index int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, pager.NewError(pager.RetCUnavailable, "swap pager is closed")
	}

	data, ok := s.pages.Load(index)
	if !ok {
		return nil, pager.NewError(pager.RetCBadIndex, fmt.Sprintf("page %d not stored", index))
	}

	// callers own the returned slice
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *swapImpl) Write(ctx context.Context, index int64, data []byte, _ bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return pager.NewError(pager.RetCUnavailable, "swap pager is closed")
	}
	if index < 0 {
		return pager.NewError(pager.RetCBadIndex, fmt.Sprintf("negative page index %d", index))
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.ReplaceOrInsert(index)
	s.pages.Store(index, dataCopy)
	return nil
}

func (s *swapImpl) RemoveRange(begin, end int64) int {
	if begin >= end {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []int64
	s.index.AscendRange(begin, end, func(i int64) bool {
		victims = append(victims, i)
		return true
	})
	for _, i := range victims {
		s.index.Delete(i)
		s.pages.Delete(i)
	}
	return len(victims)
}

func (s *swapImpl) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

func (s *swapImpl) NextResident(from int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		next  int64
		found bool
	)
	s.index.AscendGreaterOrEqual(from, func(i int64) bool {
		next, found = i, true
		return false
	})
	return next, found
}

func (s *swapImpl) Has(index int64) bool {
	_, ok := s.pages.Load(index)
	return ok
}

func (s *swapImpl) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.Clear(false)
	s.pages.Clear()
	return nil
}

package vm

import (
	"bytes"
	"context"
	"errors"
	"github.com/ValentinKolb/dVM/lib/pager/swap"
	"go.uber.org/goleak"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// newTestEngine creates an engine that is closed when the test ends
func newTestEngine(t *testing.T, configure func(opts *Options)) *Engine {
	t.Helper()
	opts := DefaultOptions()
	if configure != nil {
		configure(opts)
	}
	e := New(opts)
	t.Cleanup(func() {
		_ = e.Close()
	})
	return e
}

// pageData returns recognizable contents for a page
func pageData(b byte) []byte {
	return bytes.Repeat([]byte{b}, 8)
}

func mustWrite(t *testing.T, e *Engine, o *Object, offset int64, b byte) {
	t.Helper()
	if err := e.WritePage(context.Background(), o, offset, pageData(b)); err != nil {
		t.Fatalf("WritePage(%d, %d) failed: %v", o.ID(), offset, err)
	}
}

// readAll resolves every offset of o through its chain. Zero-fill pages are nil.
func readAll(t *testing.T, e *Engine, o *Object) [][]byte {
	t.Helper()
	out := make([][]byte, o.Size())
	for off := range out {
		data, found, err := e.ReadPage(context.Background(), o, int64(off))
		if err != nil {
			t.Fatalf("ReadPage(%d, %d) failed: %v", o.ID(), off, err)
		}
		if found {
			out[off] = data
		}
	}
	return out
}

func mustVerify(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Verify(); err != nil {
		t.Fatalf("invariant violation:\n%v", err)
	}
}

func isAlive(e *Engine, o *Object) bool {
	_, ok := e.registry.get(o.ID())
	return ok
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestAllocate(t *testing.T) {
	e := newTestEngine(t, nil)

	o := e.Allocate(4)
	if o.RefCount() != 1 {
		t.Errorf("Expected ref count 1, got %d", o.RefCount())
	}
	if o.Flags()&FlagInternal == 0 {
		t.Errorf("Expected new object to be internal, got %s", o.Flags())
	}
	if s, _ := o.Shadow(); s != nil {
		t.Errorf("Expected no shadow, got %d", s.ID())
	}
	if e.Registry().Len() != 1 {
		t.Errorf("Expected 1 registered object, got %d", e.Registry().Len())
	}

	e.Deallocate(o)
	if e.Registry().Len() != 0 {
		t.Errorf("Expected empty registry after deallocate, got %d", e.Registry().Len())
	}
}

func TestWriteAndReadPage(t *testing.T) {
	e := newTestEngine(t, nil)
	o := e.Allocate(4)
	defer e.Deallocate(o)

	mustWrite(t, e, o, 1, 'x')

	data, found, err := e.ReadPage(context.Background(), o, 1)
	if err != nil || !found || !bytes.Equal(data, pageData('x')) {
		t.Errorf("Expected page 1 to be 'x', got %q found=%t err=%v", data, found, err)
	}

	_, found, err = e.ReadPage(context.Background(), o, 2)
	if err != nil || found {
		t.Errorf("Expected page 2 to be zero-fill, got found=%t err=%v", found, err)
	}

	if err := e.WritePage(context.Background(), o, 4, pageData('y')); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}
	if _, _, err := e.ReadPage(context.Background(), o, -1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}

	pages := o.Pages()
	if len(pages) != 1 || !pages[0].Dirty || !pages[0].Active {
		t.Errorf("Expected one dirty active page, got %+v", pages)
	}
}

func TestReadThroughPager(t *testing.T) {
	e := newTestEngine(t, nil)
	p := swap.NewSwapPager()
	if err := p.Write(context.Background(), 12, pageData('p'), true); err != nil {
		t.Fatalf("pager write failed: %v", err)
	}

	// paging offset 10: object page 2 is pager index 12
	o := e.AllocateWithPager(p, 4, 10)
	defer e.Deallocate(o)

	data, found, err := e.ReadPage(context.Background(), o, 2)
	if err != nil || !found || !bytes.Equal(data, pageData('p')) {
		t.Errorf("Expected page 2 from pager, got %q found=%t err=%v", data, found, err)
	}
}

func TestShadow(t *testing.T) {
	e := newTestEngine(t, nil)

	a := e.Allocate(4)
	mustWrite(t, e, a, 0, 'a')

	b, off := e.Shadow(a, 1, 3)
	if off != 0 {
		t.Errorf("Expected offset 0, got %d", off)
	}
	if s, soff := b.Shadow(); s != a || soff != 1 {
		t.Errorf("Expected b to shadow a at 1, got %v at %d", s, soff)
	}
	if a.RefCount() != 1 {
		t.Errorf("Expected the caller reference to move to the shadow edge, ref=%d", a.RefCount())
	}
	if ids := a.Shadowers(); len(ids) != 1 || ids[0] != b.ID() {
		t.Errorf("Expected shadowers [%d], got %v", b.ID(), ids)
	}
	mustVerify(t, e)

	// b page 0 is a page 1, zero-fill
	if _, found, _ := e.ReadPage(context.Background(), b, 0); found {
		t.Errorf("Expected b page 0 to be zero-fill")
	}

	c, _ := e.Shadow(b, 0, 3)
	mustWrite(t, e, c, 2, 'c')
	if data, _, _ := e.ReadPage(context.Background(), a, 3); data != nil {
		t.Errorf("Write to a shadow leaked into the shadowed object: %q", data)
	}

	e.Deallocate(c)
	if e.Registry().Len() != 0 {
		t.Errorf("Expected the whole chain to be terminated, %d objects left", e.Registry().Len())
	}
}

func TestShadowNilPanics(t *testing.T) {
	e := newTestEngine(t, nil)
	defer func() {
		if recover() == nil {
			t.Errorf("Expected panic for shadow of nil object")
		}
	}()
	e.Shadow(nil, 0, 1)
}

func TestReferenceAfterTerminationPanics(t *testing.T) {
	e := newTestEngine(t, nil)
	o := e.Allocate(1)
	e.Deallocate(o)

	defer func() {
		if recover() == nil {
			t.Errorf("Expected panic when referencing a terminated object")
		}
	}()
	e.Reference(o)
}

func TestMaxPagesReclaimsCache(t *testing.T) {
	e := newTestEngine(t, func(opts *Options) {
		opts.MaxPages = 4
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := swap.NewSwapPager()
	named := e.AllocateWithPager(p, 4, 0)
	for i := int64(0); i < 4; i++ {
		mustWrite(t, e, named, i, 'n')
	}
	e.Deallocate(named)
	if e.Registry().CachedLen() != 1 {
		t.Fatalf("Expected named object to be cached")
	}

	// the pool is exhausted, the cache has to give its pages back
	a := e.Allocate(4)
	defer e.Deallocate(a)
	if err := e.WritePage(ctx, a, 0, pageData('a')); err != nil {
		t.Fatalf("WritePage under memory pressure failed: %v", err)
	}
	if e.Registry().CachedLen() != 0 {
		t.Errorf("Expected cache to be cleared, %d cached", e.Registry().CachedLen())
	}
	if p.Count() != 0 {
		t.Errorf("Expected pager to be closed by termination, %d pages left", p.Count())
	}
}

package vm

import (
	"context"
	"errors"
	"github.com/ValentinKolb/dVM/lib/pager"
	"github.com/ValentinKolb/dVM/lib/pager/swap"
	pagertesting "github.com/ValentinKolb/dVM/lib/pager/testing"
	"github.com/google/go-cmp/cmp"
	"testing"
	"time"
)

// buildChain creates a -> b -> c where c is a named object with a pager.
// c holds pages 0..7, b holds pages 1 and 2, a holds page 2.
func buildChain(t *testing.T, e *Engine) (a, b, c *Object) {
	t.Helper()

	c = e.AllocateWithPager(swap.NewSwapPager(), 8, 0)
	for i := int64(0); i < 8; i++ {
		mustWrite(t, e, c, i, 'c')
	}
	b, _ = e.Shadow(c, 0, 8)
	mustWrite(t, e, b, 1, 'b')
	mustWrite(t, e, b, 2, 'b')
	a, _ = e.Shadow(b, 0, 8)
	mustWrite(t, e, a, 2, 'a')
	return a, b, c
}

func TestCollapseOverlay(t *testing.T) {
	e := newTestEngine(t, nil)
	a, b, c := buildChain(t, e)
	defer e.Deallocate(a)

	before := readAll(t, e, a)

	if err := e.Collapse(context.Background(), a); err != nil {
		t.Fatalf("Collapse failed: %v", err)
	}

	if s, off := a.Shadow(); s != c || off != 0 {
		t.Errorf("Expected a to shadow c at 0 after overlay, got %v at %d", s, off)
	}
	if isAlive(e, b) {
		t.Errorf("Expected merged object %d to be terminated", b.ID())
	}
	if diff := cmp.Diff([]int64{1, 2}, a.ResidentOffsets()); diff != "" {
		t.Errorf("Unexpected resident pages of a (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(before, readAll(t, e, a)); diff != "" {
		t.Errorf("Overlay changed visible contents (-before +after):\n%s", diff)
	}
	if got := e.Info().Collapses; got != 1 {
		t.Errorf("Expected 1 collapse, got %d", got)
	}
	if c.RefCount() != 1 {
		t.Errorf("Expected c to be referenced by a only, ref=%d", c.RefCount())
	}
	mustVerify(t, e)
}

func TestCollapseIdempotent(t *testing.T) {
	e := newTestEngine(t, nil)
	a, _, _ := buildChain(t, e)
	defer e.Deallocate(a)

	if err := e.Collapse(context.Background(), a); err != nil {
		t.Fatalf("Collapse failed: %v", err)
	}
	once := e.Snapshot()

	if err := e.Collapse(context.Background(), a); err != nil {
		t.Fatalf("second Collapse failed: %v", err)
	}
	if diff := cmp.Diff(once, e.Snapshot()); diff != "" {
		t.Errorf("Second collapse changed the graph (-once +twice):\n%s", diff)
	}
}

func TestCollapseDisabled(t *testing.T) {
	e := newTestEngine(t, func(opts *Options) {
		opts.CollapseAllowed = false
	})
	a, b, _ := buildChain(t, e)
	defer e.Deallocate(a)

	_ = e.Collapse(context.Background(), a)
	if s, _ := a.Shadow(); s != b {
		t.Errorf("Expected chain to stay intact with collapse disabled")
	}
}

// twoShadowers creates a and a2 both shadowing b, which shadows the named object c
func twoShadowers(t *testing.T, e *Engine) (a, a2, b, c *Object) {
	t.Helper()
	c = e.AllocateWithPager(swap.NewSwapPager(), 4, 0)
	for i := int64(0); i < 4; i++ {
		mustWrite(t, e, c, i, 'c')
	}
	b, _ = e.Shadow(c, 0, 4)
	mustWrite(t, e, b, 1, 'b')
	e.Reference(b)
	a, _ = e.Shadow(b, 0, 4)
	a2, _ = e.Shadow(b, 0, 4)
	return a, a2, b, c
}

func TestBypassRefusedForVisiblePages(t *testing.T) {
	e := newTestEngine(t, nil)
	a, a2, b, _ := twoShadowers(t, e)
	defer e.Deallocate(a)
	defer e.Deallocate(a2)

	mustWrite(t, e, a, 2, 'a')
	before := e.Snapshot()

	err := e.Collapse(context.Background(), a)
	if !errors.Is(err, ErrCollapseFailed) {
		t.Fatalf("Expected ErrCollapseFailed, got %v", err)
	}
	if s, _ := a.Shadow(); s != b {
		t.Errorf("Expected a to still shadow b")
	}
	if diff := cmp.Diff(before, e.Snapshot()); diff != "" {
		t.Errorf("Failed bypass modified the graph (-before +after):\n%s", diff)
	}
	if got := e.Info().CollapseFailures; got != 1 {
		t.Errorf("Expected 1 collapse failure, got %d", got)
	}
	mustVerify(t, e)
}

func TestBypass(t *testing.T) {
	e := newTestEngine(t, nil)
	a, a2, b, c := twoShadowers(t, e)
	defer e.Deallocate(a)
	defer e.Deallocate(a2)

	// a hides page 1 of b
	mustWrite(t, e, a, 1, 'a')
	before := readAll(t, e, a)
	beforeA2 := readAll(t, e, a2)

	if err := e.Collapse(context.Background(), a); err != nil {
		t.Fatalf("Collapse failed: %v", err)
	}
	if s, off := a.Shadow(); s != c || off != 0 {
		t.Errorf("Expected a to shadow c after bypass, got %v at %d", s, off)
	}
	if diff := cmp.Diff(before, readAll(t, e, a)); diff != "" {
		t.Errorf("Bypass changed contents seen through a (-before +after):\n%s", diff)
	}
	if got := e.Info().Bypasses; got != 1 {
		t.Errorf("Expected 1 bypass, got %d", got)
	}

	// releasing the bypass reference left b with a single shadower, which absorbed it
	if isAlive(e, b) {
		t.Errorf("Expected b to be merged into its last shadower")
	}
	if s, _ := a2.Shadow(); s != c {
		t.Errorf("Expected a2 to shadow c after b was merged into it")
	}
	if diff := cmp.Diff(beforeA2, readAll(t, e, a2)); diff != "" {
		t.Errorf("Contents seen through a2 changed (-before +after):\n%s", diff)
	}
	mustVerify(t, e)
}

func TestBypassWithOffset(t *testing.T) {
	e := newTestEngine(t, func(opts *Options) {
		opts.CacheMax = 0
	})

	c := e.AllocateWithPager(swap.NewSwapPager(), 8, 0)
	for i := int64(0); i < 8; i++ {
		mustWrite(t, e, c, i, byte('0'+i))
	}
	b, _ := e.Shadow(c, 2, 6)
	// b page 5 is outside the window of a
	mustWrite(t, e, b, 5, 'b')
	e.Reference(b)
	a, _ := e.Shadow(b, 1, 2)
	keep, _ := e.Shadow(b, 0, 6)
	defer e.Deallocate(keep)
	defer e.Deallocate(a)

	before := readAll(t, e, a)
	if err := e.Collapse(context.Background(), a); err != nil {
		t.Fatalf("Collapse failed: %v", err)
	}
	if s, off := a.Shadow(); s != c || off != 3 {
		t.Errorf("Expected a to shadow c at 3, got %v at %d", s, off)
	}
	if diff := cmp.Diff(before, readAll(t, e, a)); diff != "" {
		t.Errorf("Bypass changed contents (-before +after):\n%s", diff)
	}
	mustVerify(t, e)
}

// pagedBacking creates an internal object with pages 0..3 only in its pager
// and page 4 resident
func pagedBacking(t *testing.T, e *Engine, p pager.IPager) *Object {
	t.Helper()
	ctx := context.Background()

	b := e.Allocate(8)
	e.SetPager(b, p, 0)
	for i := int64(0); i < 4; i++ {
		mustWrite(t, e, b, i, byte('0'+i))
	}
	if err := e.PageClean(ctx, b, 0, 0, false, true); err != nil {
		t.Fatalf("PageClean failed: %v", err)
	}
	if err := e.PageRemove(ctx, b, 0, 0); err != nil {
		t.Fatalf("PageRemove failed: %v", err)
	}
	mustWrite(t, e, b, 4, '4')
	return b
}

func TestOverlayMovesPager(t *testing.T) {
	e := newTestEngine(t, nil)
	p := swap.NewSwapPager()
	b := pagedBacking(t, e, p)
	a, _ := e.Shadow(b, 0, 8)
	defer e.Deallocate(a)
	mustWrite(t, e, a, 0, 'a')

	before := readAll(t, e, a)
	if err := e.Collapse(context.Background(), a); err != nil {
		t.Fatalf("Collapse failed: %v", err)
	}

	if got, _ := a.Pager(); got != p {
		t.Errorf("Expected the pager of b to move to a")
	}
	if s, _ := a.Shadow(); s != nil {
		t.Errorf("Expected a to have no shadow after overlay")
	}
	if diff := cmp.Diff(before, readAll(t, e, a)); diff != "" {
		t.Errorf("Overlay changed contents (-before +after):\n%s", diff)
	}
	if got := e.Info().Pageins; got != 0 {
		t.Errorf("Expected no pageins when the pager moves, got %d", got)
	}
	mustVerify(t, e)
}

func TestOverlayPagesIn(t *testing.T) {
	e := newTestEngine(t, nil)
	p := swap.NewSwapPager()
	b := pagedBacking(t, e, p)
	a, _ := e.Shadow(b, 0, 8)
	defer e.Deallocate(a)
	e.SetPager(a, swap.NewSwapPager(), 0)
	mustWrite(t, e, a, 0, 'a')

	before := readAll(t, e, a)
	if err := e.Collapse(context.Background(), a); err != nil {
		t.Fatalf("Collapse failed: %v", err)
	}

	if isAlive(e, b) {
		t.Errorf("Expected b to be terminated")
	}
	// page 0 of b is hidden by a, pages 1..3 are paged in
	if got := e.Info().Pageins; got != 3 {
		t.Errorf("Expected 3 pageins, got %d", got)
	}
	if diff := cmp.Diff([]int64{0, 1, 2, 3, 4}, a.ResidentOffsets()); diff != "" {
		t.Errorf("Unexpected resident pages (-want +got):\n%s", diff)
	}
	for _, pi := range a.Pages() {
		if pi.Offset > 0 && !pi.Dirty {
			t.Errorf("Expected migrated page %d to be dirty", pi.Offset)
		}
	}
	if p.Count() != 0 {
		t.Errorf("Expected pager of b to be emptied and closed, %d pages left", p.Count())
	}
	if diff := cmp.Diff(before, readAll(t, e, a)); diff != "" {
		t.Errorf("Overlay changed contents (-before +after):\n%s", diff)
	}
	mustVerify(t, e)
}

func TestOverlayReadFailureKeepsChain(t *testing.T) {
	e := newTestEngine(t, nil)
	fp := pagertesting.NewFaultyPager(swap.NewSwapPager())
	b := pagedBacking(t, e, fp)
	fp.FailRead(2)

	a, _ := e.Shadow(b, 0, 8)
	defer e.Deallocate(a)
	e.SetPager(a, swap.NewSwapPager(), 0)
	mustWrite(t, e, a, 0, 'a')

	err := e.Collapse(context.Background(), a)
	if !errors.Is(err, ErrCollapseFailed) || !pager.IsCode(err, pager.RetCIOError) {
		t.Fatalf("Expected I/O collapse failure, got %v", err)
	}

	if s, _ := a.Shadow(); s != b {
		t.Fatalf("Expected a to still shadow b")
	}
	if b.Flags()&FlagFading != 0 {
		t.Errorf("Expected fading to be cleared on b")
	}
	if b.RefCount() != 1 {
		t.Errorf("Expected the temporary reference on b to be dropped, ref=%d", b.RefCount())
	}
	for _, off := range []int64{0, 1, 3, 4} {
		data, found, err := e.ReadPage(context.Background(), a, off)
		if err != nil || !found {
			t.Errorf("Page %d not readable after failed collapse: found=%t err=%v", off, found, err)
			continue
		}
		want := pageData(byte('0' + off))
		if off == 0 {
			want = pageData('a')
		}
		if diff := cmp.Diff(want, data); diff != "" {
			t.Errorf("Page %d changed (-want +got):\n%s", off, diff)
		}
	}
	if got := e.Info().CollapseFailures; got != 1 {
		t.Errorf("Expected 1 collapse failure, got %d", got)
	}
	mustVerify(t, e)
}

func TestOverlayWaitsForPagerRead(t *testing.T) {
	e := newTestEngine(t, nil)
	fp := pagertesting.NewFaultyPager(swap.NewSwapPager())
	b := pagedBacking(t, e, fp)
	a, _ := e.Shadow(b, 0, 8)
	defer e.Deallocate(a)
	e.SetPager(a, swap.NewSwapPager(), 0)
	mustWrite(t, e, a, 0, 'a')

	release := fp.BlockReads()
	defer release()

	type result struct {
		data  []byte
		found bool
		err   error
	}
	readDone := make(chan result, 1)
	go func() {
		data, found, err := e.ReadPage(context.Background(), a, 1)
		readDone <- result{data, found, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for fp.Reads() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ReadPage never reached the pager")
		}
		time.Sleep(time.Millisecond)
	}

	b.mu.Lock()
	inProgress := b.pagingInProgress
	b.mu.Unlock()
	if inProgress != 1 {
		t.Errorf("Expected the pager read to be counted as paging on b, got %d", inProgress)
	}

	collapseDone := make(chan error, 1)
	go func() {
		collapseDone <- e.Collapse(context.Background(), a)
	}()

	select {
	case err := <-collapseDone:
		t.Fatalf("Collapse finished while a pager read was outstanding: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	release()

	r := <-readDone
	if r.err != nil || !r.found {
		t.Fatalf("ReadPage failed: found=%t err=%v", r.found, r.err)
	}
	if diff := cmp.Diff(pageData('1'), r.data); diff != "" {
		t.Errorf("Unexpected page contents (-want +got):\n%s", diff)
	}
	if err := <-collapseDone; err != nil {
		t.Fatalf("Collapse failed: %v", err)
	}
	if isAlive(e, b) {
		t.Errorf("Expected b to be merged into a")
	}
	mustVerify(t, e)
}

func TestOverlayPagerRemoveFailure(t *testing.T) {
	e := newTestEngine(t, nil)
	fp := pagertesting.NewFaultyPager(swap.NewSwapPager())
	b := pagedBacking(t, e, fp)
	a, _ := e.Shadow(b, 0, 8)
	defer e.Deallocate(a)
	e.SetPager(a, swap.NewSwapPager(), 0)
	for i := int64(0); i < 4; i++ {
		mustWrite(t, e, a, i, 'a')
	}
	fp.FailRemoves(true)

	err := e.Collapse(context.Background(), a)
	if !errors.Is(err, ErrCollapseFailed) {
		t.Fatalf("Expected ErrCollapseFailed, got %v", err)
	}
	if s, _ := a.Shadow(); s != b {
		t.Fatalf("Expected a to still shadow b")
	}
	if b.Flags()&FlagFading != 0 {
		t.Errorf("Expected fading to be cleared on b")
	}
	if fp.Closed() {
		t.Errorf("Expected the pager of b to stay open")
	}

	want := [][]byte{pageData('a'), pageData('a'), pageData('a'), pageData('a'), pageData('4'), nil, nil, nil}
	if diff := cmp.Diff(want, readAll(t, e, a)); diff != "" {
		t.Errorf("Failed collapse changed contents (-want +got):\n%s", diff)
	}
	mustVerify(t, e)
}

func TestCollapseAbort(t *testing.T) {
	e := newTestEngine(t, nil)
	b := e.Allocate(2)
	mustWrite(t, e, b, 0, 'b')
	a, _ := e.Shadow(b, 0, 2)
	defer e.Deallocate(a)

	a.AbortCollapse()
	if err := e.Collapse(context.Background(), a); !errors.Is(err, ErrCollapseAborted) {
		t.Fatalf("Expected ErrCollapseAborted, got %v", err)
	}
	if s, _ := a.Shadow(); s != b {
		t.Errorf("Expected chain to stay intact after abort")
	}

	// the abort request only applies to one collapse
	if err := e.Collapse(context.Background(), a); err != nil {
		t.Fatalf("Collapse after abort failed: %v", err)
	}
	if s, _ := a.Shadow(); s != nil {
		t.Errorf("Expected b to be merged into a")
	}
	mustVerify(t, e)
}

func TestCollapseCancelled(t *testing.T) {
	e := newTestEngine(t, nil)
	b := e.Allocate(2)
	a, _ := e.Shadow(b, 0, 2)
	defer e.Deallocate(a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Collapse(ctx, a); !errors.Is(err, ErrCollapseAborted) {
		t.Fatalf("Expected ErrCollapseAborted, got %v", err)
	}
	mustVerify(t, e)
}

func TestCollapseStopsAtCopySource(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	src := e.AllocateWithPager(swap.NewSwapPager(), 4, 0)
	defer e.Deallocate(src)
	mustWrite(t, e, src, 0, 's')

	cp, _, _ := e.Copy(ctx, src, 0, 4)
	// b shadows the copy object whose shadow (src) has a copy edge
	b, _ := e.Shadow(cp, 0, 4)
	// b -> cp -> src: cp is the backing, src.copy is set
	a, _ := e.Shadow(b, 0, 4)
	defer e.Deallocate(a)

	_ = e.Collapse(ctx, b)
	if s, _ := b.Shadow(); s != cp {
		t.Errorf("Expected the copy object not to be collapsed into b")
	}
	mustVerify(t, e)
}

package vm

import (
	"context"
	"errors"
	"github.com/ValentinKolb/dVM/lib/pager"
	"github.com/ValentinKolb/dVM/lib/pager/swap"
	pagertesting "github.com/ValentinKolb/dVM/lib/pager/testing"
	"github.com/google/go-cmp/cmp"
	"testing"
)

func dirtyOffsets(o *Object) []int64 {
	var out []int64
	for _, pi := range o.Pages() {
		if pi.Dirty {
			out = append(out, pi.Offset)
		}
	}
	return out
}

func TestPageCleanCreatesDefaultPager(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	o := e.Allocate(4)
	defer e.Deallocate(o)
	mustWrite(t, e, o, 0, 'a')
	mustWrite(t, e, o, 3, 'b')

	if err := e.PageClean(ctx, o, 0, 0, false, false); err != nil {
		t.Fatalf("PageClean failed: %v", err)
	}
	p, _ := o.Pager()
	if p == nil {
		t.Fatalf("Expected anonymous object to get a pager")
	}
	if p.Count() != 2 {
		t.Errorf("Expected 2 pages in the pager, got %d", p.Count())
	}
	if d := dirtyOffsets(o); len(d) != 0 {
		t.Errorf("Expected all pages to be clean, dirty: %v", d)
	}
	if got := e.Info().Pageouts; got != 2 {
		t.Errorf("Expected 2 pageouts, got %d", got)
	}
}

func TestPageCleanNoPager(t *testing.T) {
	e := newTestEngine(t, func(opts *Options) {
		opts.DefaultPager = nil
	})
	o := e.Allocate(1)
	defer e.Deallocate(o)
	mustWrite(t, e, o, 0, 'a')

	if err := e.PageClean(context.Background(), o, 0, 0, true, false); !errors.Is(err, ErrNoPager) {
		t.Errorf("Expected ErrNoPager, got %v", err)
	}
}

func TestPageCleanRange(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	fp := pagertesting.NewFaultyPager(swap.NewSwapPager())
	o := e.Allocate(4)
	defer e.Deallocate(o)
	e.SetPager(o, fp, 0)
	for i := int64(0); i < 4; i++ {
		mustWrite(t, e, o, i, 'x')
	}

	if err := e.PageClean(ctx, o, 1, 3, true, true); err != nil {
		t.Fatalf("PageClean failed: %v", err)
	}
	if diff := cmp.Diff([]int64{0, 3}, dirtyOffsets(o)); diff != "" {
		t.Errorf("Unexpected dirty pages (-want +got):\n%s", diff)
	}
	if fp.Writes() != 2 {
		t.Errorf("Expected 2 writes, got %d", fp.Writes())
	}
	for _, pi := range o.Pages() {
		inRange := pi.Offset == 1 || pi.Offset == 2
		if pi.Active == inRange {
			t.Errorf("Page %d: expected active=%t", pi.Offset, !inRange)
		}
	}
}

func TestPageCleanWriteFailure(t *testing.T) {
	for _, sync := range []bool{false, true} {
		e := newTestEngine(t, nil)
		ctx := context.Background()

		fp := pagertesting.NewFaultyPager(swap.NewSwapPager())
		fp.FailWrite(1)
		o := e.Allocate(3)
		e.SetPager(o, fp, 0)
		for i := int64(0); i < 3; i++ {
			mustWrite(t, e, o, i, 'x')
		}

		err := e.PageClean(ctx, o, 0, 0, sync, false)
		if !pager.IsCode(err, pager.RetCIOError) {
			t.Errorf("sync=%t: expected I/O error, got %v", sync, err)
		}
		// every page is attempted once and none stays dirty
		if fp.Writes() != 3 {
			t.Errorf("sync=%t: expected 3 writes, got %d", sync, fp.Writes())
		}
		if d := dirtyOffsets(o); len(d) != 0 {
			t.Errorf("sync=%t: expected no dirty pages, got %v", sync, d)
		}
		if fp.Has(1) || !fp.Has(0) || !fp.Has(2) {
			t.Errorf("sync=%t: unexpected pager contents", sync)
		}
		if got := e.Info().PageoutErrors; got != 1 {
			t.Errorf("sync=%t: expected 1 pageout error, got %d", sync, got)
		}
		if o.PagingInProgress() != 0 {
			t.Errorf("sync=%t: paging count not released", sync)
		}
		e.Deallocate(o)
	}
}

func TestPageRemove(t *testing.T) {
	e := newTestEngine(t, nil)
	o := e.Allocate(4)
	defer e.Deallocate(o)
	for i := int64(0); i < 4; i++ {
		mustWrite(t, e, o, i, 'x')
	}

	if err := e.PageRemove(context.Background(), o, 1, 3); err != nil {
		t.Fatalf("PageRemove failed: %v", err)
	}
	if diff := cmp.Diff([]int64{0, 3}, o.ResidentOffsets()); diff != "" {
		t.Errorf("Unexpected resident pages (-want +got):\n%s", diff)
	}
	if got := e.Info().ResidentPages; got != 2 {
		t.Errorf("Expected 2 resident pages, got %d", got)
	}

	e.DeactivatePages(o)
	for _, pi := range o.Pages() {
		if pi.Active {
			t.Errorf("Expected page %d to be inactive", pi.Offset)
		}
	}
}

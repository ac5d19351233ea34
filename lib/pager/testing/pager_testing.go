package testing

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/dVM/lib/pager"
	"github.com/google/go-cmp/cmp"
)

// PagerFactory is a function that creates a new, empty pager
type PagerFactory func() pager.IPager

// RunPagerTests runs a comprehensive test suite for a pager implementation.
func RunPagerTests(t *testing.T, name string, factory PagerFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Write&Read", func(t *testing.T) {
			testWriteRead(t, factory())
		})

		t.Run("MissingPage", func(t *testing.T) {
			testMissingPage(t, factory())
		})

		t.Run("RemoveRange", func(t *testing.T) {
			testRemoveRange(t, factory())
		})

		t.Run("NextResident", func(t *testing.T) {
			testNextResident(t, factory())
		})

		t.Run("AsyncWrites", func(t *testing.T) {
			testAsyncWrites(t, factory())
		})

		t.Run("Cancelled", func(t *testing.T) {
			testCancelled(t, factory())
		})

		t.Run("Close", func(t *testing.T) {
			testClose(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// stored collects all indices of p in ascending order using NextResident
func stored(p pager.IPager) []int64 {
	var out []int64
	for i, ok := p.NextResident(0); ok; i, ok = p.NextResident(i + 1) {
		out = append(out, i)
	}
	return out
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testWriteRead(t *testing.T, p pager.IPager) {
	defer p.Close()
	ctx := context.Background()

	if err := p.Write(ctx, 3, []byte("page-3"), true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := p.Read(ctx, 3)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, []byte("page-3")) {
		t.Errorf("Expected page-3, got %s", got)
	}

	got[0] = 'X'
	again, _ := p.Read(ctx, 3)
	if bytes.Equal(got, again) {
		t.Errorf("Read should return a copy, not a reference to the stored page")
	}

	if err := p.Write(ctx, 3, []byte("page-3b"), true); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, _ = p.Read(ctx, 3)
	if !bytes.Equal(got, []byte("page-3b")) {
		t.Errorf("Expected overwritten value page-3b, got %s", got)
	}

	if !p.Has(3) || p.Has(4) {
		t.Errorf("Has reports wrong residency: has(3)=%t has(4)=%t", p.Has(3), p.Has(4))
	}
	if p.Count() != 1 {
		t.Errorf("Expected count 1, got %d", p.Count())
	}
}

func testMissingPage(t *testing.T, p pager.IPager) {
	defer p.Close()

	_, err := p.Read(context.Background(), 42)
	if err == nil {
		t.Fatalf("Expected error reading a missing page")
	}
	if !pager.IsCode(err, pager.RetCBadIndex) {
		t.Errorf("Expected RetCBadIndex, got %v", err)
	}
}

func testRemoveRange(t *testing.T, p pager.IPager) {
	defer p.Close()
	ctx := context.Background()

	for i := int64(0); i < 10; i++ {
		if err := p.Write(ctx, i, []byte(fmt.Sprintf("p%d", i)), true); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	if n := p.RemoveRange(2, 5); n != 3 {
		t.Errorf("Expected 3 removed pages, got %d", n)
	}
	if n := p.RemoveRange(2, 5); n != 0 {
		t.Errorf("Expected second removal to be a no-op, got %d", n)
	}
	if n := p.RemoveRange(7, 7); n != 0 {
		t.Errorf("Expected empty range to remove nothing, got %d", n)
	}

	want := []int64{0, 1, 5, 6, 7, 8, 9}
	if diff := cmp.Diff(want, stored(p)); diff != "" {
		t.Errorf("stored pages mismatch (-want +got):\n%s", diff)
	}
	if p.Count() != len(want) {
		t.Errorf("Expected count %d, got %d", len(want), p.Count())
	}
}

func testNextResident(t *testing.T, p pager.IPager) {
	defer p.Close()
	ctx := context.Background()

	if _, ok := p.NextResident(0); ok {
		t.Errorf("Expected empty pager to report no resident pages")
	}

	for _, i := range []int64{100, 4, 17} {
		_ = p.Write(ctx, i, []byte{byte(i)}, false)
	}

	tests := []struct {
		from int64
		want int64
		ok   bool
	}{
		{0, 4, true},
		{4, 4, true},
		{5, 17, true},
		{18, 100, true},
		{101, 0, false},
	}
	for _, tt := range tests {
		got, ok := p.NextResident(tt.from)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("NextResident(%d) = (%d,%t), want (%d,%t)", tt.from, got, ok, tt.want, tt.ok)
		}
	}
}

func testAsyncWrites(t *testing.T, p pager.IPager) {
	defer p.Close()
	ctx := context.Background()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				idx := int64(w*perWriter + i)
				if err := p.Write(ctx, idx, []byte(fmt.Sprintf("v%d", idx)), false); err != nil {
					t.Errorf("concurrent Write %d failed: %v", idx, err)
				}
			}
		}(w)
	}
	wg.Wait()

	if p.Count() != writers*perWriter {
		t.Errorf("Expected %d pages, got %d", writers*perWriter, p.Count())
	}
	got, err := p.Read(ctx, 57)
	if err != nil || string(got) != "v57" {
		t.Errorf("Expected v57, got %q (err %v)", got, err)
	}
}

func testCancelled(t *testing.T, p pager.IPager) {
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Write(ctx, 1, []byte("x"), true); err == nil {
		t.Errorf("Expected Write with cancelled context to fail")
	}
	if _, err := p.Read(ctx, 1); err == nil {
		t.Errorf("Expected Read with cancelled context to fail")
	}
}

func testClose(t *testing.T, p pager.IPager) {
	ctx := context.Background()
	_ = p.Write(ctx, 1, []byte("x"), true)

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if _, err := p.Read(ctx, 1); !pager.IsCode(err, pager.RetCUnavailable) {
		t.Errorf("Expected RetCUnavailable after Close, got %v", err)
	}
}

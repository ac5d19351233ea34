package sim

import (
	"context"
	"github.com/ValentinKolb/dVM/lib/pager/bolt"
	"github.com/ValentinKolb/dVM/lib/pager/swap"
	"github.com/ValentinKolb/dVM/lib/vm"
	"path/filepath"
	"testing"
)

func runWorkload(t *testing.T, opts *vm.Options, conf WorkloadConfig) *WorkloadResult {
	t.Helper()
	ctx := context.Background()

	e := vm.New(opts)
	defer func() {
		if err := e.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}()

	w := NewWorkload(e, swap.NewSwapPager(), conf)
	result, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Workload failed: %v", err)
	}
	if err := e.Verify(); err != nil {
		t.Errorf("Verify failed after run: %v", err)
	}
	if err := w.Teardown(ctx); err != nil {
		t.Errorf("Teardown failed: %v", err)
	}
	if err := e.Verify(); err != nil {
		t.Errorf("Verify failed after teardown: %v", err)
	}

	// only the cached file object may survive the teardown
	if n, cached := e.Registry().Len(), e.Registry().CachedLen(); n != cached || n > 1 {
		t.Errorf("Expected at most the cached file object, got %d objects (%d cached)", n, cached)
	}
	return result
}

func TestWorkload(t *testing.T) {
	conf := WorkloadConfig{Processes: 8, Rounds: 2000, PageCount: 16, Seed: 42}

	tests := []struct {
		name      string
		configure func(opts *vm.Options)
	}{
		{"Default", func(opts *vm.Options) {}},
		{"NoCollapse", func(opts *vm.Options) { opts.CollapseAllowed = false }},
		{"ReuseEmptyCopy", func(opts *vm.Options) { opts.ReuseEmptyCopy = true }},
		{"NoCache", func(opts *vm.Options) { opts.CacheMax = 0 }},
		{"SyncPageout", func(opts *vm.Options) { opts.PageoutConcurrency = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := vm.DefaultOptions()
			tt.configure(opts)
			result := runWorkload(t, opts, conf)

			if result.Reads == 0 || result.Writes == 0 || result.Forks == 0 {
				t.Errorf("Expected a mixed workload, got %+v", result)
			}
			if result.Peak > conf.Processes {
				t.Errorf("Expected at most %d processes, peak was %d", conf.Processes, result.Peak)
			}
		})
	}
}

func TestWorkloadDeterministic(t *testing.T) {
	conf := WorkloadConfig{Processes: 4, Rounds: 500, PageCount: 8, Seed: 7}

	first := runWorkload(t, vm.DefaultOptions(), conf)
	second := runWorkload(t, vm.DefaultOptions(), conf)

	// object counts depend on collapse timing, the actions do not
	first.Objects, second.Objects = 0, 0
	if *first != *second {
		t.Errorf("Expected identical runs for the same seed, got %+v and %+v", first, second)
	}
}

func TestWorkloadBoltPager(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "sim.db"), nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	filePager, err := store.NewPager("file")
	if err != nil {
		t.Fatalf("Failed to create pager: %v", err)
	}

	opts := vm.DefaultOptions()
	opts.DefaultPager = store.Factory()
	e := vm.New(opts)

	ctx := context.Background()
	w := NewWorkload(e, filePager, WorkloadConfig{Processes: 4, Rounds: 500, PageCount: 8, Seed: 3})
	if _, err := w.Run(ctx); err != nil {
		t.Fatalf("Workload failed: %v", err)
	}
	if err := w.Teardown(ctx); err != nil {
		t.Errorf("Teardown failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	// the named file keeps its pages after the engine is gone
	reopened, err := store.NewPager("file")
	if err != nil {
		t.Fatalf("Failed to reopen pager: %v", err)
	}
	defer reopened.Close()
	if n := reopened.Count(); n != 8 {
		t.Errorf("Expected 8 pages in the file pager, got %d", n)
	}
}

package testing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dVM/lib/pager"
)

// FaultyPager wraps a pager and injects I/O failures and delays.
// It is used to drive the engine through its error and contention paths.
type FaultyPager struct {
	pager.IPager

	mu            sync.Mutex
	failRead      map[int64]bool
	failWrite     map[int64]bool
	failAllWrites bool
	failRemoves   bool
	gate          chan struct{} // Read blocks while non-nil

	reads  atomic.Int64
	writes atomic.Int64
	closed atomic.Bool
}

// NewFaultyPager wraps inner.
func NewFaultyPager(inner pager.IPager) *FaultyPager {
	return &FaultyPager{
		IPager:    inner,
		failRead:  make(map[int64]bool),
		failWrite: make(map[int64]bool),
	}
}

// FailRead makes every Read of index fail with RetCIOError.
func (f *FaultyPager) FailRead(index int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRead[index] = true
}

// FailWrite makes every Write of index fail with RetCIOError.
func (f *FaultyPager) FailWrite(index int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrite[index] = true
}

// FailAllWrites toggles failing of all writes.
func (f *FaultyPager) FailAllWrites(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAllWrites = fail
}

// FailRemoves toggles dropping of all RemoveRange calls. A dropped call
// removes nothing and reports 0, like a store whose update failed.
func (f *FaultyPager) FailRemoves(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRemoves = fail
}

// BlockReads makes Read block until the returned release function is called
// (or the read context is cancelled).
func (f *FaultyPager) BlockReads() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Reads returns how many Read calls reached the pager.
func (f *FaultyPager) Reads() int64 { return f.reads.Load() }

// Writes returns how many Write calls reached the pager.
func (f *FaultyPager) Writes() int64 { return f.writes.Load() }

// Closed reports whether Close was called.
func (f *FaultyPager) Closed() bool { return f.closed.Load() }

func (f *FaultyPager) Read(ctx context.Context, index int64) ([]byte, error) {
	f.reads.Add(1)

	f.mu.Lock()
	gate := f.gate
	fail := f.failRead[index]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, pager.NewError(pager.RetCIOError, fmt.Sprintf("injected read failure at %d", index))
	}
	return f.IPager.Read(ctx, index)
}

func (f *FaultyPager) Write(ctx context.Context, index int64, data []byte, sync bool) error {
	f.writes.Add(1)

	f.mu.Lock()
	fail := f.failAllWrites || f.failWrite[index]
	f.mu.Unlock()

	if fail {
		return pager.NewError(pager.RetCIOError, fmt.Sprintf("injected write failure at %d", index))
	}
	return f.IPager.Write(ctx, index, data, sync)
}

func (f *FaultyPager) RemoveRange(begin, end int64) int {
	f.mu.Lock()
	fail := f.failRemoves
	f.mu.Unlock()

	if fail {
		return 0
	}
	return f.IPager.RemoveRange(begin, end)
}

func (f *FaultyPager) Close() error {
	f.closed.Store(true)
	return f.IPager.Close()
}

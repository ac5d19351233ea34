package vm

import (
	"errors"
	"github.com/ValentinKolb/dVM/lib/pager"
	"github.com/ValentinKolb/dVM/lib/pager/swap"
	"time"
)

// --------------------------------------------------------------------------
// Constants and errors
// --------------------------------------------------------------------------

const (
	defaultCacheMax           = 100 // unreferenced persistable objects kept for reuse
	defaultPageoutConcurrency = 4   // parallel pager writes of an asynchronous clean
)

var (
	// ErrNoPager is returned by PageClean for an object that has no pager and cannot get one.
	ErrNoPager = errors.New("vm: object has no pager")
	// ErrCollapseAborted means a collapse gave up because it was cancelled or its target went away.
	ErrCollapseAborted = errors.New("vm: collapse aborted")
	// ErrCollapseFailed means a collapse could not proceed (paging in progress, uncovered pages or I/O failure).
	ErrCollapseFailed = errors.New("vm: collapse failed")
	// ErrOutOfRange is returned for page offsets outside the object.
	ErrOutOfRange = errors.New("vm: offset out of range")
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the engine behavior during initialization
type Options struct {
	// CacheMax is the number of unreferenced persistable objects kept in the cache (0 = none)
	CacheMax int
	// CollapseAllowed enables collapse and bypass. Disabling it keeps every shadow chain intact.
	CollapseAllowed bool
	// ReuseEmptyCopy lets Copy hand out an existing copy object that has no pages instead of
	// allocating a new one.
	ReuseEmptyCopy bool
	// MaxPages bounds the number of resident pages (0 = unlimited)
	MaxPages int64
	// CollapseInterval is the period of the background collapser (0 = no background collapser)
	CollapseInterval time.Duration
	// PageoutConcurrency bounds parallel pager writes of an asynchronous PageClean
	PageoutConcurrency int
	// DefaultPager creates pagers for anonymous objects that have to be cleaned
	DefaultPager pager.Factory
}

// DefaultOptions returns the default engine options
func DefaultOptions() *Options {
	return &Options{
		CacheMax:           defaultCacheMax,
		CollapseAllowed:    true,
		ReuseEmptyCopy:     false,
		MaxPages:           0,
		CollapseInterval:   0,
		PageoutConcurrency: defaultPageoutConcurrency,
		DefaultPager:       swap.NewFactory(),
	}
}

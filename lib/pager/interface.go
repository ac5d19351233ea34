package pager

import (
	"context"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Factory creates a new, empty pager able to hold at least size pages.
// It is used by the engine whenever an anonymous object needs backing store.
type Factory func(size int64) (IPager, error)

// IPager is the backing-store interface used by memory objects.
// A pager stores page contents addressed by a page index. Indices are
// pager-local: the owning object translates its offsets with its paging offset.
//
// Implementations must be safe for concurrent use, the engine calls Read and
// Write without holding any object lock.
type IPager interface {
	// Read returns the contents of the page at index.
	// A missing page is reported as *Error with code RetCBadIndex.
	Read(ctx context.Context, index int64) ([]byte, error)
	// Write stores data for the page at index. If sync is true the data must be
	// durable when Write returns.
	Write(ctx context.Context, index int64, data []byte, sync bool) error
	// RemoveRange drops all pages in [begin, end) and returns how many were removed.
	RemoveRange(begin, end int64) int
	// Count returns the number of pages currently stored.
	Count() int
	// NextResident returns the smallest stored index >= from.
	NextResident(from int64) (int64, bool)
	// Has reports whether the page at index is stored.
	Has(index int64) bool
	// Close releases the pager. After Close the pager must not be used.
	Close() error
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("PagerError (code %s): %s", e.Code, e.Msg)
}

// NewError creates a new pager error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// IsCode reports whether err (or an error wrapped by it) is a pager error with the given code.
func IsCode(err error, code RetCode) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code == code
	}
	return false
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess     RetCode = iota // 0: Operation completed.
	RetCIOError                    // 1: The backing store failed to read or write.
	RetCBadIndex                   // 2: The index is not stored by this pager.
	RetCUnavailable                // 3: The pager is closed or temporarily unusable.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCIOError:
		return "IOError"
	case RetCBadIndex:
		return "BadIndex"
	case RetCUnavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}

package bolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dVM/lib/pager"
	"github.com/lni/dragonboat/v4/logger"
	bbolt "go.etcd.io/bbolt"
	"sync/atomic"
	"time"
)

var plog = logger.GetLogger("pager")

// --------------------------------------------------------------------------
// Store (one bbolt file, many pagers)
// --------------------------------------------------------------------------

// Options configures a Store.
type Options struct {
	// Timeout for acquiring the file lock on open (0 = wait forever)
	Timeout time.Duration
	// NoSync disables fsync on every commit. Only useful for tests and benchmarks.
	NoSync bool
}

// DefaultOptions returns the default Store options
func DefaultOptions() *Options {
	return &Options{
		Timeout: time.Second,
		NoSync:  false,
	}
}

// Store owns a bbolt database file. Every pager created from the store keeps
// its pages in a dedicated bucket of that file.
type Store struct {
	db     *bbolt.DB
	nextID atomic.Uint64
}

// Open opens (or creates) the bbolt file at path.
func Open(path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("open pager store %s: %w", path, err)
	}
	db.NoSync = opts.NoSync

	return &Store{db: db}, nil
}

// NewPager returns the pager stored under name, creating its bucket if needed.
// Pages of a named pager survive Close and can be reopened later.
func (s *Store) NewPager(name string) (pager.IPager, error) {
	return s.newPager("named/"+name, false)
}

// Factory returns a pager.Factory that creates anonymous pagers.
// Anonymous pagers drop their bucket on Close.
func (s *Store) Factory() pager.Factory {
	return func(int64) (pager.IPager, error) {
		return s.newPager(fmt.Sprintf("anon/%d", s.nextID.Add(1)), true)
	}
}

func (s *Store) newPager(bucket string, discard bool) (pager.IPager, error) {
	name := []byte(bucket)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create pager bucket %s: %w", bucket, err)
	}
	return &boltImpl{db: s.db, bucket: name, discard: discard}, nil
}

// Close closes the underlying bbolt file. Pagers of the store must not be used afterwards.
func (s *Store) Close() error {
	return s.db.Close()
}

// --------------------------------------------------------------------------
// Pager implementation
// --------------------------------------------------------------------------

// boltImpl implements pager.IPager on top of one bbolt bucket.
type boltImpl struct {
	db      *bbolt.DB
	bucket  []byte
	discard bool // delete the bucket on Close
	closed  atomic.Bool
}

var errBucketMissing = errors.New("pager bucket missing")

// key encodes a page index so that byte order equals numeric order
func key(index int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(index))
	return k[:]
}

func index(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}

// --------------------------------------------------------------------------
// Interface Methods (docu see pager.IPager)
// --------------------------------------------------------------------------

func (p *boltImpl) Read(ctx context.Context, idx int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.closed.Load() {
		return nil, pager.NewError(pager.RetCUnavailable, "bolt pager is closed")
	}

	var out []byte
	err := p.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(p.bucket)
		if b == nil {
			return errBucketMissing
		}
		v := b.Get(key(idx))
		if v == nil {
			return pager.NewError(pager.RetCBadIndex, fmt.Sprintf("page %d not stored", idx))
		}
		// values are only valid inside the transaction
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		var perr *pager.Error
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, pager.NewError(pager.RetCIOError, err.Error())
	}
	return out, nil
}

func (p *boltImpl) Write(ctx context.Context, idx int64, data []byte, sync bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.closed.Load() {
		return pager.NewError(pager.RetCUnavailable, "bolt pager is closed")
	}
	if idx < 0 {
		return pager.NewError(pager.RetCBadIndex, fmt.Sprintf("negative page index %d", idx))
	}

	put := func(tx *bbolt.Tx) error {
		b := tx.Bucket(p.bucket)
		if b == nil {
			return errBucketMissing
		}
		return b.Put(key(idx), data)
	}

	var err error
	if sync {
		err = p.db.Update(put)
	} else {
		// batched commits coalesce concurrent asynchronous writes
		err = p.db.Batch(put)
	}
	if err != nil {
		return pager.NewError(pager.RetCIOError, err.Error())
	}
	return nil
}

func (p *boltImpl) RemoveRange(begin, end int64) int {
	if begin >= end || p.closed.Load() {
		return 0
	}
	if begin < 0 {
		begin = 0
	}

	removed := 0
	err := p.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(p.bucket)
		if b == nil {
			return errBucketMissing
		}
		c := b.Cursor()
		for k, _ := c.Seek(key(begin)); k != nil && index(k) < end; k, _ = c.Seek(key(begin)) {
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		plog.Errorf("remove range [%d,%d) from %s failed: %v", begin, end, p.bucket, err)
		return 0
	}
	return removed
}

func (p *boltImpl) Count() int {
	if p.closed.Load() {
		return 0
	}

	count := 0
	_ = p.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(p.bucket); b != nil {
			count = b.Stats().KeyN
		}
		return nil
	})
	return count
}

func (p *boltImpl) NextResident(from int64) (int64, bool) {
	if p.closed.Load() {
		return 0, false
	}
	if from < 0 {
		from = 0
	}

	var (
		next  int64
		found bool
	)
	_ = p.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(p.bucket)
		if b == nil {
			return nil
		}
		if k, _ := b.Cursor().Seek(key(from)); k != nil {
			next, found = index(k), true
		}
		return nil
	})
	return next, found
}

func (p *boltImpl) Has(idx int64) bool {
	if p.closed.Load() || idx < 0 {
		return false
	}

	found := false
	_ = p.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(p.bucket); b != nil {
			found = b.Get(key(idx)) != nil
		}
		return nil
	})
	return found
}

func (p *boltImpl) Close() error {
	if !p.closed.CompareAndSwap(false, true) || !p.discard {
		return nil
	}

	err := p.db.Update(func(tx *bbolt.Tx) error {
		return tx.DeleteBucket(p.bucket)
	})
	if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return fmt.Errorf("drop pager bucket %s: %w", p.bucket, err)
	}
	return nil
}

package vm

import (
	"context"
	"errors"
	"fmt"
	"golang.org/x/sync/errgroup"
)

// --------------------------------------------------------------------------
// Page clean
// --------------------------------------------------------------------------

// PageClean writes dirty resident pages of o in [start, end) to its pager.
// start == end selects the whole object. With sync every page is written and
// made durable one after another, otherwise all dirty pages are written in
// parallel (bounded by PageoutConcurrency). With dequeue the pages are also
// taken off the active queue.
//
// An anonymous object without a pager gets one from DefaultPager. Other
// objects without a pager fail with ErrNoPager.
//
// A page whose write fails is reported in the returned error and is no longer
// considered dirty.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) PageClean(ctx context.Context, o *Object, start, end int64, sync, dequeue bool) error {
	if err := e.ensurePager(ctx, o); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return e.cleanLocked(ctx, o, start, end, sync, dequeue)
}

// ensurePager gives an anonymous object a pager from the default pager factory
func (e *Engine) ensurePager(ctx context.Context, o *Object) error {
	o.mu.Lock()
	hasPager, internal := o.pager != nil, o.flags&FlagInternal != 0
	o.mu.Unlock()

	if hasPager {
		return nil
	}
	if !internal || e.opts.DefaultPager == nil {
		return fmt.Errorf("%w: object %d", ErrNoPager, o.id)
	}

	// avoid creating a pager for pages that could still be merged up
	_ = e.Collapse(ctx, o)

	p, err := e.opts.DefaultPager(o.Size())
	if err != nil {
		return fmt.Errorf("create pager for object %d: %w", o.id, err)
	}

	o.mu.Lock()
	installed := o.pager == nil
	if installed {
		o.pager = p
		o.pagingOffset = 0
	}
	o.mu.Unlock()

	if !installed {
		// another clean was faster
		return p.Close()
	}
	plog.Debugf("created default pager for object %d", o.id)
	return nil
}

// cleanLocked is PageClean with o locked. The lock is released while pages are written.
func (e *Engine) cleanLocked(ctx context.Context, o *Object, start, end int64, sync, dequeue bool) error {
	var errs []error

	for {
		if err := o.pagingWaitLocked(ctx); err != nil {
			return errors.Join(append(errs, err)...)
		}

		var batch []*page
		for _, off := range o.offsetsLocked() {
			if start != end && (off < start || off >= end) {
				continue
			}
			p := o.pages[off]
			if dequeue {
				p.active = false
			}
			if p.dirty && !p.busy && !p.fake {
				batch = append(batch, p)
			}
		}
		if len(batch) == 0 {
			return errors.Join(errs...)
		}
		if sync {
			batch = batch[:1]
		}

		type pageout struct {
			p     *page
			index int64
			data  []byte
			err   error
		}
		outs := make([]pageout, len(batch))
		for i, p := range batch {
			p.busy = true
			o.pagingBeginLocked()
			outs[i] = pageout{p: p, index: p.offset + o.pagingOffset, data: p.data}
		}
		pg := o.pager
		o.mu.Unlock()

		var g errgroup.Group
		g.SetLimit(e.opts.PageoutConcurrency)
		for i := range outs {
			out := &outs[i]
			g.Go(func() error {
				out.err = pg.Write(ctx, out.index, out.data, sync)
				return nil
			})
		}
		_ = g.Wait()

		o.mu.Lock()
		for _, out := range outs {
			out.p.busy = false
			out.p.dirty = false
			o.pagingEndLocked()
			if out.err != nil {
				plog.Warningf("pageout of page %d of object %d failed: %v", out.p.offset, o.id, out.err)
				e.metrics.pageoutErrors.Inc()
				errs = append(errs, fmt.Errorf("pageout of page %d of object %d: %w", out.p.offset, o.id, out.err))
				continue
			}
			e.metrics.pageouts.Inc()
		}
		o.wakeLocked()
	}
}

// --------------------------------------------------------------------------
// Page removal and deactivation
// --------------------------------------------------------------------------

// DeactivatePages takes every resident page of o off the active queue.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) DeactivatePages(o *Object) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.pages {
		p.active = false
	}
}

// PageRemove frees all resident pages of o in [start, end), waiting for busy pages.
// start == end selects the whole object. Pages stored in the pager are kept.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) PageRemove(ctx context.Context, o *Object, start, end int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return e.removeLocked(ctx, o, start, end)
}

func (e *Engine) removeLocked(ctx context.Context, o *Object, start, end int64) error {
	for {
		waited := false
		for off, p := range o.pages {
			if start != end && (off < start || off >= end) {
				continue
			}
			if p.busy {
				if err := o.waitLocked(ctx); err != nil {
					return err
				}
				waited = true
				break
			}
			e.ledger.free(p)
		}
		if !waited {
			return nil
		}
	}
}

package sim

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dVM/lib/pager"
	"github.com/ValentinKolb/dVM/lib/vm"
	"math/rand"
)

// --------------------------------------------------------------------------
// Workload
// --------------------------------------------------------------------------

// process is one simulated address space: a single mapping of the shared
// file, backed by a chain of objects.
type process struct {
	id        int
	object    *vm.Object
	needsCopy bool             // shadow the object before the next write
	written   map[int64]string // pages this process (or an ancestor) wrote
}

// WorkloadConfig configures a fork/exit workload
type WorkloadConfig struct {
	Processes int   // upper bound of concurrently live processes
	Rounds    int   // number of simulation steps
	PageCount int64 // size of the mapped file in pages
	Seed      uint64
}

// WorkloadResult summarizes a workload run
type WorkloadResult struct {
	Forks   int `json:"forks"`
	Exits   int `json:"exits"`
	Execs   int `json:"execs"`
	Writes  int `json:"writes"`
	Reads   int `json:"reads"` // every read is checked
	Cleans  int `json:"cleans"`
	Peak    int `json:"peak_processes"`
	Objects int `json:"objects"` // live objects at the end of the run
}

// Workload runs a process tree simulation on an engine. Every process maps
// a private copy of one named file, forks copy-on-write children, writes
// private pages, execs (remaps the file) and exits. Every read is checked
// against the contents the process must see.
type Workload struct {
	conf   WorkloadConfig
	engine *vm.Engine
	rng    *rand.Rand

	file      *vm.Object
	processes []*process
	nextID    int
	version   int
	result    WorkloadResult
}

// NewWorkload creates a workload whose file object is backed by filePager
func NewWorkload(engine *vm.Engine, filePager pager.IPager, conf WorkloadConfig) *Workload {
	return &Workload{
		conf:   conf,
		engine: engine,
		rng:    rand.New(rand.NewSource(int64(conf.Seed))),
		file:   engine.AllocateWithPager(filePager, conf.PageCount, 0),
	}
}

// fileContent is the initial content of page off of the file
func fileContent(off int64) string {
	return fmt.Sprintf("file-%d", off)
}

// Run executes the workload. The processes stay alive until Teardown so the
// resulting object graph can be inspected.
func (w *Workload) Run(ctx context.Context) (*WorkloadResult, error) {
	for off := int64(0); off < w.conf.PageCount; off++ {
		if err := w.engine.WritePage(ctx, w.file, off, []byte(fileContent(off))); err != nil {
			return nil, fmt.Errorf("populate file: %w", err)
		}
	}
	if err := w.engine.PageClean(ctx, w.file, 0, 0, true, false); err != nil {
		return nil, fmt.Errorf("flush file: %w", err)
	}

	w.processes = append(w.processes, w.exec(ctx, &process{id: w.newID()}))

	for round := 0; round < w.conf.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := w.step(ctx); err != nil {
			return nil, fmt.Errorf("round %d: %w", round, err)
		}
		if len(w.processes) > w.result.Peak {
			w.result.Peak = len(w.processes)
		}
	}

	w.result.Objects = w.engine.Registry().Len()
	return &w.result, nil
}

// Teardown exits all processes and releases the file object
func (w *Workload) Teardown(ctx context.Context) error {
	for _, p := range w.processes {
		w.engine.Deallocate(p.object)
	}
	w.processes = nil

	err := w.engine.PageClean(ctx, w.file, 0, 0, true, true)
	w.engine.Deallocate(w.file)
	return err
}

func (w *Workload) newID() int {
	w.nextID++
	return w.nextID
}

// step performs one random action on a random process
func (w *Workload) step(ctx context.Context) error {
	p := w.processes[w.rng.Intn(len(w.processes))]

	switch n := w.rng.Intn(100); {
	case n < 35:
		return w.write(ctx, p)
	case n < 60:
		return w.read(ctx, p)
	case n < 75:
		if len(w.processes) < w.conf.Processes {
			w.fork(ctx, p)
		}
	case n < 85:
		if len(w.processes) > 1 {
			w.exit(p)
		}
	case n < 90:
		w.engine.Deallocate(p.object)
		w.exec(ctx, p)
	case n < 95:
		_ = w.engine.Collapse(ctx, p.object)
	default:
		w.result.Cleans++
		sync := w.rng.Intn(2) == 0
		return w.engine.PageClean(ctx, p.object, 0, 0, sync, false)
	}
	return nil
}

// exec maps a fresh private copy of the file into p
func (w *Workload) exec(ctx context.Context, p *process) *process {
	w.result.Execs++

	// the copy object shadows the file and holds its own reference on it
	dst, _, needsCopy := w.engine.Copy(ctx, w.file, 0, w.conf.PageCount)
	p.object, _ = w.engine.Shadow(dst, 0, w.conf.PageCount)
	p.needsCopy = needsCopy
	p.written = make(map[int64]string)
	return p
}

func (w *Workload) fork(ctx context.Context, parent *process) {
	w.result.Forks++

	dst, _, _ := w.engine.Copy(ctx, parent.object, 0, w.conf.PageCount)
	child := &process{
		id:        w.newID(),
		object:    dst,
		needsCopy: true,
		written:   make(map[int64]string, len(parent.written)),
	}
	for off, v := range parent.written {
		child.written[off] = v
	}
	parent.needsCopy = true
	w.processes = append(w.processes, child)
}

func (w *Workload) exit(p *process) {
	w.result.Exits++
	for i, q := range w.processes {
		if q == p {
			w.processes = append(w.processes[:i], w.processes[i+1:]...)
			break
		}
	}
	w.engine.Deallocate(p.object)
}

func (w *Workload) write(ctx context.Context, p *process) error {
	w.result.Writes++
	if p.needsCopy {
		p.object, _ = w.engine.Shadow(p.object, 0, w.conf.PageCount)
		p.needsCopy = false
	}

	off := w.rng.Int63n(w.conf.PageCount)
	w.version++
	content := fmt.Sprintf("p%d-v%d", p.id, w.version)
	if err := w.engine.WritePage(ctx, p.object, off, []byte(content)); err != nil {
		return err
	}
	p.written[off] = content
	return nil
}

func (w *Workload) read(ctx context.Context, p *process) error {
	w.result.Reads++
	off := w.rng.Int63n(w.conf.PageCount)

	data, found, err := w.engine.ReadPage(ctx, p.object, off)
	if err != nil {
		return err
	}

	want, ok := p.written[off]
	if !ok {
		want = fileContent(off)
	}
	if !found || string(data) != want {
		return fmt.Errorf("process %d sees %q at page %d, want %q (found=%t)", p.id, data, off, want, found)
	}
	return nil
}

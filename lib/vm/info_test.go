package vm

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestInfoChainDepth(t *testing.T) {
	e := newTestEngine(t, nil)

	a := e.Allocate(2)
	b, _ := e.Shadow(a, 0, 2)
	c, _ := e.Shadow(b, 0, 2)
	d := e.Allocate(1)
	defer e.Deallocate(c)
	defer e.Deallocate(d)

	info := e.Info()
	if info.Objects != 4 {
		t.Errorf("Expected 4 objects, got %d", info.Objects)
	}
	if info.Chains != 2 {
		t.Errorf("Expected 2 chains, got %d", info.Chains)
	}
	if info.ChainDepth.Max != 3 || info.ChainDepth.Min != 1 {
		t.Errorf("Expected chain depths between 1 and 3, got %+v", info.ChainDepth.Stats)
	}
}

func TestVerifyDetectsBrokenEdge(t *testing.T) {
	e := newTestEngine(t, nil)

	a := e.Allocate(1)
	b, _ := e.Shadow(a, 0, 1)
	defer e.Deallocate(b)
	mustVerify(t, e)

	a.mu.Lock()
	delete(a.shadowers, b.id)
	a.mu.Unlock()

	err := e.Verify()
	if err == nil || !strings.Contains(err.Error(), "is not one of its shadowers") {
		t.Errorf("Expected a missing shadower to be reported, got %v", err)
	}

	a.mu.Lock()
	a.shadowers[b.id] = struct{}{}
	a.mu.Unlock()
	mustVerify(t, e)
}

func TestDump(t *testing.T) {
	e := newTestEngine(t, nil)

	a := e.Allocate(2)
	mustWrite(t, e, a, 1, 'a')
	b, _ := e.Shadow(a, 1, 1)
	defer e.Deallocate(b)

	var buf bytes.Buffer
	e.Dump(&buf, b, true)
	out := buf.String()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected two objects and one page line, got:\n%s", out)
	}
	if !strings.HasPrefix(lines[0], fmt.Sprintf("object %d:", b.ID())) {
		t.Errorf("Expected the dump to start with the top object, got %q", lines[0])
	}
	if !strings.Contains(lines[0], fmt.Sprintf("shadow=%d+1", a.ID())) {
		t.Errorf("Expected the shadow edge with offset in %q", lines[0])
	}
	if !strings.HasPrefix(lines[2], "    page 1:") || !strings.Contains(lines[2], "dirty=true") {
		t.Errorf("Expected the dirty page of the backing object, got %q", lines[2])
	}
}

func TestWriteMetrics(t *testing.T) {
	e := newTestEngine(t, nil)

	a := e.Allocate(1)
	mustWrite(t, e, a, 0, 'a')
	b, _ := e.Shadow(a, 0, 1)
	if err := e.Collapse(context.Background(), b); err != nil {
		t.Fatalf("Collapse failed: %v", err)
	}
	defer e.Deallocate(b)

	var buf bytes.Buffer
	e.WriteMetrics(&buf)
	out := buf.String()

	for _, want := range []string{
		"dvm_object_collapses_total 1",
		"dvm_objects 1",
		"dvm_pages_resident 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in metrics output:\n%s", want, out)
		}
	}
}

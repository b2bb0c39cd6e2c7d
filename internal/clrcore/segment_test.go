// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"testing"

	"github.com/clrcore/clrcore/internal/core"
)

func rng(start, end core.Address) core.MemoryRange {
	return core.MemoryRange{Start: start, End: end}
}

func TestEphemeralSegment(t *testing.T) {
	f := newFixture(t, 8)
	gen2 := f.segment(2, 0x10000, 0x18000, 0)
	eph := f.segment(2, 0x21000, 0x22000, 0)
	f.sub.EphemeralSegment = eph
	f.sub.Allocated = 0x28000
	rt := f.runtime()
	// Segments are built on first use.
	f.h.subHeaps[0].Generations[0].AllocationStart = 0x26000
	f.h.subHeaps[0].Generations[1].AllocationStart = 0x24000

	h := rt.Heap()
	segs := h.Segments()
	if len(segs) != 2 {
		t.Fatalf("%d segments, want 2", len(segs))
	}
	s := segs[0]
	if s.Address != gen2 || s.Kind != SegmentGen2 {
		t.Errorf("first segment = %v at %x", s, s.Address)
	}
	if s.Generation2 != s.ObjectRange || !s.Generation0.IsEmpty() {
		t.Errorf("gen2 segment generations = %v %v %v", s.Generation0, s.Generation1, s.Generation2)
	}
	if want := rng(0x10000, 0x18000); s.ObjectRange != want {
		t.Errorf("gen2 object range = %v, want %v", s.ObjectRange, want)
	}

	e := segs[1]
	if e.Address != eph || e.Kind != SegmentEphemeral {
		t.Fatalf("second segment = %v at %x", e, e.Address)
	}
	tests := []struct {
		name      string
		got, want core.MemoryRange
	}{
		{"object range", e.ObjectRange, rng(0x21000, 0x28000)},
		{"gen0", e.Generation0, rng(0x26000, 0x28000)},
		{"gen1", e.Generation1, rng(0x24000, 0x26000)},
		{"gen2", e.Generation2, rng(0x21000, 0x24000)},
		// A start 0x1000 past an 8KB boundary has its page header committed.
		{"committed", e.CommittedMemory, rng(0x20000, 0x22000)},
		{"reserved", e.ReservedMemory, rng(0x22000, 0x32000)},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("ephemeral %s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	for _, g := range []struct {
		a    core.Address
		want Generation
	}{
		{0x21000, Generation2},
		{0x24000, Generation1},
		{0x27ff8, Generation0},
		{0x28000, GenerationUnknown},
	} {
		if got := e.Generation(g.a); got != g.want {
			t.Errorf("Generation(%x) = %v, want %v", g.a, got, g.want)
		}
	}
	if got := s.Generation(0x10000); got != Generation2 {
		t.Errorf("gen2 segment Generation = %v", got)
	}
}

func TestSegmentKinds(t *testing.T) {
	f := newFixture(t, 8)
	f.segment(2, 0x10000, 0x11000, 0)
	frozen := f.segment(2, 0x30008, 0x31000, SegmentReadOnly)
	large := f.segment(3, 0x50000, 0x60000, SegmentLargeObjectHeap)
	pinned := f.segment(4, 0x70000, 0x71000, SegmentPinnedHeap)
	h := f.runtime().Heap()

	tests := []struct {
		a         core.Address
		kind      SegmentKind
		max       int64
		gen       Generation
		committed core.Address
	}{
		{0x10000, SegmentGen2, largeObjectSize, Generation2, 0x10000},
		{frozen, SegmentFrozen, 1<<31 - 1, GenerationFrozen, 0x30000},
		{large, SegmentLarge, 1<<31 - 1, GenerationLarge, 0x50000},
		{pinned, SegmentPinned, 1<<31 - 1, GenerationPinned, 0x70000},
	}
	for _, tt := range tests {
		var s *Segment
		for _, seg := range h.Segments() {
			if seg.Address == tt.a || seg.Start() == tt.a {
				s = seg
			}
		}
		if s == nil {
			t.Errorf("no segment %x", tt.a)
			continue
		}
		if s.Kind != tt.kind {
			t.Errorf("segment %x kind = %v, want %v", tt.a, s.Kind, tt.kind)
		}
		if got := s.MaxObjectSize(); got != tt.max {
			t.Errorf("%v: MaxObjectSize = %d, want %d", s, got, tt.max)
		}
		if got := s.Generation(s.Start()); got != tt.gen {
			t.Errorf("%v: Generation = %v, want %v", s, got, tt.gen)
		}
		if s.CommittedMemory.Start != tt.committed {
			t.Errorf("%v: committed start = %x, want %x", s, s.CommittedMemory.Start, tt.committed)
		}
	}

	segs := h.Segments()
	for i := 1; i < len(segs); i++ {
		if segs[i-1].Start() >= segs[i].Start() {
			t.Errorf("segments out of order: %v before %v", segs[i-1], segs[i])
		}
	}
	for _, a := range []core.Address{0x0, 0xfff8, 0x11000, 0x40000, 0x71000} {
		if s := h.GetSegmentByAddress(a); s != nil {
			t.Errorf("GetSegmentByAddress(%x) = %v, want nil", a, s)
		}
	}
	for _, a := range []core.Address{0x10000, 0x30008, 0x5fff8, 0x70000} {
		if s := h.GetSegmentByAddress(a); s == nil || !s.ObjectRange.Contains(a) {
			t.Errorf("GetSegmentByAddress(%x) = %v", a, s)
		}
	}
}

func TestRegions(t *testing.T) {
	f := newFixture(t, 8)
	f.sub.HasRegions = true
	g0 := f.segment(0, 0x10000, 0x11000, 0)
	g1 := f.segment(1, 0x20000, 0x21000, 0)
	g2 := f.segment(2, 0x30000, 0x31000, 0)
	f.segment(2, 0x40000, 0x41000, 0)
	h := f.runtime().Heap()

	want := map[core.Address]SegmentKind{g0: SegmentGen0, g1: SegmentGen1, g2: SegmentGen2}
	for _, s := range h.Segments() {
		if k, ok := want[s.Address]; ok && s.Kind != k {
			t.Errorf("region %x kind = %v, want %v", s.Address, s.Kind, k)
		}
	}
	if n := len(h.Segments()); n != 4 {
		t.Errorf("%d regions, want 4", n)
	}
	if s := h.GetSegmentByAddress(0x10100); s == nil || s.Generation0 != s.ObjectRange {
		t.Errorf("gen0 region = %v", s)
	}
}

func TestSegmentChainCycle(t *testing.T) {
	f := newFixture(t, 8)
	a := f.segment(2, 0x10000, 0x11000, 0)
	b := f.segment(2, 0x20000, 0x21000, 0)
	d := f.h.segments[b]
	d.Next = a
	f.h.segments[b] = d
	h := f.runtime().Heap()
	if n := len(h.Segments()); n != 2 {
		t.Errorf("%d segments from a cyclic chain, want 2", n)
	}
}

func TestFinalizerQueueRanges(t *testing.T) {
	f := newFixture(t, 8)
	f.sub.FinalizationFillPointers = []core.Address{0x100, 0x110, 0x120, 0x130, 0x140, 0x150, 0x160}
	h := f.runtime().Heap()
	sh := h.SubHeaps()[0]
	if want := rng(0x100, 0x130); sh.FinalizerQueueObjects != want {
		t.Errorf("FinalizerQueueObjects = %v, want %v", sh.FinalizerQueueObjects, want)
	}
	if want := rng(0x130, 0x150); sh.FinalizerQueueRoots != want {
		t.Errorf("FinalizerQueueRoots = %v, want %v", sh.FinalizerQueueRoots, want)
	}
	if want := rng(0x120, 0x130); sh.GenerationFinalizerQueue(Generation0) != want {
		t.Errorf("gen0 finalizer queue = %v, want %v", sh.GenerationFinalizerQueue(Generation0), want)
	}
	if want := rng(0x100, 0x110); sh.GenerationFinalizerQueue(Generation2) != want {
		t.Errorf("gen2 finalizer queue = %v, want %v", sh.GenerationFinalizerQueue(Generation2), want)
	}
}

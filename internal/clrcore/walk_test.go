// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"slices"
	"testing"

	"github.com/clrcore/clrcore/internal/core"
)

func TestWalkAdvancesByObjectSize(t *testing.T) {
	f := newFixture(t, 8)
	f.mapMem(0x1000, 0x1000)
	small := f.addType(MethodTableData{Name: "Small", BaseSize: 24, ElementType: ElementClass}, nil)
	f.obj(0x1000, small, 0)
	f.obj(0x1018, small, 0)
	f.freeObj(0x1030, 0x2000)
	f.segment(2, 0x1000, 0x2000, 0)
	rt := f.runtime()

	got := collect(rt.Heap().EnumerateObjects(false))
	want := []core.Address{0x1000, 0x1018, 0x1030}
	if !slices.Equal(addrs(got), want) {
		t.Fatalf("walk = %x, want %x", addrs(got), want)
	}
	if got[0].Type.Name != "Small" || got[1].Type.Name != "Small" {
		t.Errorf("types = %v, %v", got[0], got[1])
	}
	if !got[2].IsFree() {
		t.Errorf("%v is not free", got[2])
	}
}

func TestWalkCoversSegment(t *testing.T) {
	for _, ptr := range []int64{4, 8} {
		f := newFixture(t, ptr)
		f.mapMem(0x10000, 0x2000)
		node := f.addType(MethodTableData{Name: "Node", BaseSize: uint32(4 * ptr), ElementType: ElementClass}, []int{int(ptr)})
		odd := f.addType(MethodTableData{Name: "Odd", BaseSize: uint32(3*ptr + 4), ElementType: ElementClass}, nil)
		bytes := f.addType(MethodTableData{Name: "System.Byte[]", BaseSize: uint32(3 * ptr), ComponentSize: 1, ElementType: ElementSZArray, ComponentElementType: ElementUInt8}, nil)
		arr := f.addArrayType("Node[]", node)
		want, end := f.place(0x10000,
			placed{node, 0},
			placed{f.str, 5},
			placed{odd, 0},
			placed{bytes, 13},
			placed{arr, 3},
			placed{f.object, 0},
			placed{f.str, 0},
			placed{bytes, 0},
		)
		f.freeObj(end, 0x12000)
		want = append(want, end)
		f.segment(2, 0x10000, 0x12000, 0)
		rt := f.runtime()

		got := collect(rt.Heap().EnumerateObjects(false))
		if !slices.Equal(addrs(got), want) {
			t.Fatalf("ptr %d: walk = %x, want %x", ptr, addrs(got), want)
		}
		align := int64(8)
		if ptr == 4 {
			align = 4
		}
		for i := 1; i < len(got); i++ {
			prev, next := got[i-1], got[i]
			d := next.Address.Sub(prev.Address)
			if d < prev.Size() {
				t.Errorf("ptr %d: %v overlaps %v of size %d", ptr, next, prev, prev.Size())
			}
			if d%align != 0 {
				t.Errorf("ptr %d: %v is %d bytes after %v, not a multiple of %d", ptr, next, d, prev, align)
			}
		}
	}
}

func TestWalkSkipsAllocationContexts(t *testing.T) {
	f := newFixture(t, 8)
	f.mapMem(0x1000, 0x1000)
	small := f.addType(MethodTableData{Name: "Small", BaseSize: 24, ElementType: ElementClass}, nil)
	f.obj(0x1000, small, 0)
	// Two contexts back to back: the second starts where the
	// minimum object after the first would be.
	f.h.allocCtx = []core.MemoryRange{
		{Start: 0x1018, End: 0x1050},
		{Start: 0x1068, End: 0x1100},
		{Start: 0x1500, End: 0x1400}, // empty, ignored
		{Start: 0, End: 0x10},        // ignored
	}
	f.obj(0x1118, small, 0)
	f.freeObj(0x1130, 0x2000)
	seg := f.segment(2, 0x1000, 0x2000, 0)
	rt := f.runtime()
	h := rt.Heap()

	got := addrs(collect(h.EnumerateObjects(false)))
	want := []core.Address{0x1000, 0x1118, 0x1130}
	if !slices.Equal(got, want) {
		t.Fatalf("walk = %x, want %x", got, want)
	}

	ctxs := h.EnumerateAllocationContexts()
	wantCtx := []core.MemoryRange{{Start: 0x1018, End: 0x1050}, {Start: 0x1068, End: 0x1100}}
	if !slices.Equal(ctxs, wantCtx) {
		t.Errorf("allocation contexts = %v, want %v", ctxs, wantCtx)
	}

	s := h.GetSegmentByAddress(0x1000)
	if s == nil || s.Address != seg {
		t.Fatalf("GetSegmentByAddress(0x1000) = %v", s)
	}
	for _, a := range []core.Address{0x1000, 0x1018, 0x1068, 0x1118, 0x1f00} {
		once := h.skipAllocationContext(s, a)
		if twice := h.skipAllocationContext(s, once); twice != once {
			t.Errorf("skip(%x) = %x, but skip(%x) = %x", a, once, once, twice)
		}
	}
}

func TestAllocationContextPastSegmentEnd(t *testing.T) {
	f := newFixture(t, 8)
	f.mapMem(0x1000, 0x1000)
	small := f.addType(MethodTableData{Name: "Small", BaseSize: 24, ElementType: ElementClass}, nil)
	f.obj(0x1000, small, 0)
	// The first context ends so close to the segment end that the
	// minimum object after it lies outside, where a second context starts.
	f.h.allocCtx = []core.MemoryRange{
		{Start: 0x1018, End: 0x1ff0},
		{Start: 0x2008, End: 0x2100},
	}
	f.segment(2, 0x1000, 0x2000, 0)
	h := f.runtime().Heap()

	for _, carefully := range []bool{false, true} {
		got := addrs(collect(h.EnumerateObjects(carefully)))
		if want := []core.Address{0x1000}; !slices.Equal(got, want) {
			t.Errorf("carefully=%v: walk = %x, want %x", carefully, got, want)
		}
	}

	seg := h.GetSegmentByAddress(0x1000)
	for _, test := range []struct {
		a, want core.Address
	}{
		{0x1018, 0},
		{0x2008, 0},
		{0x1030, 0x1030},
	} {
		if got := h.skipAllocationContext(seg, test.a); got != test.want {
			t.Errorf("skip(%x) = %x, want %x", test.a, got, test.want)
		}
	}
}

func TestWalkCarefully(t *testing.T) {
	setup := func() *fixture {
		f := newFixture(t, 8)
		f.mapMem(0x1000, 0x1000)
		small := f.addType(MethodTableData{Name: "Small", BaseSize: 24, ElementType: ElementClass}, nil)
		f.obj(0x1000, small, 0)
		f.obj(0x1018, small, 0)
		f.ptrAt(0x1030, 0xdead0) // not a method table
		f.obj(0x1060, small, 0)
		f.freeObj(0x1078, 0x2000)
		f.segment(2, 0x1000, 0x2000, 0)
		return f
	}

	h := setup().runtime().Heap()
	got := collect(h.EnumerateObjects(false))
	if want := []core.Address{0x1000, 0x1018, 0x1030}; !slices.Equal(addrs(got), want) {
		t.Fatalf("walk = %x, want %x", addrs(got), want)
	}
	if got[2].Type != nil {
		t.Errorf("bad object has type %v", got[2].Type)
	}

	h = setup().runtime().Heap()
	got = collect(h.EnumerateObjects(true))
	if want := []core.Address{0x1000, 0x1018, 0x1030, 0x1060, 0x1078}; !slices.Equal(addrs(got), want) {
		t.Fatalf("careful walk = %x, want %x", addrs(got), want)
	}
}

func TestWalkStopsAtUnreadableMemory(t *testing.T) {
	for _, carefully := range []bool{false, true} {
		f := newFixture(t, 8)
		f.mapMem(0x1000, 0x800)
		small := f.addType(MethodTableData{Name: "Small", BaseSize: 24, ElementType: ElementClass}, nil)
		f.obj(0x1000, small, 0)
		f.freeObj(0x1018, 0x1800)
		f.segment(2, 0x1000, 0x2000, 0)
		h := f.runtime().Heap()

		got := addrs(collect(h.EnumerateObjects(carefully)))
		if want := []core.Address{0x1000, 0x1018}; !slices.Equal(got, want) {
			t.Errorf("carefully=%v: walk = %x, want %x", carefully, got, want)
		}
	}
}

// markedHeap is a 16KB segment of 0x40-byte objects, which is large
// enough for the segment to keep markers.
func markedHeap(t *testing.T) (*Heap, *Segment) {
	f := newFixture(t, 8)
	f.mapMem(0x10000, 0x4000)
	big := f.addType(MethodTableData{Name: "Big", BaseSize: 0x40, ElementType: ElementClass}, nil)
	for a := core.Address(0x10000); a < 0x14000; a += 0x40 {
		f.obj(a, big, 0)
	}
	f.segment(2, 0x10000, 0x14000, 0)
	h := f.runtime().Heap()
	seg := h.GetSegmentByAddress(0x10000)
	if seg == nil {
		t.Fatal("no segment")
	}
	return h, seg
}

func TestMarkers(t *testing.T) {
	h, seg := markedHeap(t)
	if len(seg.markers) != 64 {
		t.Fatalf("%d markers, want 64", len(seg.markers))
	}
	if got := seg.validObjectForAddress(0x13000, false); got != seg.FirstObjectAddress() {
		t.Errorf("before any walk, closest object to 0x13000 = %x, want %x", got, seg.FirstObjectAddress())
	}

	n := 0
	for range seg.EnumerateObjects(false) {
		n++
	}
	if n != 0x100 {
		t.Fatalf("walked %d objects, want 256", n)
	}

	for _, a := range []core.Address{0x10000, 0x10040, 0x11234, 0x12000, 0x13fc0, 0x13fff} {
		got := seg.validObjectForAddress(a, false)
		if got > a || got.Sub(seg.FirstObjectAddress())%0x40 != 0 {
			t.Errorf("validObjectForAddress(%x) = %x", a, got)
		}
		prev := seg.validObjectForAddress(a, true)
		if a != seg.FirstObjectAddress() && prev >= a {
			t.Errorf("validObjectForAddress(%x, previous) = %x", a, prev)
		}
	}
	if got := seg.validObjectForAddress(0x13000, false); got == seg.FirstObjectAddress() {
		t.Errorf("markers not used after a walk")
	}

	// A walk from the middle starts at an object at or before it.
	for obj := range h.EnumerateSegmentObjects(seg, 0x12345, false) {
		if obj.Address > 0x12345 || obj.Address.Sub(0x10000)%0x40 != 0 {
			t.Errorf("walk from 0x12345 started at %x", obj.Address)
		}
		break
	}

	seg.resetMarkers()
	if got := seg.validObjectForAddress(0x13000, false); got != seg.FirstObjectAddress() {
		t.Errorf("after reset, closest object to 0x13000 = %x", got)
	}
}

func TestFindNextAndPreviousObject(t *testing.T) {
	h, _ := markedHeap(t)
	tests := []struct {
		a          core.Address
		prev, next core.Address
	}{
		{0x10000, 0, 0x10040},
		{0x10001, 0x10000, 0x10040},
		{0x12345, 0x12340, 0x12380},
		{0x12340, 0x12300, 0x12380},
		{0x13fc0, 0x13f80, 0},
		{0x14000, 0, 0}, // off the heap
		{0x500, 0, 0},
	}
	for _, tt := range tests {
		if got := h.FindPreviousObjectOnSegment(tt.a, false); got.Address != tt.prev {
			t.Errorf("FindPreviousObjectOnSegment(%x) = %x, want %x", tt.a, got.Address, tt.prev)
		}
		if got := h.FindNextObjectOnSegment(tt.a, false); got.Address != tt.next {
			t.Errorf("FindNextObjectOnSegment(%x) = %x, want %x", tt.a, got.Address, tt.next)
		}
	}
}

func TestEnumerateObjectsInRange(t *testing.T) {
	h, seg := markedHeap(t)
	r := core.MemoryRange{Start: 0x12010, End: 0x12100}
	got := addrs(collect(h.EnumerateObjectsInRange(r, false)))
	want := []core.Address{0x12040, 0x12080, 0x120c0}
	if !slices.Equal(got, want) {
		t.Errorf("EnumerateObjectsInRange(%v) = %x, want %x", r, got, want)
	}

	// The segment walk starts from a known object and is not bounded above.
	got = addrs(collect(seg.EnumerateObjectsInRange(core.MemoryRange{Start: 0x13f80, End: 0x13f90}, false)))
	want = []core.Address{0x13f80, 0x13fc0}
	if len(got) < 2 || got[0] > 0x13f80 || !slices.Equal(got[len(got)-2:], want) {
		t.Errorf("segment EnumerateObjectsInRange = %x, want it to end with %x", got, want)
	}

	if got := collect(h.EnumerateObjectsInRange(core.MemoryRange{Start: 0x20000, End: 0x30000}, false)); len(got) != 0 {
		t.Errorf("range off the heap yielded %v", got)
	}
}

func TestWalkLargeSegment(t *testing.T) {
	f := newFixture(t, 4)
	f.mapMem(0x40000, 0x40000)
	bytes := f.addType(MethodTableData{Name: "System.Byte[]", BaseSize: 12, ComponentSize: 1, ElementType: ElementSZArray}, nil)
	// Large object alignment is 8 bytes even with 4-byte pointers.
	f.obj(0x40000, bytes, 90001)
	next := core.Address(0x40000).Add((12 + 90001 + 7) &^ 7)
	f.obj(next, bytes, 100000)
	end := next.Add((12 + 100000 + 7) &^ 7)
	f.segment(3, 0x40000, end, SegmentLargeObjectHeap)
	h := f.runtime().Heap()

	got := addrs(collect(h.EnumerateObjects(false)))
	if want := []core.Address{0x40000, next}; !slices.Equal(got, want) {
		t.Errorf("walk = %x, want %x", got, want)
	}
	if seg := h.GetSegmentByAddress(next); seg == nil || seg.Kind != SegmentLarge {
		t.Errorf("segment of %x = %v, want a large segment", next, seg)
	}
}

// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"slices"
	"testing"

	"github.com/clrcore/clrcore/internal/core"
)

type verifyHeap struct {
	f *fixture
	h *Heap

	good, freeRef, badMT                      core.Address
	syncZero, syncMismatch, syncMissing, thin core.Address
	thinOK, free, target, huge                core.Address
	seg                                       core.Address
}

const markArray = 0x40000

// newVerifyHeap lays out one object per kind of corruption. If
// background is set, a background GC is sweeping the segment.
func newVerifyHeap(t *testing.T, background bool) *verifyHeap {
	f := newFixture(t, 8)
	f.mapMem(0x1000, 0x2000)
	node := f.addType(MethodTableData{Name: "Node", BaseSize: 32, ElementType: ElementClass}, []int{8, 16})
	bytes := f.addType(MethodTableData{Name: "System.Byte[]", BaseSize: 24, ComponentSize: 1, ElementType: ElementSZArray}, nil)

	v := &verifyHeap{f: f}
	header := func(obj core.Address, h uint32) { f.im.WriteUint32(obj-4, h) }

	v.good = f.obj(0x1008, node, 0)
	v.freeRef = f.obj(0x1028, node, 0)
	v.badMT = 0x1048
	f.ptrAt(v.badMT, 0xdead0)
	// A careful walk resumes at the first valid method table after the
	// minimum object size.
	v.syncZero = f.obj(0x1068, f.object, 0)
	header(v.syncZero, headerIsHashOrSyncBlockIndex)
	v.syncMismatch = f.obj(0x1080, f.object, 0)
	header(v.syncMismatch, headerIsHashOrSyncBlockIndex|5)
	v.syncMissing = f.obj(0x1098, f.object, 0)
	v.thin = f.obj(0x10b0, f.object, 0)
	header(v.thin, 7|2<<thinlockRecursionShift)
	v.thinOK = f.obj(0x10c8, f.object, 0)
	header(v.thinOK, 8)
	v.free = f.obj(0x10e0, f.free, 0)
	v.target = f.obj(0x10f8, f.object, 0)
	v.huge = f.obj(0x1110, bytes, 0x100000)

	f.ptrAt(v.good+8, v.target)
	f.ptrAt(v.freeRef+8, v.free)
	f.ptrAt(v.freeRef+16, 0x2803) // misaligned, and no method table there

	v.seg = f.segment(2, 0x1008, 0x2000, 0)
	f.h.syncBlocks = []SyncBlockData{{Object: v.syncMissing, Index: 3}}
	f.h.thinlocks[8] = 0x30000
	f.h.threads = []ThreadData{{Address: 0x30000, IsAlive: true}}

	if background {
		f.mapMem(markArray, 0x1000)
		sd := f.h.segments[v.seg]
		sd.BackgroundAllocated = 0x2000
		f.h.segments[v.seg] = sd
		f.sub.State = GCPlanning
		f.sub.CurrentSweepPosition = 0x1008
		f.sub.BackgroundSavedLowest = 0x1000
		f.sub.BackgroundSavedHighest = 0x3000
		f.sub.MarkArray = markArray
	}
	v.h = f.runtime().Heap()
	return v
}

// mark sets the background mark bit of obj.
func (v *verifyHeap) mark(obj core.Address) {
	word := core.Address(markArray).Add(4 * int64(uint64(obj)/markWordSize))
	bits, _ := core.ReadUint32(v.f.im, word)
	v.f.im.WriteUint32(word, bits|1<<((uint64(obj)/markBitPitch)%markWordWidth))
}

func kinds(cs []ObjectCorruption) []CorruptionKind {
	var r []CorruptionKind
	for _, c := range cs {
		r = append(r, c.Kind)
	}
	return r
}

func TestFullyVerifyObject(t *testing.T) {
	v := newVerifyHeap(t, false)
	tests := []struct {
		obj  core.Address
		want []CorruptionKind
		offs []int64
	}{
		{v.good, nil, nil},
		{v.thinOK, nil, nil},
		{v.free, nil, nil},
		{0x5000, []CorruptionKind{ObjectNotOnTheHeap}, []int64{0}},
		{0x1000, []CorruptionKind{ObjectNotOnTheHeap}, []int64{0}},
		{0x100c, []CorruptionKind{ObjectNotPointerAligned}, []int64{0}},
		{v.badMT, []CorruptionKind{InvalidMethodTable}, []int64{0}},
		{v.freeRef,
			[]CorruptionKind{FreeObjectReference, ObjectReferenceNotPointerAligned, InvalidObjectReference},
			[]int64{8, 16, 16}},
		{v.syncZero, []CorruptionKind{SyncBlockZero}, []int64{-4}},
		{v.syncMismatch, []CorruptionKind{SyncBlockMismatch}, []int64{-4}},
		{v.syncMissing, []CorruptionKind{SyncBlockMismatch}, []int64{-4}},
		{v.thin, []CorruptionKind{InvalidThinlock}, []int64{-4}},
		{v.huge, []CorruptionKind{ObjectTooLarge}, []int64{8}},
	}
	for _, tt := range tests {
		got, ok := v.h.FullyVerifyObject(tt.obj)
		if ok != (len(tt.want) == 0) {
			t.Errorf("FullyVerifyObject(%x) ok = %v", tt.obj, ok)
		}
		if !slices.Equal(kinds(got), tt.want) {
			t.Errorf("FullyVerifyObject(%x) = %v, want %v", tt.obj, got, tt.want)
			continue
		}
		for i, c := range got {
			if c.Offset != tt.offs[i] || c.Object.Address != tt.obj {
				t.Errorf("FullyVerifyObject(%x)[%d] = %v, want offset %d", tt.obj, i, c, tt.offs[i])
			}
		}

		first, bad := v.h.IsObjectCorrupted(tt.obj)
		if bad != (len(tt.want) > 0) || (bad && first.Kind != tt.want[0]) {
			t.Errorf("IsObjectCorrupted(%x) = %v, %v", tt.obj, first, bad)
		}
	}
}

func TestSyncBlockIndexes(t *testing.T) {
	v := newVerifyHeap(t, false)
	tests := []struct {
		obj             core.Address
		header, runtime int
	}{
		{v.syncZero, -1, -1},
		{v.syncMismatch, 5, -1},
		{v.syncMissing, -1, 3},
	}
	for _, tt := range tests {
		c, bad := v.h.IsObjectCorrupted(tt.obj)
		if !bad || c.SyncBlockIndex != tt.header || c.ClrSyncBlockIndex != tt.runtime {
			t.Errorf("IsObjectCorrupted(%x) = %+v, want indexes %d, %d", tt.obj, c, tt.header, tt.runtime)
		}
	}

	if b := v.h.GetObject(v.syncMissing).SyncBlock(); b == nil || b.Index != 3 {
		t.Errorf("SyncBlock = %v", b)
	}
	if l, ok := v.h.GetObject(v.thin).Thinlock(); !ok || l.ThreadID != 7 || l.Recursion != 2 || l.Thread != 0 {
		t.Errorf("Thinlock = %+v, %v", l, ok)
	}
	if l, ok := v.h.GetObject(v.thinOK).Thinlock(); !ok || l.Thread != 0x30000 {
		t.Errorf("Thinlock = %+v, %v", l, ok)
	}
	if _, ok := v.h.GetObject(v.syncZero).Thinlock(); ok {
		t.Errorf("sync block index read as a thinlock")
	}
}

func TestVerifyHeap(t *testing.T) {
	v := newVerifyHeap(t, false)
	var got []core.Address
	var found []CorruptionKind
	for c := range v.h.VerifyHeap() {
		got = append(got, c.Object.Address)
		found = append(found, c.Kind)
	}
	want := []core.Address{v.freeRef, v.badMT, v.syncZero, v.syncMismatch, v.syncMissing, v.thin, v.huge}
	if !slices.Equal(got, want) {
		t.Errorf("VerifyHeap found %x (%v), want %x", got, found, want)
	}
}

func TestVerifyDuringBackgroundGC(t *testing.T) {
	// The mark array is unreadable. Sub-heaps are read on first use.
	v := newVerifyHeap(t, true)
	v.f.h.subHeaps[0].MarkArray = 0x60000
	got, _ := v.h.FullyVerifyObject(v.good)
	if want := []CorruptionKind{CouldNotReadCardTable}; !slices.Equal(kinds(got), want) {
		t.Errorf("with no mark array: %v, want %v", got, want)
	}

	// Unmarked objects are being swept; their members are not checked.
	v = newVerifyHeap(t, true)
	if got, ok := v.h.FullyVerifyObject(v.freeRef); !ok {
		t.Errorf("unmarked object: %v", got)
	}

	v = newVerifyHeap(t, true)
	v.mark(v.freeRef)
	got, _ = v.h.FullyVerifyObject(v.freeRef)
	if len(got) == 0 || got[0].Kind != FreeObjectReference {
		t.Errorf("marked object: %v, want a free object reference first", got)
	}
}

func TestCorruptionString(t *testing.T) {
	v := newVerifyHeap(t, false)
	c, _ := v.h.IsObjectCorrupted(v.syncMismatch)
	want := "1080 System.Object: sync block mismatch at offset -4 (header index 5, runtime index -1)"
	if got := c.String(); got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
}

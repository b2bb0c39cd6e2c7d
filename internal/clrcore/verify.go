// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"fmt"
	"iter"

	"github.com/clrcore/clrcore/internal/core"
)

// Verification stops after this many findings for one object.
const corruptionBufferSize = 64

// An ObjectCorruption is a problem found with an object on the heap.
type ObjectCorruption struct {
	Object Object
	// Offset locates the problem relative to the object's address.
	// Header problems have negative offsets.
	Offset int64
	Kind   CorruptionKind

	// For sync block problems: the index in the object header and the
	// index of the object's sync block in the runtime, -1 if absent.
	SyncBlockIndex    int
	ClrSyncBlockIndex int
}

func (c ObjectCorruption) String() string {
	s := fmt.Sprintf("%v: %s at offset %d", c.Object, c.Kind, c.Offset)
	if c.Kind == SyncBlockMismatch || c.Kind == SyncBlockZero {
		s += fmt.Sprintf(" (header index %d, runtime index %d)", c.SyncBlockIndex, c.ClrSyncBlockIndex)
	}
	return s
}

func corruption(obj Object, off int64, kind CorruptionKind) ObjectCorruption {
	return ObjectCorruption{Object: obj, Offset: off, Kind: kind, SyncBlockIndex: -1, ClrSyncBlockIndex: -1}
}

// IsObjectCorrupted reports the first problem found with the object at
// addr, if any.
func (h *Heap) IsObjectCorrupted(addr core.Address) (ObjectCorruption, bool) {
	obj := h.GetObject(addr)
	seg := h.GetSegmentByAddress(addr)
	if seg == nil || !seg.ObjectRange.Contains(addr) {
		return corruption(obj, 0, ObjectNotOnTheHeap), true
	}
	buf := h.corruptionPool.Get().(*[]ObjectCorruption)
	defer h.corruptionPool.Put(buf)
	res := h.verifyObject(seg, obj, (*buf)[:0], 1)
	if len(res) == 0 {
		return ObjectCorruption{}, false
	}
	return res[0], true
}

// FullyVerifyObject returns every problem found with the object at addr.
// It returns true if there are none.
func (h *Heap) FullyVerifyObject(addr core.Address) ([]ObjectCorruption, bool) {
	obj := h.GetObject(addr)
	seg := h.GetSegmentByAddress(addr)
	if seg == nil || !seg.ObjectRange.Contains(addr) {
		return []ObjectCorruption{corruption(obj, 0, ObjectNotOnTheHeap)}, false
	}
	buf := h.corruptionPool.Get().(*[]ObjectCorruption)
	defer h.corruptionPool.Put(buf)
	res := h.verifyObject(seg, obj, (*buf)[:0], corruptionBufferSize)
	if len(res) == 0 {
		return nil, true
	}
	return append([]ObjectCorruption(nil), res...), false
}

// VerifyHeap walks the whole heap and yields the first problem with
// each corrupt object.
func (h *Heap) VerifyHeap() iter.Seq[ObjectCorruption] {
	return h.VerifyObjects(h.EnumerateObjects(true))
}

// VerifyObjects yields the first problem with each corrupt object of objs.
func (h *Heap) VerifyObjects(objs iter.Seq[Object]) iter.Seq[ObjectCorruption] {
	return func(yield func(ObjectCorruption) bool) {
		for obj := range objs {
			if c, bad := h.IsObjectCorrupted(obj.Address); bad && !yield(c) {
				return
			}
		}
	}
}

// verifyObject appends to res the problems found with obj, which lies in
// seg, stopping once res holds max entries.
func (h *Heap) verifyObject(seg *Segment, obj Object, res []ObjectCorruption, max int) []ObjectCorruption {
	ptr := h.ptrSize
	full := func() bool { return len(res) >= max }
	add := func(c ObjectCorruption) bool {
		res = append(res, c)
		return !full()
	}

	if uint64(obj.Address)&uint64(ptr-1) != 0 {
		return append(res, corruption(obj, 0, ObjectNotPointerAligned))
	}
	if !obj.IsFree() {
		mt, ok := h.mem.ReadPtr(obj.Address)
		if !ok {
			return append(res, corruption(obj, 0, CouldNotReadMethodTable))
		}
		if !h.types.IsValidMethodTable(mt) || obj.Type == nil {
			return append(res, corruption(obj, 0, InvalidMethodTable))
		}
	}

	// From here on every problem is reported.
	size := obj.Size()
	if obj.Address.Add(size) > seg.End() || (!obj.IsFree() && size > seg.MaxObjectSize()) {
		if !add(corruption(obj, ptr, ObjectTooLarge)) {
			return res
		}
	}
	if obj.IsFree() {
		return res
	}

	verifyMembers := false
	if obj.Type.ContainsPointers {
		marked, ok := h.shouldVerifyMembers(seg, obj.Address)
		if !ok {
			if !add(corruption(obj, 0, CouldNotReadCardTable)) {
				return res
			}
		}
		verifyMembers = ok && marked
		// A huge array most likely has a clobbered length; its members
		// would only add noise.
		if verifyMembers && obj.Type.IsArray() {
			for _, c := range res {
				if c.Kind == ObjectTooLarge {
					verifyMembers = false
					break
				}
			}
		}
	}

	if verifyMembers && h.verifyMembers(seg, obj, size, add) {
		return res
	}

	header, _ := core.ReadUint32(h.mem, obj.Address.Add(-4))
	blk := h.GetSyncBlock(obj.Address)
	if header&headerIsHashOrSyncBlockIndex != 0 && header&headerIsHashCode == 0 {
		idx := int(header & headerSyncBlockIndexMask)
		clrIndex := -1
		if blk != nil {
			clrIndex = blk.Index
		}
		if idx == 0 {
			c := corruption(obj, -4, SyncBlockZero)
			c.ClrSyncBlockIndex = clrIndex
			if !add(c) {
				return res
			}
		} else if idx != clrIndex {
			c := corruption(obj, -4, SyncBlockMismatch)
			c.SyncBlockIndex, c.ClrSyncBlockIndex = idx, clrIndex
			if !add(c) {
				return res
			}
		}
	} else if blk != nil {
		c := corruption(obj, -4, SyncBlockMismatch)
		c.ClrSyncBlockIndex = blk.Index
		if !add(c) {
			return res
		}
	}

	if hasThinlock(header) {
		thread := h.helpers.ThreadFromThinlockID(header & thinlockThreadIDMask)
		if thread == 0 || h.rt.threadByAddress(thread) == nil {
			add(corruption(obj, -4, InvalidThinlock))
		}
	}
	return res
}

// verifyMembers checks the references held by obj, which lies in seg.
// It reports whether add asked to stop.
func (h *Heap) verifyMembers(seg *Segment, obj Object, size int64, add func(ObjectCorruption) bool) bool {
	ptr := h.ptrSize
	d := obj.Type.GCDesc()
	if d.IsEmpty() {
		if !add(corruption(obj, 0, CouldNotReadGCDesc)) {
			return true
		}
	}
	size = boundObjectSize(seg, obj.Address, size)
	buf := make([]byte, size)
	n := h.mem.Read(obj.Address, buf)
	if int64(n) != size {
		if !add(corruption(obj, int64(n), CouldNotReadObject)) {
			return true
		}
	}
	free := h.types.common.Free
	for ref, off := range d.Walk(buf, len(buf)) {
		if uint64(ref)&uint64(ptr-1) != 0 {
			if !add(corruption(obj, int64(off), ObjectReferenceNotPointerAligned)) {
				return true
			}
		}
		mt, ok := h.mem.ReadPtr(ref)
		if !ok || !h.types.IsValidMethodTable(mt) {
			if !add(corruption(obj, int64(off), InvalidObjectReference)) {
				return true
			}
		} else if mt&^1 == free {
			if !add(corruption(obj, int64(off), FreeObjectReference)) {
				return true
			}
		}
	}
	return false
}

// shouldVerifyMembers reports whether the members of obj can be trusted
// while a background GC is sweeping seg. It returns false for ok if the
// mark array could not be read.
func (h *Heap) shouldVerifyMembers(seg *Segment, obj core.Address) (verify, ok bool) {
	sh := seg.SubHeap
	var considerMark, checkCurrent, checkSaved bool
	if sh.State == GCPlanning && seg.Flags&SegmentSwept == 0 &&
		seg.ObjectRange.Contains(sh.CurrentSweepPosition) && seg.BackgroundAllocated != 0 {
		considerMark = true
		checkSaved = seg.Address == sh.SavedSweepEphemeralSegment
		checkCurrent = true
	}

	noMark := !considerMark ||
		(checkCurrent && obj < sh.CurrentSweepPosition) ||
		(checkSaved && obj >= sh.SavedSweepEphemeralStart) ||
		obj >= seg.BackgroundAllocated
	if noMark {
		return true, true
	}
	return h.backgroundObjectMarked(sh, obj)
}

const (
	markBitPitch  = 8
	markWordWidth = 32
	markWordSize  = markBitPitch * markWordWidth
)

func (h *Heap) backgroundObjectMarked(sh *SubHeap, obj core.Address) (marked, ok bool) {
	if obj < sh.BackgroundSavedLowest || obj >= sh.BackgroundSavedHighest {
		return true, true
	}
	word := uint64(obj) / markWordSize
	entry, ok := core.ReadUint32(h.mem, sh.MarkArray.Add(int64(4*word)))
	if !ok {
		h.log.Debugf("could not read mark array of heap %d for %x", sh.Index, obj)
		return false, false
	}
	bit := (uint64(obj) / markBitPitch) % markWordWidth
	return entry&(1<<bit) != 0, true
}

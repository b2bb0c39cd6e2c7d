// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"encoding/binary"
	"iter"

	"github.com/clrcore/clrcore/internal/core"
)

const memoryCacheSize = 0x10000

// A memoryCache holds a window of target memory so that walking a
// segment does not issue a read per object.
type memoryCache struct {
	mem  core.Reader
	base core.Address
	data []byte
	n    int
}

func newMemoryCache(mem core.Reader) *memoryCache {
	return &memoryCache{mem: mem, data: make([]byte, memoryCacheSize)}
}

func (c *memoryCache) reset() {
	c.base, c.n = 0, 0
}

// ensure makes sure the 3 pointers at a are in the window, refilling
// it from a if they are not.
func (c *memoryCache) ensure(a core.Address) bool {
	if c.data == nil {
		return false
	}
	need := 3 * c.mem.PtrSize()
	if c.n > 0 && c.base <= a && a.Add(need) < c.base.Add(int64(c.n)) {
		return true
	}
	c.base = a
	c.n = c.mem.Read(a, c.data)
	return int64(c.n) >= need
}

func (c *memoryCache) readPtr(a core.Address) (core.Address, bool) {
	if !c.ensure(a) {
		return c.mem.ReadPtr(a)
	}
	return core.DecodePtr(c.data[a.Sub(c.base):], c.mem.PtrSize()), true
}

func (c *memoryCache) readUint32(a core.Address) (uint32, bool) {
	if !c.ensure(a) {
		return core.ReadUint32(c.mem, a)
	}
	return binary.LittleEndian.Uint32(c.data[a.Sub(c.base):]), true
}

// getCache rents a cache for walking seg. Large segments are walked
// without one.
func (h *Heap) getCache(seg *Segment) *memoryCache {
	if seg.Kind == SegmentLarge {
		return &memoryCache{mem: h.mem}
	}
	c := h.cachePool.Get().(*memoryCache)
	c.reset()
	return c
}

func (h *Heap) putCache(c *memoryCache) {
	if c.data != nil {
		h.cachePool.Put(c)
	}
}

// align rounds size up to the object alignment of seg.
func (h *Heap) align(size int64, seg *Segment) int64 {
	mask := int64(7)
	if h.ptrSize == 4 && !seg.IsLargeOrPinned() {
		mask = 3
	}
	return (size + mask) &^ mask
}

// EnumerateObjects walks every segment of the heap.
func (h *Heap) EnumerateObjects(carefully bool) iter.Seq[Object] {
	return func(yield func(Object) bool) {
		for _, seg := range h.Segments() {
			for obj := range h.EnumerateSegmentObjects(seg, seg.FirstObjectAddress(), carefully) {
				if !yield(obj) {
					return
				}
			}
		}
	}
}

// EnumerateObjectsInRange walks the objects whose address lies in r.
func (h *Heap) EnumerateObjectsInRange(r core.MemoryRange, carefully bool) iter.Seq[Object] {
	return func(yield func(Object) bool) {
		for _, seg := range h.Segments() {
			if !seg.ObjectRange.Overlaps(r) {
				continue
			}
			start := seg.FirstObjectAddress()
			if seg.ObjectRange.Contains(r.Start) {
				start = r.Start
			}
			for obj := range h.EnumerateSegmentObjects(seg, start, carefully) {
				if obj.Address < r.Start {
					continue
				}
				if obj.Address >= r.End {
					break
				}
				if !yield(obj) {
					return
				}
			}
		}
	}
}

// EnumerateSegmentObjects walks seg from the closest known object at or
// before start. Objects whose method table does not resolve are yielded
// with a nil Type.
//
// If carefully is false the walk stops at the first unreadable or
// unrecognized object. Otherwise it scans forward for something that
// looks like an object and resumes from there.
func (h *Heap) EnumerateSegmentObjects(seg *Segment, start core.Address, carefully bool) iter.Seq[Object] {
	return func(yield func(Object) bool) {
		if seg == nil || !seg.ObjectRange.Contains(start) {
			return
		}
		ptr := h.ptrSize
		minSize := 3 * ptr
		skip := minSize
		if seg.Kind == SegmentLarge {
			skip = largeObjectSize
		}
		cache := h.getCache(seg)
		defer h.putCache(cache)

		obj := seg.validObjectForAddress(start, false)
		for seg.ObjectRange.Contains(obj) {
			mt, ok := cache.readPtr(obj)
			if !ok {
				if !carefully {
					return
				}
				h.log.Debugf("could not read method table at %x, scanning forward", obj)
				obj = h.findNextValidObject(seg, ptr+skip, obj, cache)
				continue
			}

			t := h.types.GetOrCreateType(mt, obj)
			if !yield(Object{Address: obj, Type: t, heap: h}) {
				return
			}
			if t == nil {
				if !carefully {
					return
				}
				h.log.Debugf("bad method table %x at %x, scanning forward", mt, obj)
				obj = h.findNextValidObject(seg, ptr, obj.Add(skip), cache)
				continue
			}

			seg.setMarker(obj)

			size := t.StaticSize
			if t.ComponentSize != 0 {
				count, ok := cache.readUint32(obj.Add(ptr))
				if !ok {
					if !carefully {
						return
					}
					h.log.Debugf("could not read length of %x, scanning forward", obj)
					obj = h.findNextValidObject(seg, ptr, obj.Add(skip), cache)
					continue
				}
				n := int64(count)
				if t.IsString() {
					n++ // terminating NUL
				}
				size = n*t.ComponentSize + t.StaticSize
			}
			size = h.align(size, seg)
			if size < minSize {
				size = minSize
			}
			obj = h.skipAllocationContext(seg, obj.Add(size))
		}
	}
}

// findNextValidObject scans forward from a in steps of step bytes for
// an address holding a valid method table. It returns 0 if memory
// becomes unreadable, or an address outside seg if nothing is found.
func (h *Heap) findNextValidObject(seg *Segment, step int64, a core.Address, cache *memoryCache) core.Address {
	obj := a
	for seg.ObjectRange.Contains(obj) {
		if next := h.skipAllocationContext(seg, obj); obj < next {
			obj = next
			continue
		}
		obj = obj.Add(step)
		mt, ok := cache.readPtr(obj)
		if !ok {
			return 0
		}
		if mt > 0x1000 && h.types.IsValidMethodTable(mt) {
			break
		}
	}
	return obj
}

// skipAllocationContext moves a past any allocation contexts starting
// at it. It returns 0 if the contexts do not lead forward within seg.
func (h *Heap) skipAllocationContext(seg *Segment, a core.Address) core.Address {
	if seg.Kind == SegmentLarge || seg.Kind == SegmentPinned || seg.Kind == SegmentFrozen {
		return a
	}
	ctxs := h.allocationContexts()
	minSize := h.align(3*h.ptrSize, seg)
	for {
		end, ok := ctxs[a]
		if !ok {
			return a
		}
		next := end.Add(minSize)
		if a >= next || a >= seg.End() {
			h.log.Debugf("allocation context at %x does not advance, abandoning segment %v", a, seg)
			return 0
		}
		a = next
	}
}

// FindNextObjectOnSegment returns the first object after a on a's
// segment. The result is the zero Object if there is none.
func (h *Heap) FindNextObjectOnSegment(a core.Address, carefully bool) Object {
	seg := h.GetSegmentByAddress(a)
	if seg == nil {
		return Object{}
	}
	for obj := range h.EnumerateSegmentObjects(seg, a, carefully) {
		if a < obj.Address {
			return obj
		}
	}
	return Object{}
}

// FindPreviousObjectOnSegment returns the last object before a on a's
// segment. The result is the zero Object if there is none.
func (h *Heap) FindPreviousObjectOnSegment(a core.Address, carefully bool) Object {
	seg := h.GetSegmentByAddress(a)
	if seg == nil || a <= seg.FirstObjectAddress() {
		return Object{}
	}
	start := seg.validObjectForAddress(a, true)
	var last Object
	for obj := range h.EnumerateSegmentObjects(seg, start, carefully) {
		if obj.Address >= a {
			return last
		}
		last = obj
	}
	if last.Address < a {
		return last
	}
	return Object{}
}

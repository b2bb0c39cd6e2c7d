// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/clrcore/clrcore/internal/core"
	"github.com/clrcore/clrcore/internal/logflags"
)

// A Heap is the GC heap of a runtime.
//
// Everything a Heap learns about the target is cached until the
// runtime's FlushCachedData is called.
type Heap struct {
	rt      *Runtime
	mem     core.Reader
	helpers Helpers
	ptrSize int64
	log     *logrus.Entry

	types *typeFactory

	// Caches, built on first use and published with a single
	// compare-and-swap. A losing builder discards its result.
	layout        atomic.Pointer[heapLayout]
	allocContexts atomic.Pointer[map[core.Address]core.Address]
	dependent     atomic.Pointer[[]DependentHandle]
	syncBlocks    atomic.Pointer[syncBlockTable]
	names         atomic.Pointer[nameIndex]
	reverse       atomic.Pointer[reverseIndex]
	currSegment   atomic.Pointer[Segment]
	lastComFlags  atomic.Uint64

	cachePool      sync.Pool // *memoryCache
	corruptionPool sync.Pool // *[]ObjectCorruption
}

type heapLayout struct {
	subHeaps []*SubHeap
	segments []*Segment // sorted by address
}

// publish returns the value in p, computing and publishing it first if
// p is empty.
func publish[T any](p *atomic.Pointer[T], compute func() *T) *T {
	if v := p.Load(); v != nil {
		return v
	}
	v := compute()
	if p.CompareAndSwap(nil, v) {
		return v
	}
	return p.Load()
}

func newHeap(rt *Runtime) *Heap {
	h := &Heap{
		rt:      rt,
		mem:     rt.mem,
		helpers: rt.helpers,
		ptrSize: rt.ptrSize,
		log:     logflags.HeapLogger(),
	}
	h.types = newTypeFactory(h)
	h.cachePool.New = func() any { return newMemoryCache(h.mem) }
	h.corruptionPool.New = func() any {
		b := make([]ObjectCorruption, 0, corruptionBufferSize)
		return &b
	}
	return h
}

// flush drops every cache.
func (h *Heap) flush() {
	h.types.reset()
	h.layout.Store(nil)
	h.allocContexts.Store(nil)
	h.dependent.Store(nil)
	h.syncBlocks.Store(nil)
	h.names.Store(nil)
	h.reverse.Store(nil)
	h.currSegment.Store(nil)
	h.lastComFlags.Store(0)
	h.log.Debug("flushed cached heap data")
}

// Runtime returns the runtime h belongs to.
func (h *Heap) Runtime() *Runtime { return h.rt }

// PtrSize returns the target's pointer size.
func (h *Heap) PtrSize() int64 { return h.ptrSize }

// IsServer reports whether the heap is a server GC heap.
func (h *Heap) IsServer() bool { return h.helpers.ServerMode() }

// CanWalkHeap reports whether the GC's data structures are consistent.
// Walks of a heap that cannot be walked may stop early or report garbage.
func (h *Heap) CanWalkHeap() bool { return h.helpers.GCStructuresValid() }

func (h *Heap) FreeType() *Type      { return h.types.GetOrCreateType(h.types.common.Free, 0) }
func (h *Heap) ObjectType() *Type    { return h.types.GetOrCreateType(h.types.common.Object, 0) }
func (h *Heap) StringType() *Type    { return h.types.GetOrCreateType(h.types.common.String, 0) }
func (h *Heap) ExceptionType() *Type { return h.types.GetOrCreateType(h.types.common.Exception, 0) }

// IsValidMethodTable reports whether mt is a known method table.
func (h *Heap) IsValidMethodTable(mt core.Address) bool {
	return h.types.IsValidMethodTable(mt)
}

// GetTypeByMethodTable returns the type of the method table mt, or nil.
func (h *Heap) GetTypeByMethodTable(mt core.Address) *Type {
	return h.types.GetOrCreateType(mt, 0)
}

// GetTypeByName returns the first type called name, or nil.
func (h *Heap) GetTypeByName(name string) *Type {
	for _, mt := range h.nameIndex().lookup(name) {
		if t := h.types.GetOrCreateType(mt, 0); t != nil {
			return t
		}
	}
	return nil
}

// TypesWithPrefix returns the sorted names of all types starting with prefix.
func (h *Heap) TypesWithPrefix(prefix string) []string {
	return h.nameIndex().withPrefix(prefix)
}

func (h *Heap) nameIndex() *nameIndex {
	return publish(&h.names, h.types.buildNameIndex)
}

// GetObjectType returns the type of the object at obj, or nil if obj
// does not hold a readable method table.
func (h *Heap) GetObjectType(obj core.Address) *Type {
	mt, ok := h.mem.ReadPtr(obj)
	if !ok || mt == 0 {
		return nil
	}
	return h.types.GetOrCreateType(mt, obj)
}

// GetObject returns the object at obj. Its Type is nil if obj is not
// an object.
func (h *Heap) GetObject(obj core.Address) Object {
	return Object{Address: obj, Type: h.GetObjectType(obj), heap: h}
}

// GetObjectSize returns the size of the object at obj of type t,
// without alignment padding.
func (h *Heap) GetObjectSize(obj core.Address, t *Type) int64 {
	size := t.StaticSize
	if t.ComponentSize != 0 {
		count, ok := core.ReadUint32(h.mem, obj.Add(h.ptrSize))
		if !ok {
			count = 0
		}
		n := int64(count)
		if t.IsString() {
			n++
		}
		size = n*t.ComponentSize + t.StaticSize
	}
	if min := 3 * h.ptrSize; size < min {
		size = min
	}
	return size
}

func (h *Heap) heapLayout() *heapLayout {
	return publish(&h.layout, func() *heapLayout {
		l := &heapLayout{}
		for _, d := range h.helpers.SubHeaps() {
			sh := newSubHeap(h, d)
			l.subHeaps = append(l.subHeaps, sh)
			l.segments = append(l.segments, sh.Segments...)
		}
		sortSegments(l.segments)
		h.log.Debugf("found %d sub-heaps with %d segments", len(l.subHeaps), len(l.segments))
		return l
	})
}

// SubHeaps returns the heap's sub-heaps.
func (h *Heap) SubHeaps() []*SubHeap {
	return h.heapLayout().subHeaps
}

// Segments returns all segments of all sub-heaps, sorted by address.
func (h *Heap) Segments() []*Segment {
	return h.heapLayout().segments
}

// GetSegmentByAddress returns the segment whose object range contains a,
// or nil.
func (h *Heap) GetSegmentByAddress(a core.Address) *Segment {
	if s := h.currSegment.Load(); s != nil && s.ObjectRange.Contains(a) {
		return s
	}
	segs := h.Segments()
	if len(segs) == 0 {
		return nil
	}
	if a < segs[0].FirstObjectAddress() || a >= segs[len(segs)-1].End() {
		return nil
	}
	i := sort.Search(len(segs), func(i int) bool {
		return segs[i].ObjectRange.CompareTo(a) >= 0
	})
	if i == len(segs) || !segs[i].ObjectRange.Contains(a) {
		return nil
	}
	h.currSegment.Store(segs[i])
	return segs[i]
}

// allocationContexts maps the start of every unused allocation buffer
// to its end.
func (h *Heap) allocationContexts() map[core.Address]core.Address {
	return *publish(&h.allocContexts, func() *map[core.Address]core.Address {
		m := map[core.Address]core.Address{}
		for _, r := range h.helpers.ThreadAllocationContexts() {
			if r.Start != 0 && r.Start < r.End {
				m[r.Start] = r.End
			}
		}
		for _, sh := range h.SubHeaps() {
			if r := sh.AllocationContext; r.Start != 0 && r.Start < r.End {
				m[r.Start] = r.End
			}
		}
		return &m
	})
}

// EnumerateAllocationContexts returns the allocation context ranges,
// sorted by start address.
func (h *Heap) EnumerateAllocationContexts() []core.MemoryRange {
	m := h.allocationContexts()
	r := make([]core.MemoryRange, 0, len(m))
	for start, end := range m {
		r = append(r, core.MemoryRange{Start: start, End: end})
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Start < r[j].Start })
	return r
}

// dependentHandles returns the dependent handle pairs sorted by source.
func (h *Heap) dependentHandles() []DependentHandle {
	return *publish(&h.dependent, func() *[]DependentHandle {
		d := append([]DependentHandle(nil), h.helpers.DependentHandles()...)
		sort.SliceStable(d, func(i, j int) bool { return d[i].Source < d[j].Source })
		return &d
	})
}

func (h *Heap) String() string {
	kind := "workstation"
	if h.IsServer() {
		kind = "server"
	}
	return fmt.Sprintf("%s heap, %d sub-heaps, %d segments", kind, len(h.SubHeaps()), len(h.Segments()))
}

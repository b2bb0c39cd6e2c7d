// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"iter"
	"math"
	"sort"
	"sync/atomic"

	"github.com/clrcore/clrcore/internal/core"
)

// Objects at least this large go to the large object heap.
const largeObjectSize = 85000

// A Segment is a contiguous region of the GC heap.
type Segment struct {
	Address core.Address // of the runtime's segment descriptor
	Kind    SegmentKind
	Flags   SegmentFlags

	// ObjectRange bounds the objects in the segment.
	ObjectRange     core.MemoryRange
	CommittedMemory core.MemoryRange
	ReservedMemory  core.MemoryRange

	// Generation ranges. Only ephemeral segments have more than one.
	Generation0 core.MemoryRange
	Generation1 core.MemoryRange
	Generation2 core.MemoryRange

	BackgroundAllocated core.Address

	SubHeap *SubHeap

	heap    *Heap
	markers []atomic.Uint32 // offsets from Start of known objects; 0 is unset
}

func (s *Segment) Start() core.Address { return s.ObjectRange.Start }
func (s *Segment) End() core.Address   { return s.ObjectRange.End }
func (s *Segment) Length() int64       { return int64(s.ObjectRange.Length()) }

// FirstObjectAddress returns the address of the first object in s.
func (s *Segment) FirstObjectAddress() core.Address {
	return s.ObjectRange.Start
}

func (s *Segment) IsLargeOrPinned() bool {
	return s.Kind == SegmentLarge || s.Kind == SegmentPinned
}

// MaxObjectSize is the largest object the segment may legally hold.
func (s *Segment) MaxObjectSize() int64 {
	switch s.Kind {
	case SegmentFrozen, SegmentPinned, SegmentLarge:
		return math.MaxInt32
	}
	return largeObjectSize
}

// Generation returns the generation of the object at obj.
func (s *Segment) Generation(obj core.Address) Generation {
	switch {
	case s.Kind <= SegmentFrozen:
		return Generation(s.Kind)
	case s.Kind == SegmentEphemeral:
		switch {
		case s.Generation0.Contains(obj):
			return Generation0
		case s.Generation1.Contains(obj):
			return Generation1
		case s.Generation2.Contains(obj):
			return Generation2
		}
	}
	return GenerationUnknown
}

// EnumerateObjects walks every object in s.
func (s *Segment) EnumerateObjects(carefully bool) iter.Seq[Object] {
	return s.heap.EnumerateSegmentObjects(s, s.FirstObjectAddress(), carefully)
}

// EnumerateObjectsInRange walks the objects of s starting at or after r.Start.
// Objects are not filtered against r.End.
func (s *Segment) EnumerateObjectsInRange(r core.MemoryRange, carefully bool) iter.Seq[Object] {
	return s.heap.EnumerateSegmentObjects(s, s.Start().Max(r.Start), carefully)
}

func (s *Segment) String() string {
	return s.Kind.String() + " " + s.ObjectRange.String()
}

// numMarkers picks the marker count for a segment of length bytes.
func numMarkers(length int64) int {
	switch {
	case length < 8*1024:
		return 0
	case length < 64*1024*1024:
		return 64
	case length < 256*1024*1024:
		return 128
	}
	return 256
}

func (s *Segment) markerStep() int64 {
	return s.Length() / int64(len(s.markers)+2)
}

// setMarker records obj as a known object start, unless its bucket
// already holds one.
func (s *Segment) setMarker(obj core.Address) {
	if len(s.markers) == 0 {
		return
	}
	step := s.markerStep()
	if step == 0 {
		return
	}
	off := obj.Sub(s.FirstObjectAddress())
	if off <= 0 || off > math.MaxUint32 {
		return
	}
	i := int(off / step)
	if i >= len(s.markers) {
		i = len(s.markers) - 1
	}
	s.markers[i].CompareAndSwap(0, uint32(off))
}

// validObjectForAddress returns the closest known object start at or
// before a, or strictly before it if previous is set.
func (s *Segment) validObjectForAddress(a core.Address, previous bool) core.Address {
	first := s.FirstObjectAddress()
	if a == first || len(s.markers) == 0 {
		return first
	}
	step := s.markerStep()
	if step == 0 || a < first {
		return first
	}
	i := int(a.Sub(first) / step)
	if i >= len(s.markers) {
		i = len(s.markers) - 1
	}
	for ; i >= 0; i-- {
		m := s.markers[i].Load()
		if m == 0 {
			continue
		}
		obj := first.Add(int64(m))
		if obj < a || (!previous && obj == a) {
			return obj
		}
	}
	return first
}

func (s *Segment) resetMarkers() {
	for i := range s.markers {
		s.markers[i].Store(0)
	}
}

// A SubHeap is one logical GC heap. Workstation GCs have exactly one,
// server GCs one per core.
type SubHeap struct {
	Index      int
	Address    core.Address
	HasRegions bool

	Segments []*Segment

	AllocationContext core.MemoryRange

	// FinalizerQueueObjects holds all finalizable objects, of every
	// generation; FinalizerQueueRoots holds the objects ready for
	// finalization.
	FinalizerQueueObjects core.MemoryRange
	FinalizerQueueRoots   core.MemoryRange
	fillPointers          []core.Address

	State                      GCState
	MarkArray                  core.Address
	CurrentSweepPosition       core.Address
	SavedSweepEphemeralSegment core.Address
	SavedSweepEphemeralStart   core.Address
	BackgroundSavedLowest      core.Address
	BackgroundSavedHighest     core.Address
}

// GenerationFinalizerQueue returns the queue range of finalizable objects
// in generation g (0, 1 or 2).
func (sh *SubHeap) GenerationFinalizerQueue(g Generation) core.MemoryRange {
	fp := sh.fillPointers
	if len(fp) < 4 {
		return core.MemoryRange{}
	}
	switch g {
	case Generation2:
		return core.MemoryRange{Start: fp[0], End: fp[1]}
	case Generation1:
		return core.MemoryRange{Start: fp[1], End: fp[2]}
	case Generation0:
		return core.MemoryRange{Start: fp[2], End: fp[3]}
	}
	return core.MemoryRange{}
}

func newSubHeap(h *Heap, d SubHeapData) *SubHeap {
	sh := &SubHeap{
		Index:                      d.Index,
		Address:                    d.Address,
		HasRegions:                 d.HasRegions,
		AllocationContext:          d.AllocationContext,
		fillPointers:               d.FinalizationFillPointers,
		State:                      d.State,
		MarkArray:                  d.MarkArray,
		CurrentSweepPosition:       d.CurrentSweepPosition,
		SavedSweepEphemeralSegment: d.SavedSweepEphemeralSegment,
		SavedSweepEphemeralStart:   d.SavedSweepEphemeralStart,
		BackgroundSavedLowest:      d.BackgroundSavedLowest,
		BackgroundSavedHighest:     d.BackgroundSavedHighest,
	}
	if fp := d.FinalizationFillPointers; len(fp) >= 6 {
		sh.FinalizerQueueObjects = core.MemoryRange{Start: fp[0], End: fp[3]}
		sh.FinalizerQueueRoots = core.MemoryRange{Start: fp[3], End: fp[5]}
	}
	sh.Segments = h.buildSegments(sh, d)
	return sh
}

// buildSegments follows the sub-heap's segment chains: the large object
// heap first, then gen2, the region generations and the pinned heap.
func (h *Heap) buildSegments(sh *SubHeap, d SubHeapData) []*Segment {
	order := []int{3, 2}
	if d.HasRegions {
		order = append(order, 1, 0)
	}
	if len(d.Generations) > 4 {
		order = append(order, 4)
	}

	var segs []*Segment
	seen := map[core.Address]bool{0: true}
	for _, gen := range order {
		if gen >= len(d.Generations) {
			continue
		}
		for addr := d.Generations[gen].StartSegment; !seen[addr]; {
			seen[addr] = true
			sd, ok := h.helpers.Segment(addr)
			if !ok {
				h.log.Debugf("could not read segment %x of heap %d", addr, d.Index)
				break
			}
			segs = append(segs, h.newSegment(sh, d, gen, sd))
			addr = sd.Next
		}
	}
	return segs
}

func (h *Heap) newSegment(sh *SubHeap, d SubHeapData, gen int, sd SegmentData) *Segment {
	s := &Segment{
		Address:             sd.Address,
		Flags:               sd.Flags,
		BackgroundAllocated: sd.BackgroundAllocated,
		SubHeap:             sh,
		heap:                h,
	}
	ephemeral := !d.HasRegions && sd.Address == d.EphemeralSegment
	switch {
	case sd.Flags&SegmentReadOnly != 0:
		s.Kind = SegmentFrozen
	case gen == 3:
		s.Kind = SegmentLarge
	case gen == 4:
		s.Kind = SegmentPinned
	case d.HasRegions:
		s.Kind = SegmentKind(gen)
	case ephemeral:
		s.Kind = SegmentEphemeral
	default:
		s.Kind = SegmentGen2
	}

	end := sd.Allocated
	if ephemeral {
		end = d.Allocated
	}
	s.ObjectRange = core.MemoryRange{Start: sd.Start, End: end}

	var committedStart core.Address
	switch {
	case s.Kind == SegmentFrozen:
		committedStart = sd.Start.Add(-h.ptrSize)
	case sd.Start&0x1fff == 0x1000:
		committedStart = sd.Start - 0x1000
	default:
		committedStart = sd.Start &^ 0xfff
	}
	s.CommittedMemory = core.MemoryRange{Start: committedStart, End: sd.Committed}
	s.ReservedMemory = core.MemoryRange{Start: sd.Committed, End: sd.Reserved}

	switch {
	case d.HasRegions:
		switch s.Kind {
		case SegmentGen0:
			s.Generation0 = s.ObjectRange
		case SegmentGen1:
			s.Generation1 = s.ObjectRange
		case SegmentGen2:
			s.Generation2 = s.ObjectRange
		}
	case s.Kind == SegmentEphemeral && len(d.Generations) >= 2:
		s.Generation0 = core.MemoryRange{Start: d.Generations[0].AllocationStart, End: end}
		s.Generation1 = core.MemoryRange{Start: d.Generations[1].AllocationStart, End: s.Generation0.Start}
		s.Generation2 = core.MemoryRange{Start: sd.Start, End: s.Generation1.Start}
	default:
		s.Generation2 = s.ObjectRange
	}

	s.markers = make([]atomic.Uint32, numMarkers(s.Length()))
	return s
}

// sortSegments orders segs by first object address, which
// GetSegmentByAddress relies on.
func sortSegments(segs []*Segment) {
	sort.Slice(segs, func(i, j int) bool {
		return segs[i].FirstObjectAddress() < segs[j].FirstObjectAddress()
	})
}

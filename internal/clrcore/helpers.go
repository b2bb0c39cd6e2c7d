// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"github.com/clrcore/clrcore/internal/core"
)

// Helpers supplies the runtime facts that cannot be derived from raw
// memory alone: method table metadata, the GC's bookkeeping structures,
// handles, threads and sync blocks. Implementations must be safe for
// concurrent use if the memory source is.
type Helpers interface {
	// PtrSize returns the target's pointer size in bytes.
	PtrSize() int64

	// MethodTable returns the metadata of the method table at mt.
	// It returns false if mt is not a method table.
	MethodTable(mt core.Address) (MethodTableData, bool)
	// MethodTables lists every method table the runtime knows about.
	MethodTables() []core.Address
	CommonMethodTables() CommonMethodTables

	// ServerMode reports whether the GC runs one sub-heap per core.
	ServerMode() bool
	// GCStructuresValid is false while a GC is rearranging the heap.
	GCStructuresValid() bool
	SubHeaps() []SubHeapData
	// Segment returns the segment descriptor stored at addr.
	Segment(addr core.Address) (SegmentData, bool)

	// ThreadAllocationContexts returns the unused tails of every
	// thread's allocation buffer.
	ThreadAllocationContexts() []core.MemoryRange
	DependentHandles() []DependentHandle
	Handles() []HandleData
	SyncBlocks() []SyncBlockData
	Threads() []ThreadData
	// ThreadFromThinlockID returns the address of the thread whose thin
	// lock id is id, or 0.
	ThreadFromThinlockID(id uint32) core.Address
}

// MethodTableData describes one method table.
type MethodTableData struct {
	Name                  string
	BaseSize              uint32
	ComponentSize         uint32
	ContainsPointers      bool
	Collectible           bool
	LoaderAllocatorHandle core.Address
	ElementType           ElementType
	Parent                core.Address

	// Array method tables only.
	ComponentMethodTable core.Address
	ComponentElementType ElementType

	Fields       []FieldData
	StaticFields []StaticFieldData
}

// FieldData describes an instance field. Offset is measured from the
// end of the method table pointer.
type FieldData struct {
	Name        string
	Offset      int64
	Size        int64 // 0 means derive it from ElementType
	ElementType ElementType
	MethodTable core.Address // type of the field's value, if known
}

type StaticFieldData struct {
	Name        string
	ElementType ElementType
	Address     core.Address
	MethodTable core.Address
}

// CommonMethodTables names the method tables the heap treats specially.
type CommonMethodTables struct {
	Free      core.Address
	Object    core.Address
	String    core.Address
	Exception core.Address
}

// Number of finalization fill pointers. Gen2, gen1 and gen0 finalizable
// objects live in [fp0,fp1), [fp1,fp2) and [fp2,fp3); objects ready for
// finalization in [fp3,fp5).
const FinalizationFillPointers = 7

// SubHeapData describes one GC heap. Workstation GCs have exactly one.
type SubHeapData struct {
	Index      int
	Address    core.Address
	HasRegions bool

	// Generations is indexed by generation number: 0, 1, 2, large (3)
	// and, if present, pinned (4).
	Generations      []GenerationData
	EphemeralSegment core.Address
	Allocated        core.Address // end of allocated memory in the ephemeral segment

	AllocationContext        core.MemoryRange
	FinalizationFillPointers []core.Address

	// Background GC state.
	MarkArray                  core.Address
	State                      GCState
	CurrentSweepPosition       core.Address
	SavedSweepEphemeralSegment core.Address
	SavedSweepEphemeralStart   core.Address
	BackgroundSavedLowest      core.Address
	BackgroundSavedHighest     core.Address
}

type GenerationData struct {
	StartSegment    core.Address
	AllocationStart core.Address
}

// SegmentData is the runtime's descriptor of one segment.
type SegmentData struct {
	Address             core.Address
	Start               core.Address // the segment header ends and objects begin here
	Allocated           core.Address
	Committed           core.Address
	Reserved            core.Address
	Next                core.Address
	BackgroundAllocated core.Address
	Flags               SegmentFlags
}

type DependentHandle struct {
	Source core.Address
	Target core.Address
}

type HandleData struct {
	Address   core.Address
	Object    core.Address
	Kind      HandleKind
	RefCount  uint32
	Dependent core.Address // secondary object of a dependent handle
}

type SyncBlockData struct {
	Object         core.Address
	Index          int
	MonitorHeld    bool
	HoldingThread  core.Address
	Recursion      uint32
	WaitingThreads int
	ComFlags       ComFlags
}

type ThreadData struct {
	Address         core.Address
	OSThreadID      uint32
	ManagedThreadID uint32
	IsAlive         bool
	AllocContext    core.MemoryRange
	StackRoots      []StackRootData
}

type StackRootData struct {
	Address  core.Address // stack slot
	Object   core.Address
	Interior bool
	Pinned   bool
}

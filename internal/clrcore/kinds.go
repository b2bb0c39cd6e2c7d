// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import "fmt"

// HandleKind is the kind of a GC handle, numbered as the runtime does.
type HandleKind uint8

const (
	HandleWeakShort   HandleKind = 0
	HandleWeakLong    HandleKind = 1
	HandleStrong      HandleKind = 2
	HandlePinned      HandleKind = 3
	HandleRefCounted  HandleKind = 5
	HandleDependent   HandleKind = 6
	HandleAsyncPinned HandleKind = 7
	HandleSizedRef    HandleKind = 8
	HandleWeakWinRT   HandleKind = 9
)

var handleKindNames = map[HandleKind]string{
	HandleWeakShort:   "WeakShort",
	HandleWeakLong:    "WeakLong",
	HandleStrong:      "Strong",
	HandlePinned:      "Pinned",
	HandleRefCounted:  "RefCounted",
	HandleDependent:   "Dependent",
	HandleAsyncPinned: "AsyncPinned",
	HandleSizedRef:    "SizedRef",
	HandleWeakWinRT:   "WeakWinRT",
}

func (k HandleKind) String() string {
	if s, ok := handleKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("HandleKind(%d)", uint8(k))
}

// ParseHandleKind is the inverse of String.
func ParseHandleKind(s string) (HandleKind, bool) {
	for k, name := range handleKindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// RootKind says why a root keeps its object alive.
type RootKind uint8

const (
	RootNone              RootKind = 0
	RootFinalizerQueue    RootKind = 1
	RootStrongHandle      RootKind = 2
	RootPinnedHandle      RootKind = 3
	RootStack             RootKind = 4
	RootRefCountedHandle  RootKind = 5
	RootAsyncPinnedHandle RootKind = 6
	RootSizedRefHandle    RootKind = 7
)

func (k RootKind) String() string {
	switch k {
	case RootNone:
		return "none"
	case RootFinalizerQueue:
		return "finalizer queue"
	case RootStrongHandle:
		return "strong handle"
	case RootPinnedHandle:
		return "pinned handle"
	case RootStack:
		return "stack"
	case RootRefCountedHandle:
		return "ref counted handle"
	case RootAsyncPinnedHandle:
		return "async pinned handle"
	case RootSizedRefHandle:
		return "sized ref handle"
	}
	return fmt.Sprintf("RootKind(%d)", uint8(k))
}

// GCState is the phase of an in-progress background GC.
type GCState uint8

const (
	GCMarking  GCState = 0
	GCPlanning GCState = 1
	GCFree     GCState = 2
)

func (s GCState) String() string {
	switch s {
	case GCMarking:
		return "marking"
	case GCPlanning:
		return "planning"
	case GCFree:
		return "free"
	}
	return fmt.Sprintf("GCState(%d)", uint8(s))
}

// SegmentFlags are the runtime's heap_segment flags.
type SegmentFlags uint32

const (
	SegmentReadOnly        SegmentFlags = 1
	SegmentInRange         SegmentFlags = 2
	SegmentLargeObjectHeap SegmentFlags = 8
	SegmentSwept           SegmentFlags = 16
	SegmentDecommitted     SegmentFlags = 32
	SegmentPinnedHeap      SegmentFlags = 512
)

// SegmentKind classifies a segment by what it holds.
type SegmentKind uint8

const (
	SegmentGen0 SegmentKind = iota
	SegmentGen1
	SegmentGen2
	SegmentLarge
	SegmentPinned
	SegmentFrozen
	SegmentEphemeral
)

var segmentKindNames = [...]string{"gen0", "gen1", "gen2", "large", "pinned", "frozen", "ephemeral"}

func (k SegmentKind) String() string {
	if int(k) < len(segmentKindNames) {
		return segmentKindNames[k]
	}
	return fmt.Sprintf("SegmentKind(%d)", uint8(k))
}

// Generation is the generation an object belongs to.
type Generation int8

const (
	GenerationUnknown Generation = -1
	Generation0       Generation = 0
	Generation1       Generation = 1
	Generation2       Generation = 2
	GenerationLarge   Generation = 3
	GenerationPinned  Generation = 4
	GenerationFrozen  Generation = 5
)

func (g Generation) String() string {
	switch g {
	case Generation0, Generation1, Generation2:
		return fmt.Sprintf("gen%d", int8(g))
	case GenerationLarge:
		return "large"
	case GenerationPinned:
		return "pinned"
	case GenerationFrozen:
		return "frozen"
	}
	return "unknown"
}

// ComFlags record which COM wrappers an object has.
type ComFlags uint8

const (
	ComCallableWrapper        ComFlags = 1
	ComRuntimeCallableWrapper ComFlags = 2
	ComComClassFactory        ComFlags = 4
)

// CorruptionKind classifies a problem found while verifying an object.
type CorruptionKind uint8

const (
	ObjectNotOnTheHeap CorruptionKind = iota + 1
	ObjectNotPointerAligned
	ObjectTooLarge
	InvalidMethodTable
	InvalidThinlock
	SyncBlockMismatch
	SyncBlockZero
	ObjectReferenceNotPointerAligned
	InvalidObjectReference
	FreeObjectReference
	CouldNotReadMethodTable
	CouldNotReadCardTable
	CouldNotReadObject
	CouldNotReadGCDesc
)

var corruptionNames = map[CorruptionKind]string{
	ObjectNotOnTheHeap:               "object not on the heap",
	ObjectNotPointerAligned:          "object not pointer aligned",
	ObjectTooLarge:                   "object too large",
	InvalidMethodTable:               "invalid method table",
	InvalidThinlock:                  "invalid thinlock",
	SyncBlockMismatch:                "sync block mismatch",
	SyncBlockZero:                    "sync block zero",
	ObjectReferenceNotPointerAligned: "object reference not pointer aligned",
	InvalidObjectReference:           "invalid object reference",
	FreeObjectReference:              "reference to free object",
	CouldNotReadMethodTable:          "could not read method table",
	CouldNotReadCardTable:            "could not read card table",
	CouldNotReadObject:               "could not read object",
	CouldNotReadGCDesc:               "could not read gcdesc",
}

func (k CorruptionKind) String() string {
	if s, ok := corruptionNames[k]; ok {
		return s
	}
	return fmt.Sprintf("CorruptionKind(%d)", uint8(k))
}

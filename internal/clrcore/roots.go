// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"fmt"
	"iter"

	"github.com/clrcore/clrcore/internal/core"
)

// A Root is a location outside the heap that keeps an object alive.
type Root struct {
	Address    core.Address // of the handle, stack slot or queue entry
	Object     Object
	Kind       RootKind
	IsInterior bool
	IsPinned   bool
}

func (r Root) String() string {
	return fmt.Sprintf("%s %x -> %v", r.Kind, uint64(r.Address), r.Object)
}

// A Handle is an entry of the runtime's handle table.
type Handle struct {
	Address   core.Address
	Object    Object
	Kind      HandleKind
	RefCount  uint32
	Dependent Object // secondary object of a dependent handle
}

// IsStrong reports whether h keeps its object alive.
func (h *Handle) IsStrong() bool {
	switch h.Kind {
	case HandleRefCounted:
		return h.RefCount > 0
	case HandleWeakShort, HandleWeakLong, HandleWeakWinRT, HandleDependent:
		return false
	}
	return true
}

func (h *Handle) IsPinned() bool {
	return h.Kind == HandlePinned || h.Kind == HandleAsyncPinned
}

// RootKind returns the kind of root h is, or RootNone for weak handles.
func (h *Handle) RootKind() RootKind {
	switch h.Kind {
	case HandleStrong:
		return RootStrongHandle
	case HandlePinned:
		return RootPinnedHandle
	case HandleAsyncPinned:
		return RootAsyncPinnedHandle
	case HandleSizedRef:
		return RootSizedRefHandle
	case HandleRefCounted:
		if h.RefCount > 0 {
			return RootRefCountedHandle
		}
	}
	return RootNone
}

// Root returns h as a root.
func (h *Handle) Root() Root {
	return Root{Address: h.Address, Object: h.Object, Kind: h.RootKind(), IsPinned: h.IsPinned()}
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s handle %x -> %v", h.Kind, uint64(h.Address), h.Object)
}

// A Thread is a managed thread of the runtime.
type Thread struct {
	Address         core.Address
	OSThreadID      uint32
	ManagedThreadID uint32
	IsAlive         bool
	AllocContext    core.MemoryRange

	heap  *Heap
	roots []StackRootData
}

// EnumerateStackRoots yields the objects referenced from t's stack.
// Interior pointers resolve to the object containing them.
func (t *Thread) EnumerateStackRoots() iter.Seq[Root] {
	return func(yield func(Root) bool) {
		for _, sr := range t.roots {
			obj := t.heap.GetObject(sr.Object)
			if sr.Interior && !obj.IsValid() {
				if o := t.heap.FindPreviousObjectOnSegment(sr.Object.Add(1), false); o.IsValid() {
					obj = o
				}
			}
			r := Root{Address: sr.Address, Object: obj, Kind: RootStack, IsInterior: sr.Interior, IsPinned: sr.Pinned}
			if !yield(r) {
				return
			}
		}
	}
}

// EnumerateRoots yields every root of the runtime: strong handles,
// with the buffers of async pinned handles expanded, then objects ready
// for finalization, then the stack roots of live threads.
func (h *Heap) EnumerateRoots() iter.Seq[Root] {
	return func(yield func(Root) bool) {
		for hd := range h.rt.EnumerateHandles() {
			if hd.IsStrong() && !yield(hd.Root()) {
				return
			}
			if hd.Kind == HandleAsyncPinned && hd.Object.IsValid() {
				if !h.asyncPinnedRoots(hd, yield) {
					return
				}
			}
		}
		for r := range h.EnumerateFinalizerRoots() {
			if !yield(r) {
				return
			}
		}
		for _, t := range h.rt.Threads() {
			if !t.IsAlive {
				continue
			}
			for r := range t.EnumerateStackRoots() {
				if !yield(r) {
					return
				}
			}
		}
	}
}

// asyncPinnedRoots yields the user buffer pinned by an overlapped I/O
// handle and, if it is an array of references, each of its elements.
func (h *Heap) asyncPinnedRoots(hd *Handle, yield func(Root) bool) bool {
	f := hd.Object.Type.FieldByName("m_userObject")
	if f == nil || f.Offset <= 0 {
		return true
	}
	addr := f.Address(hd.Object.Address, false)
	p, ok := h.mem.ReadPtr(addr)
	if !ok {
		return true
	}
	user := h.GetObject(p)
	if !user.IsValid() {
		return true
	}
	kind := hd.RootKind()
	if !yield(Root{Address: addr, Object: user, Kind: kind, IsPinned: true}) {
		return false
	}
	if !user.Type.IsArray() || !user.Type.ComponentElementType().IsObjectReference() {
		return true
	}
	n := user.Length()
	for i := 0; i < n; i++ {
		elem := user.Address.Add(2*h.ptrSize + int64(i)*h.ptrSize)
		p, ok := h.mem.ReadPtr(elem)
		if !ok {
			continue
		}
		obj := h.GetObject(p)
		if !obj.IsValid() {
			continue
		}
		if !yield(Root{Address: elem, Object: obj, Kind: kind, IsPinned: true}) {
			return false
		}
	}
	return true
}

// EnumerateFinalizerRoots yields the objects ready for finalization.
func (h *Heap) EnumerateFinalizerRoots() iter.Seq[Root] {
	return func(yield func(Root) bool) {
		for _, sh := range h.SubHeaps() {
			if !h.enumerateFinalizers(sh.FinalizerQueueRoots, yield) {
				return
			}
		}
	}
}

// EnumerateFinalizableObjects yields the objects registered for
// finalization that are not yet ready for it.
func (h *Heap) EnumerateFinalizableObjects() iter.Seq[Object] {
	return func(yield func(Object) bool) {
		for _, sh := range h.SubHeaps() {
			ok := h.enumerateFinalizers(sh.FinalizerQueueObjects, func(r Root) bool {
				return yield(r.Object)
			})
			if !ok {
				return
			}
		}
	}
}

func (h *Heap) enumerateFinalizers(r core.MemoryRange, yield func(Root) bool) bool {
	for p := r.Start; p < r.End; p = p.Add(h.ptrSize) {
		obj, ok := h.mem.ReadPtr(p)
		if !ok || obj == 0 {
			continue
		}
		t := h.GetObjectType(obj)
		if t == nil {
			continue
		}
		if !yield(Root{Address: p, Object: Object{Address: obj, Type: t, heap: h}, Kind: RootFinalizerQueue}) {
			return false
		}
	}
	return true
}

// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"fmt"
	"iter"
	"sort"
	"strings"

	"github.com/clrcore/clrcore/internal/core"
)

// A Reference is an edge of the object graph, as reported by
// EnumerateReferencesWithFields.
type Reference struct {
	// Object is the referenced object.
	Object Object
	// Field is the field of the referencing object holding the
	// reference. It is nil for array elements, dependent handles and
	// references the type's fields do not describe.
	Field *Field
	// Offset is the location of the reference within the referencing
	// object, measured from the end of its method table pointer.
	// It is -1 for dependent handles.
	Offset int64

	IsDependentHandle bool
}

// IsField reports whether r was found in a field.
func (r Reference) IsField() bool {
	return !r.IsDependentHandle && r.Field != nil
}

// IsArrayElement reports whether r is an element of an array.
func (r Reference) IsArrayElement() bool {
	return !r.IsDependentHandle && r.Field == nil
}

// InnerField returns the reference within the value type stored in
// r.Field, if r.Field holds a struct.
func (r Reference) InnerField() (Reference, bool) {
	if !r.IsField() {
		return Reference{}, false
	}
	ft := r.Field.Type()
	if ft == nil || !ft.IsValueType() {
		return Reference{}, false
	}
	off := r.Offset - r.Field.Offset
	f := findField(ft.Fields, off)
	if f == nil {
		return Reference{}, false
	}
	// Primitive wrappers contain themselves.
	if f == r.Field && f.Name == "m_value" {
		return Reference{}, false
	}
	return Reference{Object: r.Object, Field: f, Offset: off}, true
}

func (r Reference) String() string {
	target := fmt.Sprintf("%x %s", uint64(r.Object.Address), r.Object.TypeName())
	switch {
	case r.IsDependentHandle:
		return target + " (dependent handle)"
	case r.IsField():
		var b strings.Builder
		b.WriteString(r.Field.Name)
		for inner, ok := r.InnerField(); ok; inner, ok = inner.InnerField() {
			b.WriteByte('.')
			b.WriteString(inner.Field.Name)
		}
		b.WriteString(" = ")
		b.WriteString(target)
		return b.String()
	}
	return target
}

// findField returns the field covering off, or else the field starting
// closest before it, for fields whose size is unknown.
func findField(fields []Field, off int64) *Field {
	var best *Field
	for i := range fields {
		f := &fields[i]
		if f.Offset <= off && off < f.Offset+f.Size {
			return f
		}
		if f.Offset <= off && (best == nil || best.Offset < f.Offset) {
			best = f
		}
	}
	return best
}

// dependentTargets returns the targets of all dependent handles whose
// source is obj.
func (h *Heap) dependentTargets(obj core.Address) []DependentHandle {
	d := h.dependentHandles()
	i := sort.Search(len(d), func(i int) bool { return d[i].Source >= obj })
	j := i
	for j < len(d) && d[j].Source == obj {
		j++
	}
	return d[i:j]
}

// readReferences reads the bytes of obj that may hold references.
// It returns nil if obj has none or, when carefully is set, if obj does
// not fit its segment.
func (h *Heap) readReferences(obj core.Address, t *Type, carefully bool) ([]byte, bool) {
	if !t.ContainsPointers || t.GCDesc().IsEmpty() {
		return nil, false
	}
	size := h.GetObjectSize(obj, t)
	seg := h.GetSegmentByAddress(obj)
	if carefully {
		if seg == nil {
			return nil, false
		}
		if obj.Add(size) > seg.End() || (!seg.IsLargeOrPinned() && size > largeObjectSize) {
			h.log.Debugf("object %x of size %d does not fit %v", obj, size, seg)
			return nil, false
		}
	}
	size = boundObjectSize(seg, obj, size)
	if size <= h.ptrSize {
		return nil, false
	}
	buf := make([]byte, size)
	n := h.mem.Read(obj, buf)
	if int64(n) <= h.ptrSize {
		return nil, false
	}
	return buf[:n], true
}

// boundObjectSize limits size, which may come from a clobbered length,
// to what the object's segment can hold.
func boundObjectSize(seg *Segment, obj core.Address, size int64) int64 {
	limit := int64(largeObjectSize)
	if seg != nil {
		limit = min(seg.End().Sub(obj), seg.MaxObjectSize())
	}
	return max(min(size, limit), 0)
}

// EnumerateObjectReferences yields the objects obj, of type t, refers
// to: dependent handle targets first if considerDependent is set, then
// the loader allocator of a collectible type, then the references
// stored in obj.
func (h *Heap) EnumerateObjectReferences(obj core.Address, t *Type, carefully, considerDependent bool) iter.Seq[Object] {
	if t == nil {
		panic("EnumerateObjectReferences of object with no type")
	}
	return func(yield func(Object) bool) {
		if considerDependent {
			for _, d := range h.dependentTargets(obj) {
				if !yield(h.GetObject(d.Target)) {
					return
				}
			}
		}
		if t.IsCollectible {
			if la, ok := h.mem.ReadPtr(t.LoaderAllocatorHandle); ok && la != 0 {
				if !yield(h.GetObject(la)) {
					return
				}
			}
		}
		buf, ok := h.readReferences(obj, t, carefully)
		if !ok {
			return
		}
		for ref := range t.GCDesc().Walk(buf, len(buf)) {
			if !yield(h.GetObject(ref)) {
				return
			}
		}
	}
}

// EnumerateReferencesWithFields is like EnumerateObjectReferences but
// says where each reference was found. Loader allocators are not reported.
func (h *Heap) EnumerateReferencesWithFields(obj core.Address, t *Type, carefully, considerDependent bool) iter.Seq[Reference] {
	if t == nil {
		panic("EnumerateReferencesWithFields of object with no type")
	}
	return func(yield func(Reference) bool) {
		if considerDependent {
			for _, d := range h.dependentTargets(obj) {
				if !yield(Reference{Object: h.GetObject(d.Target), Offset: -1, IsDependentHandle: true}) {
					return
				}
			}
		}
		buf, ok := h.readReferences(obj, t, carefully)
		if !ok {
			return
		}
		for ref, off := range t.GCDesc().Walk(buf, len(buf)) {
			off := int64(off) - h.ptrSize
			r := Reference{Object: h.GetObject(ref), Field: findField(t.Fields, off), Offset: off}
			if !yield(r) {
				return
			}
		}
	}
}

// EnumerateReferenceAddresses yields the raw addresses obj refers to.
// Loader allocators are not reported.
func (h *Heap) EnumerateReferenceAddresses(obj core.Address, t *Type, carefully, considerDependent bool) iter.Seq[core.Address] {
	if t == nil {
		panic("EnumerateReferenceAddresses of object with no type")
	}
	return func(yield func(core.Address) bool) {
		if considerDependent {
			for _, d := range h.dependentTargets(obj) {
				if !yield(d.Target) {
					return
				}
			}
		}
		buf, ok := h.readReferences(obj, t, carefully)
		if !ok {
			return
		}
		for ref := range t.GCDesc().Walk(buf, len(buf)) {
			if !yield(ref) {
				return
			}
		}
	}
}

// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"iter"
	"sort"

	"github.com/clrcore/clrcore/internal/core"
)

// A reverseIndex records, for every object, where the references to it live.
type reverseIndex struct {
	objs []core.Address // all walkable objects, sorted
	// The reverse edges of objs[i] are redge[ridx[i]:ridx[i+1]].
	redge []reverseEdge
	ridx  []int64
	roots []Root
}

// A reverseEdge is an object holding a reference, or a root if root >= 0.
type reverseEdge struct {
	src  core.Address
	off  int64
	root int
}

func (x *reverseIndex) find(a core.Address) (int, bool) {
	i := sort.Search(len(x.objs), func(i int) bool { return x.objs[i] >= a })
	return i, i < len(x.objs) && x.objs[i] == a
}

func (h *Heap) reverseIndex() *reverseIndex {
	return publish(&h.reverse, func() *reverseIndex {
		x := &reverseIndex{}
		for obj := range h.EnumerateObjects(false) {
			if obj.IsValid() && !obj.IsFree() {
				x.objs = append(x.objs, obj.Address)
			}
		}
		for r := range h.EnumerateRoots() {
			x.roots = append(x.roots, r)
		}

		// First, count the number of edges into each object.
		// This allows for efficient packing of the reverse edge storage.
		cnt := make([]int64, len(x.objs)+1)
		h.forEachEdge(x, func(dst int, _ reverseEdge) {
			cnt[dst]++
		})

		// Compute cumulative count of all incoming edges up to and including each object.
		var n int64
		for i, c := range cnt {
			n += c
			cnt[i] = n
		}
		x.redge = make([]reverseEdge, n)

		h.forEachEdge(x, func(dst int, e reverseEdge) {
			cnt[dst]--
			x.redge[cnt[dst]] = e
		})
		// cnt now holds the count of edges up to but not including each object.
		x.ridx = cnt
		h.log.Debugf("built reverse index of %d objects, %d edges", len(x.objs), n)
		return x
	})
}

// forEachEdge calls fn for every reference from an object or root to an
// indexed object.
func (h *Heap) forEachEdge(x *reverseIndex, fn func(dst int, e reverseEdge)) {
	for _, a := range x.objs {
		obj := h.GetObject(a)
		if !obj.IsValid() {
			continue
		}
		for ref := range obj.EnumerateReferencesWithFields(false, true) {
			if i, ok := x.find(ref.Object.Address); ok {
				fn(i, reverseEdge{src: a, off: ref.Offset, root: -1})
			}
		}
	}
	for ri, r := range x.roots {
		if i, ok := x.find(r.Object.Address); ok {
			fn(i, reverseEdge{src: r.Address, root: ri})
		}
	}
}

// A Referrer is a place holding a reference to an object: a field or
// element of another object, or a root.
type Referrer struct {
	Object Object // the zero Object for roots
	Root   *Root
	// Offset of the reference within Object, from the end of its method
	// table pointer; -1 for dependent handles.
	Offset int64
}

// Referrers yields every object and root referring to obj.
// The first call walks the entire heap to build an index, which is
// kept until FlushCachedData.
func (h *Heap) Referrers(obj core.Address) iter.Seq[Referrer] {
	return func(yield func(Referrer) bool) {
		x := h.reverseIndex()
		i, ok := x.find(obj)
		if !ok {
			return
		}
		for _, e := range x.redge[x.ridx[i]:x.ridx[i+1]] {
			var r Referrer
			if e.root >= 0 {
				r = Referrer{Root: &x.roots[e.root]}
			} else {
				r = Referrer{Object: h.GetObject(e.src), Offset: e.off}
			}
			if !yield(r) {
				return
			}
		}
	}
}

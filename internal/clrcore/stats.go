// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"iter"
	"sort"
	"sync"
)

// A Statistic is a named number of bytes, possibly broken down into
// child statistics whose values sum to it.
type Statistic struct {
	Name  string
	Value int64

	children map[string]*Statistic
}

func leafStat(name string, value int64) *Statistic {
	return &Statistic{Name: name, Value: value}
}

func groupStat(name string, children ...*Statistic) *Statistic {
	var cmap map[string]*Statistic
	var value int64
	if len(children) != 0 {
		cmap = make(map[string]*Statistic)
		for _, child := range children {
			cmap[child.Name] = child
			value += child.Value
		}
	}
	return &Statistic{
		Name:     name,
		Value:    value,
		children: cmap,
	}
}

// Sub returns the descendant of s reached by following the names in chain.
func (s *Statistic) Sub(chain ...string) *Statistic {
	for _, name := range chain {
		if s == nil {
			return nil
		}
		s = s.children[name]
	}
	return s
}

// Children yields the children of s ordered by name.
func (s *Statistic) Children() iter.Seq[*Statistic] {
	return func(yield func(*Statistic) bool) {
		names := make([]string, 0, len(s.children))
		for name := range s.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if !yield(s.children[name]) {
				return
			}
		}
	}
}

// segmentUsage is what a walk of one segment found.
type segmentUsage struct {
	live, free int64
	types      map[*Type]*TypeStat
}

func (h *Heap) segmentUsage(seg *Segment, carefully bool) segmentUsage {
	u := segmentUsage{types: map[*Type]*TypeStat{}}
	for obj := range h.EnumerateSegmentObjects(seg, seg.FirstObjectAddress(), carefully) {
		if obj.Type == nil {
			continue
		}
		size := h.align(obj.Size(), seg)
		if obj.IsFree() {
			u.free += size
			continue
		}
		u.live += size
		ts := u.types[obj.Type]
		if ts == nil {
			ts = &TypeStat{Type: obj.Type}
			u.types[obj.Type] = ts
		}
		ts.Count++
		ts.Bytes += size
	}
	return u
}

// usage walks every segment, concurrently if the memory source allows it.
func (h *Heap) usage(carefully bool) []segmentUsage {
	segs := h.Segments()
	res := make([]segmentUsage, len(segs))
	if !h.rt.ThreadSafe() {
		for i, seg := range segs {
			res[i] = h.segmentUsage(seg, carefully)
		}
		return res
	}
	var wg sync.WaitGroup
	for i, seg := range segs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res[i] = h.segmentUsage(seg, carefully)
		}()
	}
	wg.Wait()
	return res
}

// Stats breaks the heap's memory down by segment kind into live
// objects, free objects and space not covered by either.
func (h *Heap) Stats(carefully bool) *Statistic {
	segs := h.Segments()
	usage := h.usage(carefully)
	byKind := map[SegmentKind][3]int64{}
	for i, seg := range segs {
		u := usage[i]
		v := byKind[seg.Kind]
		v[0] += u.live
		v[1] += u.free
		v[2] += seg.Length() - u.live - u.free
		byKind[seg.Kind] = v
	}
	var kinds []*Statistic
	for kind, v := range byKind {
		other := v[2]
		if other < 0 {
			other = 0
		}
		kinds = append(kinds, groupStat(kind.String(),
			leafStat("live", v[0]),
			leafStat("free", v[1]),
			leafStat("other", other),
		))
	}
	if len(kinds) == 0 {
		return leafStat("heap", 0)
	}
	return groupStat("heap", kinds...)
}

// A TypeStat counts the live objects of one type.
type TypeStat struct {
	Type  *Type
	Count int64
	Bytes int64
}

// Histogram returns the number and total size of live objects of each
// type, largest total first.
func (h *Heap) Histogram(carefully bool) []*TypeStat {
	all := map[*Type]*TypeStat{}
	for _, u := range h.usage(carefully) {
		for t, ts := range u.types {
			if a := all[t]; a != nil {
				a.Count += ts.Count
				a.Bytes += ts.Bytes
				continue
			}
			all[t] = ts
		}
	}
	res := make([]*TypeStat, 0, len(all))
	for _, ts := range all {
		res = append(res, ts)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Bytes != res[j].Bytes {
			return res[i].Bytes > res[j].Bytes
		}
		return res[i].Type.Name < res[j].Type.Name
	})
	return res
}

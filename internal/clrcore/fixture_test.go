// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"iter"
	"slices"
	"testing"

	"github.com/clrcore/clrcore/internal/core"
	"github.com/clrcore/clrcore/internal/gcdesc"
)

// fakeHelpers serves runtime facts from plain data.
type fakeHelpers struct {
	ptrSize    int64
	mts        map[core.Address]MethodTableData
	mtOrder    []core.Address
	common     CommonMethodTables
	server     bool
	invalid    bool
	subHeaps   []SubHeapData
	segments   map[core.Address]SegmentData
	allocCtx   []core.MemoryRange
	dependent  []DependentHandle
	handles    []HandleData
	syncBlocks []SyncBlockData
	threads    []ThreadData
	thinlocks  map[uint32]core.Address
}

func (f *fakeHelpers) PtrSize() int64 { return f.ptrSize }

func (f *fakeHelpers) MethodTable(mt core.Address) (MethodTableData, bool) {
	d, ok := f.mts[mt]
	return d, ok
}

func (f *fakeHelpers) MethodTables() []core.Address               { return f.mtOrder }
func (f *fakeHelpers) CommonMethodTables() CommonMethodTables      { return f.common }
func (f *fakeHelpers) ServerMode() bool                            { return f.server }
func (f *fakeHelpers) GCStructuresValid() bool                     { return !f.invalid }
func (f *fakeHelpers) SubHeaps() []SubHeapData                     { return f.subHeaps }
func (f *fakeHelpers) ThreadAllocationContexts() []core.MemoryRange { return f.allocCtx }
func (f *fakeHelpers) DependentHandles() []DependentHandle         { return f.dependent }
func (f *fakeHelpers) Handles() []HandleData                       { return f.handles }
func (f *fakeHelpers) SyncBlocks() []SyncBlockData                 { return f.syncBlocks }
func (f *fakeHelpers) Threads() []ThreadData                       { return f.threads }

func (f *fakeHelpers) Segment(addr core.Address) (SegmentData, bool) {
	d, ok := f.segments[addr]
	return d, ok
}

func (f *fakeHelpers) ThreadFromThinlockID(id uint32) core.Address {
	return f.thinlocks[id]
}

const (
	mtArea     = 0x100000 // method tables and their GC descriptors
	mtAreaSize = 0x10000
)

// A fixture assembles a synthetic runtime: method tables with GC
// descriptors, segments and objects, all in one core.Image.
type fixture struct {
	t   *testing.T
	ptr int64
	im  *core.Image
	h   *fakeHelpers

	nextMT  core.Address
	nextSeg core.Address
	sub     SubHeapData
	chains  map[int][]core.Address

	free, object, str core.Address
}

func newFixture(t *testing.T, ptrSize int64) *fixture {
	f := &fixture{
		t:       t,
		ptr:     ptrSize,
		im:      core.NewImage(ptrSize, nil),
		nextMT:  mtArea + 0x100,
		nextSeg: 0x900000,
		chains:  map[int][]core.Address{},
		h: &fakeHelpers{
			ptrSize:   ptrSize,
			mts:       map[core.Address]MethodTableData{},
			segments:  map[core.Address]SegmentData{},
			thinlocks: map[uint32]core.Address{},
		},
	}
	f.mapMem(mtArea, mtAreaSize)
	p := int(ptrSize)
	f.free = f.addType(MethodTableData{Name: "Free", BaseSize: uint32(3 * p), ComponentSize: 1, ElementType: ElementClass}, nil)
	f.object = f.addType(MethodTableData{Name: "System.Object", BaseSize: uint32(3 * p), ElementType: ElementClass}, nil)
	f.str = f.addType(MethodTableData{Name: "System.String", BaseSize: uint32(2*p + 4), ComponentSize: 2, ElementType: ElementString}, nil)
	f.h.common = CommonMethodTables{Free: f.free, Object: f.object, String: f.str}
	return f
}

func (f *fixture) mapMem(start core.Address, size int64) {
	if err := f.im.Map(start, size); err != nil {
		f.t.Fatal(err)
	}
}

// addType registers a method table. refs are the offsets, from the
// start of the object, of its reference fields.
func (f *fixture) addType(d MethodTableData, refs []int) core.Address {
	var desc gcdesc.GCDesc
	if len(refs) > 0 {
		desc = gcdesc.Fields(int(f.ptr), int(d.BaseSize), refs)
		d.ContainsPointers = true
	}
	return f.addTypeDesc(d, desc)
}

// addArrayType registers an array whose elements are references.
func (f *fixture) addArrayType(name string, elem core.Address) core.Address {
	p := int(f.ptr)
	d := MethodTableData{
		Name:                 name,
		BaseSize:             uint32(3 * p),
		ComponentSize:        uint32(p),
		ElementType:          ElementSZArray,
		ContainsPointers:     true,
		ComponentMethodTable: elem,
		ComponentElementType: ElementClass,
	}
	return f.addTypeDesc(d, gcdesc.Array(p, 3*p))
}

func (f *fixture) addTypeDesc(d MethodTableData, desc gcdesc.GCDesc) core.Address {
	n := int64(len(desc.Bytes()))
	mt := f.nextMT.Add(n).Align(16)
	if n > 0 && !f.im.Write(mt.Add(-n), desc.Bytes()) {
		f.t.Fatalf("could not write gcdesc of %s", d.Name)
	}
	f.nextMT = mt.Add(16)
	f.h.mts[mt] = d
	f.h.mtOrder = append(f.h.mtOrder, mt)
	return mt
}

// obj writes the header of an object of type mt at a. length is
// written for arrays and strings.
func (f *fixture) obj(a, mt core.Address, length uint32) core.Address {
	if !f.im.WritePtr(a, mt) {
		f.t.Fatalf("could not write object at %x", a)
	}
	if f.h.mts[mt].ComponentSize != 0 {
		f.im.WriteUint32(a.Add(f.ptr), length)
	}
	return a
}

// freeObj fills [a, end) with a free object.
func (f *fixture) freeObj(a, end core.Address) {
	f.obj(a, f.free, uint32(end.Sub(a)-3*f.ptr))
}

func (f *fixture) ptrAt(a, v core.Address) {
	if !f.im.WritePtr(a, v) {
		f.t.Fatalf("could not write pointer at %x", a)
	}
}

// segment adds a segment of generation gen whose objects are in
// [start, allocated). The memory is mapped by the caller.
func (f *fixture) segment(gen int, start, allocated core.Address, flags SegmentFlags) core.Address {
	addr := f.nextSeg
	f.nextSeg += 0x100
	f.h.segments[addr] = SegmentData{
		Address:   addr,
		Start:     start,
		Allocated: allocated,
		Committed: allocated.Align(0x1000),
		Reserved:  allocated.Align(0x1000) + 0x10000,
		Flags:     flags,
	}
	if c := f.chains[gen]; len(c) > 0 {
		prev := f.h.segments[c[len(c)-1]]
		prev.Next = addr
		f.h.segments[prev.Address] = prev
	}
	f.chains[gen] = append(f.chains[gen], addr)
	return addr
}

// runtime finishes the single sub-heap and returns the runtime.
func (f *fixture) runtime() *Runtime {
	gens := make([]GenerationData, 4)
	if len(f.chains[4]) > 0 {
		gens = make([]GenerationData, 5)
	}
	for g := range gens {
		if c := f.chains[g]; len(c) > 0 {
			gens[g].StartSegment = c[0]
		}
	}
	f.sub.Generations = gens
	f.h.subHeaps = []SubHeapData{f.sub}
	rt, err := Core(f.im, f.h)
	if err != nil {
		f.t.Fatal(err)
	}
	return rt
}

// objSize is the walk size of an object of type mt with length elements.
func (f *fixture) objSize(mt core.Address, length uint32) int64 {
	d := f.h.mts[mt]
	n := int64(length)
	if mt == f.str {
		n++
	}
	size := int64(d.BaseSize)
	if d.ComponentSize != 0 {
		size += n * int64(d.ComponentSize)
	}
	mask := int64(7)
	if f.ptr == 4 {
		mask = 3
	}
	size = (size + mask) &^ mask
	if size < 3*f.ptr {
		size = 3 * f.ptr
	}
	return size
}

type placed struct {
	mt     core.Address
	length uint32
}

// place lays objs out back to back from a. It returns their addresses
// and the end of the last one.
func (f *fixture) place(a core.Address, objs ...placed) ([]core.Address, core.Address) {
	var res []core.Address
	for _, o := range objs {
		f.obj(a, o.mt, o.length)
		res = append(res, a)
		a = a.Add(f.objSize(o.mt, o.length))
	}
	return res, a
}

func collect(seq iter.Seq[Object]) []Object {
	return slices.Collect(seq)
}

func addrs(objs []Object) []core.Address {
	var r []core.Address
	for _, o := range objs {
		r = append(r, o.Address)
	}
	return r
}

// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package snapshot

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/sirupsen/logrus"

	"github.com/clrcore/clrcore/internal/clrcore"
	"github.com/clrcore/clrcore/internal/core"
	"github.com/clrcore/clrcore/internal/gcdesc"
)

const (
	// Size of the method table area and of the data area after it.
	areaSize = 0x100000

	// Header bit saying the low bits hold a sync block index.
	syncBlockIndexBit = 0x08000000

	threadSize     = 0x100
	descriptorSize = 0x80
)

func defaultScratch(ptrSize int64) core.Address {
	if ptrSize == 4 {
		return 0x7f000000
	}
	return 0x7f0000000000
}

type typeInfo struct {
	spec *typeSpec
	elem clrcore.ElementType
	mt   core.Address
	desc gcdesc.GCDesc
	data clrcore.MethodTableData
}

func (t *typeInfo) isArray() bool {
	return t.elem == clrcore.ElementSZArray || t.elem == clrcore.ElementArray
}

type placedObj struct {
	spec   *objectSpec // nil for filler free objects
	addr   core.Address
	t      *typeInfo
	length uint32
}

// A builder materializes a file into a Snapshot in phases: types,
// layout, scratch allocation, mapping and finally writing memory.
type builder struct {
	f   *file
	s   *Snapshot
	log *logrus.Entry
	ptr int64

	types    map[string]*typeInfo
	typeList []*typeInfo
	free     *typeInfo

	mtNext, mtEnd     core.Address
	dataNext, dataEnd core.Address

	ranges    []core.MemoryRange
	placed    []placedObj
	ephemeral []*segmentSpec        // per heap
	headers   map[core.Address]bool // objects with an explicit header
	writes    []func() error
}

func newBuilder(f *file, dir string, log *logrus.Entry) (*builder, error) {
	ptr := int64(f.PtrSize)
	if ptr == 0 {
		ptr = 8
	}
	if ptr != 4 && ptr != 8 {
		return nil, fmt.Errorf("unsupported pointer size %d", ptr)
	}
	s := &Snapshot{
		ptrSize:   ptr,
		server:    f.Server,
		invalid:   f.GCInProgress,
		mts:       map[core.Address]clrcore.MethodTableData{},
		mtByName:  map[string]core.Address{},
		segments:  map[core.Address]clrcore.SegmentData{},
		thinlocks: map[uint32]core.Address{},
		objects:   map[string]core.Address{},
	}

	var base core.Reader
	if f.Core != "" {
		path, basedir := f.Core, f.Base
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if basedir != "" && !filepath.IsAbs(basedir) {
			basedir = filepath.Join(dir, basedir)
		}
		p, err := core.Core(path, basedir)
		if err != nil {
			return nil, fmt.Errorf("loading core file: %w", err)
		}
		if p.PtrSize() != ptr {
			return nil, fmt.Errorf("core file has %d-byte pointers, snapshot has %d", p.PtrSize(), ptr)
		}
		for _, w := range p.Warnings() {
			log.Warnf("core file: %s", w)
		}
		s.process = p
		base = p
	}
	s.mem = core.NewImage(ptr, base)

	b := &builder{
		f:       f,
		s:       s,
		log:     log,
		ptr:     ptr,
		types:   map[string]*typeInfo{},
		headers: map[core.Address]bool{},
	}
	scratch := defaultScratch(ptr)
	if !f.Scratch.IsZero() {
		v, err := b.number(f.Scratch)
		if err != nil {
			return nil, fmt.Errorf("scratch: %w", err)
		}
		scratch = core.Address(v).Align(0x1000)
	}
	b.mtNext, b.mtEnd = scratch, scratch.Add(areaSize)
	b.dataNext, b.dataEnd = b.mtEnd, b.mtEnd.Add(areaSize)
	b.ranges = append(b.ranges, core.MemoryRange{Start: scratch, End: b.dataEnd})
	return b, nil
}

func (b *builder) build() error {
	if err := b.defineTypes(); err != nil {
		return err
	}
	// Every object is placed before anything refers to one.
	for i := range b.f.Heaps {
		if err := b.layoutHeap(i, &b.f.Heaps[i]); err != nil {
			return fmt.Errorf("heap %d: %w", i, err)
		}
	}
	for i := range b.f.Heaps {
		if err := b.finishHeap(&b.s.subHeaps[i], &b.f.Heaps[i], b.ephemeral[i]); err != nil {
			return fmt.Errorf("heap %d: %w", i, err)
		}
	}
	for _, step := range []func() error{
		b.finishTypes, b.handles, b.threads, b.syncBlocks, b.memory, b.mapMemory,
	} {
		if err := step(); err != nil {
			return err
		}
	}
	if err := b.writeTypes(); err != nil {
		return err
	}
	if err := b.writeObjects(); err != nil {
		return err
	}
	for _, w := range b.writes {
		if err := w(); err != nil {
			return err
		}
	}
	b.s.nobjects = len(b.placed)
	b.log.Debugf("materialized %d types and %d objects in %d regions", len(b.typeList), len(b.placed), len(b.s.mem.Regions()))
	return nil
}

// number resolves a value that may not name objects.
func (b *builder) number(v Value) (uint64, error) {
	return v.resolve(func(string) (uint64, bool) { return 0, false })
}

// value resolves a value that may name objects laid out so far.
func (b *builder) value(v Value) (uint64, error) {
	return v.resolve(func(id string) (uint64, bool) {
		a, ok := b.s.objects[id]
		return uint64(a), ok
	})
}

func (b *builder) address(v Value) (core.Address, error) {
	n, err := b.value(v)
	return core.Address(n), err
}

// alloc takes n bytes, pointer aligned, from the data area.
func (b *builder) alloc(n int64) (core.Address, error) {
	a := b.dataNext.Align(b.ptr)
	if a.Add(n) > b.dataEnd {
		return 0, fmt.Errorf("scratch area exhausted")
	}
	b.dataNext = a.Add(n)
	return a, nil
}

// slot allocates a pointer-sized slot holding v once memory is mapped.
func (b *builder) slot(v core.Address) (core.Address, error) {
	a, err := b.alloc(b.ptr)
	if err != nil {
		return 0, err
	}
	b.writes = append(b.writes, func() error { return b.writePtr(a, v) })
	return a, nil
}

func (b *builder) writePtr(a, v core.Address) error {
	if !b.s.mem.WritePtr(a, v) {
		return fmt.Errorf("could not write %x at %x", v, a)
	}
	return nil
}

// Types

func parseElement(name string, def clrcore.ElementType) (clrcore.ElementType, error) {
	if name == "" {
		return def, nil
	}
	e, ok := clrcore.ParseElementType(name)
	if !ok {
		return 0, fmt.Errorf("unknown element type %q", name)
	}
	return e, nil
}

// defineTypes creates every type, including the common ones the file
// leaves out, and computes their descriptors.
func (b *builder) defineTypes() error {
	p := uint32(b.ptr)
	c := &b.f.Common
	defaults := []struct {
		name *string
		def  string
		spec typeSpec
	}{
		{&c.Free, "Free", typeSpec{BaseSize: 3 * p, ComponentSize: 1, Element: "Class"}},
		{&c.Object, "System.Object", typeSpec{BaseSize: 3 * p}},
		{&c.String, "System.String", typeSpec{BaseSize: 2*p + 4, ComponentSize: 2, Element: "String"}},
		{&c.Exception, "System.Exception", typeSpec{BaseSize: 3 * p}},
	}
	specs := make([]*typeSpec, 0, len(b.f.Types)+len(defaults))
	for i := range b.f.Types {
		specs = append(specs, &b.f.Types[i])
	}
	names := map[string]bool{}
	for _, s := range specs {
		names[s.Name] = true
	}
	for _, d := range defaults {
		if *d.name == "" {
			*d.name = d.def
		}
		if !names[*d.name] {
			spec := d.spec
			spec.Name = *d.name
			specs = append(specs, &spec)
			names[spec.Name] = true
		}
	}

	for _, s := range specs {
		if s.Name == "" {
			return fmt.Errorf("type with no name")
		}
		if b.types[s.Name] != nil {
			return fmt.Errorf("type %s defined twice", s.Name)
		}
		def := clrcore.ElementClass
		if s.ComponentSize != 0 || s.Component != "" || s.ComponentElement != "" {
			def = clrcore.ElementSZArray
		}
		e, err := parseElement(s.Element, def)
		if err != nil {
			return fmt.Errorf("type %s: %w", s.Name, err)
		}
		t := &typeInfo{spec: s, elem: e}
		b.types[s.Name] = t
		b.typeList = append(b.typeList, t)
	}
	b.free = b.types[c.Free]

	for _, t := range b.typeList {
		if err := b.sizeType(t); err != nil {
			return fmt.Errorf("type %s: %w", t.spec.Name, err)
		}
	}
	for _, t := range b.typeList {
		d, err := b.gcdesc(t)
		if err != nil {
			return fmt.Errorf("type %s: %w", t.spec.Name, err)
		}
		t.desc = d
		n := int64(len(d.Bytes()))
		mt := b.mtNext.Add(n).Align(16)
		if mt.Add(16) > b.mtEnd {
			return fmt.Errorf("method table area exhausted")
		}
		t.mt = mt
		b.mtNext = mt.Add(16)
		b.s.mtByName[t.spec.Name] = mt
		b.s.mtOrder = append(b.s.mtOrder, mt)
		b.log.Debugf("type %s at %x", t.spec.Name, mt)
	}
	b.s.common = clrcore.CommonMethodTables{
		Free:      b.types[c.Free].mt,
		Object:    b.types[c.Object].mt,
		String:    b.types[c.String].mt,
		Exception: b.types[c.Exception].mt,
	}
	return nil
}

// sizeType fills in sizes the file leaves out.
func (b *builder) sizeType(t *typeInfo) error {
	s := t.spec
	p := b.ptr
	if t.isArray() && s.ComponentSize == 0 {
		ce, err := parseElement(s.ComponentElement, clrcore.ElementClass)
		if err != nil {
			return err
		}
		switch {
		case ce == clrcore.ElementStruct:
			c := b.types[s.Component]
			if c == nil {
				return fmt.Errorf("unknown component type %q", s.Component)
			}
			if c.spec.BaseSize == 0 {
				return fmt.Errorf("struct component %s needs a base size", c.spec.Name)
			}
			s.ComponentSize = c.spec.BaseSize - uint32(2*p)
		default:
			s.ComponentSize = uint32(ce.Size(p))
		}
	}
	if s.BaseSize != 0 {
		return nil
	}
	if t.isArray() {
		s.BaseSize = uint32(3 * p)
		return nil
	}
	var end int64
	for _, f := range s.Fields {
		size, err := b.fieldSize(f)
		if err != nil {
			return err
		}
		if e := f.Offset + size; e > end {
			end = e
		}
	}
	size := 2*p + (end+p-1)&^(p-1)
	if size < 3*p {
		size = 3 * p
	}
	s.BaseSize = uint32(size)
	return nil
}

func (b *builder) fieldSize(f fieldSpec) (int64, error) {
	if f.Size != 0 {
		return f.Size, nil
	}
	e, err := parseElement(f.Type, clrcore.ElementClass)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", f.Name, err)
	}
	if e != clrcore.ElementStruct {
		return e.Size(b.ptr), nil
	}
	c := b.types[f.Class]
	if c == nil || c.spec.BaseSize == 0 {
		return 0, fmt.Errorf("field %s: struct %q needs a size", f.Name, f.Class)
	}
	return int64(c.spec.BaseSize) - 2*b.ptr, nil
}

// fieldRefs returns the offsets of the reference slots of a value of
// type t whose fields start at base.
func (b *builder) fieldRefs(t *typeInfo, base int64, depth int) ([]int, error) {
	if depth > 8 {
		return nil, fmt.Errorf("struct fields nest too deeply")
	}
	var r []int
	for _, f := range t.spec.Fields {
		e, err := parseElement(f.Type, clrcore.ElementClass)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		switch {
		case e.IsObjectReference():
			r = append(r, int(base+f.Offset))
		case e == clrcore.ElementStruct:
			c := b.types[f.Class]
			if c == nil {
				return nil, fmt.Errorf("field %s: unknown struct %q", f.Name, f.Class)
			}
			sub, err := b.fieldRefs(c, base+f.Offset, depth+1)
			if err != nil {
				return nil, err
			}
			r = append(r, sub...)
		}
	}
	return r, nil
}

func (b *builder) gcdesc(t *typeInfo) (gcdesc.GCDesc, error) {
	p := int(b.ptr)
	s := t.spec
	empty := gcdesc.New(nil, p)
	if s.Refs != nil {
		for _, off := range s.Refs {
			if off%p != 0 || off < p {
				return empty, fmt.Errorf("bad reference offset %d", off)
			}
		}
		return gcdesc.Fields(p, int(s.BaseSize), s.Refs), nil
	}
	if t.isArray() {
		ce, err := parseElement(s.ComponentElement, clrcore.ElementClass)
		if err != nil {
			return empty, err
		}
		if ce.IsObjectReference() {
			return gcdesc.Array(p, int(s.BaseSize)), nil
		}
		if ce != clrcore.ElementStruct {
			return empty, nil
		}
		c := b.types[s.Component]
		if c == nil {
			return empty, fmt.Errorf("unknown component type %q", s.Component)
		}
		refs, err := b.fieldRefs(c, 0, 0)
		if err != nil || len(refs) == 0 {
			return empty, err
		}
		return repeating(p, 2*p, refs, int(s.ComponentSize)), nil
	}
	if t.elem == clrcore.ElementString {
		return empty, nil
	}
	refs, err := b.fieldRefs(t, b.ptr, 0)
	if err != nil {
		return empty, err
	}
	return gcdesc.Fields(p, int(s.BaseSize), refs), nil
}

// repeating describes an array of structs of elemSize bytes whose
// reference slots are at refs within each element.
func repeating(ptr, start int, refs []int, elemSize int) gcdesc.GCDesc {
	sort.Ints(refs)
	first := refs[0]
	var items []gcdesc.Item
	for i := 0; i < len(refs); {
		j := i + 1
		for j < len(refs) && refs[j] == refs[j-1]+ptr {
			j++
		}
		next := elemSize + first
		if j < len(refs) {
			next = refs[j]
		}
		items = append(items, gcdesc.Item{Pointers: j - i, Skip: next - (refs[j-1] + ptr)})
		i = j
	}
	return gcdesc.Repeating(ptr, start+first, items)
}

// finishTypes builds the method table metadata, once every type has a
// method table and statics and loader allocators have slots.
func (b *builder) finishTypes() error {
	mtOf := func(name string) (core.Address, error) {
		if name == "" {
			return 0, nil
		}
		t := b.types[name]
		if t == nil {
			return 0, fmt.Errorf("unknown type %q", name)
		}
		return t.mt, nil
	}
	for _, t := range b.typeList {
		s := t.spec
		d := clrcore.MethodTableData{
			Name:             s.Name,
			BaseSize:         s.BaseSize,
			ComponentSize:    s.ComponentSize,
			ContainsPointers: !t.desc.IsEmpty(),
			Collectible:      s.Collectible,
			ElementType:      t.elem,
		}
		var err error
		if d.Parent, err = mtOf(s.Parent); err != nil {
			return fmt.Errorf("type %s: parent: %w", s.Name, err)
		}
		if t.isArray() {
			if d.ComponentMethodTable, err = mtOf(s.Component); err != nil {
				return fmt.Errorf("type %s: component: %w", s.Name, err)
			}
			if d.ComponentElementType, err = parseElement(s.ComponentElement, clrcore.ElementClass); err != nil {
				return fmt.Errorf("type %s: %w", s.Name, err)
			}
		}
		for _, f := range s.Fields {
			e, _ := parseElement(f.Type, clrcore.ElementClass)
			fd := clrcore.FieldData{Name: f.Name, Offset: f.Offset, Size: f.Size, ElementType: e}
			if fd.MethodTable, err = mtOf(f.Class); err != nil {
				return fmt.Errorf("type %s: field %s: %w", s.Name, f.Name, err)
			}
			if e == clrcore.ElementStruct && fd.Size == 0 {
				fd.Size, _ = b.fieldSize(f)
			}
			d.Fields = append(d.Fields, fd)
		}
		for _, f := range s.Statics {
			e, err := parseElement(f.Type, clrcore.ElementClass)
			if err != nil {
				return fmt.Errorf("type %s: static %s: %w", s.Name, f.Name, err)
			}
			sd := clrcore.StaticFieldData{Name: f.Name, ElementType: e}
			if sd.MethodTable, err = mtOf(f.Class); err != nil {
				return fmt.Errorf("type %s: static %s: %w", s.Name, f.Name, err)
			}
			size := e.Size(b.ptr)
			if size == 0 {
				size = b.ptr
			}
			if sd.Address, err = b.alloc(size); err != nil {
				return err
			}
			addr, v := sd.Address, f.Value
			b.writes = append(b.writes, func() error { return b.writeValue(addr, e, size, v) })
			d.StaticFields = append(d.StaticFields, sd)
		}
		if s.Collectible {
			la, err := b.address(s.LoaderAllocator)
			if err != nil {
				return fmt.Errorf("type %s: loader allocator: %w", s.Name, err)
			}
			if d.LoaderAllocatorHandle, err = b.slot(la); err != nil {
				return err
			}
		}
		t.data = d
		b.s.mts[t.mt] = d
	}
	return nil
}

func (b *builder) writeTypes() error {
	for _, t := range b.typeList {
		if n := int64(len(t.desc.Bytes())); n > 0 && !b.s.mem.Write(t.mt.Add(-n), t.desc.Bytes()) {
			return fmt.Errorf("could not write the descriptor of %s", t.spec.Name)
		}
	}
	return nil
}

// Heaps

// objectSize returns the aligned size of an object of type t.
func (b *builder) objectSize(t *typeInfo, length uint32, large bool) int64 {
	s := t.spec
	size := int64(s.BaseSize)
	if s.ComponentSize != 0 {
		n := int64(length)
		if t.elem == clrcore.ElementString {
			n++
		}
		size += n * int64(s.ComponentSize)
	}
	if size < 3*b.ptr {
		size = 3 * b.ptr
	}
	mask := int64(7)
	if b.ptr == 4 && !large {
		mask = 3
	}
	return (size + mask) &^ mask
}

// placeFree puts a free object over [a, end).
func (b *builder) placeFree(a, end core.Address) error {
	n := end.Sub(a)
	if n < 3*b.ptr {
		return fmt.Errorf("gap of %d bytes at %x is too small for a free object", n, a)
	}
	b.placed = append(b.placed, placedObj{addr: a, t: b.free, length: uint32(n - 3*b.ptr)})
	return nil
}

func (b *builder) layoutHeap(index int, hs *heapSpec) error {
	d := clrcore.SubHeapData{Index: index, HasRegions: hs.Regions}
	var err error
	if d.Address, err = b.alloc(descriptorSize); err != nil {
		return err
	}
	chains := map[int][]core.Address{}
	maxGen := 3
	var ephemeral *segmentSpec
	for i := range hs.Segments {
		ss := &hs.Segments[i]
		gen := ss.Generation
		switch {
		case gen < 0 || gen > 4:
			return fmt.Errorf("segment %d: bad generation %d", i, gen)
		case !hs.Regions && gen < 2:
			return fmt.Errorf("segment %d: generation %d needs regions", i, gen)
		case ss.Ephemeral && (hs.Regions || gen != 2):
			return fmt.Errorf("segment %d: only a generation 2 segment without regions can be ephemeral", i)
		case ss.Ephemeral && ephemeral != nil:
			return fmt.Errorf("segment %d: more than one ephemeral segment", i)
		}
		sd, err := b.layoutSegment(ss)
		if err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		if c := chains[gen]; len(c) > 0 {
			prev := b.s.segments[c[len(c)-1]]
			prev.Next = sd.Address
			b.s.segments[prev.Address] = prev
		}
		chains[gen] = append(chains[gen], sd.Address)
		if gen > maxGen {
			maxGen = gen
		}
		if ss.Ephemeral {
			ephemeral = ss
			d.EphemeralSegment = sd.Address
			d.Allocated = sd.Allocated
		}
	}

	d.Generations = make([]clrcore.GenerationData, maxGen+1)
	for g := range d.Generations {
		if c := chains[g]; len(c) > 0 {
			d.Generations[g].StartSegment = c[0]
		}
	}
	b.s.subHeaps = append(b.s.subHeaps, d)
	b.ephemeral = append(b.ephemeral, ephemeral)
	return nil
}

// finishHeap resolves the parts of a heap that refer to objects.
func (b *builder) finishHeap(d *clrcore.SubHeapData, hs *heapSpec, ephemeral *segmentSpec) error {
	var err error
	if ephemeral != nil {
		gen1, gen0 := d.Allocated, d.Allocated
		if !ephemeral.Gen1Start.IsZero() {
			if gen1, err = b.address(ephemeral.Gen1Start); err != nil {
				return fmt.Errorf("gen1 start: %w", err)
			}
		}
		if !ephemeral.Gen0Start.IsZero() {
			if gen0, err = b.address(ephemeral.Gen0Start); err != nil {
				return fmt.Errorf("gen0 start: %w", err)
			}
		}
		if gen0 < gen1 {
			return fmt.Errorf("gen0 starts at %x, before gen1 at %x", gen0, gen1)
		}
		d.Generations[1].AllocationStart = gen1
		d.Generations[0].AllocationStart = gen0
	}

	if d.AllocationContext, err = b.memRange(hs.AllocationContext); err != nil {
		return fmt.Errorf("allocation context: %w", err)
	}
	if d.FinalizationFillPointers, err = b.finalizerQueue(&hs.Finalizer); err != nil {
		return fmt.Errorf("finalizer queue: %w", err)
	}
	return nil
}

func (b *builder) memRange(r rangeSpec) (core.MemoryRange, error) {
	start, err := b.address(r.Start)
	if err != nil {
		return core.MemoryRange{}, err
	}
	end, err := b.address(r.End)
	if err != nil {
		return core.MemoryRange{}, err
	}
	if end < start {
		return core.MemoryRange{}, fmt.Errorf("range [%x, %x) ends before it starts", start, end)
	}
	return core.MemoryRange{Start: start, End: end}, nil
}

func (b *builder) layoutSegment(ss *segmentSpec) (clrcore.SegmentData, error) {
	var sd clrcore.SegmentData
	start, err := b.number(ss.Start)
	if err != nil {
		return sd, fmt.Errorf("start: %w", err)
	}
	if start == 0 || int64(start)%b.ptr != 0 {
		return sd, fmt.Errorf("bad start %x", start)
	}
	large := ss.Generation >= 3
	cur := core.Address(start)
	for i := range ss.Objects {
		spec := &ss.Objects[i]
		if !spec.At.IsZero() {
			at, err := b.number(spec.At)
			if err != nil {
				return sd, fmt.Errorf("object %d: %w", i, err)
			}
			a := core.Address(at)
			if a < cur {
				return sd, fmt.Errorf("object %d at %x overlaps the previous object ending at %x", i, a, cur)
			}
			if a > cur {
				if err := b.placeFree(cur, a); err != nil {
					return sd, err
				}
				cur = a
			}
		}
		if spec.ID != "" {
			if _, dup := b.s.objects[spec.ID]; dup {
				return sd, fmt.Errorf("object id %q used twice", spec.ID)
			}
			b.s.objects[spec.ID] = cur
		}
		if !spec.Header.IsZero() {
			b.headers[cur] = true
		}
		if spec.Gap > 0 {
			if err := b.placeFree(cur, cur.Add(spec.Gap)); err != nil {
				return sd, err
			}
			cur = cur.Add(spec.Gap)
			continue
		}
		t := b.types[spec.Type]
		if t == nil {
			return sd, fmt.Errorf("object %d: unknown type %q", i, spec.Type)
		}
		length := spec.Length
		switch {
		case spec.String != nil:
			length = len(utf16.Encode([]rune(*spec.String)))
		case length == 0:
			length = len(spec.Elements)
		}
		b.placed = append(b.placed, placedObj{spec: spec, addr: cur, t: t, length: uint32(length)})
		cur = cur.Add(b.objectSize(t, uint32(length), large))
	}

	allocated := cur
	if !ss.Allocated.IsZero() {
		a, err := b.number(ss.Allocated)
		if err != nil {
			return sd, fmt.Errorf("allocated: %w", err)
		}
		allocated = core.Address(a)
		if allocated < cur {
			return sd, fmt.Errorf("allocated %x is before the end of the objects at %x", allocated, cur)
		}
		if allocated > cur {
			if err := b.placeFree(cur, allocated); err != nil {
				return sd, err
			}
		}
	}

	if sd.Address, err = b.alloc(descriptorSize); err != nil {
		return sd, err
	}
	sd.Start = core.Address(start)
	sd.Allocated = allocated
	sd.Committed = allocated.Align(0x1000)
	sd.Reserved = sd.Committed.Add(0x10000)
	switch {
	case ss.Frozen:
		sd.Flags |= clrcore.SegmentReadOnly
	case ss.Generation == 3:
		sd.Flags |= clrcore.SegmentLargeObjectHeap
	case ss.Generation == 4:
		sd.Flags |= clrcore.SegmentPinnedHeap
	}
	b.s.segments[sd.Address] = sd
	// The object header word before the first object is readable.
	b.ranges = append(b.ranges, core.MemoryRange{Start: sd.Start.Add(-b.ptr), End: allocated.Max(sd.Start.Add(b.ptr))})
	b.log.Debugf("segment [%x, %x) generation %d", sd.Start, allocated, ss.Generation)
	return sd, nil
}

// finalizerQueue lays the queue out in the data area and returns its
// fill pointers.
func (b *builder) finalizerQueue(fs *finalizerSpec) ([]core.Address, error) {
	parts := [][]Value{fs.Gen2, fs.Gen1, fs.Gen0, fs.Ready}
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	if n == 0 {
		return nil, nil
	}
	q, err := b.alloc(int64(n) * b.ptr)
	if err != nil {
		return nil, err
	}
	fp := make([]core.Address, 0, clrcore.FinalizationFillPointers)
	a := q
	for _, p := range parts {
		fp = append(fp, a)
		for _, v := range p {
			obj, err := b.address(v)
			if err != nil {
				return nil, err
			}
			slot := a
			b.writes = append(b.writes, func() error { return b.writePtr(slot, obj) })
			a = a.Add(b.ptr)
		}
	}
	for len(fp) < clrcore.FinalizationFillPointers {
		fp = append(fp, a)
	}
	return fp, nil
}

// Roots, threads and sync blocks

func (b *builder) handles() error {
	for i, hs := range b.f.Handles {
		kind, ok := clrcore.ParseHandleKind(hs.Kind)
		if !ok {
			return fmt.Errorf("handle %d: unknown kind %q", i, hs.Kind)
		}
		obj, err := b.address(hs.Object)
		if err != nil {
			return fmt.Errorf("handle %d: %w", i, err)
		}
		dep, err := b.address(hs.Dependent)
		if err != nil {
			return fmt.Errorf("handle %d: %w", i, err)
		}
		a, err := b.slot(obj)
		if err != nil {
			return err
		}
		b.s.handles = append(b.s.handles, clrcore.HandleData{
			Address:   a,
			Object:    obj,
			Kind:      kind,
			RefCount:  hs.RefCount,
			Dependent: dep,
		})
		if kind == clrcore.HandleDependent && obj != 0 {
			b.s.dependent = append(b.s.dependent, clrcore.DependentHandle{Source: obj, Target: dep})
		}
	}
	return nil
}

func (b *builder) threads() error {
	for i, ts := range b.f.Threads {
		a, err := b.alloc(threadSize)
		if err != nil {
			return err
		}
		td := clrcore.ThreadData{
			Address:         a,
			OSThreadID:      ts.OSID,
			ManagedThreadID: ts.ManagedID,
			IsAlive:         !ts.Dead,
		}
		if td.AllocContext, err = b.memRange(ts.AllocContext); err != nil {
			return fmt.Errorf("thread %d: alloc context: %w", i, err)
		}
		for _, rs := range ts.Stack {
			obj, err := b.address(rs.Object)
			if err != nil {
				return fmt.Errorf("thread %d: stack: %w", i, err)
			}
			slot, err := b.slot(obj)
			if err != nil {
				return err
			}
			td.StackRoots = append(td.StackRoots, clrcore.StackRootData{
				Address:  slot,
				Object:   obj,
				Interior: rs.Interior,
				Pinned:   rs.Pinned,
			})
		}
		if ts.ThinlockID != 0 {
			b.s.thinlocks[ts.ThinlockID] = a
		}
		b.s.threads = append(b.s.threads, td)
	}
	return nil
}

var comFlagNames = map[string]clrcore.ComFlags{
	"ccw":     clrcore.ComCallableWrapper,
	"rcw":     clrcore.ComRuntimeCallableWrapper,
	"factory": clrcore.ComComClassFactory,
}

func (b *builder) syncBlocks() error {
	for i, bs := range b.f.SyncBlocks {
		obj, err := b.address(bs.Object)
		if err != nil {
			return fmt.Errorf("sync block %d: %w", i, err)
		}
		index := bs.Index
		if index == 0 {
			index = i + 1
		}
		d := clrcore.SyncBlockData{
			Object:         obj,
			Index:          index,
			MonitorHeld:    bs.MonitorHeld,
			Recursion:      bs.Recursion,
			WaitingThreads: bs.Waiting,
		}
		if bs.Owner != 0 {
			for _, t := range b.s.threads {
				if t.ManagedThreadID == bs.Owner {
					d.HoldingThread = t.Address
				}
			}
			if d.HoldingThread == 0 {
				return fmt.Errorf("sync block %d: no thread with managed id %d", i, bs.Owner)
			}
		}
		for _, c := range bs.Com {
			f, ok := comFlagNames[c]
			if !ok {
				return fmt.Errorf("sync block %d: unknown COM flag %q", i, c)
			}
			d.ComFlags |= f
		}
		b.s.blocks = append(b.s.blocks, d)
		if obj != 0 && !b.headers[obj] {
			b.headers[obj] = true
			hdr := uint32(syncBlockIndexBit | index)
			b.writes = append(b.writes, func() error {
				if !b.s.mem.WriteUint32(obj.Add(-4), hdr) {
					return fmt.Errorf("could not write the header of %x", obj)
				}
				return nil
			})
		}
	}
	return nil
}

func (b *builder) memory() error {
	for i, ms := range b.f.Memory {
		start, err := b.number(ms.Start)
		if err != nil {
			return fmt.Errorf("memory %d: %w", i, err)
		}
		size := ms.Size
		if min := int64(len(ms.Words)) * b.ptr; size < min {
			size = min
		}
		if size <= 0 {
			return fmt.Errorf("memory %d: empty region", i)
		}
		a := core.Address(start)
		b.ranges = append(b.ranges, core.MemoryRange{Start: a, End: a.Add(size)})
		for _, w := range ms.Words {
			v, err := b.address(w)
			if err != nil {
				return fmt.Errorf("memory %d: %w", i, err)
			}
			slot := a
			b.writes = append(b.writes, func() error { return b.writePtr(slot, v) })
			a = a.Add(b.ptr)
		}
	}
	return nil
}

// mapMemory maps the union of every range the snapshot uses.
func (b *builder) mapMemory() error {
	rs := append([]core.MemoryRange(nil), b.ranges...)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	var merged []core.MemoryRange
	for _, r := range rs {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End {
			merged[n-1].End = merged[n-1].End.Max(r.End)
			continue
		}
		merged = append(merged, r)
	}
	for _, r := range merged {
		if err := b.s.mem.Map(r.Start, int64(r.Length())); err != nil {
			return err
		}
	}
	return nil
}

// Objects

func (b *builder) writeObjects() error {
	im := b.s.mem
	for _, o := range b.placed {
		if !im.WritePtr(o.addr, o.t.mt) {
			return fmt.Errorf("could not write object at %x", o.addr)
		}
		if o.t.spec.ComponentSize != 0 {
			im.WriteUint32(o.addr.Add(b.ptr), o.length)
		}
		if o.spec == nil {
			continue
		}
		if err := b.writeObject(o); err != nil {
			name := o.spec.ID
			if name == "" {
				name = strconv.FormatUint(uint64(o.addr), 16)
			}
			return fmt.Errorf("object %s: %w", name, err)
		}
	}
	return nil
}

func (b *builder) writeObject(o placedObj) error {
	im := b.s.mem
	s := o.spec
	if !s.Header.IsZero() {
		h, err := b.value(s.Header)
		if err != nil {
			return fmt.Errorf("header: %w", err)
		}
		im.WriteUint32(o.addr.Add(-4), uint32(h))
	}
	if s.String != nil {
		chars := utf16.Encode([]rune(*s.String))
		buf := make([]byte, 2*len(chars))
		for i, c := range chars {
			binary.LittleEndian.PutUint16(buf[2*i:], c)
		}
		if !im.Write(o.addr.Add(b.ptr+4), buf) {
			return fmt.Errorf("could not write string")
		}
	}
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		off, e, size, err := b.fieldPath(o.t, name)
		if err != nil {
			return err
		}
		if err := b.writeValue(o.addr.Add(b.ptr+off), e, size, s.Fields[name]); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
	}
	if len(s.Elements) > 0 {
		if !o.t.isArray() {
			return fmt.Errorf("elements given for %s, which is not an array", o.t.spec.Name)
		}
		e := o.t.data.ComponentElementType
		if e == clrcore.ElementStruct {
			return fmt.Errorf("elements of struct arrays cannot be given")
		}
		comp := int64(o.t.spec.ComponentSize)
		first := o.addr.Add(int64(o.t.spec.BaseSize) - b.ptr)
		for i, v := range s.Elements {
			if err := b.writeValue(first.Add(int64(i)*comp), e, comp, v); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
	}
	return nil
}

// fieldPath resolves a possibly dotted field name, like "pair.key", to
// its offset from the end of the method table pointer.
func (b *builder) fieldPath(t *typeInfo, path string) (int64, clrcore.ElementType, int64, error) {
	var off int64
	parts := strings.Split(path, ".")
	for i, name := range parts {
		var fs *fieldSpec
		for j := range t.spec.Fields {
			if t.spec.Fields[j].Name == name {
				fs = &t.spec.Fields[j]
			}
		}
		if fs == nil {
			return 0, 0, 0, fmt.Errorf("%s has no field %q", t.spec.Name, name)
		}
		off += fs.Offset
		e, err := parseElement(fs.Type, clrcore.ElementClass)
		if err != nil {
			return 0, 0, 0, err
		}
		if i == len(parts)-1 {
			size, err := b.fieldSize(*fs)
			return off, e, size, err
		}
		if e != clrcore.ElementStruct || b.types[fs.Class] == nil {
			return 0, 0, 0, fmt.Errorf("field %s of %s is not a struct", name, t.spec.Name)
		}
		t = b.types[fs.Class]
	}
	panic("unreachable")
}

// writeValue stores v at a as a value of element type e.
func (b *builder) writeValue(a core.Address, e clrcore.ElementType, size int64, v Value) error {
	if e.IsObjectReference() {
		p, err := b.address(v)
		if err != nil {
			return err
		}
		return b.writePtr(a, p)
	}
	var n uint64
	switch e {
	case clrcore.ElementFloat, clrcore.ElementDouble:
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil && !v.IsZero() {
			return fmt.Errorf("bad floating point value %q", v)
		}
		n = math.Float64bits(f)
		if e == clrcore.ElementFloat {
			n = uint64(math.Float32bits(float32(f)))
		}
	default:
		var err error
		if n, err = b.value(v); err != nil {
			return err
		}
	}
	if size <= 0 || size > 8 {
		return fmt.Errorf("cannot store a value of %d bytes", size)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	if !b.s.mem.Write(a, buf[:size]) {
		return fmt.Errorf("could not write at %x", a)
	}
	return nil
}

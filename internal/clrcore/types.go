// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/derekparker/trie"

	"github.com/clrcore/clrcore/internal/core"
	"github.com/clrcore/clrcore/internal/gcdesc"
)

// An ElementType classifies a type or field the way the runtime's
// metadata does.
type ElementType uint8

const (
	ElementUnknown         ElementType = 0x0
	ElementBoolean         ElementType = 0x2
	ElementChar            ElementType = 0x3
	ElementInt8            ElementType = 0x4
	ElementUInt8           ElementType = 0x5
	ElementInt16           ElementType = 0x6
	ElementUInt16          ElementType = 0x7
	ElementInt32           ElementType = 0x8
	ElementUInt32          ElementType = 0x9
	ElementInt64           ElementType = 0xa
	ElementUInt64          ElementType = 0xb
	ElementFloat           ElementType = 0xc
	ElementDouble          ElementType = 0xd
	ElementString          ElementType = 0xe
	ElementPointer         ElementType = 0xf
	ElementStruct          ElementType = 0x11
	ElementClass           ElementType = 0x12
	ElementArray           ElementType = 0x14
	ElementNativeInt       ElementType = 0x18
	ElementNativeUInt      ElementType = 0x19
	ElementFunctionPointer ElementType = 0x1b
	ElementObject          ElementType = 0x1c
	ElementSZArray         ElementType = 0x1d
)

var elementTypeNames = map[ElementType]string{
	ElementUnknown:         "Unknown",
	ElementBoolean:         "Boolean",
	ElementChar:            "Char",
	ElementInt8:            "Int8",
	ElementUInt8:           "UInt8",
	ElementInt16:           "Int16",
	ElementUInt16:          "UInt16",
	ElementInt32:           "Int32",
	ElementUInt32:          "UInt32",
	ElementInt64:           "Int64",
	ElementUInt64:          "UInt64",
	ElementFloat:           "Float",
	ElementDouble:          "Double",
	ElementString:          "String",
	ElementPointer:         "Pointer",
	ElementStruct:          "Struct",
	ElementClass:           "Class",
	ElementArray:           "Array",
	ElementNativeInt:       "NativeInt",
	ElementNativeUInt:      "NativeUInt",
	ElementFunctionPointer: "FunctionPointer",
	ElementObject:          "Object",
	ElementSZArray:         "SZArray",
}

func (e ElementType) String() string {
	if s, ok := elementTypeNames[e]; ok {
		return s
	}
	return fmt.Sprintf("ElementType(%#x)", uint8(e))
}

// ParseElementType is the inverse of String.
func ParseElementType(s string) (ElementType, bool) {
	for e, name := range elementTypeNames {
		if strings.EqualFold(name, s) {
			return e, true
		}
	}
	return 0, false
}

// IsObjectReference reports whether a slot of this element type holds
// a reference to a heap object.
func (e ElementType) IsObjectReference() bool {
	switch e {
	case ElementString, ElementClass, ElementArray, ElementSZArray, ElementObject:
		return true
	}
	return false
}

// IsPrimitive reports whether e is a numeric, boolean or character type.
func (e ElementType) IsPrimitive() bool {
	return (e >= ElementBoolean && e <= ElementDouble) || e == ElementNativeInt || e == ElementNativeUInt
}

// Size returns the size in bytes of a primitive of type e, or 0.
func (e ElementType) Size(ptrSize int64) int64 {
	switch e {
	case ElementBoolean, ElementInt8, ElementUInt8:
		return 1
	case ElementChar, ElementInt16, ElementUInt16:
		return 2
	case ElementInt32, ElementUInt32, ElementFloat:
		return 4
	case ElementInt64, ElementUInt64, ElementDouble:
		return 8
	case ElementNativeInt, ElementNativeUInt, ElementPointer, ElementFunctionPointer:
		return ptrSize
	}
	if e.IsObjectReference() {
		return ptrSize
	}
	return 0
}

// A Type is the representation of the type of a CLR object.
// Types are created once per method table and shared; do not modify them.
type Type struct {
	MethodTable core.Address
	Name        string

	// StaticSize is the size of an instance, or of the fixed part of an
	// array or string, including the object header word.
	StaticSize    int64
	ComponentSize int64 // 0 unless the type is an array or a string

	ContainsPointers      bool
	IsCollectible         bool
	LoaderAllocatorHandle core.Address // only if IsCollectible
	ElementType           ElementType

	Fields       []Field // instance fields
	StaticFields []StaticField

	heap        *Heap
	parentMT    core.Address
	componentMT core.Address
	compElem    ElementType
	kind        typeKind

	gcdescOnce sync.Once
	gcdesc     gcdesc.GCDesc
}

type typeKind uint8

const (
	kindOrdinary typeKind = iota
	kindFree
	kindString
	kindObject
	kindException
)

// A Field represents a single instance field of a type.
type Field struct {
	Name        string
	Offset      int64 // from the end of the method table pointer
	Size        int64
	ElementType ElementType

	parent *Type
	mt     core.Address
}

// A StaticField is a field stored once per type.
type StaticField struct {
	Name        string
	ElementType ElementType
	Address     core.Address

	parent *Type
	mt     core.Address
}

func (t *Type) String() string {
	return t.Name
}

// Heap returns the heap t belongs to.
func (t *Type) Heap() *Heap {
	return t.heap
}

func (t *Type) IsFree() bool   { return t.kind == kindFree }
func (t *Type) IsString() bool { return t.kind == kindString }

// IsArray reports whether t is an array type. Strings are not arrays.
func (t *Type) IsArray() bool {
	return t.ElementType == ElementArray || t.ElementType == ElementSZArray
}

// IsValueType reports whether instances of t are structs.
func (t *Type) IsValueType() bool {
	return t.ElementType == ElementStruct || t.ElementType.IsPrimitive()
}

// IsException reports whether t is System.Exception or derives from it.
func (t *Type) IsException() bool {
	for i, x := 0, t; i < 32 && x != nil; i, x = i+1, x.BaseType() {
		if x.kind == kindException {
			return true
		}
	}
	return false
}

// BaseType returns the parent type of t, or nil.
func (t *Type) BaseType() *Type {
	if t.parentMT == 0 {
		return nil
	}
	return t.heap.types.GetOrCreateType(t.parentMT, 0)
}

// ComponentType returns the element type of an array type, or nil if
// t is not an array or the element type is unknown.
func (t *Type) ComponentType() *Type {
	if t.componentMT == 0 {
		return nil
	}
	return t.heap.types.GetOrCreateType(t.componentMT, 0)
}

// ComponentElementType returns the element type of an array's elements.
func (t *Type) ComponentElementType() ElementType {
	if c := t.ComponentType(); c != nil {
		return c.ElementType
	}
	return t.compElem
}

// GCDesc returns t's GC descriptor, read from the target on first use.
// It is empty if t has no pointers or the descriptor is unreadable.
func (t *Type) GCDesc() gcdesc.GCDesc {
	t.gcdescOnce.Do(func() {
		if !t.ContainsPointers {
			t.gcdesc = gcdesc.New(nil, int(t.heap.ptrSize))
			return
		}
		d, ok := gcdesc.Read(t.heap.mem, t.MethodTable)
		if !ok {
			t.heap.log.Debugf("could not read gcdesc of %s (mt %x)", t.Name, t.MethodTable)
			d = gcdesc.New(nil, int(t.heap.ptrSize))
		}
		t.gcdesc = d
	})
	return t.gcdesc
}

// FieldByName returns the instance field called name, or nil.
func (t *Type) FieldByName(name string) *Field {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i]
		}
	}
	return nil
}

// StaticFieldByName returns the static field called name, or nil.
func (t *Type) StaticFieldByName(name string) *StaticField {
	for i := range t.StaticFields {
		if t.StaticFields[i].Name == name {
			return &t.StaticFields[i]
		}
	}
	return nil
}

// Type returns the type of the field's value, or nil if it is unknown.
func (f *Field) Type() *Type {
	if f.mt == 0 {
		return nil
	}
	return f.parent.heap.types.GetOrCreateType(f.mt, 0)
}

// Parent returns the type containing f.
func (f *Field) Parent() *Type {
	return f.parent
}

// Address returns the address of f in the object at obj. If interior
// is set, obj is the address of an unboxed value with no method table.
func (f *Field) Address(obj core.Address, interior bool) core.Address {
	if interior {
		return obj.Add(f.Offset)
	}
	return obj.Add(f.Offset + f.parent.heap.ptrSize)
}

func (f *Field) IsObjectReference() bool { return f.ElementType.IsObjectReference() }
func (f *Field) IsValueType() bool       { return f.ElementType == ElementStruct }
func (f *Field) IsPrimitive() bool       { return f.ElementType.IsPrimitive() }

// Type returns the type of the static field's value, or nil if it is unknown.
func (f *StaticField) Type() *Type {
	if f.mt == 0 {
		return nil
	}
	return f.parent.heap.types.GetOrCreateType(f.mt, 0)
}

// A typeFactory creates and caches the Type of every method table.
type typeFactory struct {
	heap *Heap

	mu       sync.Mutex
	types    map[core.Address]*Type
	validMTs map[core.Address]bool

	common CommonMethodTables
}

func newTypeFactory(h *Heap) *typeFactory {
	return &typeFactory{
		heap:     h,
		types:    map[core.Address]*Type{},
		validMTs: map[core.Address]bool{},
		common:   h.helpers.CommonMethodTables(),
	}
}

func (f *typeFactory) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = map[core.Address]*Type{}
	f.validMTs = map[core.Address]bool{}
	f.common = f.heap.helpers.CommonMethodTables()
}

// GetOrCreateType returns the type of the method table mt, creating it
// if needed. obj is the object the method table was read from, or 0.
// It returns nil if mt is not a valid method table.
func (f *typeFactory) GetOrCreateType(mt, obj core.Address) *Type {
	mt &^= 1 // mark bit
	if mt == 0 {
		return nil
	}
	f.mu.Lock()
	t := f.types[mt]
	f.mu.Unlock()
	if t != nil {
		return t
	}

	data, ok := f.heap.helpers.MethodTable(mt)
	if !ok {
		return nil
	}
	t = f.newType(mt, data)

	f.mu.Lock()
	defer f.mu.Unlock()
	if old := f.types[mt]; old != nil {
		return old
	}
	f.types[mt] = t
	f.validMTs[mt] = true
	return t
}

// TryGetType returns the type of mt if it was already created.
func (f *typeFactory) TryGetType(mt core.Address) *Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.types[mt&^1]
}

// IsValidMethodTable reports whether mt, with its mark bit cleared,
// is a method table the runtime knows.
func (f *typeFactory) IsValidMethodTable(mt core.Address) bool {
	mt &^= 1
	f.mu.Lock()
	valid := f.validMTs[mt]
	f.mu.Unlock()
	if valid {
		return true
	}
	if _, ok := f.heap.helpers.MethodTable(mt); !ok {
		return false
	}
	f.mu.Lock()
	f.validMTs[mt] = true
	f.mu.Unlock()
	return true
}

func (f *typeFactory) newType(mt core.Address, d MethodTableData) *Type {
	t := &Type{
		MethodTable:           mt,
		Name:                  d.Name,
		StaticSize:            int64(d.BaseSize),
		ComponentSize:         int64(d.ComponentSize),
		ContainsPointers:      d.ContainsPointers,
		IsCollectible:         d.Collectible,
		LoaderAllocatorHandle: d.LoaderAllocatorHandle,
		ElementType:           d.ElementType,
		heap:                  f.heap,
		parentMT:              d.Parent,
		componentMT:           d.ComponentMethodTable,
		compElem:              d.ComponentElementType,
	}
	switch mt {
	case f.common.Free:
		t.kind = kindFree
	case f.common.String:
		t.kind = kindString
		t.ElementType = ElementString
	case f.common.Object:
		t.kind = kindObject
	case f.common.Exception:
		t.kind = kindException
	}
	if t.Name == "" {
		t.Name = fmt.Sprintf("<unknown type %x>", mt)
	}
	t.Fields = make([]Field, len(d.Fields))
	for i, fd := range d.Fields {
		size := fd.Size
		if size == 0 {
			size = fd.ElementType.Size(f.heap.ptrSize)
		}
		t.Fields[i] = Field{
			Name:        fd.Name,
			Offset:      fd.Offset,
			Size:        size,
			ElementType: fd.ElementType,
			parent:      t,
			mt:          fd.MethodTable,
		}
	}
	sort.SliceStable(t.Fields, func(i, j int) bool { return t.Fields[i].Offset < t.Fields[j].Offset })
	t.StaticFields = make([]StaticField, len(d.StaticFields))
	for i, sd := range d.StaticFields {
		t.StaticFields[i] = StaticField{
			Name:        sd.Name,
			ElementType: sd.ElementType,
			Address:     sd.Address,
			parent:      t,
			mt:          sd.MethodTable,
		}
	}
	return t
}

// nameIndex maps type names to the method tables that carry them.
type nameIndex struct {
	t *trie.Trie
}

func (f *typeFactory) buildNameIndex() *nameIndex {
	idx := &nameIndex{t: trie.New()}
	for _, mt := range f.heap.helpers.MethodTables() {
		d, ok := f.heap.helpers.MethodTable(mt)
		if !ok || d.Name == "" {
			continue
		}
		if n, ok := idx.t.Find(d.Name); ok {
			mts := n.Meta().([]core.Address)
			idx.t.Add(d.Name, append(mts, mt))
			continue
		}
		idx.t.Add(d.Name, []core.Address{mt})
	}
	return idx
}

func (idx *nameIndex) lookup(name string) []core.Address {
	n, ok := idx.t.Find(name)
	if !ok {
		return nil
	}
	return n.Meta().([]core.Address)
}

func (idx *nameIndex) withPrefix(prefix string) []string {
	names := idx.t.PrefixSearch(prefix)
	sort.Strings(names)
	return names
}

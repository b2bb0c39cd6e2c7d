// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"encoding/binary"
	"fmt"
	"iter"
	"unicode/utf16"

	"github.com/clrcore/clrcore/internal/core"
)

// An Object is an address on the GC heap together with its type.
// A nil Type means the address does not hold a recognizable object.
// Objects are values; two Objects are the same object if their
// addresses are equal.
type Object struct {
	Address core.Address
	Type    *Type

	heap *Heap
}

func (o Object) h() *Heap {
	if o.Type != nil {
		return o.Type.heap
	}
	return o.heap
}

// IsNull reports whether o is the null reference.
func (o Object) IsNull() bool { return o.Address == 0 }

// IsValid reports whether o is a non-null object of a known type.
func (o Object) IsValid() bool { return o.Address != 0 && o.Type != nil }

func (o Object) IsFree() bool { return o.Type != nil && o.Type.IsFree() }

func (o Object) ContainsPointers() bool { return o.Type != nil && o.Type.ContainsPointers }

func (o Object) IsException() bool { return o.Type != nil && o.Type.IsException() }

// IsBoxedValue reports whether o is a boxed struct or primitive.
func (o Object) IsBoxedValue() bool { return o.Type != nil && o.Type.IsValueType() }

func (o Object) mustType() *Type {
	if o.Address == 0 {
		panic("object is null")
	}
	if o.Type == nil {
		panic(fmt.Sprintf("object %x is corrupt, could not determine its type", o.Address))
	}
	return o.Type
}

// IsArray reports whether o is an array. o must be valid.
func (o Object) IsArray() bool { return o.mustType().IsArray() }

// TypeName returns the name of o's type, or a placeholder if it is unknown.
func (o Object) TypeName() string {
	if o.Type == nil {
		return "<unknown>"
	}
	return o.Type.Name
}

// Size returns the size of o in bytes. o must be valid.
func (o Object) Size() int64 {
	t := o.mustType()
	return t.heap.GetObjectSize(o.Address, t)
}

// Length returns the number of elements of the array o.
func (o Object) Length() int {
	t := o.mustType()
	if !t.IsArray() {
		panic(fmt.Sprintf("object %x is not an array, type is %s", o.Address, t.Name))
	}
	n, _ := core.ReadUint32(t.heap.mem, o.Address.Add(t.heap.ptrSize))
	return int(n)
}

// ArrayElementAddress returns the address of element i of the array o.
func (o Object) ArrayElementAddress(i int) core.Address {
	t := o.mustType()
	if !t.IsArray() {
		panic(fmt.Sprintf("object %x is not an array, type is %s", o.Address, t.Name))
	}
	if i < 0 || i >= o.Length() {
		panic(fmt.Sprintf("index %d out of range for array %x of length %d", i, o.Address, o.Length()))
	}
	// StaticSize counts the header word before the object.
	return o.Address.Add(t.StaticSize - t.heap.ptrSize + int64(i)*t.ComponentSize)
}

// ReadArrayObject returns element i of an array of references.
func (o Object) ReadArrayObject(i int) Object {
	t := o.mustType()
	if !t.IsArray() || !t.ComponentElementType().IsObjectReference() {
		panic(fmt.Sprintf("object %x is not an array of references, type is %s", o.Address, t.Name))
	}
	p, ok := t.heap.mem.ReadPtr(o.ArrayElementAddress(i))
	if !ok {
		return Object{heap: t.heap}
	}
	return t.heap.GetObject(p)
}

// TryReadObjectField reads the reference stored in the field called name.
// It returns false if o has no such field or it could not be read.
func (o Object) TryReadObjectField(name string) (Object, bool) {
	if o.Type == nil {
		return Object{}, false
	}
	f := o.Type.FieldByName(name)
	if f == nil || !f.IsObjectReference() {
		return Object{}, false
	}
	p, ok := o.Type.heap.mem.ReadPtr(f.Address(o.Address, false))
	if !ok {
		return Object{}, false
	}
	return o.Type.heap.GetObject(p), true
}

// ReadObjectField reads the reference stored in the field called name.
// It panics if o has no such reference field.
func (o Object) ReadObjectField(name string) Object {
	t := o.mustType()
	f := t.FieldByName(name)
	if f == nil {
		panic(fmt.Sprintf("type %s does not contain a field named %s", t.Name, name))
	}
	if !f.IsObjectReference() {
		panic(fmt.Sprintf("field %s.%s is not an object reference", t.Name, name))
	}
	p, ok := t.heap.mem.ReadPtr(f.Address(o.Address, false))
	if !ok {
		return Object{heap: t.heap}
	}
	return t.heap.GetObject(p)
}

// ReadStringField reads the string referenced by the field called name,
// truncated to maxLen characters.
func (o Object) ReadStringField(name string, maxLen int) (string, bool) {
	s, ok := o.TryReadObjectField(name)
	if !ok || s.IsNull() {
		return "", false
	}
	return o.h().readString(s.Address, maxLen)
}

// AsString returns the contents of the string o, truncated to maxLen
// characters. It panics if o is not a string.
func (o Object) AsString(maxLen int) (string, bool) {
	t := o.mustType()
	if !t.IsString() {
		panic(fmt.Sprintf("object %x is not a string, type is %s", o.Address, t.Name))
	}
	return t.heap.readString(o.Address, maxLen)
}

// readString decodes the UTF-16 string object at s.
func (h *Heap) readString(s core.Address, maxLen int) (string, bool) {
	n, ok := core.ReadInt32(h.mem, s.Add(h.ptrSize))
	if !ok || n < 0 {
		return "", false
	}
	if int(n) > maxLen {
		n = int32(maxLen)
	}
	buf := make([]byte, 2*int(n))
	got := h.mem.Read(s.Add(h.ptrSize+4), buf)
	chars := make([]uint16, got/2)
	for i := range chars {
		chars[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}
	return string(utf16.Decode(chars)), got == len(buf)
}

// Value reads the primitive field f of the object at obj, zero extended.
func (f *Field) Value(obj core.Address, interior bool) (uint64, bool) {
	if f.Size <= 0 || f.Size > 8 {
		return 0, false
	}
	var buf [8]byte
	if f.parent.heap.mem.Read(f.Address(obj, interior), buf[:f.Size]) != int(f.Size) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

// SyncBlock returns o's sync block, or nil.
func (o Object) SyncBlock() *SyncBlock {
	if o.Type == nil {
		return nil
	}
	return o.Type.heap.syncBlockTable().byObject[o.Address]
}

// Thinlock returns the lock stored in o's header, if any.
func (o Object) Thinlock() (ThinLock, bool) {
	if o.Type == nil {
		return ThinLock{}, false
	}
	return o.Type.heap.thinlock(o.Address)
}

func (o Object) HasComCallableWrapper() bool {
	return o.mustType().heap.comFlags(o.Address)&ComCallableWrapper != 0
}

func (o Object) HasRuntimeCallableWrapper() bool {
	return o.mustType().heap.comFlags(o.Address)&ComRuntimeCallableWrapper != 0
}

func (o Object) IsComClassFactory() bool {
	return o.mustType().heap.comFlags(o.Address)&ComComClassFactory != 0
}

// EnumerateReferences yields the objects o refers to.
func (o Object) EnumerateReferences(carefully, considerDependent bool) iter.Seq[Object] {
	if !o.ContainsPointers() && !considerDependent && (o.Type == nil || !o.Type.IsCollectible) {
		return func(func(Object) bool) {}
	}
	t := o.mustType()
	return t.heap.EnumerateObjectReferences(o.Address, t, carefully, considerDependent)
}

// EnumerateReferencesWithFields yields the references o holds and where.
func (o Object) EnumerateReferencesWithFields(carefully, considerDependent bool) iter.Seq[Reference] {
	t := o.mustType()
	return t.heap.EnumerateReferencesWithFields(o.Address, t, carefully, considerDependent)
}

// EnumerateReferenceAddresses yields the addresses o refers to.
func (o Object) EnumerateReferenceAddresses(carefully, considerDependent bool) iter.Seq[core.Address] {
	t := o.mustType()
	return t.heap.EnumerateReferenceAddresses(o.Address, t, carefully, considerDependent)
}

func (o Object) String() string {
	return fmt.Sprintf("%x %s", uint64(o.Address), o.TypeName())
}

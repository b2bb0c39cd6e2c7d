// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gcdesc decodes and encodes CLR GC descriptors.
//
// A GC descriptor sits immediately below a method table in the target's
// memory and says which pointer-sized slots of an instance hold object
// references. Reading upward from the lowest address it is
//
//	series[n-1] ... series[0] numSeries | method table
//
// where numSeries is a signed pointer-sized value and each series is a
// (seriesSize, startOffset) pair of pointer-sized values. The series
// nearest numSeries is the "highest" series.
//
// A positive numSeries describes runs of references: the run of a
// series starts at startOffset and ends at startOffset+seriesSize+size,
// size being the object's total size. Adding the object size lets one
// series describe every element of a reference array.
//
// A negative numSeries describes a repeating pattern, used for arrays
// of structs that contain references. The highest series holds only
// the startOffset of the first element, and the -numSeries
// (nptrs, skip) half-word pairs below it, starting in the seriesSize
// slot of the highest series, are applied cyclically until the object
// is exhausted.
package gcdesc

import (
	"encoding/binary"
	"fmt"
	"iter"

	"github.com/clrcore/clrcore/internal/core"
)

// maxSeries bounds the descriptors we are willing to read from the target.
const maxSeries = 1 << 16

// A GCDesc is a copy of a type's GC descriptor. It is immutable.
type GCDesc struct {
	data    []byte
	ptrSize int
}

// New wraps the raw descriptor bytes data, which end just below the
// method table, for a target with pointers of ptrSize bytes.
func New(data []byte, ptrSize int) GCDesc {
	if ptrSize != 4 && ptrSize != 8 {
		panic(fmt.Sprintf("bad pointer size %d", ptrSize))
	}
	return GCDesc{data: data, ptrSize: ptrSize}
}

// Read copies the GC descriptor of the method table mt out of r.
// It returns false if the descriptor could not be read.
func Read(r core.Reader, mt core.Address) (GCDesc, bool) {
	ptrSize := r.PtrSize()
	v, ok := r.ReadPtr(mt.Add(-ptrSize))
	if !ok {
		return GCDesc{}, false
	}
	n := int64(v)
	if ptrSize == 4 {
		n = int64(int32(uint32(v)))
	}
	if n < 0 {
		n = -n
	}
	if n == 0 || n > maxSeries {
		return GCDesc{}, false
	}
	slots := 1 + 2*n
	data := make([]byte, slots*ptrSize)
	if r.Read(mt.Add(-slots*ptrSize), data) != len(data) {
		return GCDesc{}, false
	}
	return New(data, int(ptrSize)), true
}

// IsEmpty reports whether d holds no descriptor at all.
func (d GCDesc) IsEmpty() bool {
	return len(d.data) < d.ptrSize
}

// Bytes returns the raw descriptor. The caller must not modify it.
func (d GCDesc) Bytes() []byte {
	return d.data
}

func (d GCDesc) ptr(off int) uint64 {
	if d.ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(d.data[off:]))
	}
	return binary.LittleEndian.Uint64(d.data[off:])
}

func (d GCDesc) signed(off int) int64 {
	if d.ptrSize == 4 {
		return int64(int32(binary.LittleEndian.Uint32(d.data[off:])))
	}
	return int64(binary.LittleEndian.Uint64(d.data[off:]))
}

// NumSeries returns the stored series count: positive for plain series,
// negative for a repeating pattern.
func (d GCDesc) NumSeries() int {
	if d.IsEmpty() {
		return 0
	}
	return int(d.signed(len(d.data) - d.ptrSize))
}

// Walk yields the non-zero reference stored in obj, and its offset
// within obj, for every reference slot d describes in an object of
// size bytes. obj holds the object's bytes starting at its method table
// pointer and may be shorter than size; slots beyond it are skipped.
// Malformed descriptors yield fewer references, never a panic.
func (d GCDesc) Walk(obj []byte, size int) iter.Seq2[core.Address, int] {
	return func(yield func(core.Address, int) bool) {
		if d.IsEmpty() {
			return
		}
		n := d.NumSeries()
		if n > 0 {
			d.walkSeries(obj, size, n, yield)
		} else if n < 0 {
			d.walkRepeating(obj, size, n, yield)
		}
	}
}

// readRef reads the slot at off in obj, reporting false once off runs
// past obj.
func (d GCDesc) readRef(obj []byte, off int) (core.Address, bool) {
	if off < 0 || off+d.ptrSize > len(obj) {
		return 0, false
	}
	return core.DecodePtr(obj[off:], int64(d.ptrSize)), true
}

func (d GCDesc) walkSeries(obj []byte, size, n int, yield func(core.Address, int) bool) {
	ptr := d.ptrSize
	highest := len(d.data) - 3*ptr
	lowest := len(d.data) - ptr - 2*n*ptr
	if lowest < 0 {
		lowest = 0
	}
	for curr := highest; curr >= lowest; curr -= 2 * ptr {
		seriesSize := d.signed(curr)
		start := int64(d.ptr(curr + ptr))
		stop := start + seriesSize + int64(size)
		if start < 0 || start >= int64(len(obj)) {
			continue
		}
		for off := int(start); int64(off) < stop; off += ptr {
			ref, ok := d.readRef(obj, off)
			if !ok {
				break
			}
			if ref != 0 && !yield(ref, off) {
				return
			}
		}
	}
}

func (d GCDesc) walkRepeating(obj []byte, size, n int, yield func(core.Address, int) bool) {
	ptr := d.ptrSize
	highest := len(d.data) - 3*ptr
	if highest < 0 || highest+(n+1)*ptr < 0 {
		// Not enough room for startOffset and -n pairs.
		return
	}
	offset := int64(d.ptr(highest + ptr))
	end := int64(size - ptr)
	for offset < end {
		before := offset
		for i := 0; i > n; i-- {
			pair := highest + i*ptr
			var nptrs, skip int64
			if ptr == 4 {
				nptrs = int64(binary.LittleEndian.Uint16(d.data[pair:]))
				skip = int64(binary.LittleEndian.Uint16(d.data[pair+2:]))
			} else {
				nptrs = int64(binary.LittleEndian.Uint32(d.data[pair:]))
				skip = int64(binary.LittleEndian.Uint32(d.data[pair+4:]))
			}
			stop := offset + nptrs*int64(ptr)
			for ; offset < stop; offset += int64(ptr) {
				ref, ok := d.readRef(obj, int(offset))
				if !ok {
					return
				}
				if ref != 0 && !yield(ref, int(offset)) {
					return
				}
			}
			offset += skip
		}
		if offset == before {
			return
		}
	}
}

// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcdesc

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// The encoders build descriptors the way the runtime lays them out, so
// that synthetic targets can be assembled without a real runtime.

type builder struct {
	data    []byte
	ptrSize int
}

func newBuilder(ptrSize, slots int) *builder {
	if ptrSize != 4 && ptrSize != 8 {
		panic(fmt.Sprintf("bad pointer size %d", ptrSize))
	}
	return &builder{data: make([]byte, slots*ptrSize), ptrSize: ptrSize}
}

func (b *builder) put(off int, v int64) {
	if b.ptrSize == 4 {
		binary.LittleEndian.PutUint32(b.data[off:], uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(b.data[off:], uint64(v))
}

func (b *builder) desc() GCDesc {
	return GCDesc{data: b.data, ptrSize: b.ptrSize}
}

type run struct {
	start, count int
}

// Fields encodes a fixed-size type of baseSize bytes whose reference
// fields sit at the given offsets from the start of the object.
// Adjacent fields share a series. Fields with no offsets returns an
// empty descriptor.
func Fields(ptrSize, baseSize int, offsets []int) GCDesc {
	if len(offsets) == 0 {
		return GCDesc{ptrSize: ptrSize}
	}
	offs := append([]int(nil), offsets...)
	sort.Ints(offs)
	var runs []run
	for _, off := range offs {
		if off%ptrSize != 0 {
			panic(fmt.Sprintf("reference field offset %d is not pointer aligned", off))
		}
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.start+last.count*ptrSize == off {
				last.count++
				continue
			}
			if last.start+last.count*ptrSize > off {
				continue // duplicate
			}
		}
		runs = append(runs, run{off, 1})
	}
	return encodeSeries(ptrSize, baseSize, runs)
}

// Array encodes a single-dimensional array of references whose header
// is baseSize bytes and whose elements start right after the length word.
func Array(ptrSize, baseSize int) GCDesc {
	return encodeSeries(ptrSize, baseSize, []run{{2 * ptrSize, 0}})
}

// encodeSeries lays runs out so that the lowest offset is the highest
// series, which Walk visits first.
func encodeSeries(ptrSize, baseSize int, runs []run) GCDesc {
	n := len(runs)
	b := newBuilder(ptrSize, 1+2*n)
	for i, r := range runs {
		curr := (n - 1 - i) * 2 * ptrSize
		b.put(curr, int64(r.count*ptrSize-baseSize))
		b.put(curr+ptrSize, int64(r.start))
	}
	b.put(len(b.data)-ptrSize, int64(n))
	return b.desc()
}

// An Item is one step of a repeating descriptor: Pointers consecutive
// references followed by Skip bytes without any.
type Item struct {
	Pointers int
	Skip     int
}

// Repeating encodes an array of structs whose first element starts at
// startOffset. The items describe one element and are applied again
// for every following element.
func Repeating(ptrSize, startOffset int, items []Item) GCDesc {
	k := len(items)
	if k == 0 {
		panic("repeating descriptor with no items")
	}
	half := ptrSize / 2
	max := 1<<(8*half) - 1
	b := newBuilder(ptrSize, 1+2*k)
	highest := len(b.data) - 3*ptrSize
	for i, it := range items {
		if it.Pointers > max || it.Skip > max {
			panic(fmt.Sprintf("repeating item %+v does not fit in %d bytes", it, half))
		}
		pair := highest - i*ptrSize
		if half == 2 {
			binary.LittleEndian.PutUint16(b.data[pair:], uint16(it.Pointers))
			binary.LittleEndian.PutUint16(b.data[pair+2:], uint16(it.Skip))
		} else {
			binary.LittleEndian.PutUint32(b.data[pair:], uint32(it.Pointers))
			binary.LittleEndian.PutUint32(b.data[pair+4:], uint32(it.Skip))
		}
	}
	b.put(highest+ptrSize, int64(startOffset))
	b.put(len(b.data)-ptrSize, int64(-k))
	return b.desc()
}

// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcdesc

import (
	"reflect"
	"sort"
	"testing"

	"github.com/clrcore/clrcore/internal/core"
)

type ref struct {
	val core.Address
	off int
}

func collect(d GCDesc, obj []byte, size int) []ref {
	var refs []ref
	for v, off := range d.Walk(obj, size) {
		refs = append(refs, ref{v, off})
	}
	return refs
}

func object(ptrSize, size int, slots map[int]core.Address) []byte {
	b := make([]byte, size)
	core.EncodePtr(b, int64(ptrSize), 0x1000) // method table
	for off, v := range slots {
		core.EncodePtr(b[off:], int64(ptrSize), v)
	}
	return b
}

func TestFields(t *testing.T) {
	for _, ptrSize := range []int{4, 8} {
		p := ptrSize
		// Fields at 1p, 2p (one run) and 4p; slot 3p holds a
		// non-reference that must not be reported.
		baseSize := 6 * p
		d := Fields(p, baseSize, []int{4 * p, p, 2 * p})
		if got := d.NumSeries(); got != 2 {
			t.Errorf("ptrSize %d: NumSeries = %d, want 2", p, got)
		}
		obj := object(p, baseSize, map[int]core.Address{
			p:     0xaaa0,
			2 * p: 0,
			3 * p: 0xdead,
			4 * p: 0xbbb0,
		})
		got := collect(d, obj, baseSize)
		want := []ref{{0xaaa0, p}, {0xbbb0, 4 * p}}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("ptrSize %d: Walk = %v, want %v", p, got, want)
		}
	}
}

// K references at known offsets round trip through the encoding,
// and zero slots are never reported.
func TestFieldsRoundTrip(t *testing.T) {
	for _, ptrSize := range []int{4, 8} {
		p := ptrSize
		for k := 1; k <= 9; k++ {
			baseSize := (2*k + 3) * p
			var offsets []int
			slots := map[int]core.Address{}
			var want []ref
			for i := 0; i < k; i++ {
				off := (1 + 2*i) * p
				if i%3 == 2 {
					off += p // make some runs adjacent to their neighbour's gap
				}
				offsets = append(offsets, off)
				if i == 4 {
					continue // zero slot
				}
				v := core.Address(0x10000 + 0x10*i)
				slots[off] = v
				want = append(want, ref{v, off})
			}
			obj := object(p, baseSize, slots)
			d := Fields(p, baseSize, offsets)
			got := collect(d, obj, baseSize)
			sort.Slice(got, func(i, j int) bool { return got[i].off < got[j].off })
			if !reflect.DeepEqual(got, want) {
				t.Errorf("ptrSize %d k %d: Walk = %v, want %v", p, k, got, want)
			}
		}
	}
}

func TestArray(t *testing.T) {
	for _, ptrSize := range []int{4, 8} {
		p := ptrSize
		baseSize := 3 * p
		d := Array(p, baseSize)
		const n = 5
		size := baseSize + n*p
		slots := map[int]core.Address{p: n} // length word, not a reference
		var want []ref
		for i := 0; i < n; i++ {
			off := 2*p + i*p
			if i == 2 {
				continue
			}
			v := core.Address(0x2000 + 0x100*i)
			slots[off] = v
			want = append(want, ref{v, off})
		}
		obj := object(p, size, slots)
		if got := collect(d, obj, size); !reflect.DeepEqual(got, want) {
			t.Errorf("ptrSize %d: Walk = %v, want %v", p, got, want)
		}

		// An empty array has no references.
		if got := collect(d, obj[:baseSize], baseSize); len(got) != 0 {
			t.Errorf("ptrSize %d: empty array Walk = %v", p, got)
		}
	}
}

func TestRepeating(t *testing.T) {
	for _, ptrSize := range []int{4, 8} {
		p := ptrSize
		// struct { int; object a; int; object b; object c } = 5 slots,
		// references at slots 1, 3 and 4.
		elem := 5 * p
		d := Repeating(p, 2*p+p, []Item{{1, p}, {2, p}})
		if got := d.NumSeries(); got != -2 {
			t.Errorf("ptrSize %d: NumSeries = %d, want -2", p, got)
		}
		const n = 3
		size := 3*p + n*elem
		slots := map[int]core.Address{}
		var want []ref
		for i := 0; i < n; i++ {
			base := 2*p + i*elem
			for j, s := range []int{1, 3, 4} {
				off := base + s*p
				v := core.Address(0x4000 + 0x100*i + 0x10*j)
				slots[off] = v
				want = append(want, ref{v, off})
			}
			slots[base] = 0x7777 // non-reference
		}
		obj := object(p, size, slots)
		if got := collect(d, obj, size); !reflect.DeepEqual(got, want) {
			t.Errorf("ptrSize %d: Walk = %v, want %v", p, got, want)
		}
	}
}

// Truncated objects and descriptors yield fewer references instead of panicking.
func TestTruncated(t *testing.T) {
	const p = 8
	baseSize := 3 * p
	size := baseSize + 4*p
	obj := object(p, size, map[int]core.Address{2 * p: 1, 3 * p: 2, 4 * p: 3, 5 * p: 4})

	d := Array(p, baseSize)
	if got := collect(d, obj[:4*p], size); len(got) != 2 {
		t.Errorf("short object: Walk = %v, want 2 references", got)
	}

	short := New(d.Bytes()[p:], p)
	if got := collect(short, obj, size); len(got) != 0 {
		t.Errorf("truncated descriptor: Walk = %v, want none", got)
	}
	if got := collect(New(nil, p), obj, size); len(got) != 0 {
		t.Errorf("empty descriptor: Walk = %v, want none", got)
	}

	r := Repeating(p, 2*p, []Item{{1, 0}})
	if got := collect(New(r.Bytes()[2*p:], p), obj, size); len(got) != 0 {
		t.Errorf("truncated repeating descriptor: Walk = %v, want none", got)
	}

	// A pattern that never advances terminates.
	stuck := Repeating(p, 2*p, []Item{{0, 0}})
	if got := collect(stuck, obj, size); len(got) != 0 {
		t.Errorf("stuck pattern: Walk = %v, want none", got)
	}
}

func TestWalkStops(t *testing.T) {
	const p = 4
	d := Array(p, 3*p)
	size := 3*p + 10*p
	slots := map[int]core.Address{}
	for i := 0; i < 10; i++ {
		slots[2*p+i*p] = core.Address(i + 1)
	}
	obj := object(p, size, slots)
	n := 0
	for range d.Walk(obj, size) {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Errorf("stopped after %d references, want 3", n)
	}
}

func TestRead(t *testing.T) {
	for _, ptrSize := range []int{4, 8} {
		p := int64(ptrSize)
		d := Fields(ptrSize, 4*ptrSize, []int{ptrSize, 2 * ptrSize})
		im := core.NewImage(p, nil)
		im.Map(0x10000, 0x1000)
		mt := core.Address(0x10800)
		im.Write(mt.Add(-int64(len(d.Bytes()))), d.Bytes())

		got, ok := Read(im, mt)
		if !ok {
			t.Fatalf("ptrSize %d: Read failed", ptrSize)
		}
		if !reflect.DeepEqual(got.Bytes(), d.Bytes()) {
			t.Errorf("ptrSize %d: Read = %x, want %x", ptrSize, got.Bytes(), d.Bytes())
		}

		// No series count: nothing to read.
		if _, ok := Read(im, 0x10400); ok {
			t.Errorf("ptrSize %d: Read of zero series count succeeded", ptrSize)
		}
		// Descriptor hanging off the bottom of memory.
		im.WritePtr(0x10000, 1)
		if _, ok := Read(im, 0x10000+core.Address(p)); ok {
			t.Errorf("ptrSize %d: Read of unmapped descriptor succeeded", ptrSize)
		}
	}
}

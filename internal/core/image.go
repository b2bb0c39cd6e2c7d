// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"
	"sort"
)

// An Image is an inferior address space assembled in memory.
// Regions are allocated with Map and filled with Write. Reads of
// addresses outside every region fall through to the base Reader,
// if there is one.
//
// An Image may be read concurrently once it is no longer written.
type Image struct {
	ptrSize int64
	base    Reader
	regions []*region // sorted by start, non-overlapping
}

type region struct {
	start Address
	data  []byte
}

func (r *region) end() Address {
	return r.start.Add(int64(len(r.data)))
}

// NewImage returns an empty Image for a target with the given pointer size.
// base may be nil.
func NewImage(ptrSize int64, base Reader) *Image {
	if ptrSize != 4 && ptrSize != 8 {
		panic(fmt.Sprintf("bad pointer size %d", ptrSize))
	}
	if base != nil && base.PtrSize() != ptrSize {
		panic(fmt.Sprintf("base reader has pointer size %d, want %d", base.PtrSize(), ptrSize))
	}
	return &Image{ptrSize: ptrSize, base: base}
}

// Map allocates a zeroed region [start, start+size).
// It returns an error if the region overlaps an existing one.
func (im *Image) Map(start Address, size int64) error {
	if size <= 0 {
		return fmt.Errorf("bad region size %d at %x", size, start)
	}
	r := &region{start: start, data: make([]byte, size)}
	i := sort.Search(len(im.regions), func(i int) bool { return im.regions[i].start >= start })
	if i > 0 && im.regions[i-1].end() > start {
		return fmt.Errorf("region [%x, %x) overlaps [%x, %x)", start, r.end(), im.regions[i-1].start, im.regions[i-1].end())
	}
	if i < len(im.regions) && im.regions[i].start < r.end() {
		return fmt.Errorf("region [%x, %x) overlaps [%x, %x)", start, r.end(), im.regions[i].start, im.regions[i].end())
	}
	im.regions = append(im.regions, nil)
	copy(im.regions[i+1:], im.regions[i:])
	im.regions[i] = r
	return nil
}

// Regions returns the allocated regions in address order.
func (im *Image) Regions() []MemoryRange {
	res := make([]MemoryRange, len(im.regions))
	for i, r := range im.regions {
		res[i] = MemoryRange{r.start, r.end()}
	}
	return res
}

// find returns the index of the region containing a, or the index of
// the first region above a and false.
func (im *Image) find(a Address) (int, bool) {
	i := sort.Search(len(im.regions), func(i int) bool { return im.regions[i].end() > a })
	return i, i < len(im.regions) && im.regions[i].start <= a
}

// Write copies b into the image at a. It returns false, having
// written nothing, unless all of b lands inside allocated regions.
func (im *Image) Write(a Address, b []byte) bool {
	for x, n := a, 0; n < len(b); {
		i, ok := im.find(x)
		if !ok {
			return false
		}
		c := im.regions[i].end().Sub(x)
		n += int(c)
		x = x.Add(c)
	}
	for len(b) > 0 {
		i, _ := im.find(a)
		r := im.regions[i]
		c := copy(r.data[a.Sub(r.start):], b)
		b = b[c:]
		a = a.Add(int64(c))
	}
	return true
}

// WritePtr writes a pointer-sized value at a.
func (im *Image) WritePtr(a, v Address) bool {
	var buf [8]byte
	EncodePtr(buf[:], im.ptrSize, v)
	return im.Write(a, buf[:im.ptrSize])
}

// WriteUint32 writes a 32-bit value at a.
func (im *Image) WriteUint32(a Address, v uint32) bool {
	return im.Write(a, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// Read implements Reader.
func (im *Image) Read(a Address, b []byte) int {
	n := 0
	for n < len(b) {
		i, ok := im.find(a)
		if ok {
			r := im.regions[i]
			c := copy(b[n:], r.data[a.Sub(r.start):])
			n += c
			a = a.Add(int64(c))
			continue
		}
		if im.base == nil {
			break
		}
		want := b[n:]
		if i < len(im.regions) {
			if gap := im.regions[i].start.Sub(a); gap < int64(len(want)) {
				want = want[:gap]
			}
		}
		c := im.base.Read(a, want)
		n += c
		a = a.Add(int64(c))
		if c < len(want) {
			break
		}
	}
	return n
}

// ReadPtr implements Reader.
func (im *Image) ReadPtr(a Address) (Address, bool) {
	return readPtr(im, a)
}

// PtrSize implements Reader.
func (im *Image) PtrSize() int64 {
	return im.ptrSize
}

// ThreadSafe implements Reader.
func (im *Image) ThreadSafe() bool {
	return im.base == nil || im.base.ThreadSafe()
}

// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcroot

import (
	"encoding/binary"
	"sync"

	"github.com/clrcore/clrcore/internal/core"
)

// Entries of a reference list are little-endian pointers whose low two
// bits, which are always zero in an aligned pointer, say how wide the
// entry is.
const (
	tagFull = 0 // 8 bytes
	tag48   = 1 // 6 bytes
	tag40   = 2 // 5 bytes
	tagEnd  = 3 // no more entries
	tagMask = 3

	mask40 = 1<<40 - 1
	mask48 = 1<<48 - 1
)

const (
	DefaultListSize = 32
	// Room for the cursor, the object, its parent and one child.
	minListSize = 1 + 3*8
	// Offsets are stored in a byte.
	maxListSize = 255
)

// A refList is one frame of the search stack: an object, the object it
// was reached from, and those of its references that remain to be
// visited, packed into a small fixed-size buffer.
//
// data[0] is the offset of the next reference to visit.
type refList struct {
	data []byte
}

// read decodes the entry at off. It returns 0 at the end of the list.
func (l refList) read(off int) (core.Address, int) {
	if off >= len(l.data) {
		return 0, off
	}
	var n int
	switch l.data[off] & tagMask {
	case tagFull:
		n = 8
	case tag48:
		n = 6
	case tag40:
		n = 5
	default:
		return 0, off
	}
	if off+n > len(l.data) {
		return 0, off
	}
	var buf [8]byte
	copy(buf[:], l.data[off:off+n])
	return core.Address(binary.LittleEndian.Uint64(buf[:]) &^ tagMask), off + n
}

func (l refList) object() core.Address {
	a, _ := l.read(1)
	return a
}

func (l refList) parent() core.Address {
	_, off := l.read(1)
	a, _ := l.read(off)
	return a
}

// next returns the next reference to visit and advances past it.
// It returns 0 when there are none left.
func (l refList) next() core.Address {
	a, off := l.read(int(l.data[0]))
	l.data[0] = byte(off)
	return a
}

// put encodes p at off, even if it is 0. It returns the offset after
// the entry, or 0 if the entry does not fit.
func (l refList) put(p core.Address, off int) int {
	v := uint64(p) &^ tagMask
	var n int
	switch {
	case v&mask40 == v:
		v |= tag40
		n = 5
	case v&mask48 == v:
		v |= tag48
		n = 6
	default:
		n = 8
	}
	if off+n > len(l.data) {
		return 0
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(l.data[off:], buf[:n])
	off += n
	if off < len(l.data) {
		l.data[off] = tagEnd
	}
	return off
}

// store appends the reference p at off. Null references are not stored.
// It returns the offset of the following entry, or 0 if the list is full.
func (l refList) store(p core.Address, off int) int {
	if off == 0 {
		panic("reference list store at offset 0")
	}
	if uint64(p)&^tagMask == 0 {
		return off
	}
	return l.put(p, off)
}

// A listPool hands out reference list buffers of one size.
type listPool struct {
	size int
	pool sync.Pool
}

func newListPool(size int) *listPool {
	if size < minListSize {
		size = minListSize
	}
	if size > maxListSize {
		size = maxListSize
	}
	p := &listPool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// newList starts a list for obj, reached from parent. The parent is
// stored even when it is 0. It returns the offset for the first reference.
func (p *listPool) newList(obj, parent core.Address) (refList, int) {
	l := refList{data: *p.pool.Get().(*[]byte)}
	off := l.put(obj, 1)
	off = l.put(parent, off)
	l.data[0] = byte(off)
	return l, off
}

func (p *listPool) release(l refList) {
	if l.data != nil {
		p.pool.Put(&l.data)
	}
}

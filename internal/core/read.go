// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import "encoding/binary"

// A Reader gives access to the memory of an inferior.
//
// Read copies memory starting at a into b and returns the number of bytes
// actually read. Unreadable memory is not an error: the count simply stops
// short at the first byte that could not be read.
type Reader interface {
	Read(a Address, b []byte) int
	// ReadPtr reads a pointer-sized value at a.
	ReadPtr(a Address) (Address, bool)
	// PtrSize returns the size in bytes of a pointer in the inferior (4 or 8).
	PtrSize() int64
	// ThreadSafe reports whether Read may be called concurrently.
	ThreadSafe() bool
}

// A Flusher drops any data a Reader has cached about the inferior.
type Flusher interface {
	Flush()
}

// All inferiors we understand are little endian.

// DecodePtr decodes a pointer of the given size from the start of b.
func DecodePtr(b []byte, ptrSize int64) Address {
	if ptrSize == 4 {
		return Address(binary.LittleEndian.Uint32(b))
	}
	return Address(binary.LittleEndian.Uint64(b))
}

// EncodePtr encodes a pointer of the given size into the start of b.
func EncodePtr(b []byte, ptrSize int64, a Address) {
	if ptrSize == 4 {
		binary.LittleEndian.PutUint32(b, uint32(a))
		return
	}
	binary.LittleEndian.PutUint64(b, uint64(a))
}

// readPtr implements ReadPtr on top of Read.
func readPtr(r Reader, a Address) (Address, bool) {
	var buf [8]byte
	n := r.PtrSize()
	if r.Read(a, buf[:n]) != int(n) {
		return 0, false
	}
	return DecodePtr(buf[:], n), true
}

// ReadUint8 reads a byte at a.
func ReadUint8(r Reader, a Address) (uint8, bool) {
	var buf [1]byte
	if r.Read(a, buf[:]) != 1 {
		return 0, false
	}
	return buf[0], true
}

// ReadUint16 reads a 16-bit value at a.
func ReadUint16(r Reader, a Address) (uint16, bool) {
	var buf [2]byte
	if r.Read(a, buf[:]) != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(buf[:]), true
}

// ReadUint32 reads a 32-bit value at a.
func ReadUint32(r Reader, a Address) (uint32, bool) {
	var buf [4]byte
	if r.Read(a, buf[:]) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[:]), true
}

// ReadInt32 reads a signed 32-bit value at a.
func ReadInt32(r Reader, a Address) (int32, bool) {
	v, ok := ReadUint32(r, a)
	return int32(v), ok
}

// ReadUint64 reads a 64-bit value at a.
func ReadUint64(r Reader, a Address) (uint64, bool) {
	var buf [8]byte
	if r.Read(a, buf[:]) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import "fmt"

// An Address is a location in the inferior's address space.
type Address uint64

// Sub subtracts b from a. Requires a >= b.
func (a Address) Sub(b Address) int64 {
	return int64(a - b)
}

// Add adds x to address a.
func (a Address) Add(x int64) Address {
	return a + Address(x)
}

// Max returns the larger of a and b.
func (a Address) Max(b Address) Address {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func (a Address) Min(b Address) Address {
	if a < b {
		return a
	}
	return b
}

// Align rounds a up to a multiple of x.
// x must be a power of 2.
func (a Address) Align(x int64) Address {
	return (a + Address(x) - 1) & ^(Address(x) - 1)
}

// A MemoryRange is the half-open interval [Start, End) of addresses.
type MemoryRange struct {
	Start Address // inclusive
	End   Address // exclusive
}

// Length returns the number of bytes in r, or 0 if r is inverted.
func (r MemoryRange) Length() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return uint64(r.End - r.Start)
}

// IsEmpty reports whether r holds no addresses.
func (r MemoryRange) IsEmpty() bool {
	return r.End <= r.Start
}

// Contains reports whether a lies within r.
func (r MemoryRange) Contains(a Address) bool {
	return r.Start <= a && a < r.End
}

// ContainsRange reports whether all of o lies within r.
func (r MemoryRange) ContainsRange(o MemoryRange) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// Overlaps reports whether r and o share at least one address.
func (r MemoryRange) Overlaps(o MemoryRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// CompareTo orders r relative to address a: 0 if r contains a,
// 1 if r lies entirely above a, and -1 if r lies entirely below a.
func (r MemoryRange) CompareTo(a Address) int {
	if a < r.Start {
		return 1
	}
	if a >= r.End {
		return -1
	}
	return 0
}

func (r MemoryRange) String() string {
	return fmt.Sprintf("[%x, %x)", r.Start, r.End)
}

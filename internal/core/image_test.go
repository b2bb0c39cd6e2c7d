// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"bytes"
	"testing"
)

func TestImageReadWrite(t *testing.T) {
	im := NewImage(8, nil)
	if err := im.Map(0x1000, 0x100); err != nil {
		t.Fatal(err)
	}
	if err := im.Map(0x1100, 0x100); err != nil {
		t.Fatal(err)
	}
	if err := im.Map(0x2000, 0x10); err != nil {
		t.Fatal(err)
	}
	if err := im.Map(0x10f0, 0x20); err == nil {
		t.Errorf("overlapping Map succeeded")
	}

	// A write spanning two adjacent regions.
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if !im.Write(0x10fc, data) {
		t.Fatalf("Write across adjacent regions failed")
	}
	got := make([]byte, 8)
	if n := im.Read(0x10fc, got); n != 8 || !bytes.Equal(got, data) {
		t.Errorf("Read = %d %v, want 8 %v", n, got, data)
	}

	// Writes into holes fail and leave memory untouched.
	if im.Write(0x11fc, data) {
		t.Errorf("Write into a hole succeeded")
	}
	if v, ok := ReadUint32(im, 0x11fc); !ok || v != 0 {
		t.Errorf("ReadUint32 after failed write = %x %v", v, ok)
	}

	// Reads stop short at a hole.
	if n := im.Read(0x11fc, got); n != 4 {
		t.Errorf("Read at end of region = %d, want 4", n)
	}
	if n := im.Read(0x1800, got); n != 0 {
		t.Errorf("Read in hole = %d, want 0", n)
	}

	im.WritePtr(0x2008, 0xdeadbeef)
	if p, ok := im.ReadPtr(0x2008); !ok || p != 0xdeadbeef {
		t.Errorf("ReadPtr = %x %v", p, ok)
	}
	if _, ok := im.ReadPtr(0x200c); ok {
		t.Errorf("ReadPtr straddling end of memory succeeded")
	}
	if got, want := len(im.Regions()), 3; got != want {
		t.Errorf("len(Regions) = %d, want %d", got, want)
	}
}

func TestImageBase(t *testing.T) {
	base := NewImage(4, nil)
	base.Map(0x1000, 0x1000)
	base.WriteUint32(0x1ffc, 0x11223344)
	base.WriteUint32(0x1000, 0x55667788)

	im := NewImage(4, base)
	im.Map(0x1400, 0x10)
	im.WriteUint32(0x1400, 0x99)

	for _, test := range []struct {
		a    Address
		want uint32
	}{
		{0x1000, 0x55667788},
		{0x1400, 0x99},
		{0x1ffc, 0x11223344},
	} {
		if v, ok := ReadUint32(im, test.a); !ok || v != test.want {
			t.Errorf("ReadUint32(%x) = %x %v, want %x", test.a, v, ok, test.want)
		}
	}

	// A read that starts in the base, crosses the overlay and ends in the base.
	b := make([]byte, 0x20)
	if n := im.Read(0x13f8, b); n != len(b) {
		t.Errorf("Read across overlay = %d, want %d", n, len(b))
	}
	if b[8] != 0x99 {
		t.Errorf("overlay byte = %x, want 99", b[8])
	}
	if n := im.Read(0x1ff8, b); n != 8 {
		t.Errorf("Read off end of base = %d, want 8", n)
	}
}

// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

const ntFile elf.NType = 0x46494c45

// elfCore assembles a little endian amd64 core file.
type elfCore struct {
	typ   elf.Type
	progs []elf.Prog64
	notes bytes.Buffer
	data  []byte // file contents from offset 0x1000 on
}

func (c *elfCore) note(typ elf.NType, desc []byte) {
	binary.Write(&c.notes, binary.LittleEndian, [3]uint32{5, uint32(len(desc)), uint32(typ)})
	c.notes.WriteString("CORE\x00\x00\x00\x00")
	c.notes.Write(desc)
	for c.notes.Len()%4 != 0 {
		c.notes.WriteByte(0)
	}
}

// load adds a PT_LOAD of memsz bytes at vaddr, whose first len(data)
// bytes are stored in the core.
func (c *elfCore) load(vaddr uint64, memsz uint64, flags elf.ProgFlag, data []byte) {
	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(flags),
		Vaddr:  vaddr,
		Filesz: uint64(len(data)),
		Memsz:  memsz,
		Align:  0x1000,
	}
	if len(data) > 0 {
		prog.Off = 0x1000 + uint64(len(c.data))
		c.data = append(c.data, data...)
	}
	c.progs = append(c.progs, prog)
}

func (c *elfCore) write(t *testing.T, path string) {
	t.Helper()
	const headerSize, progSize = 64, 56
	progs := c.progs
	if c.notes.Len() > 0 {
		progs = append([]elf.Prog64{{
			Type:   uint32(elf.PT_NOTE),
			Off:    headerSize + progSize*uint64(len(c.progs)+1),
			Filesz: uint64(c.notes.Len()),
		}}, progs...)
	}
	typ := c.typ
	if typ == 0 {
		typ = elf.ET_CORE
	}
	h := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: progSize,
		Phnum:     uint16(len(progs)),
	}
	copy(h.Ident[:], elf.ELFMAG)
	h.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	h.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	h.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, &h)
	binary.Write(&b, binary.LittleEndian, progs)
	b.Write(c.notes.Bytes())
	if b.Len() > 0x1000 {
		t.Fatalf("core headers take %d bytes", b.Len())
	}
	b.Write(make([]byte, 0x1000-b.Len()))
	b.Write(c.data)
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func prstatus(pid uint32, pc, sp uint64) []byte {
	desc := make([]byte, 336)
	binary.LittleEndian.PutUint32(desc[32:], pid)
	binary.LittleEndian.PutUint64(desc[112+16*8:], pc)
	binary.LittleEndian.PutUint64(desc[112+19*8:], sp)
	return desc
}

func prpsinfo(args string) []byte {
	var info linuxPrPsInfo
	copy(info.Args[:], args)
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, &info)
	return b.Bytes()
}

func ntFileNote(name string, min, max uint64) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, []uint64{1, 0x1000, min, max, 0})
	b.WriteString(name)
	b.WriteByte(0)
	return b.Bytes()
}

// writeTestCore writes a core with a heap page, a stack page of which
// only the first half was dumped, and a library page backed by a file
// under base.
func writeTestCore(t *testing.T) (path, base string) {
	t.Helper()
	dir := t.TempDir()
	base = filepath.Join(dir, "root")
	if err := os.MkdirAll(filepath.Join(base, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	lib := make([]byte, 0x1000)
	binary.LittleEndian.PutUint64(lib[0x10:], 0x1122334455667788)
	if err := os.WriteFile(filepath.Join(base, "lib", "libclr.so"), lib, 0o644); err != nil {
		t.Fatal(err)
	}

	heap := make([]byte, 0x1000)
	binary.LittleEndian.PutUint64(heap[0x20:], 0x600008)
	stack := make([]byte, 0x1000)
	binary.LittleEndian.PutUint32(stack[8:], 0xcafef00d)

	var c elfCore
	c.note(elf.NT_PRSTATUS, prstatus(4242, 0x700010, 0x600ff0))
	c.note(elf.NT_PRPSINFO, prpsinfo("dotnet app.dll"))
	c.note(ntFile, ntFileNote("/lib/libclr.so", 0x700000, 0x701000))
	c.load(0x400000, 0x1000, elf.PF_R|elf.PF_W, heap)
	c.load(0x600000, 0x2000, elf.PF_R, stack)
	c.load(0x700000, 0x1000, elf.PF_R|elf.PF_X, nil)
	c.load(0x800000, 0x1000, 0, nil) // no access, dropped
	path = filepath.Join(dir, "core")
	c.write(t, path)
	return path, base
}

func TestCore(t *testing.T) {
	path, base := writeTestCore(t)
	p, err := Core(path, base)
	if err != nil {
		t.Fatal(err)
	}
	if p.Arch() != "amd64" || p.PtrSize() != 8 {
		t.Errorf("arch %s, ptr size %d", p.Arch(), p.PtrSize())
	}
	if p.Args() != "dotnet app.dll" {
		t.Errorf("args = %q", p.Args())
	}

	var got []string
	for _, m := range p.Mappings() {
		src, off := m.Source()
		got = append(got, fmt.Sprintf("%x-%x %s %s %d", m.Min(), m.Max(), m.Perm().Short(), filepath.Base(src), off))
	}
	want := []string{
		"400000-401000 rw- core 4096",
		"600000-601000 r-- core 8192",
		"601000-602000 r-- . 0",
		"700000-701000 r-x libclr.so 0",
	}
	if !slices.Equal(got, want) {
		t.Errorf("mappings:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}

	if ptr, ok := p.ReadPtr(0x400020); !ok || ptr != 0x600008 {
		t.Errorf("ReadPtr(400020) = %x, %v", ptr, ok)
	}
	if v, ok := ReadUint32(p, 0x600008); !ok || v != 0xcafef00d {
		t.Errorf("stack word = %x, %v", v, ok)
	}
	if v, ok := ReadUint64(p, 0x700010); !ok || v != 0x1122334455667788 {
		t.Errorf("library word = %x, %v", v, ok)
	}
	// The part of the stack missing from the core reads as zero.
	if v, ok := ReadUint64(p, 0x601800); !ok || v != 0 {
		t.Errorf("missing stack word = %x, %v", v, ok)
	}

	buf := make([]byte, 16)
	for _, test := range []struct {
		a    Address
		n    int
		full bool
	}{
		{0x400ff8, 8, false},
		{0x600ff8, 16, true},
		{0x6ffff8, 0, false},
		{0x800000, 0, false},
	} {
		if n := p.Read(test.a, buf); n != test.n {
			t.Errorf("Read(%x) = %d, want %d", test.a, n, test.n)
		}
		if got := p.ReadableN(test.a, 16); got != test.full {
			t.Errorf("ReadableN(%x, 16) = %v, want %v", test.a, got, test.full)
		}
	}
	if !p.Writeable(0x400000) || p.Writeable(0x600000) || p.Readable(0x800000) {
		t.Errorf("permissions: writeable %v %v, readable %v",
			p.Writeable(0x400000), p.Writeable(0x600000), p.Readable(0x800000))
	}

	threads := p.Threads()
	if len(threads) != 1 {
		t.Fatalf("got %d threads, want 1", len(threads))
	}
	if th := threads[0]; th.Pid() != 4242 || th.PC() != 0x700010 || th.SP() != 0x600ff0 || len(th.Regs()) != 27 {
		t.Errorf("thread pid %d pc %x sp %x, %d regs", th.Pid(), th.PC(), th.SP(), len(th.Regs()))
	}
	if mods := p.Modules(); !slices.Equal(mods, []string{"/lib/libclr.so"}) {
		t.Errorf("modules = %q", mods)
	}
	if w := p.Warnings(); len(w) != 1 || !strings.Contains(w[0], "Missing data at addresses [601000 602000]") {
		t.Errorf("warnings = %q", w)
	}
}

func TestCoreMissingLibrary(t *testing.T) {
	path, _ := writeTestCore(t)
	p, err := Core(path, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := ReadUint64(p, 0x700010); !ok || v != 0 {
		t.Errorf("library word without the library = %x, %v", v, ok)
	}
	// One for the unopenable file, one each for the two zero-filled mappings.
	if len(p.Warnings()) != 3 {
		t.Errorf("warnings = %q, want 3", p.Warnings())
	}
}

func TestCoreErrors(t *testing.T) {
	dir := t.TempDir()
	for _, test := range []struct {
		name string
		core elfCore
		err  string
	}{
		{"exec", elfCore{typ: elf.ET_EXEC}, "is not a core file"},
		{"empty", elfCore{}, "has no loadable segments"},
	} {
		path := filepath.Join(dir, test.name)
		test.core.write(t, path)
		if _, err := Core(path, dir); err == nil || !strings.Contains(err.Error(), test.err) {
			t.Errorf("%s: Core = %v, want an error containing %q", test.name, err, test.err)
		}
	}
	if _, err := Core(filepath.Join(dir, "nonexistent"), dir); err == nil {
		t.Errorf("Core of a missing file succeeded")
	}
}

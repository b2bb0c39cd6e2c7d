// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package core gives access to the memory of an inferior process:
// the process that dumped core, a synthetic image assembled in memory,
// or a cached view of either. Memory is always accessed through a Reader,
// and reads report how many bytes they actually managed to read
// instead of failing.
//
// There's nothing CLR-specific about this package. See ../clrcore
// for the next layer up, which interprets the memory as a CLR heap.
package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/clrcore/clrcore/internal/logflags"
)

// A Process represents the state of the process that core dumped.
type Process struct {
	base string // base directory from which files in the core can be found

	files    map[string]*file // files found from the note section
	mappings []*Mapping       // virtual address mappings
	threads  []*Thread        // os threads

	arch      string // amd64, ...
	ptrSize   int64  // 4 or 8
	pageTable pageTable4
	args      string // first part of args retrieved from NT_PRPSINFO

	warnings []string // warnings generated during loading
}

type file struct {
	f   *os.File
	err error
}

// Mappings returns a list of virtual memory mappings for p.
func (p *Process) Mappings() []*Mapping {
	return p.mappings
}

// Read implements Reader.
func (p *Process) Read(a Address, b []byte) int {
	n := 0
	for n < len(b) {
		m := p.pageTable.find(a)
		if m == nil {
			break
		}
		c := m.copyAt(a, b[n:])
		if c == 0 {
			break
		}
		n += c
		a = a.Add(int64(c))
	}
	return n
}

// ReadPtr implements Reader.
func (p *Process) ReadPtr(a Address) (Address, bool) {
	return readPtr(p, a)
}

// ThreadSafe implements Reader. Mapped core contents are never written.
func (p *Process) ThreadSafe() bool {
	return true
}

// Readable reports whether the address a is readable.
func (p *Process) Readable(a Address) bool {
	m := p.pageTable.find(a)
	return m != nil && m.perm&Read != 0
}

// ReadableN reports whether the n bytes starting at address a are readable.
func (p *Process) ReadableN(a Address, n int64) bool {
	for {
		m := p.pageTable.find(a)
		if m == nil || m.perm&Read == 0 {
			return false
		}
		c := m.max.Sub(a)
		if n <= c {
			return true
		}
		n -= c
		a = a.Add(c)
	}
}

// Writeable reports whether the address a was writeable (by the inferior at the time of the core dump).
func (p *Process) Writeable(a Address) bool {
	m := p.pageTable.find(a)
	if m == nil {
		return false
	}
	return m.perm&Write != 0
}

// Threads returns information about each OS thread in the inferior.
func (p *Process) Threads() []*Thread {
	return p.threads
}

func (p *Process) Arch() string {
	return p.arch
}

// PtrSize returns the size in bytes of a pointer in the inferior.
func (p *Process) PtrSize() int64 {
	return p.ptrSize
}

// Modules returns the names of the files mapped into the inferior.
func (p *Process) Modules() []string {
	var names []string
	for name := range p.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Process) Warnings() []string {
	return p.warnings
}

// Args returns the initial part of the program arguments.
func (p *Process) Args() string {
	return p.args
}

var mapFile = func(fd int, offset int64, length int) (data []byte, err error) {
	return nil, fmt.Errorf("file mapping is not implemented yet")
}

// Core takes the name of a core file and returns a Process that
// represents the state of the inferior that generated the core file.
// Files mapped by the inferior are looked up relative to base.
func Core(coreFile, base string) (*Process, error) {
	core, err := os.Open(coreFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open core file: %v", err)
	}

	p := &Process{base: base, files: make(map[string]*file)}
	if err := p.readCore(core); err != nil {
		return nil, err
	}

	// Sort then merge mappings, just to clean up a bit.
	mappings := p.mappings
	if len(mappings) == 0 {
		return nil, fmt.Errorf("%s has no loadable segments", coreFile)
	}
	sort.Slice(mappings, func(i, j int) bool {
		return mappings[i].min < mappings[j].min
	})
	ms := mappings[1:]
	mappings = mappings[:1]
	for _, m := range ms {
		k := mappings[len(mappings)-1]
		if m.min == k.max &&
			m.perm == k.perm &&
			m.f == k.f &&
			m.off == k.off+k.Size() {
			k.max = m.max
		} else {
			mappings = append(mappings, m)
		}
	}
	p.mappings = mappings

	// Memory map all the mappings.
	hostPageSize := int64(syscall.Getpagesize())
	for _, m := range p.mappings {
		size := m.max.Sub(m.min)
		if m.f == nil {
			// We don't have any source for this data.
			// Could be a mapped file that we couldn't find.
			// Could be a mapping madvised as MADV_DONTDUMP.
			// Pretend this is read-as-zero.
			p.warnings = append(p.warnings,
				fmt.Sprintf("Missing data at addresses [%x %x]. Assuming all zero.", m.min, m.max))
			m.contents = make([]byte, size)
			continue
		}
		if m.perm&Write != 0 && m.f != core {
			p.warnings = append(p.warnings,
				fmt.Sprintf("Writeable data at [%x %x] missing from core. Using possibly stale backup source %s.", m.min, m.max, m.f.Name()))
		}
		// Data in core file might not be aligned enough for the host.
		// Expand memory range so we can map full pages.
		minOff := m.off
		maxOff := m.off + size
		minOff -= minOff % hostPageSize
		if maxOff%hostPageSize != 0 {
			maxOff += hostPageSize - maxOff%hostPageSize
		}

		data, err := mapFile(int(m.f.Fd()), minOff, int(maxOff-minOff))
		if err != nil {
			return nil, fmt.Errorf("can't memory map %s at %x: %s", m.f.Name(), minOff, err)
		}

		// Trim any data we mapped but don't need.
		data = data[m.off-minOff:]
		data = data[:size]

		m.contents = data
	}

	// Build page table for mapping lookup.
	for _, m := range p.mappings {
		if err := p.pageTable.add(m); err != nil {
			return nil, err
		}
	}

	log := logflags.CoreLogger()
	for _, w := range p.warnings {
		log.Warn(w)
	}
	log.Debugf("loaded %s: arch=%s ptrsize=%d mappings=%d threads=%d", coreFile, p.arch, p.ptrSize, len(p.mappings), len(p.threads))
	return p, nil
}

func (p *Process) readCore(core *os.File) error {
	e, err := elf.NewFile(core)
	if err != nil {
		return err
	}
	if e.Type != elf.ET_CORE {
		return fmt.Errorf("%s is not a core file", core.Name())
	}
	if e.ByteOrder != binary.LittleEndian {
		return fmt.Errorf("%s: big endian inferiors are not supported", core.Name())
	}
	switch e.Class {
	case elf.ELFCLASS32:
		p.ptrSize = 4
	case elf.ELFCLASS64:
		p.ptrSize = 8
	default:
		return fmt.Errorf("unknown elf class %s", e.Class)
	}
	switch e.Machine {
	case elf.EM_386:
		p.arch = "386"
	case elf.EM_X86_64:
		p.arch = "amd64"
	case elf.EM_ARM:
		p.arch = "arm"
	case elf.EM_AARCH64:
		p.arch = "arm64"
	case elf.EM_LOONGARCH:
		p.arch = "loong64"
	case elf.EM_RISCV:
		p.arch = "riscv64"
	default:
		return fmt.Errorf("unknown arch %s", e.Machine)
	}

	// Load virtual memory mappings.
	for _, prog := range e.Progs {
		if prog.Type == elf.PT_LOAD {
			p.readLoad(core, prog)
		}
	}
	// Load notes (includes file mapping information).
	for _, prog := range e.Progs {
		if prog.Type == elf.PT_NOTE {
			if err := p.readNote(core, e, prog.Off, prog.Filesz); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Process) addMapping(min, max Address, perm Perm, f *os.File, off int64) {
	p.mappings = append(p.mappings, &Mapping{min: min, max: max, perm: perm, f: f, off: off})
}

func (p *Process) readLoad(f *os.File, prog *elf.Prog) {
	min := Address(prog.Vaddr)
	max := min.Add(int64(prog.Memsz))
	var perm Perm
	if prog.Flags&elf.PF_R != 0 {
		perm |= Read
	}
	if prog.Flags&elf.PF_W != 0 {
		perm |= Write
	}
	if prog.Flags&elf.PF_X != 0 {
		perm |= Exec
	}
	if perm == 0 {
		return
	}
	switch {
	case prog.Filesz == 0:
		p.addMapping(min, max, perm, nil, 0)
	case prog.Filesz < prog.Memsz:
		// We only have partial data for this mapping in the core file.
		// Trim the mapping and allocate an anonymous mapping for the remainder.
		mid := min.Add(int64(prog.Filesz))
		p.addMapping(min, mid, perm, f, int64(prog.Off))
		p.addMapping(mid, max, perm, nil, 0)
	default:
		p.addMapping(min, max, perm, f, int64(prog.Off))
	}
}

func (p *Process) readNote(f *os.File, e *elf.File, off, size uint64) error {
	const NT_FILE elf.NType = 0x46494c45

	b := make([]byte, size)
	_, err := f.ReadAt(b, int64(off))
	if err != nil {
		return err
	}
	for len(b) >= 12 {
		namesz := e.ByteOrder.Uint32(b)
		descsz := e.ByteOrder.Uint32(b[4:])
		typ := elf.NType(e.ByteOrder.Uint32(b[8:]))
		b = b[12:]
		if uint64(namesz) > uint64(len(b)) {
			return fmt.Errorf("note name overruns segment")
		}
		name := strings.TrimRight(string(b[:namesz]), "\x00")
		b = b[(namesz+3)/4*4:]
		if uint64(descsz) > uint64(len(b)) {
			return fmt.Errorf("note %s overruns segment", name)
		}
		desc := b[:descsz]
		b = b[min(len(b), int((descsz+3)/4*4)):]

		if name != "CORE" {
			continue
		}
		switch typ {
		case NT_FILE:
			if err := p.readNTFile(e, desc); err != nil {
				return fmt.Errorf("reading NT_FILE: %v", err)
			}
		case elf.NT_PRSTATUS:
			if err := p.readPRStatus(desc); err != nil {
				return fmt.Errorf("reading NT_PRSTATUS: %v", err)
			}
		case elf.NT_PRPSINFO:
			if err := p.readPRPSInfo(desc); err != nil {
				return fmt.Errorf("reading NT_PRPSINFO: %v", err)
			}
		}
	}
	return nil
}

func (p *Process) readNTFile(e *elf.File, desc []byte) error {
	word := func() uint64 {
		var v uint64
		if p.ptrSize == 4 {
			v = uint64(e.ByteOrder.Uint32(desc))
		} else {
			v = e.ByteOrder.Uint64(desc)
		}
		desc = desc[p.ptrSize:]
		return v
	}
	if int64(len(desc)) < 2*p.ptrSize {
		return fmt.Errorf("short NT_FILE note")
	}
	count := word()
	pagesize := word()
	if uint64(len(desc)) < 3*uint64(p.ptrSize)*count {
		return fmt.Errorf("NT_FILE note claims %d entries", count)
	}
	filenames := string(desc[3*uint64(p.ptrSize)*count:])

	for i := uint64(0); i < count; i++ {
		min := Address(word())
		max := Address(word())
		off := int64(word() * pagesize)

		var name string
		j := strings.IndexByte(filenames, 0)
		if j >= 0 {
			name = filenames[:j]
			filenames = filenames[j+1:]
		} else {
			name = filenames
			filenames = ""
		}

		p.splitMappingsAt(min)
		p.splitMappingsAt(max)
		for _, m := range p.mappings {
			if m.max <= min || m.min >= max {
				continue
			}
			f, err := p.openMappedFile(name)
			if err != nil {
				// Can't find mapped file. Lots of missing files are not
				// critical, like a random shared library.
				p.warnings = append(p.warnings, fmt.Sprintf("Missing data for addresses [%x %x] because of failure to %s. Assuming all zero.", m.min, m.max, err))
			}

			if m.f == nil {
				m.f = f
				m.off = off + m.min.Sub(min)
			} else {
				// Data is both in the core file and in a mapped file.
				// Keep the file+offset just for printing.
				m.origF = f
				m.origOff = off + m.min.Sub(min)
			}
		}
	}
	return nil
}

func (p *Process) openMappedFile(fname string) (*os.File, error) {
	if fname == "" {
		return nil, nil
	}
	if backing := p.files[fname]; backing != nil {
		return backing.f, backing.err
	}
	backing := &file{}
	backing.f, backing.err = os.Open(filepath.Join(p.base, fname))
	p.files[fname] = backing
	return backing.f, backing.err
}

// splitMappingsAt ensures that a is not in the middle of any mapping.
// Splits mappings as necessary.
func (p *Process) splitMappingsAt(a Address) {
	for _, m := range p.mappings {
		if a < m.min || a > m.max {
			continue
		}
		if a == m.min || a == m.max {
			return
		}
		// Split this mapping at a.
		m2 := new(Mapping)
		*m2 = *m
		m.max = a
		m2.min = a
		if m2.f != nil {
			m2.off += m.Size()
		}
		if m2.origF != nil {
			m2.origOff += m.Size()
		}
		p.mappings = append(p.mappings, m2)
		return
	}
}

func (p *Process) readPRPSInfo(desc []byte) error {
	if p.arch != "amd64" && p.arch != "arm64" {
		return nil
	}
	prpsinfo := &linuxPrPsInfo{}
	if err := binary.Read(bytes.NewReader(desc), binary.LittleEndian, prpsinfo); err != nil {
		return err
	}
	p.args = strings.Trim(string(prpsinfo.Args[:]), "\x00 ")
	return nil
}

func (p *Process) readPRStatus(desc []byte) error {
	t := &Thread{}
	p.threads = append(p.threads, t)
	// Linux
	//   sys/procfs.h:
	//     struct elf_prstatus {
	//       ...
	//       pid_t	pr_pid;
	//       ...
	//       elf_gregset_t pr_reg;	/* GP registers */
	//       ...
	//     };
	// prstatus layout is different for each arch/os combo.
	switch p.arch {
	case "amd64":
		// 32 = offsetof(prstatus_t, pr_pid), 112 = offsetof(prstatus_t, pr_reg),
		// 216 = sizeof(elf_gregset_t)
		if len(desc) < 112+216 {
			return fmt.Errorf("short prstatus")
		}
		t.pid = uint64(binary.LittleEndian.Uint32(desc[32:]))
		reg := desc[112 : 112+216]
		for i := 0; i < len(reg); i += 8 {
			t.regs = append(t.regs, binary.LittleEndian.Uint64(reg[i:]))
		}
		t.pc = Address(t.regs[16]) // rip
		t.sp = Address(t.regs[19]) // rsp
	case "arm64":
		// 31 general registers, sp, pc, pstate.
		if len(desc) < 112+34*8 {
			return fmt.Errorf("short prstatus")
		}
		t.pid = uint64(binary.LittleEndian.Uint32(desc[32:]))
		reg := desc[112 : 112+34*8]
		for i := 0; i < len(reg); i += 8 {
			t.regs = append(t.regs, binary.LittleEndian.Uint64(reg[i:]))
		}
		t.sp = Address(t.regs[31])
		t.pc = Address(t.regs[32])
	}
	return nil
}

// ELF/Linux types

// linuxPrPsInfo is the info embedded in NT_PRPSINFO.
type linuxPrPsInfo struct {
	State                uint8
	Sname                int8
	Zomb                 uint8
	Nice                 int8
	_                    [4]uint8
	Flag                 uint64
	Uid, Gid             uint32
	Pid, Ppid, Pgrp, Sid int32
	Fname                [16]uint8 // filename of executables
	Args                 [80]uint8 // first part of program args
}

// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clrcore/clrcore/internal/clrcore"
	"github.com/clrcore/clrcore/internal/core"
	"github.com/clrcore/clrcore/internal/gcroot"
	"github.com/clrcore/clrcore/internal/snapshot"
)

// parseAddress accepts a hex address, with or without 0x, or the id of
// a snapshot object written as @id.
func parseAddress(s *snapshot.Snapshot, arg string) core.Address {
	a, err := lookupAddress(s, arg)
	if err != nil {
		exitf("%v\n", err)
	}
	return a
}

func lookupAddress(s *snapshot.Snapshot, arg string) (core.Address, error) {
	if id, ok := strings.CutPrefix(arg, "@"); ok {
		if a, ok := s.Object(id); ok {
			return a, nil
		}
		return 0, fmt.Errorf("no object with id %q", id)
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(arg), "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("can't parse %q as an address", arg)
	}
	return core.Address(n), nil
}

// parseCount parses a decimal byte count, or a hex one prefixed with 0x.
func parseCount(arg string) (int64, error) {
	n, err := strconv.ParseInt(arg, 0, 64)
	if err == nil && n < 0 {
		err = fmt.Errorf("negative count %d", n)
	}
	return n, err
}

// mustObject returns the object at a, giving up if there is none.
func mustObject(h *clrcore.Heap, a core.Address) clrcore.Object {
	obj := h.GetObject(a)
	if !obj.IsValid() {
		exitf("can't find object at address %x\n", a)
	}
	return obj
}

func runObj(cmd *cobra.Command, args []string) {
	s, rt := mustRuntime()
	h := rt.Heap()
	obj := mustObject(h, parseAddress(s, args[0]))
	t := obj.Type

	fmt.Fprintf(stdout, "%s %s\n", addr(uint64(obj.Address)), typeName(t.Name))
	fmt.Fprintf(stdout, "  method table %x, size %d, %s\n", t.MethodTable, obj.Size(), genOf(h, obj.Address))
	if sb := obj.SyncBlock(); sb != nil {
		fmt.Fprintf(stdout, "  sync block %d: held %v by %x, recursion %d, %d waiting, com %s\n",
			sb.Index, sb.MonitorHeld, sb.HoldingThread, sb.Recursion, sb.WaitingThreads, comFlags(sb.ComFlags))
	} else if tl, ok := obj.Thinlock(); ok {
		fmt.Fprintf(stdout, "  thin lock held by thread id %d (%x), recursion %d\n", tl.ThreadID, tl.Thread, tl.Recursion)
	}

	switch {
	case t.IsString():
		str, ok := obj.AsString(conf.GetMaxStringLen())
		if !ok {
			str += "..."
		}
		fmt.Fprintf(stdout, "  %q\n", str)
	case t.IsArray():
		printArray(rt, obj)
	default:
		for i := range t.Fields {
			printField(rt, obj.Address, &t.Fields[i], false, "  ")
		}
	}
	for i := range t.StaticFields {
		f := &t.StaticFields[i]
		fmt.Fprintf(stdout, "  static %s %s = %s\n", f.ElementType, f.Name, readValue(rt, f.Address, f.ElementType))
	}
}

// printField prints field f of the object at a, or of the unboxed
// value at a if interior is set.
func printField(rt *clrcore.Runtime, a core.Address, f *clrcore.Field, interior bool, indent string) {
	loc := f.Address(a, interior)
	if !f.IsValueType() {
		fmt.Fprintf(stdout, "%s%s %s = %s\n", indent, f.ElementType, f.Name, readValue(rt, loc, f.ElementType))
		return
	}
	fmt.Fprintf(stdout, "%s%s %s at %x\n", indent, typeName(typeNameOf(f.Type())), f.Name, loc)
	if ft := f.Type(); ft != nil && len(indent) < maxNesting*2 {
		for i := range ft.Fields {
			printField(rt, loc, &ft.Fields[i], true, indent+"  ")
		}
	}
}

const maxNesting = 8

func typeNameOf(t *clrcore.Type) string {
	if t == nil {
		return "?"
	}
	return t.Name
}

func printArray(rt *clrcore.Runtime, obj clrcore.Object) {
	n := obj.Length()
	fmt.Fprintf(stdout, "  length %d\n", n)
	show := n
	if m := conf.GetMaxArrayValues(); show > m {
		show = m
	}
	elem := obj.Type.ComponentElementType()
	for i := 0; i < show; i++ {
		a := obj.ArrayElementAddress(i)
		if elem == clrcore.ElementStruct {
			fmt.Fprintf(stdout, "  [%d] %s at %x\n", i, typeName(typeNameOf(obj.Type.ComponentType())), a)
			continue
		}
		fmt.Fprintf(stdout, "  [%d] %s\n", i, readValue(rt, a, elem))
	}
	if show < n {
		fmt.Fprintf(stdout, "  ... %d more\n", n-show)
	}
}

// readValue formats the value of type e stored at a.
func readValue(rt *clrcore.Runtime, a core.Address, e clrcore.ElementType) string {
	if e.IsObjectReference() {
		p, ok := rt.Memory().ReadPtr(a)
		if !ok {
			return "<unreadable>"
		}
		if p == 0 {
			return "null"
		}
		obj := rt.Heap().GetObject(p)
		if obj.Type != nil && obj.Type.IsString() {
			if str, ok := obj.AsString(conf.GetMaxStringLen()); ok {
				return fmt.Sprintf("%s %q", addr(uint64(p)), str)
			}
		}
		return addr(uint64(p)) + " " + typeName(obj.TypeName())
	}
	n := e.Size(rt.PtrSize())
	if n == 0 {
		return "?"
	}
	var buf [8]byte
	if rt.Memory().Read(a, buf[:n]) != int(n) {
		return "<unreadable>"
	}
	return formatPrimitive(e, binary.LittleEndian.Uint64(buf[:]), n)
}

// formatPrimitive formats v, the n low bytes of which hold a value of type e.
func formatPrimitive(e clrcore.ElementType, v uint64, n int64) string {
	signed := func() int64 {
		shift := 64 - 8*n
		return int64(v<<shift) >> shift
	}
	switch e {
	case clrcore.ElementBoolean:
		return strconv.FormatBool(v != 0)
	case clrcore.ElementChar:
		return strconv.QuoteRune(rune(v))
	case clrcore.ElementInt8, clrcore.ElementInt16, clrcore.ElementInt32, clrcore.ElementInt64, clrcore.ElementNativeInt:
		return strconv.FormatInt(signed(), 10)
	case clrcore.ElementFloat:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(v))), 'g', -1, 32)
	case clrcore.ElementDouble:
		return strconv.FormatFloat(math.Float64frombits(v), 'g', -1, 64)
	case clrcore.ElementPointer, clrcore.ElementFunctionPointer:
		return fmt.Sprintf("%#x", v)
	}
	return strconv.FormatUint(v, 10)
}

func runRefs(cmd *cobra.Command, args []string) {
	fields, err := cmd.Flags().GetBool("fields")
	if err != nil {
		exitf("%v\n", err)
	}
	referrers, err := cmd.Flags().GetBool("referrers")
	if err != nil {
		exitf("%v\n", err)
	}
	s, rt := mustRuntime()
	h := rt.Heap()
	obj := mustObject(h, parseAddress(s, args[0]))
	carefully := careful(cmd.Flags())

	switch {
	case referrers:
		for r := range h.Referrers(obj.Address) {
			if r.Root != nil {
				fmt.Fprintf(stdout, "root %s\n", r.Root)
				continue
			}
			if r.Offset < 0 {
				fmt.Fprintf(stdout, "%s %s (dependent handle)\n", addr(uint64(r.Object.Address)), typeName(r.Object.TypeName()))
				continue
			}
			fmt.Fprintf(stdout, "%s %s +%d\n", addr(uint64(r.Object.Address)), typeName(r.Object.TypeName()), r.Offset)
		}
	case fields:
		for r := range obj.EnumerateReferencesWithFields(carefully, true) {
			switch {
			case r.IsArrayElement():
				fmt.Fprintf(stdout, "[%d] = %s\n", arrayIndex(obj, r), r.Object)
			default:
				fmt.Fprintln(stdout, r)
			}
		}
	default:
		for ref := range obj.EnumerateReferences(carefully, true) {
			fmt.Fprintf(stdout, "%s %s\n", addr(uint64(ref.Address)), typeName(ref.TypeName()))
		}
	}
}

// arrayIndex returns the index of the element of obj that r was read from.
func arrayIndex(obj clrcore.Object, r clrcore.Reference) int64 {
	t := obj.Type
	if t.ComponentSize == 0 {
		return -1
	}
	// Offsets are from the end of the method table pointer.
	ptr := t.Heap().PtrSize()
	return (r.Offset - (t.StaticSize - 2*ptr)) / t.ComponentSize
}

func runGCRoot(cmd *cobra.Command, args []string) {
	all, err := cmd.Flags().GetBool("all")
	if err != nil {
		exitf("%v\n", err)
	}
	s, rt := mustRuntime()
	h := rt.Heap()
	target := mustObject(h, parseAddress(s, args[0]))

	// Interrupting a long search stops it rather than the shell.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	g := gcroot.New(h, []core.Address{target.Address}, gcroot.WithListSize(conf.GetReferenceListSize()))
	n := 0
	for rp, err := range g.EnumerateRootPaths(ctx) {
		if err != nil {
			fmt.Fprintf(stdout, "search stopped: %v\n", err)
			break
		}
		n++
		fmt.Fprintf(stdout, "%s\n", rp.Root)
		for l := rp.Path; l != nil; l = l.Next {
			obj := h.GetObject(l.Object)
			fmt.Fprintf(stdout, "  -> %s %s\n", addr(uint64(obj.Address)), typeName(obj.TypeName()))
		}
		if !all {
			break
		}
	}
	if n == 0 {
		fmt.Fprintf(stdout, "no root keeps %x alive\n", target.Address)
	}
	fmt.Fprintf(stdout, "walked %d objects\n", g.Walked())
}

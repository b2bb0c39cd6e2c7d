// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/clrcore/clrcore/internal/clrcore"
	"github.com/clrcore/clrcore/internal/config"
	"github.com/clrcore/clrcore/internal/core"
)

// Commands with this annotation complete type names in the shell.
const completeTypes = "complete-types"

// Subcommands
var (
	cmdOverview = &cobra.Command{
		Use:   "overview",
		Short: "print a few overall statistics",
		Args:  cobra.ExactArgs(0),
		Run:   runOverview,
	}

	cmdMappings = &cobra.Command{
		Use:   "mappings",
		Short: "print the memory regions of the snapshot",
		Args:  cobra.ExactArgs(0),
		Run:   runMappings,
	}

	cmdSegments = &cobra.Command{
		Use:   "segments",
		Short: "list heap segments",
		Args:  cobra.ExactArgs(0),
		Run:   runSegments,
	}

	cmdHeaps = &cobra.Command{
		Use:   "heaps",
		Short: "list GC sub-heaps",
		Args:  cobra.ExactArgs(0),
		Run:   runHeaps,
	}

	cmdObjects = &cobra.Command{
		Use:   "objects",
		Short: "print a list of all live objects",
		Args:  cobra.ExactArgs(0),
		Run:   runObjects,
	}

	cmdHistogram = &cobra.Command{
		Use:     "histogram",
		Aliases: []string{"histo"},
		Short:   "print histogram of heap memory use by type",
		Long: "print histogram of heap memory use by type.\n" +
			"If N is specified, it will reports only the top N buckets\n" +
			"based on the total bytes.",
		Args: cobra.ExactArgs(0),
		Run:  runHistogram,
	}

	cmdBreakdown = &cobra.Command{
		Use:   "breakdown",
		Short: "print memory use by segment kind",
		Args:  cobra.ExactArgs(0),
		Run:   runBreakdown,
	}

	cmdTypes = &cobra.Command{
		Use:         "types [<prefix>]",
		Short:       "list types whose name starts with prefix",
		Args:        cobra.RangeArgs(0, 1),
		Run:         runTypes,
		Annotations: map[string]string{completeTypes: "yes"},
	}

	cmdObj = &cobra.Command{
		Use:   "obj <address>",
		Short: "print the fields of an object",
		Args:  cobra.ExactArgs(1),
		Run:   runObj,
	}

	cmdRefs = &cobra.Command{
		Use:   "refs <address>",
		Short: "list the references an object holds, or the references to it",
		Args:  cobra.ExactArgs(1),
		Run:   runRefs,
	}

	cmdRoots = &cobra.Command{
		Use:   "roots",
		Short: "list the roots of the heap",
		Args:  cobra.ExactArgs(0),
		Run:   runRoots,
	}

	cmdGCRoot = &cobra.Command{
		Use:   "gcroot <address>",
		Short: "find paths from roots to an object",
		Args:  cobra.ExactArgs(1),
		Run:   runGCRoot,
	}

	cmdVerify = &cobra.Command{
		Use:   "verify [<address>]",
		Short: "check the heap, or one object, for corruption",
		Args:  cobra.RangeArgs(0, 1),
		Run:   runVerify,
	}

	cmdFinalizable = &cobra.Command{
		Use:   "finalizable",
		Short: "list objects registered for finalization",
		Args:  cobra.ExactArgs(0),
		Run:   runFinalizable,
	}

	cmdSyncBlocks = &cobra.Command{
		Use:   "syncblocks",
		Short: "list the sync block table",
		Args:  cobra.ExactArgs(0),
		Run:   runSyncBlocks,
	}

	cmdThreads = &cobra.Command{
		Use:   "threads",
		Short: "list managed threads",
		Args:  cobra.ExactArgs(0),
		Run:   runThreads,
	}

	cmdObjref = &cobra.Command{
		Use:   "objref <output_filename>",
		Short: "dump retained sizes by reference path",
		Args:  cobra.ExactArgs(1),
		Run:   runObjref,
	}

	cmdRead = &cobra.Command{
		Use:   "read <address> [<size>]",
		Short: "read a chunk of memory",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runRead,
	}

	cmdFlush = &cobra.Command{
		Use:   "flush",
		Short: "drop cached runtime data and memory pages",
		Args:  cobra.ExactArgs(0),
		Run:   runFlush,
	}

	cmdConfig = &cobra.Command{
		Use:   "config",
		Short: "print the configuration in effect",
		Args:  cobra.ExactArgs(0),
		Run:   runConfig,
	}
)

func commands() []*cobra.Command {
	cmdObjects.Flags().String("type", "", "only list objects whose type name starts with this prefix")
	cmdObjects.Flags().Bool("free", false, "include free objects")
	cmdHistogram.Flags().Int("top", 0, "reports only top N entries if N>0")
	cmdRefs.Flags().Bool("fields", false, "name the field holding each reference")
	cmdRefs.Flags().Bool("referrers", false, "list the objects and roots referring to the object instead")
	cmdGCRoot.Flags().Bool("all", false, "report every root with a path, not only the first")
	cmdObjref.Flags().Float64("minwidth", 1, "omit paths retaining less than this percentage of the heap")
	cmdObjref.Flags().Bool("printaddr", false, "print object addresses in paths")
	cmdConfig.Flags().Bool("save", false, "write the configuration in effect back to the config file")

	return []*cobra.Command{
		cmdOverview,
		cmdMappings,
		cmdSegments,
		cmdHeaps,
		cmdObjects,
		cmdHistogram,
		cmdBreakdown,
		cmdTypes,
		cmdObj,
		cmdRefs,
		cmdRoots,
		cmdGCRoot,
		cmdVerify,
		cmdFinalizable,
		cmdSyncBlocks,
		cmdThreads,
		cmdObjref,
		cmdRead,
		cmdFlush,
		cmdConfig,
	}
}

func runOverview(cmd *cobra.Command, args []string) {
	s, rt := mustRuntime()
	h := rt.Heap()

	var heapBytes int64
	for _, seg := range h.Segments() {
		heapBytes += seg.Length()
	}
	var memBytes int64
	for _, r := range s.Regions() {
		memBytes += int64(r.Length())
	}
	nhandles := 0
	for range rt.EnumerateHandles() {
		nhandles++
	}
	mode := "workstation"
	if h.IsServer() {
		mode = "server"
	}

	t := newTable(0)
	fmt.Fprintf(t, "pointer size\t%d\n", rt.PtrSize())
	fmt.Fprintf(t, "gc mode\t%s\n", mode)
	fmt.Fprintf(t, "walkable\t%v\n", h.CanWalkHeap())
	fmt.Fprintf(t, "sub-heaps\t%d\n", len(h.SubHeaps()))
	fmt.Fprintf(t, "segments\t%d\n", len(h.Segments()))
	fmt.Fprintf(t, "heap\t%s\n", size(heapBytes))
	fmt.Fprintf(t, "types\t%d\n", len(h.TypesWithPrefix("")))
	fmt.Fprintf(t, "handles\t%d\n", nhandles)
	fmt.Fprintf(t, "threads\t%d\n", len(rt.Threads()))
	fmt.Fprintf(t, "sync blocks\t%d\n", len(h.EnumerateSyncBlocks()))
	fmt.Fprintf(t, "memory\t%s\n", size(memBytes))
	if p := s.Process(); p != nil {
		fmt.Fprintf(t, "core arch\t%s\n", p.Arch())
	}
	t.Flush()
}

func runMappings(cmd *cobra.Command, args []string) {
	s, _ := mustRuntime()
	t := newTable(tabwriter.AlignRight)
	fmt.Fprintf(t, "min\tmax\tperm\tsource\toriginal\t\n")
	for _, r := range s.Regions() {
		fmt.Fprintf(t, "%x\t%x\trw-\tsnapshot\t\t\n", r.Start, r.End)
	}
	if p := s.Process(); p != nil {
		for _, m := range p.Mappings() {
			file, off := m.Source()
			fmt.Fprintf(t, "%x\t%x\t%s\t%s@%x\t", m.Min(), m.Max(), m.Perm().Short(), file, off)
			if m.CopyOnWrite() {
				file, off = m.OrigSource()
				fmt.Fprintf(t, "%s@%x", file, off)
			}
			fmt.Fprintf(t, "\t\n")
		}
	}
	t.Flush()
}

func runSegments(cmd *cobra.Command, args []string) {
	_, rt := mustRuntime()
	t := newTable(0)
	fmt.Fprintf(t, "heap\tkind\tstart\tend\tcommitted\treserved\tgen0\tgen1\tgen2\n")
	for _, seg := range rt.Heap().Segments() {
		fmt.Fprintf(t, "%d\t%s\t%s\t%s\t%v\t%v\t%s\t%s\t%s\n",
			seg.SubHeap.Index, seg.Kind, addr(uint64(seg.Start())), addr(uint64(seg.End())),
			seg.CommittedMemory, seg.ReservedMemory,
			genRange(seg.Generation0), genRange(seg.Generation1), genRange(seg.Generation2))
	}
	t.Flush()
}

func genRange(r core.MemoryRange) string {
	if r.IsEmpty() {
		return "-"
	}
	return r.String()
}

func runHeaps(cmd *cobra.Command, args []string) {
	_, rt := mustRuntime()
	t := newTable(0)
	fmt.Fprintf(t, "index\taddress\tregions\tstate\tsegments\talloc context\tfinalizable\tready\n")
	ptr := uint64(rt.PtrSize())
	for _, sh := range rt.Heap().SubHeaps() {
		fmt.Fprintf(t, "%d\t%s\t%v\t%s\t%d\t%v\t%d\t%d\n",
			sh.Index, addr(uint64(sh.Address)), sh.HasRegions, sh.State, len(sh.Segments),
			sh.AllocationContext,
			sh.FinalizerQueueObjects.Length()/ptr, sh.FinalizerQueueRoots.Length()/ptr)
	}
	t.Flush()
}

func runObjects(cmd *cobra.Command, args []string) {
	prefix, err := cmd.Flags().GetString("type")
	if err != nil {
		exitf("%v\n", err)
	}
	free, err := cmd.Flags().GetBool("free")
	if err != nil {
		exitf("%v\n", err)
	}
	_, rt := mustRuntime()
	n := 0
	for obj := range rt.Heap().EnumerateObjects(careful(cmd.Flags())) {
		if obj.IsFree() && !free {
			continue
		}
		name := obj.TypeName()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		fmt.Fprintf(stdout, "%16s %8d %s\n", addr(uint64(obj.Address)), obj.Size(), typeName(name))
		n++
	}
	fmt.Fprintf(stdout, "%d objects\n", n)
}

func runHistogram(cmd *cobra.Command, args []string) {
	topN, err := cmd.Flags().GetInt("top")
	if err != nil {
		exitf("%v\n", err)
	}
	_, rt := mustRuntime()
	buckets := rt.Heap().Histogram(careful(cmd.Flags()))

	// report only top N if requested
	if topN > 0 && len(buckets) > topN {
		buckets = buckets[:topN]
	}

	t := newTable(tabwriter.AlignRight)
	fmt.Fprintf(t, "%s\t%s\t%s\t %s\n", "count", "bytes", "mt", "type")
	for _, e := range buckets {
		fmt.Fprintf(t, "%d\t%d\t%x\t %s\n", e.Count, e.Bytes, e.Type.MethodTable, e.Type.Name)
	}
	t.Flush()
}

func runBreakdown(cmd *cobra.Command, args []string) {
	_, rt := mustRuntime()
	t := newTable(tabwriter.AlignRight)
	stats := rt.Heap().Stats(careful(cmd.Flags()))
	all := stats.Value
	var printStat func(*clrcore.Statistic, string)
	printStat = func(s *clrcore.Statistic, indent string) {
		comment := ""
		switch s.Name {
		case "free":
			comment = "(free objects)"
		case "other":
			comment = "(unused tail of the segment)"
		}
		pct := 0.0
		if all > 0 {
			pct = float64(s.Value) * 100 / float64(all)
		}
		fmt.Fprintf(t, "%s\t%d\t%6.2f%%\t %s\n", fmt.Sprintf("%-20s", indent+s.Name), s.Value, pct, comment)
		for c := range s.Children() {
			printStat(c, indent+"  ")
		}
	}
	printStat(stats, "")
	t.Flush()
}

func runTypes(cmd *cobra.Command, args []string) {
	_, rt := mustRuntime()
	h := rt.Heap()
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	t := newTable(0)
	fmt.Fprintf(t, "mt\tsize\tcomponent\tfields\tname\n")
	for _, name := range h.TypesWithPrefix(prefix) {
		typ := h.GetTypeByName(name)
		if typ == nil {
			continue
		}
		fmt.Fprintf(t, "%s\t%d\t%d\t%d\t%s\n", addr(uint64(typ.MethodTable)), typ.StaticSize, typ.ComponentSize, len(typ.Fields), typeName(typ.Name))
	}
	t.Flush()
}

func runRoots(cmd *cobra.Command, args []string) {
	_, rt := mustRuntime()
	t := newTable(0)
	fmt.Fprintf(t, "kind\tlocation\tobject\tflags\ttype\n")
	for r := range rt.Heap().EnumerateRoots() {
		var flags []string
		if r.IsInterior {
			flags = append(flags, "interior")
		}
		if r.IsPinned {
			flags = append(flags, "pinned")
		}
		fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%s\n", r.Kind, addr(uint64(r.Address)), addr(uint64(r.Object.Address)),
			strings.Join(flags, ","), typeName(r.Object.TypeName()))
	}
	t.Flush()
}

func runVerify(cmd *cobra.Command, args []string) {
	s, rt := mustRuntime()
	h := rt.Heap()
	if len(args) == 1 {
		a := parseAddress(s, args[0])
		found, ok := h.FullyVerifyObject(a)
		if ok {
			fmt.Fprintf(stdout, "%s is a valid object\n", addr(uint64(a)))
			return
		}
		for _, c := range found {
			fmt.Fprintln(stdout, paint(colorWarn, c.String()))
		}
		return
	}
	n := 0
	for c := range h.VerifyHeap() {
		fmt.Fprintln(stdout, paint(colorWarn, c.String()))
		n++
	}
	if n == 0 {
		fmt.Fprintln(stdout, "no corruption found")
		return
	}
	fmt.Fprintf(stdout, "%d problems found\n", n)
}

func runFinalizable(cmd *cobra.Command, args []string) {
	_, rt := mustRuntime()
	h := rt.Heap()
	fmt.Fprintln(stdout, "registered for finalization:")
	for obj := range h.EnumerateFinalizableObjects() {
		fmt.Fprintf(stdout, "  %s %s %s\n", addr(uint64(obj.Address)), genOf(h, obj.Address), typeName(obj.TypeName()))
	}
	fmt.Fprintln(stdout, "ready for finalization:")
	for r := range h.EnumerateFinalizerRoots() {
		fmt.Fprintf(stdout, "  %s %s\n", addr(uint64(r.Object.Address)), typeName(r.Object.TypeName()))
	}
}

func genOf(h *clrcore.Heap, a core.Address) clrcore.Generation {
	seg := h.GetSegmentByAddress(a)
	if seg == nil {
		return clrcore.GenerationUnknown
	}
	return seg.Generation(a)
}

func runSyncBlocks(cmd *cobra.Command, args []string) {
	_, rt := mustRuntime()
	t := newTable(0)
	fmt.Fprintf(t, "index\tobject\theld\towner\trecursion\twaiting\tcom\n")
	for _, sb := range rt.Heap().EnumerateSyncBlocks() {
		owner := "-"
		if sb.HoldingThread != 0 {
			owner = addr(uint64(sb.HoldingThread))
		}
		fmt.Fprintf(t, "%d\t%s\t%v\t%s\t%d\t%d\t%s\n", sb.Index, addr(uint64(sb.Object)), sb.MonitorHeld, owner,
			sb.Recursion, sb.WaitingThreads, comFlags(sb.ComFlags))
	}
	t.Flush()
}

func comFlags(f clrcore.ComFlags) string {
	var s []string
	if f&clrcore.ComCallableWrapper != 0 {
		s = append(s, "ccw")
	}
	if f&clrcore.ComRuntimeCallableWrapper != 0 {
		s = append(s, "rcw")
	}
	if f&clrcore.ComComClassFactory != 0 {
		s = append(s, "factory")
	}
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ",")
}

func runThreads(cmd *cobra.Command, args []string) {
	_, rt := mustRuntime()
	t := newTable(0)
	fmt.Fprintf(t, "address\tos id\tmanaged id\talive\talloc context\troots\n")
	for _, th := range rt.Threads() {
		n := 0
		for range th.EnumerateStackRoots() {
			n++
		}
		fmt.Fprintf(t, "%s\t%d\t%d\t%v\t%v\t%d\n", addr(uint64(th.Address)), th.OSThreadID, th.ManagedThreadID,
			th.IsAlive, th.AllocContext, n)
	}
	t.Flush()
}

func runRead(cmd *cobra.Command, args []string) {
	s, rt := mustRuntime()
	a := parseAddress(s, args[0])
	n := int64(256)
	if len(args) > 1 {
		var err error
		n, err = parseCount(args[1])
		if err != nil {
			exitf("can't parse %q as a byte count\n", args[1])
		}
	}
	b := make([]byte, n)
	if got := rt.Memory().Read(a, b); got != len(b) {
		exitf("address range [%x,%x] not readable\n", a, a.Add(n))
	}
	for i, x := range b {
		if i%16 == 0 {
			if i > 0 {
				fmt.Fprintln(stdout)
			}
			fmt.Fprintf(stdout, "%s:", addr(uint64(a.Add(int64(i)))))
		}
		fmt.Fprintf(stdout, " %02x", x)
	}
	fmt.Fprintln(stdout)
}

func runFlush(cmd *cobra.Command, args []string) {
	_, rt := mustRuntime()
	if cache.reader != nil {
		hits, misses := cache.reader.Stats()
		fmt.Fprintf(stdout, "page cache: %d hits, %d misses\n", hits, misses)
	}
	rt.FlushCachedData()
	fmt.Fprintln(stdout, "flushed")
}

func runConfig(cmd *cobra.Command, args []string) {
	save, err := cmd.Flags().GetBool("save")
	if err != nil {
		exitf("%v\n", err)
	}
	dir, err := config.GetConfigFilePath("")
	if err != nil {
		exitf("%v\n", err)
	}
	if save {
		if err := config.SaveConfig(dir, conf); err != nil {
			exitf("%v\n", err)
		}
	}
	out, err := yaml.Marshal(conf)
	if err != nil {
		exitf("%v\n", err)
	}
	fmt.Fprintf(stdout, "# %s\n", dir)
	stdout.Write(out)
	t := newTable(0)
	fmt.Fprintf(t, "page-cache-pages\t%d\n", conf.GetPageCachePages())
	if ps, err := conf.GetPageSize(); err == nil {
		fmt.Fprintf(t, "page-size\t%s\n", size(ps))
	} else {
		fmt.Fprintf(t, "page-size\t%v\n", err)
	}
	fmt.Fprintf(t, "reference-list-size\t%d\n", conf.GetReferenceListSize())
	fmt.Fprintf(t, "max-string-len\t%d\n", conf.GetMaxStringLen())
	fmt.Fprintf(t, "max-array-values\t%d\n", conf.GetMaxArrayValues())
	t.Flush()
}

// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/clrcore/clrcore/internal/clrcore"
	"github.com/clrcore/clrcore/internal/core"
)

type objRef struct {
	link string
	node *objNode
}

type objNode struct {
	addr core.Address
	name string
	size int64
	refs []*objRef
}

// objGraph assigns every object reachable from a root to the first
// root, in breadth first order, that reaches it.
type objGraph struct {
	all     map[core.Address]*objNode
	visited map[core.Address]bool
	roots   []*objNode
}

func newObjGraph() *objGraph {
	return &objGraph{
		all:     map[core.Address]*objNode{},
		visited: map[core.Address]bool{},
	}
}

func (g *objGraph) node(name string, a core.Address, size int64) *objNode {
	if n, ok := g.all[a]; ok {
		return n
	}
	n := &objNode{name: name, addr: a, size: size}
	g.all[a] = n
	return n
}

// addRoot adds a root node, unless its object was already claimed.
func (g *objGraph) addRoot(n *objNode) {
	if g.visited[n.addr] {
		return
	}
	c := nodeCopy(n)
	g.roots = append(g.roots, c)
	g.visited[c.addr] = true
}

// claim builds the unique reference tree below nodes, breadth first.
func (g *objGraph) claim(nodes []*objNode) {
	for len(nodes) > 0 {
		var next []*objNode
		for _, n := range nodes {
			for _, ref := range g.all[n.addr].refs {
				if g.visited[ref.node.addr] {
					continue
				}
				c := nodeCopy(ref.node)
				n.refs = append(n.refs, &objRef{node: c, link: ref.link})
				g.visited[c.addr] = true
				next = append(next, c)
			}
		}
		nodes = next
	}
}

func nodeCopy(n *objNode) *objNode {
	c := *n
	c.refs = nil
	return &c
}

// treeSize sets the size of every node to the bytes it retains.
func treeSize(n *objNode) int64 {
	size := n.size
	for _, ref := range n.refs {
		size += treeSize(ref.node)
	}
	n.size = size
	return size
}

func runObjref(cmd *cobra.Command, args []string) {
	minWidth, err := cmd.Flags().GetFloat64("minwidth")
	if err != nil {
		exitf("%v\n", err)
	}
	printAddr, err := cmd.Flags().GetBool("printaddr")
	if err != nil {
		exitf("%v\n", err)
	}
	_, rt := mustRuntime()
	h := rt.Heap()
	g := buildObjGraph(h, careful(cmd.Flags()))

	var total int64
	for _, r := range g.roots {
		total += treeSize(r)
	}
	fmt.Fprintf(os.Stderr, "retained size %v\n", size(total))

	filename := args[0]
	w, err := os.Create(filename)
	if err != nil {
		exitf("%v\n", err)
	}
	p := refPrinter{w: w, total: total, minWidth: minWidth, printAddr: printAddr}
	var printed int64
	for _, r := range g.roots {
		printed += p.print(nil, r)
	}
	if err := w.Close(); err != nil {
		exitf("%v\n", err)
	}
	fmt.Fprintf(os.Stderr, "printed size: %v\n", size(printed))
	fmt.Fprintf(os.Stderr, "wrote the object reference to %q\n", filename)
}

func buildObjGraph(h *clrcore.Heap, carefully bool) *objGraph {
	g := newObjGraph()
	for obj := range h.EnumerateObjects(carefully) {
		if obj.IsFree() || !obj.IsValid() {
			continue
		}
		n := g.node(obj.TypeName(), obj.Address, obj.Size())
		for r := range obj.EnumerateReferencesWithFields(carefully, true) {
			if !r.Object.IsValid() {
				continue
			}
			c := g.node(r.Object.TypeName(), r.Object.Address, r.Object.Size())
			n.refs = append(n.refs, &objRef{node: c, link: refLink(r)})
		}
	}
	for r := range h.EnumerateRoots() {
		if !r.Object.IsValid() {
			continue
		}
		root := nodeCopy(g.node(r.Object.TypeName(), r.Object.Address, r.Object.Size()))
		root.name = fmt.Sprintf("%s %s", r.Kind, root.name)
		g.addRoot(root)
	}
	g.claim(g.roots)
	return g
}

func refLink(r clrcore.Reference) string {
	switch {
	case r.IsDependentHandle:
		return "(dependent)"
	case r.IsField():
		var b strings.Builder
		b.WriteString("." + r.Field.Name)
		for inner, ok := r.InnerField(); ok; inner, ok = inner.InnerField() {
			b.WriteString("." + inner.Field.Name)
		}
		return b.String()
	}
	return ""
}

type refPrinter struct {
	w         io.Writer
	total     int64
	minWidth  float64
	printAddr bool
}

// print writes the paths below n retaining at least minWidth percent of
// the total, and returns the size printed.
func (p *refPrinter) print(path []string, n *objNode) int64 {
	if p.total == 0 || float64(n.size)/float64(p.total) < p.minWidth/100 {
		return 0
	}
	if p.printAddr {
		path = append(path, fmt.Sprintf("%v 0x%x", n.name, n.addr))
	} else {
		path = append(path, n.name)
	}
	var printed int64
	for _, ref := range n.refs {
		rpath := path
		if ref.link != "" {
			rpath = append(rpath[:len(rpath):len(rpath)], ref.link)
		}
		printed += p.print(rpath, ref.node)
	}
	if float64(n.size-printed)/float64(p.total) < p.minWidth/100 {
		return printed
	}
	fmt.Fprintf(p.w, "%v\n\t%d\n", refPath(path), n.size-printed)
	return n.size
}

// refPath joins path innermost first, dropping unprintable runes.
func refPath(path []string) string {
	rev := make([]string, len(path))
	for i, v := range path {
		rev[len(rev)-1-i] = strings.Map(func(r rune) rune {
			if r == '+' || r == '?' {
				return '.'
			}
			if unicode.IsPrint(r) {
				return r
			}
			return -1
		}, v)
	}
	return strings.Join(rev, "\n")
}

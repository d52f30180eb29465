// Package memplan implements the liveness-based memory planner: a
// single linear scan over a graph's nodes that assigns each produced
// value to a buffer, reusing a buffer once its prior occupant's last
// use has passed and its descriptor exactly matches.
package memplan

import (
	"fmt"
	"strings"

	"bwpp/internal/graph"
	"bwpp/internal/shape"
)

// Descriptor is the (dtype, layout, shape) triple buffers are matched
// on. Matching is conservative: differing symbolic shape strings never
// alias even if they would be numerically equal.
type Descriptor struct {
	Dtype  shape.Dtype
	Layout shape.Layout
	Shape  shape.Shape
}

func (d Descriptor) Equal(o Descriptor) bool {
	return d.Dtype == o.Dtype && d.Layout == o.Layout && d.Shape.Equal(o.Shape)
}

// Buffer is one pooled allocation.
type Buffer struct {
	ID         int
	Descriptor Descriptor
}

// Plan is the memory planner's output: the buffer pool and the
// value-id -> buffer-id assignment. Inputs and consts never appear in
// ValueToBuffer.
type Plan struct {
	Buffers       []Buffer
	ValueToBuffer map[int]int
}

// Build runs the planner over g.
func Build(g *graph.Graph) *Plan {
	p := &Plan{ValueToBuffer: map[int]int{}}

	lastUse := make([]int, len(g.Values))
	for i := range lastUse {
		lastUse[i] = -1
	}
	for i, n := range g.Nodes {
		for _, op := range n.Operands {
			lastUse[op] = i
		}
	}
	for _, out := range g.Outputs {
		lastUse[out] = len(g.Nodes) // never released
	}

	var freeList []int
	for i, n := range g.Nodes {
		for _, op := range n.Operands {
			if lastUse[op] == i {
				if bufID, ok := p.ValueToBuffer[op]; ok {
					freeList = append(freeList, bufID)
				}
			}
		}

		v := g.Values[n.Result]
		if v.Flags.Has(graph.FlagInput) || v.Flags.Has(graph.FlagConst) {
			continue
		}
		desc := Descriptor{Dtype: v.Dtype, Layout: v.Layout, Shape: v.Shape}
		p.ValueToBuffer[n.Result] = p.allocate(desc, &freeList)
	}
	return p
}

// allocate picks the first free-list buffer whose descriptor exactly
// matches desc, or appends a new buffer to the pool.
func (p *Plan) allocate(desc Descriptor, freeList *[]int) int {
	for i, bufID := range *freeList {
		if p.Buffers[bufID].Descriptor.Equal(desc) {
			*freeList = append((*freeList)[:i], (*freeList)[i+1:]...)
			return bufID
		}
	}
	id := len(p.Buffers)
	p.Buffers = append(p.Buffers, Buffer{ID: id, Descriptor: desc})
	return id
}

// Dump renders the fixed memory-plan text format:
//
//	buffers=<n> values=<m>
//	buffer<i> <dtype> [<dim0>,<dim1>,...] <layout>
//	v<j> -> buffer<k>
func (p *Plan) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "buffers=%d values=%d\n", len(p.Buffers), len(p.ValueToBuffer))
	for _, buf := range p.Buffers {
		fmt.Fprintf(&sb, "buffer%d %s %s %s\n", buf.ID, buf.Descriptor.Dtype, buf.Descriptor.Shape, buf.Descriptor.Layout)
	}
	ids := make([]int, 0, len(p.ValueToBuffer))
	for v := range p.ValueToBuffer {
		ids = append(ids, v)
	}
	sortInts(ids)
	for _, v := range ids {
		fmt.Fprintf(&sb, "v%d -> buffer%d\n", v, p.ValueToBuffer[v])
	}
	return sb.String()
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

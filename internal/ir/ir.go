// Package ir lowers either the graph path or the legacy AST op-stream
// path into a flat IR module: an ordered list of op kinds carrying
// region ids and per-op flags, plus module-level flags such as
// HAS_ATTENTION. Gradient-only op kinds have no IR equivalent and are
// silently dropped when lowering from a graph (a documented, by-design
// lowering skip, not an error).
package ir

import (
	"bwpp/internal/ast"
	"bwpp/internal/graph"
)

// Op is one flat IR instruction.
type Op struct {
	Kind   graph.OpKind
	Region int
	Flags  graph.NodeFlags
}

// RegionInfo is the IR-local, remapped region record.
type RegionInfo struct {
	Kind   graph.RegionKind
	Policy graph.RegionPolicy
}

// Module is the flat IR: an ordered op stream, a compacted region
// table, and module-level flags.
type Module struct {
	Ops          []Op
	Regions      []RegionInfo
	HasAttention bool
}

var gradientOnly = map[graph.OpKind]bool{
	graph.SiLUGrad:      true,
	graph.SoftmaxGrad:   true,
	graph.RMSNormGrad:   true,
	graph.ReduceMaxMask: true,
	graph.ReduceMaxGrad: true,
}

// LowerGraph converts a typed dataflow graph into a flat IR module.
// Region ids are remapped through a local table built in first-use
// order; op kinds with no IR equivalent are skipped.
func LowerGraph(g *graph.Graph, hasAttention bool) *Module {
	m := &Module{HasAttention: hasAttention}
	remap := map[int]int{}
	for _, n := range g.Nodes {
		if gradientOnly[n.Op] {
			continue
		}
		region := graph.NoRegion
		if n.Region != graph.NoRegion {
			rid, ok := remap[n.Region]
			if !ok {
				rid = len(m.Regions)
				remap[n.Region] = rid
				rg := g.Regions[n.Region]
				m.Regions = append(m.Regions, RegionInfo{Kind: rg.Kind, Policy: rg.Policy})
			}
			region = rid
		}
		m.Ops = append(m.Ops, Op{Kind: n.Op, Region: region, Flags: n.Flags})
	}
	return m
}

// LowerAST converts the legacy AST op stream into a flat IR module.
func LowerAST(a *ast.Module, hasAttention bool) *Module {
	m := &Module{HasAttention: hasAttention}
	for _, r := range a.Regions {
		m.Regions = append(m.Regions, RegionInfo{Kind: r.Kind, Policy: r.Policy})
	}
	for _, op := range a.Ops {
		m.Ops = append(m.Ops, Op{Kind: op.Op, Region: op.Region, Flags: op.Flags})
	}
	return m
}

func (m *Module) HasOp(kind graph.OpKind) bool {
	for _, op := range m.Ops {
		if op.Kind == kind {
			return true
		}
	}
	return false
}

func (m *Module) HasBiasAdd() bool {
	for _, op := range m.Ops {
		if op.Kind == graph.Add && op.Flags.Has(graph.FlagHasBias) {
			return true
		}
	}
	return false
}

func (m *Module) ReversibleRegionCount() int {
	n := 0
	for _, r := range m.Regions {
		if r.Kind == graph.RegionReversible {
			n++
		}
	}
	return n
}

// ReversiblePolicySummary mirrors graph.Graph.ReversiblePolicySummary
// over the IR's own (remapped) region table.
func (m *Module) ReversiblePolicySummary() string {
	var sawStore, sawRecompute, sawAuto, any bool
	for _, r := range m.Regions {
		if r.Kind != graph.RegionReversible {
			continue
		}
		any = true
		switch r.Policy {
		case graph.PolicyStore:
			sawStore = true
		case graph.PolicyRecompute:
			sawRecompute = true
		default:
			sawAuto = true
		}
	}
	if !any {
		return "auto"
	}
	switch {
	case sawStore && !sawRecompute && !sawAuto:
		return "store"
	case sawRecompute && !sawStore && !sawAuto:
		return "recompute"
	case sawStore || sawRecompute:
		return "mixed"
	default:
		return "auto"
	}
}

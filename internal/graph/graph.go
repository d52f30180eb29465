// Package graph implements the typed dataflow graph: value pool, node
// pool, region pool, shape inference, and the expression-parsing
// builder that produces a graph directly from source text.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"bwpp/internal/shape"
)

// OpKind is the closed set of graph operation kinds.
type OpKind int

const (
	Matmul OpKind = iota
	BatchMatmul
	Transpose
	Permute
	Reshape
	Broadcast
	Add
	Sub
	Mul
	Div
	ReduceSum
	ReduceMax
	Softmax
	RMSNorm
	SiLU
	SiLUGrad
	SoftmaxGrad
	RMSNormGrad
	ReduceMaxMask
	ReduceMaxGrad
)

var opKindNames = [...]string{
	"matmul", "batch_matmul", "transpose", "permute", "reshape", "broadcast",
	"add", "sub", "mul", "div", "reduce_sum", "reduce_max", "softmax",
	"rmsnorm", "silu", "silu_grad", "softmax_grad", "rmsnorm_grad",
	"reduce_max_mask", "reduce_max_grad",
}

func (k OpKind) String() string {
	if int(k) < 0 || int(k) >= len(opKindNames) {
		return "unknown"
	}
	return opKindNames[k]
}

// ValueFlags marks how a value originates.
type ValueFlags uint8

const (
	FlagInput ValueFlags = 1 << iota
	FlagOutput
	FlagConst
)

func (f ValueFlags) Has(flag ValueFlags) bool { return f&flag != 0 }

// NoProducer marks a Value with no producing node (input/const).
const NoProducer = -1

// NoRegion marks a node or value as outside any region.
const NoRegion = -1

// Value is a node in the dataflow graph. It is appended once and never
// removed; after creation the builder still sets its Name (let
// binding), AddNode sets its Producer, and MarkOutput sets its output
// flag.
type Value struct {
	ID       int
	Name     string
	Dtype    shape.Dtype
	Shape    shape.Shape
	Layout   shape.Layout
	Producer int
	Flags    ValueFlags
}

// Attrs holds the attribute record a node may carry: axis, epsilon,
// target shape (reshape), and permutation (permute).
type Attrs struct {
	HasAxis     bool
	Axis        int
	HasEpsilon  bool
	Epsilon     float64
	TargetShape shape.Shape
	Perm        []int
}

// NodeFlags are boolean properties attached to a node.
type NodeFlags uint8

const (
	FlagHasBias NodeFlags = 1 << iota
)

func (f NodeFlags) Has(flag NodeFlags) bool { return f&flag != 0 }

// Node is an operation in the graph: a bounded operand list (<=4
// value ids, ordered), a single result value id, an optional region,
// flags, and attributes.
type Node struct {
	ID       int
	Op       OpKind
	Operands []int
	Result   int
	Region   int
	Flags    NodeFlags
	Attrs    Attrs
}

// RegionKind distinguishes a normal scope from a reversible one.
type RegionKind int

const (
	RegionNormal RegionKind = iota
	RegionReversible
)

// RegionPolicy is the activation-retention strategy for a reversible
// region.
type RegionPolicy int

const (
	PolicyAuto RegionPolicy = iota
	PolicyStore
	PolicyRecompute
)

func (p RegionPolicy) String() string {
	switch p {
	case PolicyStore:
		return "store"
	case PolicyRecompute:
		return "recompute"
	default:
		return "auto"
	}
}

// Region is a named scope around a sequence of ops.
type Region struct {
	ID     int
	Name   string
	Kind   RegionKind
	Policy RegionPolicy
}

// Graph owns the value pool, node pool, region pool, and the ordered
// output list. Pools are append-only; ids are simply insertion index.
// A node is added only after all of its operand values exist, so each
// operand's producer, if any, is an earlier node.
type Graph struct {
	Values  []Value
	Nodes   []Node
	Regions []Region
	Outputs []int
}

func New() *Graph {
	return &Graph{}
}

// AddValue appends a new value and returns its id.
func (g *Graph) AddValue(v Value) int {
	v.ID = len(g.Values)
	g.Values = append(g.Values, v)
	return v.ID
}

// AddNode appends a new node, wiring Result.Producer, and returns its id.
func (g *Graph) AddNode(n Node) int {
	n.ID = len(g.Nodes)
	g.Nodes = append(g.Nodes, n)
	if n.Result >= 0 && n.Result < len(g.Values) {
		g.Values[n.Result].Producer = n.ID
	}
	return n.ID
}

// AddRegion appends a new region and returns its id.
func (g *Graph) AddRegion(r Region) int {
	r.ID = len(g.Regions)
	g.Regions = append(g.Regions, r)
	return r.ID
}

// MarkOutput flags a value as an output and appends it to Outputs,
// unless it is already present.
func (g *Graph) MarkOutput(id int) {
	g.Values[id].Flags |= FlagOutput
	for _, o := range g.Outputs {
		if o == id {
			return
		}
	}
	g.Outputs = append(g.Outputs, id)
}

// CheckInvariants verifies the topology well-formedness property: every
// operand is an existing value whose producer, if any, is an earlier
// node (no forward references), every region id is valid or NoRegion,
// and every output is produced or flagged input/const.
func (g *Graph) CheckInvariants() error {
	for _, n := range g.Nodes {
		for _, op := range n.Operands {
			if op < 0 || op >= len(g.Values) {
				return fmt.Errorf("node %d: operand %d out of range", n.ID, op)
			}
			if p := g.Values[op].Producer; p != NoProducer && p >= n.ID {
				return fmt.Errorf("node %d: operand %d is produced by node %d, not by an earlier node", n.ID, op, p)
			}
		}
		if n.Region != NoRegion && (n.Region < 0 || n.Region >= len(g.Regions)) {
			return fmt.Errorf("node %d: region %d invalid", n.ID, n.Region)
		}
	}
	for _, id := range g.Outputs {
		v := g.Values[id]
		if v.Producer == NoProducer && !v.Flags.Has(FlagInput) && !v.Flags.Has(FlagConst) {
			return fmt.Errorf("value %d: output has no producer and is not input/const", id)
		}
	}
	return nil
}

// ReversiblePolicySummary scans the region pool: "store" if every
// reversible region is store, "recompute" if every one is recompute,
// "mixed" if they differ and at least one is store or recompute, "auto"
// otherwise (including no regions).
func (g *Graph) ReversiblePolicySummary() string {
	var sawStore, sawRecompute, sawAuto, any bool
	for _, r := range g.Regions {
		if r.Kind != RegionReversible {
			continue
		}
		any = true
		switch r.Policy {
		case PolicyStore:
			sawStore = true
		case PolicyRecompute:
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

// DumpText renders a line-per-node textual dump for quick diffing, the
// Go equivalent of the original's grep-friendly plain dump.
func (g *Graph) DumpText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "values=%d nodes=%d regions=%d outputs=%d\n", len(g.Values), len(g.Nodes), len(g.Regions), len(g.Outputs))
	for _, v := range g.Values {
		fmt.Fprintf(&sb, "v%d %s %s %s", v.ID, v.Name, v.Dtype, v.Shape)
		if v.Flags.Has(FlagInput) {
			sb.WriteString(" input")
		}
		if v.Flags.Has(FlagOutput) {
			sb.WriteString(" output")
		}
		if v.Flags.Has(FlagConst) {
			sb.WriteString(" const")
		}
		sb.WriteString("\n")
	}
	for _, n := range g.Nodes {
		fmt.Fprintf(&sb, "n%d %s operands=%v result=v%d", n.ID, n.Op, n.Operands, n.Result)
		if n.Region != NoRegion {
			fmt.Fprintf(&sb, " region=%d", n.Region)
		}
		if n.Flags.Has(FlagHasBias) {
			sb.WriteString(" has_bias")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// DumpDot renders a Graphviz digraph with ellipse value nodes (blue for
// inputs, green for outputs) and box op nodes, edges operand->op->result.
func (g *Graph) DumpDot() string {
	var sb strings.Builder
	sb.WriteString("digraph bwpp {\n")
	ids := make([]int, len(g.Values))
	for i := range ids {
		ids[i] = i
	}
	sort.Ints(ids)
	for _, id := range ids {
		v := g.Values[id]
		fill := "white"
		if v.Flags.Has(FlagInput) {
			fill = "lightblue"
		}
		if v.Flags.Has(FlagOutput) {
			fill = "lightgreen"
		}
		fmt.Fprintf(&sb, "  v%d [shape=ellipse,style=filled,fillcolor=%s,label=\"%s\\n%s %s\"];\n",
			id, fill, v.Name, v.Dtype, v.Shape)
	}
	for _, n := range g.Nodes {
		fmt.Fprintf(&sb, "  n%d [shape=box,label=\"%s\"];\n", n.ID, n.Op)
		for _, op := range n.Operands {
			fmt.Fprintf(&sb, "  v%d -> n%d;\n", op, n.ID)
		}
		fmt.Fprintf(&sb, "  n%d -> v%d;\n", n.ID, n.Result)
	}
	sb.WriteString("}\n")
	return sb.String()
}

// Package autodiff implements the reverse-mode gradient graph
// transform: given a forward graph, it builds a second, independent
// graph whose inputs are every forward input, one gradient seed per
// forward output, and any other forward activation a gradient rule
// reads (imported lazily as an input), and whose outputs are the
// gradients of each forward input.
package autodiff

import (
	"fmt"
	"os"

	"bwpp/internal/graph"
	"bwpp/internal/shape"
)

// Transform runs the reverse-mode pass over g and returns the
// gradient graph g'.
func Transform(g *graph.Graph) *graph.Graph {
	t := &transform{
		fwd:     g,
		g:       graph.New(),
		actMap:  map[int]int{},
		gradMap: map[int]int{},
	}
	t.seedInputs()
	t.seedOutputGrads()
	t.walkBackward()
	t.markOutputs()
	return t.g
}

type transform struct {
	fwd     *graph.Graph
	g       *graph.Graph
	actMap  map[int]int // forward value id -> gradient-graph value id
	gradMap map[int]int // forward value id -> accumulated gradient value id in g
}

// seedInputs eagerly clones every forward input into g as an input,
// registering it in actMap so later activation imports reuse the same
// clone instead of creating a duplicate.
func (t *transform) seedInputs() {
	for _, v := range t.fwd.Values {
		if !v.Flags.Has(graph.FlagInput) {
			continue
		}
		id := t.g.AddValue(graph.Value{
			Name: v.Name, Dtype: v.Dtype, Shape: v.Shape.Clone(), Layout: v.Layout,
			Producer: graph.NoProducer, Flags: graph.FlagInput,
		})
		t.actMap[v.ID] = id
	}
}

// seedOutputGrads creates one fresh gradient-seed input per forward
// output and records it in gradMap.
func (t *transform) seedOutputGrads() {
	for _, outID := range t.fwd.Outputs {
		v := t.fwd.Values[outID]
		id := t.g.AddValue(graph.Value{
			Name: "grad_" + v.Name, Dtype: v.Dtype, Shape: v.Shape.Clone(), Layout: v.Layout,
			Producer: graph.NoProducer, Flags: graph.FlagInput,
		})
		t.gradMap[outID] = id
	}
}

// importAct returns the gradient-graph activation clone of forward
// value id, importing it lazily (and caching it) the first time it is
// read by a gradient rule.
func (t *transform) importAct(id int) int {
	if gid, ok := t.actMap[id]; ok {
		return gid
	}
	v := t.fwd.Values[id]
	gid := t.g.AddValue(graph.Value{
		Name: v.Name, Dtype: v.Dtype, Shape: v.Shape.Clone(), Layout: v.Layout,
		Producer: graph.NoProducer, Flags: graph.FlagInput,
	})
	t.actMap[id] = gid
	return gid
}

func (t *transform) shapeOf(gid int) shape.Shape { return t.g.Values[gid].Shape }

func (t *transform) emit(op graph.OpKind, operands []int, resultShape shape.Shape, attrs graph.Attrs) int {
	dtype := shape.DtypeUnknown
	layout := shape.LayoutUnknown
	if len(operands) > 0 {
		first := t.g.Values[operands[0]]
		dtype, layout = first.Dtype, first.Layout
	}
	result := t.g.AddValue(graph.Value{Dtype: dtype, Shape: resultShape, Layout: layout, Producer: graph.NoProducer})
	t.g.AddNode(graph.Node{Op: op, Operands: operands, Result: result, Region: graph.NoRegion, Attrs: attrs})
	return result
}

// reduceToShape emits reduce_sum along every broadcast axis reported
// by shape.ReduceAxes, then a final reshape if the rank still differs.
func (t *transform) reduceToShape(gid int, target shape.Shape) int {
	cur := gid
	curShape := t.shapeOf(gid).Clone()
	for _, axis := range shape.ReduceAxes(curShape, target) {
		curShape[axis] = shape.Unit
		cur = t.emit(graph.ReduceSum, []int{cur}, curShape.Clone(), graph.Attrs{HasAxis: true, Axis: axis})
	}
	if len(curShape) != len(target) {
		cur = t.emit(graph.Reshape, []int{cur}, target.Clone(), graph.Attrs{TargetShape: target.Clone()})
	}
	return cur
}

// accumulate reduces newGrad to the forward operand's declared shape
// and folds it into gradMap[forwardOperand], summing with any prior
// accumulated gradient.
func (t *transform) accumulate(forwardOperand, newGrad int) {
	target := t.fwd.Values[forwardOperand].Shape
	reduced := t.reduceToShape(newGrad, target)
	if existing, ok := t.gradMap[forwardOperand]; ok {
		merged := t.emit(graph.Add, []int{existing, reduced}, target.Clone(), graph.Attrs{})
		t.gradMap[forwardOperand] = merged
	} else {
		t.gradMap[forwardOperand] = reduced
	}
}

func (t *transform) constNeg1(like int) int {
	dtype, layout := t.g.Values[like].Dtype, t.g.Values[like].Layout
	return t.g.AddValue(graph.Value{Name: "-1", Dtype: dtype, Layout: layout, Producer: graph.NoProducer, Flags: graph.FlagConst})
}

func (t *transform) walkBackward() {
	for i := len(t.fwd.Nodes) - 1; i >= 0; i-- {
		n := t.fwd.Nodes[i]
		dY, ok := t.gradMap[n.Result]
		if !ok {
			continue
		}
		t.backward(n, dY)
	}
}

func (t *transform) backward(n graph.Node, dY int) {
	switch n.Op {
	case graph.Matmul:
		a, b := n.Operands[0], n.Operands[1]
		bt := t.emit(graph.Transpose, []int{t.importAct(b)}, transposeShape(t.fwd.Values[b].Shape), graph.Attrs{})
		dA := t.emit(graph.Matmul, []int{dY, bt}, matmulShape(t.shapeOf(dY), t.shapeOf(bt)), graph.Attrs{})
		t.accumulate(a, dA)

		at := t.emit(graph.Transpose, []int{t.importAct(a)}, transposeShape(t.fwd.Values[a].Shape), graph.Attrs{})
		dB := t.emit(graph.Matmul, []int{at, dY}, matmulShape(t.shapeOf(at), t.shapeOf(dY)), graph.Attrs{})
		t.accumulate(b, dB)

	case graph.Add:
		for _, operand := range n.Operands {
			t.accumulate(operand, dY)
		}

	case graph.Sub:
		t.accumulate(n.Operands[0], dY)
		neg := t.emit(graph.Mul, []int{dY, t.constNeg1(dY)}, t.shapeOf(dY).Clone(), graph.Attrs{})
		t.accumulate(n.Operands[1], neg)

	case graph.Mul:
		a, b := n.Operands[0], n.Operands[1]
		dA := t.emit(graph.Mul, []int{dY, t.importAct(b)}, t.shapeOf(dY).Clone(), graph.Attrs{})
		t.accumulate(a, dA)
		dB := t.emit(graph.Mul, []int{dY, t.importAct(a)}, t.shapeOf(dY).Clone(), graph.Attrs{})
		t.accumulate(b, dB)

	case graph.Div:
		a, b := n.Operands[0], n.Operands[1]
		actB := t.importAct(b)
		dA := t.emit(graph.Div, []int{dY, actB}, t.shapeOf(dY).Clone(), graph.Attrs{})
		t.accumulate(a, dA)

		actA := t.importAct(a)
		num := t.emit(graph.Mul, []int{dY, actA}, t.shapeOf(dY).Clone(), graph.Attrs{})
		num = t.emit(graph.Mul, []int{num, t.constNeg1(num)}, t.shapeOf(num).Clone(), graph.Attrs{})
		bSquared := t.emit(graph.Mul, []int{actB, actB}, t.shapeOf(actB).Clone(), graph.Attrs{})
		dB := t.emit(graph.Div, []int{num, bSquared}, t.shapeOf(num).Clone(), graph.Attrs{})
		t.accumulate(b, dB)

	case graph.Transpose:
		dX := t.emit(graph.Transpose, []int{dY}, transposeShape(t.shapeOf(dY)), graph.Attrs{})
		t.accumulate(n.Operands[0], dX)

	case graph.Permute:
		dX := t.emit(graph.Permute, []int{dY}, t.fwd.Values[n.Operands[0]].Shape.Clone(), graph.Attrs{Perm: inversePermute(n.Attrs.Perm)})
		t.accumulate(n.Operands[0], dX)

	case graph.Reshape:
		origShape := t.fwd.Values[n.Operands[0]].Shape
		dX := t.emit(graph.Reshape, []int{dY}, origShape.Clone(), graph.Attrs{TargetShape: origShape.Clone()})
		t.accumulate(n.Operands[0], dX)

	case graph.SiLU:
		x := t.importAct(n.Operands[0])
		dX := t.emit(graph.SiLUGrad, []int{x, dY}, t.fwd.Values[n.Operands[0]].Shape.Clone(), graph.Attrs{})
		t.accumulate(n.Operands[0], dX)

	case graph.Softmax:
		y := t.importAct(n.Result)
		dX := t.emit(graph.SoftmaxGrad, []int{y, dY}, t.fwd.Values[n.Operands[0]].Shape.Clone(), graph.Attrs{})
		t.accumulate(n.Operands[0], dX)

	case graph.RMSNorm:
		t.backwardRMSNorm(n, dY)

	case graph.ReduceSum:
		dX := t.emit(graph.Broadcast, []int{dY}, t.fwd.Values[n.Operands[0]].Shape.Clone(), graph.Attrs{})
		t.accumulate(n.Operands[0], dX)

	case graph.ReduceMax:
		x := t.importAct(n.Operands[0])
		xShape := t.fwd.Values[n.Operands[0]].Shape.Clone()
		mask := t.emit(graph.ReduceMaxMask, []int{x}, xShape.Clone(), graph.Attrs{})
		bdY := t.emit(graph.Broadcast, []int{dY}, xShape.Clone(), graph.Attrs{})
		dX := t.emit(graph.ReduceMaxGrad, []int{mask, bdY}, xShape.Clone(), graph.Attrs{})
		t.accumulate(n.Operands[0], dX)

	default:
		fmt.Fprintf(os.Stderr, "warning: autodiff: op %s not supported yet\n", n.Op)
	}
}

func (t *transform) backwardRMSNorm(n graph.Node, dY int) {
	x := t.importAct(n.Operands[0])
	gamma := t.importAct(n.Operands[1])
	var beta int
	hasBeta := len(n.Operands) > 2
	if hasBeta {
		beta = t.importAct(n.Operands[2])
	}
	xShape := t.fwd.Values[n.Operands[0]].Shape.Clone()
	y := t.importAct(n.Result)

	dX := t.emit(graph.RMSNormGrad, []int{x, gamma, dY}, xShape.Clone(), graph.Attrs{HasEpsilon: true, Epsilon: n.Attrs.Epsilon})
	t.accumulate(n.Operands[0], dX)

	// xhat = (y - beta)/gamma when beta is present, else y/gamma.
	var numer int
	if hasBeta {
		negBeta := t.emit(graph.Mul, []int{beta, t.constNeg1(beta)}, t.shapeOf(beta).Clone(), graph.Attrs{})
		numer = t.emit(graph.Add, []int{y, negBeta}, shape.BroadcastBinary(t.shapeOf(y), t.shapeOf(negBeta)), graph.Attrs{})
	} else {
		numer = y
	}
	xhat := t.emit(graph.Div, []int{numer, gamma}, shape.BroadcastBinary(t.shapeOf(numer), t.shapeOf(gamma)), graph.Attrs{})

	dGammaRaw := t.emit(graph.Mul, []int{dY, xhat}, shape.BroadcastBinary(t.shapeOf(dY), t.shapeOf(xhat)), graph.Attrs{})
	t.accumulate(n.Operands[1], dGammaRaw)

	if hasBeta {
		t.accumulate(n.Operands[2], dY)
	}
}

// markOutputs appends, for each forward input in declaration order, its
// accumulated gradient (or a zero-shaped constant if the input received
// no gradient contribution, so the gradient graph's output count always
// equals the forward graph's input count).
func (t *transform) markOutputs() {
	for _, v := range t.fwd.Values {
		if !v.Flags.Has(graph.FlagInput) {
			continue
		}
		if gid, ok := t.gradMap[v.ID]; ok {
			t.g.MarkOutput(gid)
			continue
		}
		zero := t.g.AddValue(graph.Value{
			Name: "zero_" + v.Name, Dtype: v.Dtype, Shape: v.Shape.Clone(), Layout: v.Layout,
			Producer: graph.NoProducer, Flags: graph.FlagConst,
		})
		t.g.MarkOutput(zero)
	}
}

func transposeShape(s shape.Shape) shape.Shape {
	if s.Rank() == 2 {
		return shape.Shape{s[1], s[0]}
	}
	return s.Clone()
}

func matmulShape(a, b shape.Shape) shape.Shape {
	if a.Rank() == 2 && b.Rank() == 2 {
		return shape.Shape{a[0], b[1]}
	}
	return a.Clone()
}

func inversePermute(perm []int) []int {
	inv := make([]int, len(perm))
	for i, p := range perm {
		if p >= 0 && p < len(inv) {
			inv[p] = i
		}
	}
	return inv
}

// Package attention recognizes the matmul->softmax->matmul fused
// attention pattern on a dataflow graph. The match is deliberately
// liberal: it does not check operand names, so it may false-positive
// on non-attention graphs with the same topology. This is called out
// as an open design question upstream and is not tightened.
package attention

import "bwpp/internal/graph"

// Detect scans g for: a matmul with a transpose-producing operand,
// whose result feeds a softmax as its (only) input, whose result feeds
// another matmul as either operand.
func Detect(g *graph.Graph) bool {
	isTranspose := func(valueID int) bool {
		v := g.Values[valueID]
		if v.Producer == graph.NoProducer {
			return false
		}
		return g.Nodes[v.Producer].Op == graph.Transpose
	}

	for _, n := range g.Nodes {
		if n.Op != graph.Matmul {
			continue
		}
		transposedOperand := false
		for _, op := range n.Operands {
			if isTranspose(op) {
				transposedOperand = true
			}
		}
		if !transposedOperand {
			continue
		}
		if feedsSoftmaxThenMatmul(g, n.Result) {
			return true
		}
	}
	return false
}

func feedsSoftmaxThenMatmul(g *graph.Graph, matmulResult int) bool {
	for _, n := range g.Nodes {
		if n.Op != graph.Softmax || len(n.Operands) == 0 || n.Operands[0] != matmulResult {
			continue
		}
		for _, m := range g.Nodes {
			if m.Op != graph.Matmul {
				continue
			}
			for _, op := range m.Operands {
				if op == n.Result {
					return true
				}
			}
		}
	}
	return false
}

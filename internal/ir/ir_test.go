package ir

import (
	"testing"

	"bwpp/internal/attention"
	"bwpp/internal/graph"
)

func TestLowerGraphMatmulBiasAdd(t *testing.T) {
	src := `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>, bias: tensor<f16,[N]>) -> tensor<f16,[M,N]> {
		let c = add(matmul(a,b), bias);
		return c;
	}`
	g, err := graph.Build("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	m := LowerGraph(g, attention.Detect(g))
	if !m.HasOp(graph.Matmul) {
		t.Fatal("expected a matmul op in the lowered module")
	}
	if !m.HasBiasAdd() {
		t.Fatal("expected the add op to carry has_bias")
	}
	if m.HasAttention {
		t.Fatal("did not expect attention to be detected")
	}
}

func TestLowerGraphAttention(t *testing.T) {
	src := `fn f(q: tensor<f16,[M,K]>, k: tensor<f16,[N,K]>, v: tensor<f16,[N,K]>) -> tensor<f16,[M,K]> {
		let s = softmax(matmul(q, transpose(k)));
		let o = matmul(s, v);
		return o;
	}`
	g, err := graph.Build("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	hasAttention := attention.Detect(g)
	if !hasAttention {
		t.Fatal("expected attention.Detect to recognize the matmul-softmax-matmul pattern")
	}
	m := LowerGraph(g, hasAttention)
	if !m.HasAttention {
		t.Fatal("expected the lowered module to carry HasAttention")
	}
	if !m.HasOp(graph.Softmax) {
		t.Fatal("expected a softmax op in the lowered module")
	}
}

func TestLowerGraphRMSNormAlone(t *testing.T) {
	src := `fn f(x: tensor<f16,[M,N]>, gamma: tensor<f16,[N]>) -> tensor<f16,[M,N]> {
		let y = rmsnorm(x, gamma, 1e-5);
		return y;
	}`
	g, err := graph.Build("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	m := LowerGraph(g, attention.Detect(g))
	if m.HasOp(graph.Matmul) {
		t.Fatal("did not expect a matmul op")
	}
	if !m.HasOp(graph.RMSNorm) {
		t.Fatal("expected an rmsnorm op in the lowered module")
	}
}

func TestLowerGraphReversibleRegionCount(t *testing.T) {
	src := `@reversible fn g(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>) -> tensor<f16,[M,N]> {
		let y = matmul(a,b);
		return y;
	}`
	g, err := graph.Build("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	m := LowerGraph(g, attention.Detect(g))
	if got := m.ReversibleRegionCount(); got != 1 {
		t.Fatalf("expected 1 reversible region, got %d", got)
	}
	if got := m.ReversiblePolicySummary(); got != "auto" {
		t.Fatalf("expected auto policy summary, got %s", got)
	}
}

func TestLowerGraphSkipsGradientOnlyOps(t *testing.T) {
	src := `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>) -> tensor<f16,[M,N]> {
		let c = matmul(a,b);
		return c;
	}`
	g, err := graph.Build("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	g.AddNode(graph.Node{Op: graph.SiLUGrad, Operands: []int{0}, Result: 0, Region: graph.NoRegion})
	m := LowerGraph(g, false)
	if m.HasOp(graph.SiLUGrad) {
		t.Fatal("expected SiLUGrad to be dropped when lowering from a graph")
	}
}

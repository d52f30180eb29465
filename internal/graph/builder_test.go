package graph

import (
	"testing"

	"bwpp/internal/shape"
)

func TestBuildMatmulBiasAdd(t *testing.T) {
	src := `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>, bias: tensor<f16,[N]>) -> tensor<f16,[M,N]> {
		let c = add(matmul(a,b), bias);
		return c;
	}`
	g, err := Build("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := g.CheckInvariants(); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}
	var addNode *Node
	for i := range g.Nodes {
		if g.Nodes[i].Op == Add {
			addNode = &g.Nodes[i]
		}
	}
	if addNode == nil {
		t.Fatal("expected an add node")
	}
	if !addNode.Flags.Has(FlagHasBias) {
		t.Fatal("expected add node to carry has_bias flag")
	}
	if len(g.Outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(g.Outputs))
	}
}

func TestBuildInfixMatmulOperator(t *testing.T) {
	src := `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>) -> tensor<f16,[M,N]> {
		let c = a @ b;
		return c;
	}`
	g, err := Build("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if len(g.Nodes) != 1 || g.Nodes[0].Op != Matmul {
		t.Fatalf("expected a single matmul node, got %v", g.Nodes)
	}
	result := g.Values[g.Nodes[0].Result]
	if !result.Shape.Equal(shape.Shape{"M", "N"}) {
		t.Fatalf("unexpected result shape %v", result.Shape)
	}
}

func TestBuildReversibleRegion(t *testing.T) {
	src := `@reversible fn g(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>) -> tensor<f16,[M,N]> {
		let y = matmul(a,b);
		return y;
	}`
	g, err := Build("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if len(g.Regions) != 1 || g.Regions[0].Kind != RegionReversible {
		t.Fatalf("expected one reversible region, got %v", g.Regions)
	}
	if g.Nodes[0].Region != 0 {
		t.Fatalf("expected the matmul node to carry region 0, got %d", g.Nodes[0].Region)
	}
	if g.ReversiblePolicySummary() != "auto" {
		t.Fatalf("expected auto policy summary, got %s", g.ReversiblePolicySummary())
	}
}

func TestBuildEntryFunctionNotFound(t *testing.T) {
	src := `fn f() -> tensor<f16,[]> { return 0; }`
	_, err := Build("t.bwpp", src, "missing")
	if err == nil {
		t.Fatal("expected an entry-not-found error")
	}
}

package ast

import (
	"testing"

	"bwpp/internal/graph"
)

func TestParseEmitsMatmulBeforeBiasAdd(t *testing.T) {
	src := `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>, bias: tensor<f16,[N]>) -> tensor<f16,[M,N]> {
		let c = add(matmul(a,b), bias);
		return c;
	}`
	m, err := Parse("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(m.Ops) != 2 {
		t.Fatalf("expected matmul+add, got %v", m.Ops)
	}
	if m.Ops[0].Op != graph.Matmul {
		t.Fatalf("expected matmul first, got %v", m.Ops[0])
	}
	if m.Ops[1].Op != graph.Add || !m.Ops[1].Flags.Has(graph.FlagHasBias) {
		t.Fatalf("expected add with has_bias, got %v", m.Ops[1])
	}
}

func TestParseUnknownKeywordsIgnored(t *testing.T) {
	src := `fn f() -> tensor<f16,[]> {
		let x = 1;
		return x;
	}`
	m, err := Parse("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(m.Ops) != 0 {
		t.Fatalf("expected no ops for a function with no op keywords, got %v", m.Ops)
	}
}

func TestParseReversibleRegion(t *testing.T) {
	src := `@reversible fn g(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>) -> tensor<f16,[M,N]> {
		let y = matmul(a,b);
		return y;
	}`
	m, err := Parse("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(m.Regions) != 1 || m.Regions[0].Kind != graph.RegionReversible {
		t.Fatalf("expected one reversible region, got %v", m.Regions)
	}
	if m.Ops[0].Region != 0 {
		t.Fatalf("expected matmul op to carry region 0, got %d", m.Ops[0].Region)
	}
}

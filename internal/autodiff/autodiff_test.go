package autodiff

import (
	"testing"

	"bwpp/internal/graph"
)

func countInputs(g *graph.Graph) int {
	n := 0
	for _, v := range g.Values {
		if v.Flags.Has(graph.FlagInput) {
			n++
		}
	}
	return n
}

func TestTransformInputOutputContract(t *testing.T) {
	src := `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>, bias: tensor<f16,[N]>) -> tensor<f16,[M,N]> {
		let c = add(matmul(a,b), bias);
		return c;
	}`
	fwd, err := graph.Build("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	nIn, nOut := countInputs(fwd), len(fwd.Outputs)

	g := Transform(fwd)
	if err := g.CheckInvariants(); err != nil {
		t.Fatalf("gradient graph invariants violated: %v", err)
	}
	if got := countInputs(g); got != nIn+nOut {
		t.Fatalf("expected %d inputs (n_in+n_out), got %d", nIn+nOut, got)
	}
	if len(g.Outputs) != nIn {
		t.Fatalf("expected %d gradient outputs (n_in), got %d", nIn, len(g.Outputs))
	}
	for i, outID := range g.Outputs {
		wantShape := fwd.Values[inputIDs(fwd)[i]].Shape
		if !g.Values[outID].Shape.Equal(wantShape) {
			t.Fatalf("gradient output %d shape %v does not match input shape %v", i, g.Values[outID].Shape, wantShape)
		}
	}
}

func inputIDs(g *graph.Graph) []int {
	var ids []int
	for _, v := range g.Values {
		if v.Flags.Has(graph.FlagInput) {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

func TestTransformUnusedInputGetsZeroGradient(t *testing.T) {
	src := `fn f(a: tensor<f16,[M,K]>, unused: tensor<f16,[M,K]>) -> tensor<f16,[M,K]> {
		let c = silu(a);
		return c;
	}`
	fwd, err := graph.Build("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	g := Transform(fwd)
	if len(g.Outputs) != countInputs(fwd) {
		t.Fatalf("expected one gradient output per forward input even when unused")
	}
}

package tileir

import (
	"strings"
	"testing"

	"bwpp/internal/attention"
	"bwpp/internal/graph"
	"bwpp/internal/ir"
)

func lowerSource(t *testing.T, src string) *ir.Module {
	t.Helper()
	g, err := graph.Build("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := g.CheckInvariants(); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}
	return ir.LowerGraph(g, attention.Detect(g))
}

// TestEmitMatmulBiasAdd covers spec scenario 1: a biased matmul emits
// kernel=matmul_f16, the fixed block/tile sizes, and epilogue=add.
func TestEmitMatmulBiasAdd(t *testing.T) {
	m := lowerSource(t, `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>, bias: tensor<f16,[N]>) -> tensor<f16,[M,N]> {
		let c = add(matmul(a,b), bias);
		return c;
	}`)
	out := Emit(m)
	for _, want := range []string{
		"kernel=matmul_f16",
		"block=128,128,32",
		"tile=16,16,16",
		"epilogue=add",
		"params=M,N,K,lda,ldb,ldc",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

// TestEmitMatmulBiasSilu covers spec scenario 2: adding an outer silu
// upgrades the epilogue to add_silu.
func TestEmitMatmulBiasSilu(t *testing.T) {
	m := lowerSource(t, `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>, bias: tensor<f16,[N]>) -> tensor<f16,[M,N]> {
		let c = silu(add(matmul(a,b), bias));
		return c;
	}`)
	out := Emit(m)
	if !strings.Contains(out, "epilogue=add_silu") {
		t.Fatalf("expected epilogue=add_silu, got:\n%s", out)
	}
}

// TestEmitAttentionPattern covers spec scenario 3: a matmul-softmax-
// matmul pattern with a transposed operand selects the attention
// kernel family and reports a fused candidate, with plan lines.
func TestEmitAttentionPattern(t *testing.T) {
	m := lowerSource(t, `fn f(q: tensor<f16,[M,K]>, k: tensor<f16,[N,K]>, v: tensor<f16,[N,K]>) -> tensor<f16,[M,K]> {
		let s = softmax(matmul(q, transpose(k)));
		let o = matmul(s, v);
		return o;
	}`)
	out := Emit(m)
	for _, want := range []string{
		"kernel=attention_f16",
		"fused_attention_candidate=1",
		"bwpp.plan:",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

// TestEmitRMSNormAlone covers spec scenario 4: rmsnorm with no matmul
// in sight selects no tile kernel but still emits the aux kernel.
func TestEmitRMSNormAlone(t *testing.T) {
	m := lowerSource(t, `fn f(x: tensor<f16,[M,N]>, gamma: tensor<f16,[N]>) -> tensor<f16,[M,N]> {
		let y = rmsnorm(x, gamma, 1e-5);
		return y;
	}`)
	out := Emit(m)
	if !strings.Contains(out, "kernel=none") {
		t.Fatalf("expected kernel=none, got:\n%s", out)
	}
	if !strings.Contains(out, "aux_kernel=rmsnorm_f16") {
		t.Fatalf("expected aux_kernel=rmsnorm_f16, got:\n%s", out)
	}
}

// TestEmitReversibleRegion covers spec scenario 5: a reversible region
// around a matmul reports reversible_regions=1, reversible_policy=auto,
// and a per-region line naming kind=reversible policy=auto.
func TestEmitReversibleRegion(t *testing.T) {
	m := lowerSource(t, `@reversible fn g(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>) -> tensor<f16,[M,N]> {
		let y = matmul(a,b);
		return y;
	}`)
	out := Emit(m)
	for _, want := range []string{
		"reversible_regions=1",
		"reversible_policy=auto",
		"kind=reversible policy=auto",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

// TestEmitIdempotence covers spec.md §8's emitter idempotence property:
// emitting twice on the same IR module produces byte-identical output.
func TestEmitIdempotence(t *testing.T) {
	m := lowerSource(t, `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>, bias: tensor<f16,[N]>) -> tensor<f16,[M,N]> {
		let c = add(matmul(a,b), bias);
		return c;
	}`)
	first := Emit(m)
	second := Emit(m)
	if first != second {
		t.Fatal("expected Emit to be idempotent on the same module")
	}
}

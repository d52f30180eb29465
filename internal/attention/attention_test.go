package attention

import (
	"testing"

	"bwpp/internal/graph"
)

func TestDetectAttentionPattern(t *testing.T) {
	src := `fn f(q: tensor<f16,[M,K]>, k: tensor<f16,[M,K]>, v: tensor<f16,[M,K]>) -> tensor<f16,[M,K]> {
		let kt = transpose(k);
		let scores = matmul(q, kt);
		let attn = softmax(scores);
		let out = matmul(attn, v);
		return out;
	}`
	g, err := graph.Build("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if !Detect(g) {
		t.Fatal("expected attention pattern to be detected")
	}
}

func TestDetectNoAttentionForPlainMatmul(t *testing.T) {
	src := `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>) -> tensor<f16,[M,N]> {
		let c = matmul(a, b);
		return c;
	}`
	g, err := graph.Build("t.bwpp", src, "")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if Detect(g) {
		t.Fatal("expected no attention pattern")
	}
}

package typecheck

import "testing"

func TestCheckMatmulBiasOK(t *testing.T) {
	src := `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>, bias: tensor<f16,[N]>) -> tensor<f16,[M,N]> {
		let c = add(matmul(a,b), bias);
		return c;
	}`
	if err := Check("t.bwpp", src, ""); err != nil {
		t.Fatalf("expected no typecheck error, got %v", err)
	}
}

func TestCheckInfixMatmulOK(t *testing.T) {
	src := `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>) -> tensor<f16,[M,N]> {
		let c = a @ b;
		return c;
	}`
	if err := Check("t.bwpp", src, ""); err != nil {
		t.Fatalf("expected no typecheck error, got %v", err)
	}
}

func TestCheckMatmulKMismatch(t *testing.T) {
	src := `fn f(a: tensor<f16,[M,K1]>, b: tensor<f16,[K2,N]>) -> tensor<f16,[M,N]> {
		let c = matmul(a,b);
		return c;
	}`
	err := Check("t.bwpp", src, "")
	if err == nil {
		t.Fatal("expected a K-mismatch typecheck failure")
	}
}

func TestCheckBiasRankTwoWithBroadcastUnit(t *testing.T) {
	src := `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>, bias: tensor<f16,[1,N]>) -> tensor<f16,[M,N]> {
		let c = add(matmul(a,b), bias);
		return c;
	}`
	if err := Check("t.bwpp", src, ""); err != nil {
		t.Fatalf("expected no typecheck error, got %v", err)
	}
}

func TestCheckBiasShapeMismatch(t *testing.T) {
	src := `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>, bias: tensor<f16,[M]>) -> tensor<f16,[M,N]> {
		let c = add(matmul(a,b), bias);
		return c;
	}`
	err := Check("t.bwpp", src, "")
	if err == nil {
		t.Fatal("expected a bias-shape-mismatch typecheck failure")
	}
}

func TestCheckBiasWithoutMatmul(t *testing.T) {
	src := `fn f(x: tensor<f16,[M,N]>, bias: tensor<f16,[N]>) -> tensor<f16,[M,N]> {
		let c = add(x, bias);
		return c;
	}`
	err := Check("t.bwpp", src, "")
	if err == nil {
		t.Fatal("expected an add(bias)-without-matmul typecheck failure")
	}
}

func TestCheckBiasReshapeWrapper(t *testing.T) {
	src := `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>, bias: tensor<f16,[N]>) -> tensor<f16,[M,N]> {
		let c = add(matmul(a,b), reshape(bias, [1, N]));
		return c;
	}`
	if err := Check("t.bwpp", src, ""); err != nil {
		t.Fatalf("expected no typecheck error, got %v", err)
	}
}

func TestCheckBiasPermuteInvalidAxes(t *testing.T) {
	src := `fn f(a: tensor<f16,[M,K]>, b: tensor<f16,[K,N]>, bias: tensor<f16,[1,N]>) -> tensor<f16,[M,N]> {
		let c = add(matmul(a,b), permute(bias, [0, 0]));
		return c;
	}`
	err := Check("t.bwpp", src, "")
	if err == nil {
		t.Fatal("expected a duplicate-axis typecheck failure")
	}
}

func TestCheckEntryNotFound(t *testing.T) {
	src := `fn f() -> tensor<f16,[]> { return 0; }`
	if err := Check("t.bwpp", src, "missing"); err == nil {
		t.Fatal("expected an entry-not-found error")
	}
}

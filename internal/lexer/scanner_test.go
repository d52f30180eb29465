package lexer

import "testing"

func kinds(toks []Token) []Kind {
	out := make([]Kind, len(toks))
	for i, t := range toks {
		out[i] = t.Kind
	}
	return out
}

func TestScanTokensBasic(t *testing.T) {
	src := `fn f(a: tensor<f16, [M, K]>) -> tensor<f16, [M, K]> {
		let c = add(a, a); // trailing comment
		return c;
	}`
	toks := NewScanner(src).ScanTokens()
	if toks[len(toks)-1].Kind != EOF {
		t.Fatalf("last token must be EOF, got %v", toks[len(toks)-1])
	}
	var idents int
	for _, tok := range toks {
		if tok.Kind == Ident {
			idents++
		}
	}
	if idents == 0 {
		t.Fatal("expected at least one ident token")
	}
}

func TestScanNumberGrammar(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{"128", "128"},
		{"1e-5", "1e-5"},
		{"3.14", "3.14"},
		{"2E+10", "2E+10"},
	}
	for _, c := range cases {
		toks := NewScanner(c.src).ScanTokens()
		if toks[0].Kind != Number || toks[0].Lexeme != c.want {
			t.Fatalf("scanning %q: got %v", c.src, toks[0])
		}
	}
}

func TestBareDotIsNotANumber(t *testing.T) {
	toks := NewScanner(".").ScanTokens()
	if toks[0].Kind != Symbol || toks[0].Lexeme != "." {
		t.Fatalf("expected a bare symbol dot, got %v", toks[0])
	}
}

func TestBlockAndLineComments(t *testing.T) {
	toks := NewScanner("/* skip */ x // trailing\ny").ScanTokens()
	if len(toks) != 3 { // x, y, eof
		t.Fatalf("expected 3 tokens, got %d: %v", len(toks), toks)
	}
	if toks[0].Lexeme != "x" || toks[1].Lexeme != "y" {
		t.Fatalf("unexpected tokens: %v", toks)
	}
}

func TestShebangSkipped(t *testing.T) {
	toks := NewScanner("#!/usr/bin/env bwpp\nfn").ScanTokens()
	if toks[0].Kind != Ident || toks[0].Lexeme != "fn" {
		t.Fatalf("expected shebang to be skipped, got %v", toks[0])
	}
}

func TestAnnotationAndMatmulOperatorAreSameSymbol(t *testing.T) {
	toks := NewScanner("@reversible a @ b").ScanTokens()
	var ats int
	for _, tok := range toks {
		if tok.Kind == Symbol && tok.Lexeme == "@" {
			ats++
		}
	}
	if ats != 2 {
		t.Fatalf("expected two '@' symbol tokens (annotation + infix matmul), got %d", ats)
	}
}

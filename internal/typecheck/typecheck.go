// Package typecheck verifies the two source-level invariants spec.md
// §4.3 assigns to a dedicated pre-pass over raw tokens, ahead of the
// graph builder's full expression parse: every matmul's inner
// dimension agrees symbolically, and every add(bias) agrees with the
// matmul output it follows. It re-lexes the source text independently
// of the structural parser and the graph builder, exactly as
// internal/graph/builder.go's doc comment describes the three token
// walks as deliberately separate.
package typecheck

import (
	"strconv"

	"bwpp/internal/bwpperrors"
	"bwpp/internal/lexer"
	"bwpp/internal/shape"
)

// Check scans the entry function (or the first function if entry is
// empty) for matmul K-match and add(bias) shape-compatibility
// failures. It returns the first violation found, or nil.
func Check(file, source, entry string) error {
	toks := lexer.NewScanner(source).ScanTokens()
	c := &checker{file: file, toks: toks, entry: entry}
	return c.run()
}

type param struct {
	Shape shape.Shape
}

type checker struct {
	file   string
	toks   []lexer.Token
	pos    int
	entry  string
	found  bool
	params map[string]param

	// lastMatmul is the most recently scanned matmul's output shape
	// [M, N], per spec.md §4.3's single-slot "record the last matmul
	// output shape" rule.
	lastMatmul shape.Shape
	haveMatmul bool
}

func (c *checker) peek() lexer.Token { return c.toks[c.pos] }
func (c *checker) atEnd() bool       { return c.peek().Kind == lexer.EOF }
func (c *checker) advance() lexer.Token {
	t := c.toks[c.pos]
	if !c.atEnd() {
		c.pos++
	}
	return t
}
func (c *checker) is(lexeme string) bool {
	t := c.peek()
	return (t.Kind == lexer.Ident || t.Kind == lexer.Symbol) && t.Lexeme == lexeme
}
func (c *checker) match(lexeme string) bool {
	if c.is(lexeme) {
		c.advance()
		return true
	}
	return false
}
func (c *checker) consume(lexeme string) (lexer.Token, error) {
	if c.is(lexeme) {
		return c.advance(), nil
	}
	t := c.peek()
	return t, bwpperrors.ParseFailed(c.file, t.Line, t.Column)
}
func (c *checker) identToken() (lexer.Token, error) {
	t := c.peek()
	if t.Kind != lexer.Ident {
		return t, bwpperrors.ParseFailed(c.file, t.Line, t.Column)
	}
	return c.advance(), nil
}

func (c *checker) run() error {
	for !c.atEnd() {
		if err := c.topLevel(); err != nil {
			return err
		}
	}
	if !c.found {
		name := c.entry
		if name == "" {
			name = "<first function>"
		}
		return bwpperrors.EntryNotFound(name)
	}
	return nil
}

func (c *checker) topLevel() error {
	for c.is("@") {
		c.advance()
		if c.peek().Kind == lexer.Ident {
			c.advance()
		}
	}
	if !c.is("fn") {
		if c.atEnd() {
			return nil
		}
		c.advance()
		return nil
	}
	return c.function()
}

func (c *checker) function() error {
	c.advance() // 'fn'
	name, err := c.identToken()
	if err != nil {
		return err
	}
	selectThis := (c.entry == "" && !c.found) || c.entry == name.Lexeme

	if _, err := c.consume("("); err != nil {
		return err
	}
	params := map[string]param{}
	for !c.is(")") {
		pname, err := c.identToken()
		if err != nil {
			return err
		}
		if _, err := c.consume(":"); err != nil {
			return err
		}
		sh, err := c.typeExpr()
		if err != nil {
			return err
		}
		params[pname.Lexeme] = param{Shape: sh}
		if !c.match(",") {
			break
		}
	}
	if _, err := c.consume(")"); err != nil {
		return err
	}
	if c.match("-") {
		if _, err := c.consume(">"); err != nil {
			return err
		}
		if _, err := c.typeExpr(); err != nil {
			return err
		}
	}
	if _, err := c.consume("{"); err != nil {
		return err
	}

	if !selectThis {
		return c.skipBlock()
	}
	c.found = true
	c.params = params
	c.lastMatmul = nil
	c.haveMatmul = false
	return c.body()
}

func (c *checker) skipBlock() error {
	depth := 1
	for depth > 0 {
		if c.atEnd() {
			return bwpperrors.ParseFailed(c.file, c.peek().Line, c.peek().Column)
		}
		t := c.advance()
		if t.Kind == lexer.Symbol && t.Lexeme == "{" {
			depth++
		} else if t.Kind == lexer.Symbol && t.Lexeme == "}" {
			depth--
		}
	}
	return nil
}

// typeExpr parses `tensor<dtype, [dims...], layout?>` and returns only
// the shape; dtype/layout play no role in the checks this package runs.
func (c *checker) typeExpr() (shape.Shape, error) {
	if _, err := c.consume("tensor"); err != nil {
		return nil, err
	}
	if _, err := c.consume("<"); err != nil {
		return nil, err
	}
	if _, err := c.identToken(); err != nil { // dtype, unused here
		return nil, err
	}
	if _, err := c.consume(","); err != nil {
		return nil, err
	}
	if _, err := c.consume("["); err != nil {
		return nil, err
	}
	var dims shape.Shape
	for !c.is("]") {
		t := c.peek()
		if t.Kind != lexer.Ident && t.Kind != lexer.Number {
			return nil, bwpperrors.ParseFailed(c.file, t.Line, t.Column)
		}
		c.advance()
		dims = append(dims, shape.Dim(t.Lexeme))
		if !c.match(",") {
			break
		}
	}
	if _, err := c.consume("]"); err != nil {
		return nil, err
	}
	if c.match(",") {
		if _, err := c.identToken(); err != nil { // layout, unused here
			return nil, err
		}
	}
	if _, err := c.consume(">"); err != nil {
		return nil, err
	}
	return dims, nil
}

// body walks the function's statements one token at a time, dispatching
// to matmul/add checks on sight and otherwise advancing, per spec.md
// §4.3's "scans the body once" design — no expression tree is built.
func (c *checker) body() error {
	depth := 1
	for depth > 0 {
		if c.atEnd() {
			return bwpperrors.ParseFailed(c.file, c.peek().Line, c.peek().Column)
		}
		switch {
		case c.is("{"):
			depth++
			c.advance()
		case c.is("}"):
			depth--
			c.advance()
		case c.peek().Kind == lexer.Ident && c.peek().Lexeme == "matmul" && c.peekAhead(1, "("):
			if err := c.checkMatmulCall(); err != nil {
				return err
			}
		case c.peek().Kind == lexer.Ident && c.peekAhead(1, "@"):
			if err := c.checkMatmulInfix(); err != nil {
				return err
			}
			c.advance() // consume the right-hand identifier left pending by checkMatmulInfix
		case c.peek().Kind == lexer.Ident && c.peek().Lexeme == "add" && c.peekAhead(1, "("):
			if err := c.checkAddCall(); err != nil {
				return err
			}
		default:
			c.advance()
		}
	}
	return nil
}

func (c *checker) peekAhead(n int, lexeme string) bool {
	i := c.pos + n
	if i >= len(c.toks) {
		return false
	}
	t := c.toks[i]
	return (t.Kind == lexer.Ident || t.Kind == lexer.Symbol) && t.Lexeme == lexeme
}

// checkMatmulCall handles `matmul(a, b)`. Only simple identifier
// operands are resolved against the parameter table; anything else
// (nested calls, `@`) is skipped (best-effort, per the token-level
// design) without disturbing the outer walk's position.
func (c *checker) checkMatmulCall() error {
	tok := c.peek()
	c.advance() // 'matmul'
	c.advance() // '('
	start := c.pos
	c.skipToMatchingParen()
	end := c.pos - 1 // index of the matching ')'

	args := topLevelArgs(c.toks, start, end)
	if len(args) == 2 && len(args[0]) == 1 && args[0][0].Kind == lexer.Ident &&
		len(args[1]) == 1 && args[1][0].Kind == lexer.Ident {
		return c.checkKMatch(tok, args[0][0].Lexeme, args[1][0].Lexeme)
	}
	return nil
}

// topLevelArgs splits toks[start:end] on commas that are not nested
// inside parens or brackets.
func topLevelArgs(toks []lexer.Token, start, end int) [][]lexer.Token {
	var args [][]lexer.Token
	depth := 0
	argStart := start
	for i := start; i < end; i++ {
		t := toks[i]
		if t.Kind == lexer.Symbol {
			switch t.Lexeme {
			case "(", "[":
				depth++
			case ")", "]":
				depth--
			case ",":
				if depth == 0 {
					args = append(args, toks[argStart:i])
					argStart = i + 1
				}
			}
		}
	}
	if argStart < end {
		args = append(args, toks[argStart:end])
	}
	return args
}

// checkMatmulInfix handles `a @ b` where both sides are bare
// identifiers, the only form the infix operator's grammar supports
// per spec.md §4.4/§9.
func (c *checker) checkMatmulInfix() error {
	tok := c.peek()
	aName := c.peek().Lexeme
	c.advance() // a
	c.advance() // '@'
	if c.peek().Kind != lexer.Ident {
		return nil
	}
	bName := c.peek().Lexeme
	return c.checkKMatch(tok, aName, bName)
}

func (c *checker) checkKMatch(tok lexer.Token, aName, bName string) error {
	pa, aOK := c.params[aName]
	pb, bOK := c.params[bName]
	if !aOK || !bOK || len(pa.Shape) < 2 || len(pb.Shape) < 2 {
		return nil
	}
	if pa.Shape[1] != pb.Shape[0] {
		return bwpperrors.MatmulKMismatch(c.file, tok.Line, tok.Column, string(pa.Shape[1]), string(pb.Shape[0]))
	}
	c.lastMatmul = shape.Shape{pa.Shape[0], pb.Shape[1]}
	c.haveMatmul = true
	return nil
}

// skipToMatchingParen advances past tokens until the ')' that matches
// the '(' already consumed by the caller's matmul/add call, tracking
// nesting depth.
func (c *checker) skipToMatchingParen() {
	depth := 1
	for depth > 0 && !c.atEnd() {
		t := c.advance()
		if t.Kind == lexer.Symbol && t.Lexeme == "(" {
			depth++
		} else if t.Kind == lexer.Symbol && t.Lexeme == ")" {
			depth--
		}
	}
}

// checkAddCall handles `add(...)`. If any argument mentions the
// identifier "bias" (directly, or wrapped in reshape/permute), the
// resulting bias shape is checked against the last matmul's N.
func (c *checker) checkAddCall() error {
	tok := c.peek()
	c.advance() // 'add'
	c.advance() // '('
	start := c.pos
	c.skipToMatchingParen()
	end := c.pos - 1 // index of the matching ')'

	// A matmul nested in the argument list precedes the bias operand.
	resume := c.pos
	for i := start; i < end; i++ {
		c.pos = i
		var err error
		switch {
		case c.peek().Kind == lexer.Ident && c.peek().Lexeme == "matmul" && c.peekAhead(1, "("):
			err = c.checkMatmulCall()
		case c.peek().Kind == lexer.Ident && c.peekAhead(1, "@"):
			err = c.checkMatmulInfix()
		}
		if err != nil {
			return err
		}
	}
	c.pos = resume

	biasShape, mentionsBias, err := c.resolveBiasArg(tok, start, end)
	if err != nil {
		return err
	}
	if !mentionsBias {
		return nil
	}
	if !c.haveMatmul {
		return bwpperrors.BiasWithoutMatmul(c.file, tok.Line, tok.Column)
	}
	return c.checkBiasShape(tok, biasShape)
}

// resolveBiasArg scans toks[start:end] (the add(...) argument list)
// for the identifier "bias", honoring an enclosing reshape(bias, [..])
// or permute(bias, [..]) wrapper, and returns the resulting shape.
func (c *checker) resolveBiasArg(tok lexer.Token, start, end int) (shape.Shape, bool, error) {
	for i := start; i < end; i++ {
		t := c.toks[i]
		if t.Kind != lexer.Ident || t.Lexeme != "bias" {
			continue
		}
		if i >= start+2 && c.toks[i-1].Kind == lexer.Symbol && c.toks[i-1].Lexeme == "(" &&
			c.toks[i-2].Kind == lexer.Ident && (c.toks[i-2].Lexeme == "reshape" || c.toks[i-2].Lexeme == "permute") {
			wrapper := c.toks[i-2].Lexeme
			items, ok := c.literalListAfter(i, end)
			if !ok {
				continue
			}
			base := c.params["bias"].Shape
			if wrapper == "reshape" {
				dims := make(shape.Shape, len(items))
				for j, s := range items {
					dims[j] = shape.Dim(s)
				}
				return dims, true, nil
			}
			axes := make([]int, len(items))
			seen := make(map[int]bool, len(items))
			for j, s := range items {
				n, err := strconv.Atoi(s)
				if err != nil || n < 0 || n >= len(base) || seen[n] {
					return nil, true, bwpperrors.InvalidPermuteAxes(c.file, tok.Line, tok.Column)
				}
				seen[n] = true
				axes[j] = n
			}
			if len(axes) != len(base) {
				return nil, true, bwpperrors.InvalidPermuteAxes(c.file, tok.Line, tok.Column)
			}
			out := make(shape.Shape, len(base))
			for j, ax := range axes {
				out[j] = base[ax]
			}
			return out, true, nil
		}
		return c.params["bias"].Shape, true, nil
	}
	return nil, false, nil
}

// literalListAfter expects `bias , [ item , item , ... ] )` starting
// right after the bias identifier at index biasIdx, and returns the
// bracketed items.
func (c *checker) literalListAfter(biasIdx, end int) ([]string, bool) {
	i := biasIdx + 1
	if i >= end || !(c.toks[i].Kind == lexer.Symbol && c.toks[i].Lexeme == ",") {
		return nil, false
	}
	i++
	if i >= end || !(c.toks[i].Kind == lexer.Symbol && c.toks[i].Lexeme == "[") {
		return nil, false
	}
	i++
	var items []string
	for i < end && !(c.toks[i].Kind == lexer.Symbol && c.toks[i].Lexeme == "]") {
		if c.toks[i].Kind == lexer.Ident || c.toks[i].Kind == lexer.Number {
			items = append(items, c.toks[i].Lexeme)
		}
		i++
	}
	return items, true
}

func (c *checker) checkBiasShape(tok lexer.Token, bias shape.Shape) error {
	n := c.lastMatmul[1]
	switch len(bias) {
	case 1:
		if bias[0] != n {
			return bwpperrors.BiasShapeMismatch(c.file, tok.Line, tok.Column, bias.String(), string(n))
		}
	case 2:
		ok := (bias[0] == shape.Unit && bias[1] == n) || (bias[1] == shape.Unit && bias[0] == n)
		if !ok {
			return bwpperrors.BiasShapeMismatch(c.file, tok.Line, tok.Column, bias.String(), string(n))
		}
	default:
		return bwpperrors.BiasRankInvalid(c.file, tok.Line, tok.Column, len(bias))
	}
	return nil
}

// Package ast implements the structural parser (the legacy AST path):
// a coarse scan of source tokens that produces an ordered op stream
// annotated with region ids and flags, without building expression
// trees. The graph builder (internal/graph) performs the full
// expression parse; this path exists only to feed a second, simpler
// source for internal/ir's lowering stage.
package ast

import (
	"bwpp/internal/bwpperrors"
	"bwpp/internal/graph"
	"bwpp/internal/lexer"
)

// OpEntry is one (op, region, flags) triple in the op stream.
type OpEntry struct {
	Op     graph.OpKind
	Region int
	Flags  graph.NodeFlags
}

// RegionEntry mirrors graph.Region for the AST path's own region pool.
type RegionEntry struct {
	Kind   graph.RegionKind
	Policy graph.RegionPolicy
}

// Module is the structural parser's output: the op stream and region
// pool for the selected function.
type Module struct {
	Ops     []OpEntry
	Regions []RegionEntry
}

var opKeywords = map[string]graph.OpKind{
	"matmul":       graph.Matmul,
	"batch_matmul": graph.BatchMatmul,
	"transpose":    graph.Transpose,
	"permute":      graph.Permute,
	"reshape":      graph.Reshape,
	"broadcast":    graph.Broadcast,
	"add":          graph.Add,
	"sub":          graph.Sub,
	"mul":          graph.Mul,
	"div":          graph.Div,
	"reduce_sum":   graph.ReduceSum,
	"reduce_max":   graph.ReduceMax,
	"softmax":      graph.Softmax,
	"rmsnorm":      graph.RMSNorm,
	"silu":         graph.SiLU,
}

// Parse scans source for the function named entry (or the first
// function if entry is empty) and returns its op stream.
func Parse(file, source, entry string) (*Module, error) {
	toks := lexer.NewScanner(source).ScanTokens()
	p := &parser{file: file, toks: toks, m: &Module{}, region: graph.NoRegion}
	if err := p.run(entry); err != nil {
		return nil, err
	}
	return p.m, nil
}

type parser struct {
	file   string
	toks   []lexer.Token
	pos    int
	m      *Module
	region int
	found  bool
}

func (p *parser) peek() lexer.Token { return p.toks[p.pos] }
func (p *parser) atEnd() bool       { return p.peek().Kind == lexer.EOF }
func (p *parser) advance() lexer.Token {
	t := p.toks[p.pos]
	if !p.atEnd() {
		p.pos++
	}
	return t
}
func (p *parser) is(lexeme string) bool {
	t := p.peek()
	return (t.Kind == lexer.Ident || t.Kind == lexer.Symbol) && t.Lexeme == lexeme
}

func (p *parser) run(entry string) error {
	for !p.atEnd() {
		if err := p.topLevel(entry); err != nil {
			return err
		}
	}
	if !p.found {
		name := entry
		if name == "" {
			name = "<first function>"
		}
		return bwpperrors.EntryNotFound(name)
	}
	return nil
}

func (p *parser) topLevel(entry string) error {
	reversible := false
	for p.is("@") {
		p.advance()
		if p.peek().Kind == lexer.Ident {
			if p.peek().Lexeme == "reversible" {
				reversible = true
			}
			p.advance()
		}
	}
	if !p.is("fn") {
		if p.atEnd() {
			return nil
		}
		p.advance()
		return nil
	}
	return p.function(entry, reversible)
}

func (p *parser) function(entry string, reversible bool) error {
	p.advance() // 'fn'
	if p.peek().Kind != lexer.Ident {
		return bwpperrors.ParseFailed(p.file, p.peek().Line, p.peek().Column)
	}
	name := p.advance().Lexeme
	selectThis := (entry == "" && !p.found) || entry == name

	depth := 0
	for {
		if p.atEnd() {
			return bwpperrors.ParseFailed(p.file, p.peek().Line, p.peek().Column)
		}
		if p.is("{") {
			p.advance()
			depth = 1
			break
		}
		p.advance()
	}

	if !selectThis {
		return p.skipBody(depth)
	}
	p.found = true
	if reversible {
		p.region = len(p.m.Regions)
		p.m.Regions = append(p.m.Regions, RegionEntry{Kind: graph.RegionReversible, Policy: graph.PolicyAuto})
	}
	for depth > 0 {
		if p.atEnd() {
			return bwpperrors.ParseFailed(p.file, p.peek().Line, p.peek().Column)
		}
		switch {
		case p.is("{"):
			depth++
			p.advance()
		case p.is("}"):
			depth--
			p.advance()
		default:
			p.maybeEmitOp()
			p.advance()
		}
	}
	p.region = graph.NoRegion
	return nil
}

func (p *parser) skipBody(depth int) error {
	for depth > 0 {
		if p.atEnd() {
			return bwpperrors.ParseFailed(p.file, p.peek().Line, p.peek().Column)
		}
		t := p.advance()
		if t.Kind == lexer.Symbol && t.Lexeme == "{" {
			depth++
		} else if t.Kind == lexer.Symbol && t.Lexeme == "}" {
			depth--
		}
	}
	return nil
}

// maybeEmitOp appends an op-stream entry when the current token is a
// known op keyword directly followed by '(' — a call, not a binding
// reference to a same-named variable.
func (p *parser) maybeEmitOp() {
	t := p.peek()
	if t.Kind != lexer.Ident {
		return
	}
	kind, known := opKeywords[t.Lexeme]
	if !known {
		return
	}
	if p.pos+1 >= len(p.toks) || !(p.toks[p.pos+1].Kind == lexer.Symbol && p.toks[p.pos+1].Lexeme == "(") {
		return
	}
	if t.Lexeme == "matmul" {
		// A matmul inside an add(...) argument list was already emitted
		// ahead of that add.
		for i := p.pos - 1; i > 0 && p.toks[i].Lexeme != ";" && p.toks[i].Lexeme != "{"; i-- {
			if p.toks[i].Lexeme == "(" && p.toks[i-1].Kind == lexer.Ident && p.toks[i-1].Lexeme == "add" && matchingParen(p.toks, i) > p.pos {
				return
			}
		}
	}
	argsStart := p.pos + 2
	argsEnd := matchingParen(p.toks, p.pos+1)

	if t.Lexeme == "add" {
		if containsNestedMatmul(p.toks, argsStart, argsEnd) {
			p.m.Ops = append(p.m.Ops, OpEntry{Op: graph.Matmul, Region: p.region})
		}
		flags := graph.NodeFlags(0)
		if containsIdent(p.toks, argsStart, argsEnd, "bias") {
			flags = graph.FlagHasBias
		}
		p.m.Ops = append(p.m.Ops, OpEntry{Op: kind, Region: p.region, Flags: flags})
		return
	}
	p.m.Ops = append(p.m.Ops, OpEntry{Op: kind, Region: p.region})
}

// matchingParen returns the index of the ')' matching the '(' at
// parenIdx, or len(toks)-1 (the eof slot) if unbalanced.
func matchingParen(toks []lexer.Token, parenIdx int) int {
	depth := 0
	for i := parenIdx; i < len(toks); i++ {
		if toks[i].Kind == lexer.Symbol && toks[i].Lexeme == "(" {
			depth++
		} else if toks[i].Kind == lexer.Symbol && toks[i].Lexeme == ")" {
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(toks) - 1
}

func containsIdent(toks []lexer.Token, start, end int, name string) bool {
	for i := start; i < end; i++ {
		if toks[i].Kind == lexer.Ident && toks[i].Lexeme == name {
			return true
		}
	}
	return false
}

func containsNestedMatmul(toks []lexer.Token, start, end int) bool {
	for i := start; i < end; i++ {
		if toks[i].Kind == lexer.Ident && toks[i].Lexeme == "matmul" {
			return true
		}
		if toks[i].Kind == lexer.Symbol && toks[i].Lexeme == "@" {
			return true
		}
	}
	return false
}

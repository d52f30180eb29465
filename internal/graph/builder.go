package graph

import (
	"strconv"

	"github.com/pkg/errors"

	"bwpp/internal/bwpperrors"
	"bwpp/internal/lexer"
	"bwpp/internal/shape"
)

// Build parses source text and builds a typed graph rooted at the
// named entry function (or the first function if entry is empty).
// Build owns its own token walk, independent of the structural parser
// and typechecker, each of which re-lexes the same source text.
func Build(file, source, entry string) (*Graph, error) {
	toks := lexer.NewScanner(source).ScanTokens()
	b := &builder{
		file:     file,
		source:   source,
		toks:     toks,
		g:        New(),
		bindings: map[string]int{},
		region:   NoRegion,
	}
	if err := b.run(entry); err != nil {
		return nil, err
	}
	return b.g, nil
}

type builder struct {
	file     string
	source   string
	toks     []lexer.Token
	pos      int
	g        *Graph
	bindings map[string]int
	region   int
	entry    string
	found    bool
}

func (b *builder) peek() lexer.Token  { return b.toks[b.pos] }
func (b *builder) atEnd() bool        { return b.peek().Kind == lexer.EOF }
func (b *builder) advance() lexer.Token {
	t := b.toks[b.pos]
	if !b.atEnd() {
		b.pos++
	}
	return t
}
func (b *builder) check(lexeme string) bool {
	t := b.peek()
	return (t.Kind == lexer.Ident || t.Kind == lexer.Symbol) && t.Lexeme == lexeme
}
func (b *builder) match(lexeme string) bool {
	if b.check(lexeme) {
		b.advance()
		return true
	}
	return false
}
func (b *builder) consume(lexeme string) (lexer.Token, error) {
	if b.check(lexeme) {
		return b.advance(), nil
	}
	t := b.peek()
	return t, bwpperrors.ParseFailed(b.file, t.Line, t.Column)
}

func (b *builder) run(entry string) error {
	b.entry = entry
	for !b.atEnd() {
		if err := b.topLevel(); err != nil {
			return err
		}
	}
	if entry != "" && !b.found {
		return bwpperrors.EntryNotFound(entry)
	}
	if entry == "" && !b.found {
		return bwpperrors.EntryNotFound("<first function>")
	}
	return nil
}

// topLevel consumes one annotation-or-function declaration. Unknown
// annotations (@meta, @impure) are parsed and ignored; only
// @reversible has semantic effect.
func (b *builder) topLevel() error {
	pendingReversible := false
	for b.check("@") {
		b.advance()
		name, err := b.identToken()
		if err != nil {
			return err
		}
		if name.Lexeme == "reversible" {
			pendingReversible = true
		}
	}
	if !b.check("fn") {
		// Unknown top-level token: skip it to make progress, per the
		// structural parser's "unknown keywords are ignored" rule.
		if b.atEnd() {
			return nil
		}
		b.advance()
		return nil
	}
	return b.function(pendingReversible)
}

func (b *builder) identToken() (lexer.Token, error) {
	t := b.peek()
	if t.Kind != lexer.Ident {
		return t, bwpperrors.ParseFailed(b.file, t.Line, t.Column)
	}
	return b.advance(), nil
}

func (b *builder) function(reversible bool) error {
	if _, err := b.consume("fn"); err != nil {
		return err
	}
	name, err := b.identToken()
	if err != nil {
		return err
	}
	compileThis := (b.entry == "" && !b.found) || b.entry == name.Lexeme

	if _, err := b.consume("("); err != nil {
		return err
	}
	var params []Value
	for !b.check(")") {
		p, err := b.param()
		if err != nil {
			return err
		}
		params = append(params, p)
		if !b.match(",") {
			break
		}
	}
	if _, err := b.consume(")"); err != nil {
		return err
	}
	if b.match("-") {
		if _, err := b.consume(">"); err != nil {
			return err
		}
		if _, err := b.typeExpr(); err != nil {
			return err
		}
	}
	if _, err := b.consume("{"); err != nil {
		return err
	}

	if !compileThis {
		return b.skipBlock()
	}
	b.found = true

	savedBindings := b.bindings
	b.bindings = map[string]int{}
	for _, p := range params {
		id := b.g.AddValue(p)
		b.bindings[p.Name] = id
	}

	if reversible {
		b.region = b.g.AddRegion(Region{Name: name.Lexeme, Kind: RegionReversible, Policy: PolicyAuto})
	}
	for !b.check("}") && !b.atEnd() {
		if err := b.statement(); err != nil {
			return err
		}
	}
	if _, err := b.consume("}"); err != nil {
		return err
	}
	b.region = NoRegion
	b.bindings = savedBindings
	return nil
}

// skipBlock consumes a balanced {...} body without building a graph,
// used for functions that are not the selected entry point.
func (b *builder) skipBlock() error {
	depth := 1
	for depth > 0 {
		if b.atEnd() {
			return bwpperrors.ParseFailed(b.file, b.peek().Line, b.peek().Column)
		}
		t := b.advance()
		if t.Kind == lexer.Symbol && t.Lexeme == "{" {
			depth++
		} else if t.Kind == lexer.Symbol && t.Lexeme == "}" {
			depth--
		}
	}
	return nil
}

func (b *builder) param() (Value, error) {
	name, err := b.identToken()
	if err != nil {
		return Value{}, err
	}
	if _, err := b.consume(":"); err != nil {
		return Value{}, err
	}
	dt, sh, layout, err := b.typeExpr()
	if err != nil {
		return Value{}, err
	}
	return Value{Name: name.Lexeme, Dtype: dt, Shape: sh, Layout: layout, Producer: NoProducer, Flags: FlagInput}, nil
}

// typeExpr parses `tensor<dtype, [dims...], layout?>`.
func (b *builder) typeExpr() (shape.Dtype, shape.Shape, shape.Layout, error) {
	if _, err := b.consume("tensor"); err != nil {
		return 0, nil, 0, err
	}
	if _, err := b.consume("<"); err != nil {
		return 0, nil, 0, err
	}
	dtTok, err := b.identToken()
	if err != nil {
		return 0, nil, 0, err
	}
	dt := shape.ParseDtype(dtTok.Lexeme)
	if _, err := b.consume(","); err != nil {
		return 0, nil, 0, err
	}
	if _, err := b.consume("["); err != nil {
		return 0, nil, 0, err
	}
	var dims shape.Shape
	for !b.check("]") {
		d, err := b.dimToken()
		if err != nil {
			return 0, nil, 0, err
		}
		dims = append(dims, d)
		if !b.match(",") {
			break
		}
	}
	if _, err := b.consume("]"); err != nil {
		return 0, nil, 0, err
	}
	layout := shape.LayoutUnknown
	if b.match(",") {
		lt, err := b.identToken()
		if err != nil {
			return 0, nil, 0, err
		}
		layout = shape.ParseLayout(lt.Lexeme)
	}
	if _, err := b.consume(">"); err != nil {
		return 0, nil, 0, err
	}
	return dt, dims, layout, nil
}

func (b *builder) dimToken() (shape.Dim, error) {
	t := b.peek()
	if t.Kind != lexer.Ident && t.Kind != lexer.Number {
		return "", bwpperrors.ParseFailed(b.file, t.Line, t.Column)
	}
	b.advance()
	return shape.Dim(t.Lexeme), nil
}

func (b *builder) statement() error {
	switch {
	case b.check("let"):
		return b.letStmt()
	case b.check("return"):
		return b.returnStmt()
	default:
		// Unknown statement keyword: consume one token to progress.
		if !b.atEnd() {
			b.advance()
			return nil
		}
		return bwpperrors.ParseFailed(b.file, b.peek().Line, b.peek().Column)
	}
}

func (b *builder) letStmt() error {
	b.advance() // 'let'
	name, err := b.identToken()
	if err != nil {
		return err
	}
	if _, err := b.consume("="); err != nil {
		return err
	}
	val, err := b.expr()
	if err != nil {
		return err
	}
	if _, err := b.consume(";"); err != nil {
		return err
	}
	b.g.Values[val].Name = name.Lexeme
	b.bindings[name.Lexeme] = val
	return nil
}

func (b *builder) returnStmt() error {
	b.advance() // 'return'
	val, err := b.expr()
	if err != nil {
		return err
	}
	if _, err := b.consume(";"); err != nil {
		return err
	}
	b.g.MarkOutput(val)
	return nil
}

// expr parses the single infix '@' (matmul) level over primaries.
func (b *builder) expr() (int, error) {
	left, err := b.primary()
	if err != nil {
		return 0, err
	}
	for b.check("@") {
		b.advance()
		right, err := b.primary()
		if err != nil {
			return 0, err
		}
		left = b.emitMatmul(left, right)
	}
	return left, nil
}

func (b *builder) primary() (int, error) {
	t := b.peek()
	switch {
	case t.Kind == lexer.Symbol && t.Lexeme == "(":
		b.advance()
		v, err := b.expr()
		if err != nil {
			return 0, err
		}
		if _, err := b.consume(")"); err != nil {
			return 0, err
		}
		return v, nil
	case t.Kind == lexer.Number:
		b.advance()
		return b.g.AddValue(Value{Name: t.Lexeme, Dtype: shape.DtypeUnknown, Producer: NoProducer, Flags: FlagConst}), nil
	case t.Kind == lexer.Ident:
		b.advance()
		if b.check("(") {
			return b.call(t.Lexeme)
		}
		return b.resolveIdent(t.Lexeme), nil
	default:
		return 0, bwpperrors.ParseFailed(b.file, t.Line, t.Column)
	}
}

// resolveIdent returns the bound value for name, creating an implicit
// unknown-shape input the first time an unbound name is seen.
func (b *builder) resolveIdent(name string) int {
	if id, ok := b.bindings[name]; ok {
		return id
	}
	id := b.g.AddValue(Value{Name: name, Dtype: shape.DtypeUnknown, Producer: NoProducer, Flags: FlagInput})
	b.bindings[name] = id
	return id
}

// arg is one parsed call argument: either an expression value id or a
// raw bracketed literal list (for reshape/permute's [dims]/[axes]).
type arg struct {
	isList bool
	value  int
	list   []string
}

func (b *builder) call(name string) (int, error) {
	b.advance() // '('
	var args []arg
	for !b.check(")") {
		a, err := b.argument()
		if err != nil {
			return 0, err
		}
		args = append(args, a)
		if !b.match(",") {
			break
		}
	}
	if _, err := b.consume(")"); err != nil {
		return 0, err
	}
	return b.emitCall(name, args)
}

func (b *builder) argument() (arg, error) {
	if b.check("[") {
		b.advance()
		var items []string
		for !b.check("]") {
			t := b.peek()
			if t.Kind != lexer.Ident && t.Kind != lexer.Number {
				return arg{}, bwpperrors.ParseFailed(b.file, t.Line, t.Column)
			}
			b.advance()
			items = append(items, t.Lexeme)
			if !b.match(",") {
				break
			}
		}
		if _, err := b.consume("]"); err != nil {
			return arg{}, err
		}
		return arg{isList: true, list: items}, nil
	}
	v, err := b.expr()
	if err != nil {
		return arg{}, err
	}
	return arg{value: v}, nil
}

func (b *builder) newResult(dtype shape.Dtype, sh shape.Shape, layout shape.Layout) int {
	return b.g.AddValue(Value{Dtype: dtype, Shape: sh, Layout: layout, Producer: NoProducer})
}

func (b *builder) emitNode(op OpKind, operands []int, resultShape shape.Shape, attrs Attrs, flags NodeFlags) int {
	dtype := shape.DtypeUnknown
	layout := shape.LayoutUnknown
	if len(operands) > 0 {
		first := b.g.Values[operands[0]]
		dtype = first.Dtype
		layout = first.Layout
	}
	result := b.newResult(dtype, resultShape, layout)
	b.g.AddNode(Node{Op: op, Operands: operands, Result: result, Region: b.region, Flags: flags, Attrs: attrs})
	return result
}

func (b *builder) emitMatmul(a, c int) int {
	va, vc := b.g.Values[a], b.g.Values[c]
	var rs shape.Shape
	if va.Shape.Rank() == 2 && vc.Shape.Rank() == 2 {
		rs = shape.Shape{va.Shape[0], vc.Shape[1]}
	}
	return b.emitNode(Matmul, []int{a, c}, rs, Attrs{}, 0)
}

func (b *builder) emitCall(name string, args []arg) (int, error) {
	switch name {
	case "matmul":
		if len(args) != 2 {
			return 0, bwpperrors.ParseFailed(b.file, 0, 0)
		}
		return b.emitMatmul(args[0].value, args[1].value), nil
	case "batch_matmul":
		if len(args) != 2 {
			return 0, bwpperrors.ParseFailed(b.file, 0, 0)
		}
		left := b.g.Values[args[0].value]
		return b.emitNode(BatchMatmul, []int{args[0].value, args[1].value}, left.Shape.Clone(), Attrs{}, 0), nil
	case "add", "sub", "mul", "div":
		return b.emitVariadicBinary(name, args)
	case "transpose":
		v := b.g.Values[args[0].value]
		rs := v.Shape.Clone()
		if v.Shape.Rank() == 2 {
			rs = shape.Shape{v.Shape[1], v.Shape[0]}
		}
		return b.emitNode(Transpose, []int{args[0].value}, rs, Attrs{}, 0), nil
	case "reshape":
		dims, err := listToDims(args[1].list)
		if err != nil {
			return 0, err
		}
		return b.emitNode(Reshape, []int{args[0].value}, dims, Attrs{TargetShape: dims}, 0), nil
	case "permute":
		axes, err := listToInts(args[1].list)
		if err != nil {
			return 0, err
		}
		v := b.g.Values[args[0].value]
		rs := applyPermute(v.Shape, axes)
		return b.emitNode(Permute, []int{args[0].value}, rs, Attrs{Perm: axes}, 0), nil
	case "softmax":
		v := b.g.Values[args[0].value]
		attrs := Attrs{}
		if len(args) > 1 {
			if axis, err := strconv.Atoi(b.g.Values[args[1].value].Name); err == nil {
				attrs.HasAxis = true
				attrs.Axis = axis
			}
		}
		return b.emitNode(Softmax, []int{args[0].value}, v.Shape.Clone(), attrs, 0), nil
	case "silu":
		v := b.g.Values[args[0].value]
		return b.emitNode(SiLU, []int{args[0].value}, v.Shape.Clone(), Attrs{}, 0), nil
	case "rmsnorm":
		v := b.g.Values[args[0].value]
		attrs := Attrs{HasEpsilon: true, Epsilon: 1e-5}
		operands := operandsOf(args)
		if len(args) >= 3 {
			last := args[len(args)-1]
			if f, err := strconv.ParseFloat(b.g.Values[last.value].Name, 64); err == nil {
				attrs.Epsilon = f
				operands = operands[:len(operands)-1] // epsilon is a literal, not a tensor operand
			}
		}
		return b.emitNode(RMSNorm, operands, v.Shape.Clone(), attrs, 0), nil
	case "reduce_sum", "reduce_max":
		v := b.g.Values[args[0].value]
		rs := v.Shape.Clone()
		attrs := Attrs{}
		if len(args) > 1 {
			if axis, err := strconv.Atoi(b.g.Values[args[1].value].Name); err == nil {
				attrs.HasAxis = true
				attrs.Axis = axis
				if axis >= 0 && axis < len(rs) {
					rs[axis] = shape.Unit
				}
			}
		} else if len(rs) > 0 {
			rs[len(rs)-1] = shape.Unit
		}
		op := ReduceSum
		if name == "reduce_max" {
			op = ReduceMax
		}
		return b.emitNode(op, []int{args[0].value}, rs, attrs, 0), nil
	default:
		return 0, bwpperrors.ParseFailed(b.file, 0, 0)
	}
}

// emitVariadicBinary folds >=2 args pairwise left-to-right, detecting
// the add(bias) shape by checking each argument's bound value name for
// exact equality to "bias" (the graph-path detection rule; the
// structural parser's AST path uses a lexical scan instead).
func (b *builder) emitVariadicBinary(name string, args []arg) (int, error) {
	if len(args) < 2 {
		return 0, bwpperrors.ParseFailed(b.file, 0, 0)
	}
	op := map[string]OpKind{"add": Add, "sub": Sub, "mul": Mul, "div": Div}[name]
	hasBias := false
	if name == "add" {
		for _, a := range args {
			if !a.isList && b.g.Values[a.value].Name == "bias" {
				hasBias = true
			}
		}
	}
	acc := args[0].value
	for i := 1; i < len(args); i++ {
		va, vb := b.g.Values[acc], b.g.Values[args[i].value]
		rs := shape.BroadcastBinary(va.Shape, vb.Shape)
		flags := NodeFlags(0)
		if hasBias && i == len(args)-1 {
			flags = FlagHasBias
		}
		acc = b.emitNode(op, []int{acc, args[i].value}, rs, Attrs{}, flags)
	}
	return acc, nil
}

func operandsOf(args []arg) []int {
	out := make([]int, 0, len(args))
	for _, a := range args {
		if !a.isList {
			out = append(out, a.value)
		}
	}
	return out
}

func listToDims(items []string) (shape.Shape, error) {
	out := make(shape.Shape, len(items))
	for i, s := range items {
		out[i] = shape.Dim(s)
	}
	return out, nil
}

func listToInts(items []string) ([]int, error) {
	out := make([]int, len(items))
	for i, s := range items {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.Wrap(err, "permute axis must be an integer")
		}
		out[i] = n
	}
	return out, nil
}

// applyPermute reorders dims by axes, clamping out-of-range or
// duplicate axes to identity for that position (spec: "out-of-range
// indices are clamped to identity"), and falls back to the input shape
// unchanged if the permutation's rank does not match the input's rank.
func applyPermute(in shape.Shape, axes []int) shape.Shape {
	if len(axes) != len(in) {
		return in.Clone()
	}
	seen := make(map[int]bool, len(axes))
	out := make(shape.Shape, len(in))
	for i, ax := range axes {
		if ax < 0 || ax >= len(in) || seen[ax] {
			ax = i
		}
		seen[ax] = true
		out[i] = in[ax]
	}
	return out
}

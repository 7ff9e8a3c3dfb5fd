// Package ast defines the syntax tree produced by internal/parser.
package ast

import "github.com/gofhirpath/engine/internal/lexer"

// Node is implemented by every AST node.
type Node interface {
	Pos() lexer.Position
	node()
}

type base struct {
	pos lexer.Position
}

func (b base) Pos() lexer.Position { return b.pos }
func (base) node()                 {}

// LiteralKind distinguishes the literal forms carried by a Literal node.
type LiteralKind int

const (
	LiteralNull LiteralKind = iota
	LiteralBoolean
	LiteralString
	LiteralNumber
	LiteralDate
	LiteralDateTime
	LiteralTime
	LiteralQuantity
)

// Literal is a constant value appearing directly in source: {}, true/false,
// strings, numbers, date/time/datetime literals, and quantities.
type Literal struct {
	base
	Kind  LiteralKind
	Text  string // original lexeme, e.g. "5 'kg'", "2020-01-01", "abc" (unescaped)
	Value string // normalized value portion (number text, unescaped string, date text)
	Unit  string // quantity unit or time-word, only set when Kind == LiteralQuantity
}

// Identifier is a bare name: a resource element, a type name, or (in
// function-call position, handled by the parser) a function name.
type Identifier struct {
	base
	Name       string
	Delimited  bool // was written as `backtick-delimited`
}

// EnvVariable is a %name or %`name` external constant reference.
type EnvVariable struct {
	base
	Name string
}

// SpecialVariable is $this, $index, or $total.
type SpecialVariable struct {
	base
	Name string // "$this", "$index", "$total"
}

// Invocation models `expr.member`, where Member is either a plain
// identifier/type-name access or a function call.
type Invocation struct {
	base
	Target Node
	Member Node // *Identifier or *FunctionCall
}

// FunctionCall is `name(args...)`, appearing either standalone (implicit
// $this target, handled by the evaluator) or as the Member of an Invocation.
type FunctionCall struct {
	base
	Name string
	Args []Node
}

// Indexer is `expr[index]`.
type Indexer struct {
	base
	Target Node
	Index  Node
}

// UnaryOp is a prefix + or - applied to a term.
type UnaryOp struct {
	base
	Op      string
	Operand Node
}

// BinaryOp covers all left-associative infix operators: *, /, div, mod,
// +, -, &, |, comparisons, equality, membership, and, or, xor, implies.
type BinaryOp struct {
	base
	Op    string
	Left  Node
	Right Node
}

// TypeOp is `expr is Type` or `expr as Type`.
type TypeOp struct {
	base
	Op     string // "is" or "as"
	Expr   Node
	Type   TypeSpecifier
}

// TypeSpecifier names a type, optionally namespace-qualified
// (System.String, FHIR.Patient).
type TypeSpecifier struct {
	base
	Namespace string // "" when unqualified
	Name      string
}

// Paren is a parenthesized sub-expression, kept distinct from its inner
// node so precedence is unambiguous when re-printing.
type Paren struct {
	base
	Inner Node
}

// EmptySet is the `{}` literal, the empty collection.
type EmptySet struct {
	base
}

func NewLiteral(pos lexer.Position, kind LiteralKind, text, value, unit string) *Literal {
	return &Literal{base: base{pos}, Kind: kind, Text: text, Value: value, Unit: unit}
}

func NewIdentifier(pos lexer.Position, name string, delimited bool) *Identifier {
	return &Identifier{base: base{pos}, Name: name, Delimited: delimited}
}

func NewEnvVariable(pos lexer.Position, name string) *EnvVariable {
	return &EnvVariable{base: base{pos}, Name: name}
}

func NewSpecialVariable(pos lexer.Position, name string) *SpecialVariable {
	return &SpecialVariable{base: base{pos}, Name: name}
}

func NewInvocation(pos lexer.Position, target, member Node) *Invocation {
	return &Invocation{base: base{pos}, Target: target, Member: member}
}

func NewFunctionCall(pos lexer.Position, name string, args []Node) *FunctionCall {
	return &FunctionCall{base: base{pos}, Name: name, Args: args}
}

func NewIndexer(pos lexer.Position, target, index Node) *Indexer {
	return &Indexer{base: base{pos}, Target: target, Index: index}
}

func NewUnaryOp(pos lexer.Position, op string, operand Node) *UnaryOp {
	return &UnaryOp{base: base{pos}, Op: op, Operand: operand}
}

func NewBinaryOp(pos lexer.Position, op string, left, right Node) *BinaryOp {
	return &BinaryOp{base: base{pos}, Op: op, Left: left, Right: right}
}

func NewTypeOp(pos lexer.Position, op string, expr Node, typ TypeSpecifier) *TypeOp {
	return &TypeOp{base: base{pos}, Op: op, Expr: expr, Type: typ}
}

func NewTypeSpecifier(pos lexer.Position, namespace, name string) TypeSpecifier {
	return TypeSpecifier{base: base{pos}, Namespace: namespace, Name: name}
}

func NewParen(pos lexer.Position, inner Node) *Paren {
	return &Paren{base: base{pos}, Inner: inner}
}

func NewEmptySet(pos lexer.Position) *EmptySet {
	return &EmptySet{base: base{pos}}
}

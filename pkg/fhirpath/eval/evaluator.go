package eval

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofhirpath/engine/internal/ast"
	"github.com/gofhirpath/engine/pkg/fhirpath/types"
)

// FuncImpl is the signature for function implementations.
type FuncImpl func(ctx *Context, input types.Collection, args []interface{}) (types.Collection, error)

// FuncDef defines a FHIRPath function.
type FuncDef struct {
	Name    string
	MinArgs int
	MaxArgs int
	Fn      FuncImpl
}

// FuncRegistry is an interface for function lookup.
type FuncRegistry interface {
	Get(name string) (FuncDef, bool)
}

// Resolver handles FHIR reference resolution.
type Resolver interface {
	Resolve(ctx context.Context, reference string) ([]byte, error)
}

// TerminologyService checks ValueSet membership for memberOf(), per
// spec.md §4.8's {system?, code, version?} contract.
type TerminologyService interface {
	MemberOf(ctx context.Context, system, code, version, valueSetURL string) (bool, error)
}

// lazyArgFuncs lists, for each function needing per-element or short-circuit
// evaluation, which argument positions must NOT be eagerly evaluated before
// the call. This is the single dispatch table that replaces the teacher's
// duplicated where/select/all/exists special-casing split across both the
// evaluator and the function registry.
var lazyArgFuncs = map[string][]int{
	"where":          {0},
	"exists":         {0},
	"all":            {0},
	"select":         {0},
	"is":             {0},
	"as":             {0},
	"ofType":         {0},
	"iif":            {0, 1, 2},
	"repeat":         {0},
	"aggregate":      {0, 1},
	"defineVariable": {1},
}

// Evaluator evaluates FHIRPath expressions by walking the AST produced by
// internal/parser.
type Evaluator struct {
	ctx   *Context
	funcs FuncRegistry
}

// Context holds the evaluation state.
type Context struct {
	root        types.Collection
	this        types.Collection
	index       int
	total       types.Value
	variables   map[string]types.Collection
	limits      map[string]int
	goCtx       context.Context
	resolver    Resolver
	clock       Clock
	terminology TerminologyService
	asyncMode   bool
}

// Clock supplies the current instant to now(), today(), and timeOfDay().
// Tests inject a fixed Clock so temporal assertions don't race the wall clock.
type Clock interface {
	Now() time.Time
}

// systemClock is the default Clock, backed by time.Now.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// NewContext creates a new evaluation context.
// Automatically sets %resource and %context to the root resource for FHIR constraint evaluation.
// Per FHIRPath spec:
//   - %resource: the root resource being evaluated
//   - %context: the original node passed to the evaluation engine (same as %resource for top-level evaluation)
func NewContext(resource []byte) *Context {
	//nolint:errcheck // Empty collection is acceptable for invalid JSON in context creation
	root, _ := types.JSONToCollection(resource)

	variables := make(map[string]types.Collection)
	variables["resource"] = root
	variables["context"] = root

	return &Context{
		root:      root,
		this:      root,
		variables: variables,
		limits:    make(map[string]int),
		goCtx:     context.Background(),
		clock:     systemClock{},
	}
}

// SetClock overrides the clock used by now(), today(), and timeOfDay().
func (c *Context) SetClock(clock Clock) {
	c.clock = clock
}

// Clock returns the context's clock, defaulting to the system clock if unset.
func (c *Context) Clock() Clock {
	if c.clock == nil {
		return systemClock{}
	}
	return c.clock
}

// SetLimit sets a limit value (e.g., maxDepth, maxCollectionSize).
func (c *Context) SetLimit(name string, value int) {
	if c.limits == nil {
		c.limits = make(map[string]int)
	}
	c.limits[name] = value
}

// GetLimit gets a limit value.
func (c *Context) GetLimit(name string) int {
	if c.limits == nil {
		return 0
	}
	return c.limits[name]
}

// SetContext sets the Go context for cancellation.
func (c *Context) SetContext(ctx context.Context) {
	c.goCtx = ctx
}

// Context returns the Go context.
func (c *Context) Context() context.Context {
	if c.goCtx == nil {
		return context.Background()
	}
	return c.goCtx
}

// SetResolver sets the reference resolver.
func (c *Context) SetResolver(r Resolver) {
	c.resolver = r
}

// GetResolver returns the reference resolver.
func (c *Context) GetResolver() Resolver {
	return c.resolver
}

// SetTerminology sets the terminology service used by memberOf().
func (c *Context) SetTerminology(t TerminologyService) {
	c.terminology = t
}

// GetTerminology returns the configured terminology service, or nil.
func (c *Context) GetTerminology() TerminologyService {
	return c.terminology
}

// SetAsyncMode enables the async evaluation mode that memberOf() requires,
// per spec.md §4.8 ("if async mode is not enabled → evaluation error").
func (c *Context) SetAsyncMode(async bool) {
	c.asyncMode = async
}

// AsyncMode reports whether async evaluation mode is enabled.
func (c *Context) AsyncMode() bool {
	return c.asyncMode
}

// CheckCancellation checks if the context has been canceled.
func (c *Context) CheckCancellation() error {
	if c.goCtx == nil {
		return nil
	}
	select {
	case <-c.goCtx.Done():
		return c.goCtx.Err()
	default:
		return nil
	}
}

// CheckCollectionSize validates that a collection doesn't exceed the maximum size.
func (c *Context) CheckCollectionSize(col types.Collection) error {
	maxSize := c.GetLimit("maxCollectionSize")
	if maxSize > 0 && len(col) > maxSize {
		return NewEvalError(ErrInvalidExpression,
			"collection size %d exceeds maximum allowed %d", len(col), maxSize)
	}
	return nil
}

// EnforceCollectionLimit truncates a collection if it exceeds the maximum size.
func (c *Context) EnforceCollectionLimit(col types.Collection) (types.Collection, bool) {
	maxSize := c.GetLimit("maxCollectionSize")
	if maxSize > 0 && len(col) > maxSize {
		return col[:maxSize], true
	}
	return col, false
}

// Root returns the root collection.
func (c *Context) Root() types.Collection {
	return c.root
}

// This returns the current $this value.
func (c *Context) This() types.Collection {
	return c.this
}

// WithThis returns a new context with the given $this value.
func (c *Context) WithThis(this types.Collection) *Context {
	newCtx := *c
	newCtx.this = this
	return &newCtx
}

// WithIndex returns a new context with the given $index value.
func (c *Context) WithIndex(index int) *Context {
	newCtx := *c
	newCtx.index = index
	return &newCtx
}

// SetVariable sets an external variable.
func (c *Context) SetVariable(name string, value types.Collection) {
	c.variables[name] = value
}

// GetVariable gets an external variable.
func (c *Context) GetVariable(name string) (types.Collection, bool) {
	v, ok := c.variables[name]
	return v, ok
}

// NewEvaluator creates a new evaluator with the given context and function registry.
func NewEvaluator(ctx *Context, funcs FuncRegistry) *Evaluator {
	return &Evaluator{ctx: ctx, funcs: funcs}
}

// Evaluate evaluates an AST node and returns the result collection.
func (e *Evaluator) Evaluate(node ast.Node) (types.Collection, error) {
	result := e.Visit(node)
	if err, ok := result.(error); ok {
		return nil, err
	}
	if col, ok := result.(types.Collection); ok {
		return col, nil
	}
	return types.Collection{}, nil
}

// Visit dispatches on the concrete AST node type.
func (e *Evaluator) Visit(node ast.Node) interface{} {
	if node == nil {
		return types.Collection{}
	}

	switch n := node.(type) {
	case *ast.Paren:
		return e.Visit(n.Inner)
	case *ast.EmptySet:
		return types.Collection{}
	case *ast.Literal:
		return e.visitLiteral(n)
	case *ast.Identifier:
		return e.navigateMember(e.ctx.This(), n.Name)
	case *ast.SpecialVariable:
		return e.visitSpecial(n)
	case *ast.EnvVariable:
		return e.visitEnvVariable(n)
	case *ast.FunctionCall:
		return e.visitFunctionCall(e.ctx.This(), n)
	case *ast.Invocation:
		return e.visitInvocation(n)
	case *ast.Indexer:
		return e.visitIndexer(n)
	case *ast.UnaryOp:
		return e.visitUnaryOp(n)
	case *ast.BinaryOp:
		return e.visitBinaryOp(n)
	case *ast.TypeOp:
		return e.visitTypeOp(n)
	default:
		return NewEvalError(ErrInvalidExpression, "unhandled AST node %T", node)
	}
}

func (e *Evaluator) visitLiteral(n *ast.Literal) interface{} {
	switch n.Kind {
	case ast.LiteralNull:
		return types.Collection{}
	case ast.LiteralBoolean:
		return types.Collection{types.NewBoolean(n.Value == "true")}
	case ast.LiteralString:
		return types.Collection{types.NewString(unquoteString(n.Value))}
	case ast.LiteralNumber:
		return e.visitNumberLiteral(n.Value)
	case ast.LiteralDate:
		d, err := types.NewDate(n.Value)
		if err != nil {
			return ParseError("invalid date: " + n.Value)
		}
		return types.Collection{d}
	case ast.LiteralDateTime:
		dt, err := types.NewDateTime(n.Value)
		if err != nil {
			return ParseError("invalid datetime: " + n.Value)
		}
		return types.Collection{dt}
	case ast.LiteralTime:
		t, err := types.NewTime(strings.TrimPrefix(n.Value, "T"))
		if err != nil {
			return ParseError("invalid time: " + n.Value)
		}
		return types.Collection{t}
	case ast.LiteralQuantity:
		text := n.Value + " '" + n.Unit + "'"
		q, err := types.NewQuantity(text)
		if err != nil {
			return ParseError("invalid quantity: " + n.Text)
		}
		return types.Collection{q}
	default:
		return types.Collection{}
	}
}

func (e *Evaluator) visitNumberLiteral(text string) interface{} {
	if !strings.Contains(text, ".") {
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return types.Collection{types.NewInteger(i)}
		}
	}
	d, err := types.NewDecimal(text)
	if err != nil {
		return ParseError("invalid number: " + text)
	}
	return types.Collection{d}
}

func (e *Evaluator) visitSpecial(n *ast.SpecialVariable) interface{} {
	switch n.Name {
	case "$this":
		return e.ctx.This()
	case "$index":
		return types.Collection{types.NewInteger(int64(e.ctx.index))}
	case "$total":
		if e.ctx.total != nil {
			return types.Collection{e.ctx.total}
		}
		return types.Collection{}
	default:
		return NewEvalError(ErrInvalidExpression, "unknown special variable %s", n.Name)
	}
}

func (e *Evaluator) visitEnvVariable(n *ast.EnvVariable) interface{} {
	name := stripBackticks(n.Name)
	if value, ok := e.ctx.GetVariable(name); ok {
		return value
	}
	return types.Collection{}
}

func (e *Evaluator) visitInvocation(n *ast.Invocation) interface{} {
	base := e.Visit(n.Target)
	if err, ok := base.(error); ok {
		return err
	}
	baseCol, ok := base.(types.Collection)
	if !ok {
		baseCol = types.Collection{}
	}

	oldThis := e.ctx.this
	e.ctx.this = baseCol
	defer func() { e.ctx.this = oldThis }()

	switch m := n.Member.(type) {
	case *ast.Identifier:
		return e.navigateMember(baseCol, m.Name)
	case *ast.FunctionCall:
		return e.visitFunctionCall(baseCol, m)
	default:
		return e.Visit(n.Member)
	}
}

func (e *Evaluator) visitIndexer(n *ast.Indexer) interface{} {
	base := e.Visit(n.Target)
	if err, ok := base.(error); ok {
		return err
	}
	baseCol, _ := base.(types.Collection)

	index := e.Visit(n.Index)
	if err, ok := index.(error); ok {
		return err
	}
	indexCol, _ := index.(types.Collection)

	if indexCol.Empty() {
		return types.Collection{}
	}

	idx, ok := indexCol[0].(types.Integer)
	if !ok {
		return TypeError("Integer", indexCol[0].Type(), "indexer")
	}

	i := int(idx.Value())
	if i < 0 || i >= len(baseCol) {
		return types.Collection{}
	}
	return types.Collection{baseCol[i]}
}

func (e *Evaluator) visitUnaryOp(n *ast.UnaryOp) interface{} {
	result := e.Visit(n.Operand)
	if err, ok := result.(error); ok {
		return err
	}
	col, _ := result.(types.Collection)

	if col.Empty() {
		return col
	}
	if len(col) != 1 {
		return SingletonError(len(col))
	}

	if n.Op == "-" {
		negated, err := Negate(col[0])
		if err != nil {
			return err
		}
		return types.Collection{negated}
	}
	return col
}

func (e *Evaluator) visitBinaryOp(n *ast.BinaryOp) interface{} {
	switch n.Op {
	case "and":
		left, right, err := e.evalBinaryOperands(n)
		if err != nil {
			return err
		}
		return And(left, right)
	case "or":
		left, right, err := e.evalBinaryOperands(n)
		if err != nil {
			return err
		}
		return Or(left, right)
	case "xor":
		left, right, err := e.evalBinaryOperands(n)
		if err != nil {
			return err
		}
		return Xor(left, right)
	case "implies":
		left, right, err := e.evalBinaryOperands(n)
		if err != nil {
			return err
		}
		return Implies(left, right)
	case "=", "!=", "~", "!~":
		left, right, err := e.evalBinaryOperands(n)
		if err != nil {
			return err
		}
		switch n.Op {
		case "=":
			return Equal(left, right)
		case "!=":
			return NotEqual(left, right)
		case "~":
			return Equivalent(left, right)
		default:
			return NotEquivalent(left, right)
		}
	case "in":
		left, right, err := e.evalBinaryOperands(n)
		if err != nil {
			return err
		}
		return In(left, right)
	case "contains":
		left, right, err := e.evalBinaryOperands(n)
		if err != nil {
			return err
		}
		return Contains(left, right)
	case "|":
		left, right, err := e.evalBinaryOperands(n)
		if err != nil {
			return err
		}
		return Union(left, right)
	case "<", "<=", ">", ">=":
		return e.visitInequality(n)
	case "+", "-", "&":
		return e.visitAdditive(n)
	case "*", "/", "div", "mod":
		return e.visitMultiplicative(n)
	default:
		return NewEvalError(ErrInvalidExpression, "unknown operator %s", n.Op)
	}
}

func (e *Evaluator) evalBinaryOperands(n *ast.BinaryOp) (types.Collection, types.Collection, error) {
	left := e.Visit(n.Left)
	if err, ok := left.(error); ok {
		return nil, nil, err
	}
	leftCol, _ := left.(types.Collection)

	right := e.Visit(n.Right)
	if err, ok := right.(error); ok {
		return nil, nil, err
	}
	rightCol, _ := right.(types.Collection)

	return leftCol, rightCol, nil
}

func (e *Evaluator) visitInequality(n *ast.BinaryOp) interface{} {
	leftCol, rightCol, err := e.evalBinaryOperands(n)
	if err != nil {
		return err
	}
	if leftCol.Empty() || rightCol.Empty() {
		return types.Collection{}
	}
	if len(leftCol) != 1 || len(rightCol) != 1 {
		return SingletonError(len(leftCol) + len(rightCol))
	}

	var result types.Collection
	var opErr error
	switch n.Op {
	case "<":
		result, opErr = LessThan(leftCol[0], rightCol[0])
	case "<=":
		result, opErr = LessOrEqual(leftCol[0], rightCol[0])
	case ">":
		result, opErr = GreaterThan(leftCol[0], rightCol[0])
	case ">=":
		result, opErr = GreaterOrEqual(leftCol[0], rightCol[0])
	}
	if opErr != nil {
		return opErr
	}
	return result
}

func (e *Evaluator) visitAdditive(n *ast.BinaryOp) interface{} {
	leftCol, rightCol, err := e.evalBinaryOperands(n)
	if err != nil {
		return err
	}

	if n.Op == "&" {
		return Concatenate(leftCol, rightCol)
	}

	if leftCol.Empty() || rightCol.Empty() {
		return types.Collection{}
	}
	if len(leftCol) != 1 || len(rightCol) != 1 {
		return SingletonError(len(leftCol) + len(rightCol))
	}

	var result types.Value
	var opErr error
	switch n.Op {
	case "+":
		result, opErr = Add(leftCol[0], rightCol[0])
	case "-":
		result, opErr = Subtract(leftCol[0], rightCol[0])
	}
	if opErr != nil {
		return opErr
	}
	return types.Collection{result}
}

func (e *Evaluator) visitMultiplicative(n *ast.BinaryOp) interface{} {
	leftCol, rightCol, err := e.evalBinaryOperands(n)
	if err != nil {
		return err
	}
	if leftCol.Empty() || rightCol.Empty() {
		return types.Collection{}
	}
	if len(leftCol) != 1 || len(rightCol) != 1 {
		return SingletonError(len(leftCol) + len(rightCol))
	}

	var result types.Value
	var opErr error
	switch n.Op {
	case "*":
		result, opErr = Multiply(leftCol[0], rightCol[0])
	case "/":
		result, opErr = Divide(leftCol[0], rightCol[0])
	case "div":
		result, opErr = IntegerDivide(leftCol[0], rightCol[0])
	case "mod":
		result, opErr = Modulo(leftCol[0], rightCol[0])
	}
	if opErr != nil {
		// spec: divide/mod by zero is an empty collection, not an
		// evaluation error; any other arithmetic error (a type mismatch)
		// still propagates.
		if errors.Is(opErr, types.ErrDivisionByZero) {
			return types.Collection{}
		}
		return opErr
	}
	return types.Collection{result}
}

func (e *Evaluator) visitTypeOp(n *ast.TypeOp) interface{} {
	left := e.Visit(n.Expr)
	if err, ok := left.(error); ok {
		return err
	}
	leftCol, _ := left.(types.Collection)

	typeName := typeSpecifierName(n.Type)

	if leftCol.Empty() {
		return types.Collection{}
	}
	if len(leftCol) != 1 {
		return SingletonError(len(leftCol))
	}

	actualType := leftCol[0].Type()
	switch n.Op {
	case "is":
		return types.Collection{types.NewBoolean(TypeMatches(actualType, typeName))}
	case "as":
		if TypeMatches(actualType, typeName) {
			return leftCol
		}
		return types.Collection{}
	default:
		return types.Collection{}
	}
}

func typeSpecifierName(t ast.TypeSpecifier) string {
	if t.Namespace != "" {
		return t.Namespace + "." + t.Name
	}
	return t.Name
}

// visitFunctionCall evaluates a function invocation against input, applying
// the lazyArgFuncs table to decide which arguments are evaluated eagerly
// versus handed to the function as unevaluated AST (for per-element or
// short-circuit semantics).
func (e *Evaluator) visitFunctionCall(input types.Collection, call *ast.FunctionCall) interface{} {
	name := stripBackticks(call.Name)

	if lazy, ok := lazyArgFuncs[name]; ok {
		if result, handled := e.dispatchLazy(input, name, call.Args, lazy); handled {
			return result
		}
	}

	fn, ok := e.funcs.Get(name)
	if !ok {
		return FunctionNotFoundError(name)
	}

	argCount := len(call.Args)
	if argCount < fn.MinArgs {
		return InvalidArgumentsError(name, fn.MinArgs, argCount)
	}
	if fn.MaxArgs >= 0 && argCount > fn.MaxArgs {
		return InvalidArgumentsError(name, fn.MaxArgs, argCount)
	}

	args := make([]interface{}, argCount)
	for i, argExpr := range call.Args {
		result := e.Visit(argExpr)
		if err, ok := result.(error); ok {
			return err
		}
		args[i] = result
	}

	result, err := fn.Fn(e.ctx, input, args)
	if err != nil {
		return err
	}
	return result
}

// dispatchLazy handles functions whose argument evaluation must be deferred
// (per-element criteria, short-circuit branches). Returns handled=false when
// the function name matched the table but the call shape didn't require
// special handling (e.g. exists() called with no criteria), so the caller
// falls through to the ordinary eager-argument dispatch path.
func (e *Evaluator) dispatchLazy(input types.Collection, name string, args []ast.Node, _ []int) (interface{}, bool) {
	switch name {
	case "where":
		if len(args) > 0 {
			return e.evaluateWhere(input, args[0]), true
		}
	case "exists":
		if len(args) > 0 {
			return e.evaluateExists(input, args[0]), true
		}
	case "all":
		if len(args) > 0 {
			return e.evaluateAll(input, args[0]), true
		}
	case "select":
		if len(args) > 0 {
			return e.evaluateSelect(input, args[0]), true
		}
	case "is":
		if len(args) > 0 {
			return e.evaluateIsFunction(input, args[0]), true
		}
	case "as":
		if len(args) > 0 {
			return e.evaluateAsFunction(input, args[0]), true
		}
	case "ofType":
		if len(args) > 0 {
			return e.evaluateOfType(input, args[0]), true
		}
	case "iif":
		if len(args) >= 2 {
			return e.evaluateIif(args), true
		}
	case "repeat":
		if len(args) > 0 {
			return e.evaluateRepeat(input, args[0]), true
		}
	case "aggregate":
		if len(args) > 0 {
			return e.evaluateAggregate(input, args), true
		}
	case "defineVariable":
		if len(args) > 0 {
			return e.evaluateDefineVariable(input, args), true
		}
	}
	return nil, false
}

// evaluateRepeat applies expr to input, then repeatedly to the newly
// produced items, until an iteration yields nothing not already seen.
// Dedup is by structural equality; iteration is capped at 1000 rounds.
func (e *Evaluator) evaluateRepeat(input types.Collection, expr ast.Node) interface{} {
	result := types.Collection{}
	frontier := input

	for iter := 0; iter < 1000 && len(frontier) > 0; iter++ {
		if err := e.ctx.CheckCancellation(); err != nil {
			return err
		}

		var next types.Collection
		for i, item := range frontier {
			oldThis, oldIndex := e.ctx.this, e.ctx.index
			e.ctx.this = types.Collection{item}
			e.ctx.index = i
			r := e.Visit(expr)
			e.ctx.this, e.ctx.index = oldThis, oldIndex

			if err, ok := r.(error); ok {
				return err
			}
			if col, ok := r.(types.Collection); ok {
				next = append(next, col...)
			}
		}

		var fresh types.Collection
		for _, item := range next {
			if !collectionContainsEqual(result, item) && !collectionContainsEqual(fresh, item) {
				fresh = append(fresh, item)
			}
		}
		if len(fresh) == 0 {
			break
		}
		result = append(result, fresh...)
		frontier = fresh
	}

	return result
}

func collectionContainsEqual(col types.Collection, v types.Value) bool {
	for _, item := range col {
		if item.Equal(v) {
			return true
		}
	}
	return false
}

// evaluateAggregate folds expr over input left to right, with $total bound
// to the running accumulator (initialized from the optional second
// argument, or empty) and $this bound to the current element.
func (e *Evaluator) evaluateAggregate(input types.Collection, argExprs []ast.Node) interface{} {
	var total types.Value
	if len(argExprs) > 1 {
		initResult := e.Visit(argExprs[1])
		if err, ok := initResult.(error); ok {
			return err
		}
		if col, ok := initResult.(types.Collection); ok && !col.Empty() {
			total = col[0]
		}
	}

	oldTotal := e.ctx.total
	defer func() { e.ctx.total = oldTotal }()

	for i, item := range input {
		if i%100 == 0 {
			if err := e.ctx.CheckCancellation(); err != nil {
				return err
			}
		}

		e.ctx.total = total
		oldThis, oldIndex := e.ctx.this, e.ctx.index
		e.ctx.this = types.Collection{item}
		e.ctx.index = i
		r := e.Visit(argExprs[0])
		e.ctx.this, e.ctx.index = oldThis, oldIndex

		if err, ok := r.(error); ok {
			return err
		}
		if col, ok := r.(types.Collection); ok && !col.Empty() {
			total = col[0]
		} else {
			total = nil
		}
	}

	if total == nil {
		return types.Collection{}
	}
	return types.Collection{total}
}

// evaluateDefineVariable stores a named value for the remainder of the
// expression and returns the current collection unchanged.
func (e *Evaluator) evaluateDefineVariable(input types.Collection, argExprs []ast.Node) interface{} {
	if len(argExprs) == 0 {
		return InvalidArgumentsError("defineVariable", 1, 0)
	}

	nameResult := e.Visit(argExprs[0])
	if err, ok := nameResult.(error); ok {
		return err
	}
	nameCol, _ := nameResult.(types.Collection)
	if nameCol.Empty() {
		return InvalidArgumentsError("defineVariable", 1, 0)
	}
	s, ok := nameCol[0].(types.String)
	if !ok {
		return TypeError("String", nameCol[0].Type(), "defineVariable")
	}

	var value types.Collection
	if len(argExprs) > 1 {
		r := e.Visit(argExprs[1])
		if err, ok := r.(error); ok {
			return err
		}
		value, _ = r.(types.Collection)
	} else {
		value = input
	}

	e.ctx.SetVariable(s.Value(), value)
	return input
}

func (e *Evaluator) evaluateWhere(input types.Collection, criteria ast.Node) interface{} {
	result := types.Collection{}

	if err := e.ctx.CheckCollectionSize(input); err != nil {
		return err
	}

	for i, item := range input {
		if i%100 == 0 {
			if err := e.ctx.CheckCancellation(); err != nil {
				return err
			}
		}

		oldThis, oldIndex := e.ctx.this, e.ctx.index
		e.ctx.this = types.Collection{item}
		e.ctx.index = i
		criteriaResult := e.Visit(criteria)
		e.ctx.this, e.ctx.index = oldThis, oldIndex

		if err, ok := criteriaResult.(error); ok {
			return err
		}
		if col, ok := criteriaResult.(types.Collection); ok && !col.Empty() {
			if b, ok := col[0].(types.Boolean); ok && b.Bool() {
				result = append(result, item)
			}
		}
	}
	return result
}

func (e *Evaluator) evaluateExists(input types.Collection, criteria ast.Node) interface{} {
	for i, item := range input {
		if i%100 == 0 {
			if err := e.ctx.CheckCancellation(); err != nil {
				return err
			}
		}

		oldThis, oldIndex := e.ctx.this, e.ctx.index
		e.ctx.this = types.Collection{item}
		e.ctx.index = i
		criteriaResult := e.Visit(criteria)
		e.ctx.this, e.ctx.index = oldThis, oldIndex

		if err, ok := criteriaResult.(error); ok {
			return err
		}
		if col, ok := criteriaResult.(types.Collection); ok && !col.Empty() {
			if b, ok := col[0].(types.Boolean); ok && b.Bool() {
				return types.Collection{types.NewBoolean(true)}
			}
		}
	}
	return types.Collection{types.NewBoolean(false)}
}

func (e *Evaluator) evaluateAll(input types.Collection, criteria ast.Node) interface{} {
	if input.Empty() {
		return types.Collection{types.NewBoolean(true)}
	}

	for i, item := range input {
		if i%100 == 0 {
			if err := e.ctx.CheckCancellation(); err != nil {
				return err
			}
		}

		oldThis, oldIndex := e.ctx.this, e.ctx.index
		e.ctx.this = types.Collection{item}
		e.ctx.index = i
		criteriaResult := e.Visit(criteria)
		e.ctx.this, e.ctx.index = oldThis, oldIndex

		if err, ok := criteriaResult.(error); ok {
			return err
		}
		if col, ok := criteriaResult.(types.Collection); ok {
			if col.Empty() {
				return types.Collection{types.NewBoolean(false)}
			}
			if b, ok := col[0].(types.Boolean); ok && !b.Bool() {
				return types.Collection{types.NewBoolean(false)}
			}
		}
	}
	return types.Collection{types.NewBoolean(true)}
}

func (e *Evaluator) evaluateSelect(input types.Collection, projection ast.Node) interface{} {
	result := types.Collection{}

	if err := e.ctx.CheckCollectionSize(input); err != nil {
		return err
	}

	for i, item := range input {
		if i%100 == 0 {
			if err := e.ctx.CheckCancellation(); err != nil {
				return err
			}
		}

		oldThis, oldIndex := e.ctx.this, e.ctx.index
		e.ctx.this = types.Collection{item}
		e.ctx.index = i
		projResult := e.Visit(projection)
		e.ctx.this, e.ctx.index = oldThis, oldIndex

		if err, ok := projResult.(error); ok {
			return err
		}
		if col, ok := projResult.(types.Collection); ok {
			result = append(result, col...)
			if err := e.ctx.CheckCollectionSize(result); err != nil {
				return err
			}
		}
	}
	return result
}

func (e *Evaluator) evaluateIsFunction(input types.Collection, typeExpr ast.Node) interface{} {
	if input.Empty() {
		return types.Collection{}
	}
	if len(input) != 1 {
		return SingletonError(len(input))
	}

	typeName := e.extractTypeNameFromExpr(typeExpr)
	if typeName == "" {
		return InvalidArgumentsError("is", 1, 0)
	}

	actualType := input[0].Type()
	return types.Collection{types.NewBoolean(TypeMatches(actualType, typeName))}
}

func (e *Evaluator) evaluateAsFunction(input types.Collection, typeExpr ast.Node) interface{} {
	if input.Empty() {
		return types.Collection{}
	}
	if len(input) != 1 {
		return SingletonError(len(input))
	}

	typeName := e.extractTypeNameFromExpr(typeExpr)
	if typeName == "" {
		return InvalidArgumentsError("as", 1, 0)
	}

	actualType := input[0].Type()
	if TypeMatches(actualType, typeName) {
		return input
	}
	return types.Collection{}
}

// extractTypeNameFromExpr recovers a type name from an argument AST node.
// The argument is always a bare (possibly namespace-qualified) identifier
// appearing in type-specifier position; it is never evaluated as a path.
func (e *Evaluator) extractTypeNameFromExpr(expr ast.Node) string {
	switch n := expr.(type) {
	case *ast.Identifier:
		return n.Name
	case *ast.Invocation:
		if target, ok := n.Target.(*ast.Identifier); ok {
			if member, ok := n.Member.(*ast.Identifier); ok {
				return target.Name + "." + member.Name
			}
		}
	}
	return ""
}

func (e *Evaluator) evaluateOfType(input types.Collection, typeExpr ast.Node) interface{} {
	if input.Empty() {
		return types.Collection{}
	}

	typeName := e.extractTypeNameFromExpr(typeExpr)
	if typeName == "" {
		return InvalidArgumentsError("ofType", 1, 0)
	}

	result := types.Collection{}
	for _, item := range input {
		actualType := item.Type()
		if obj, ok := item.(*types.ObjectValue); ok {
			actualType = obj.Type()
		}
		if TypeMatches(actualType, typeName) {
			result = append(result, item)
		}
	}
	return result
}

// evaluateIif evaluates the iif() function with lazy evaluation: only the
// matching branch is evaluated, so errors in the other branch never surface.
// Signature: iif(criterion, true-result [, otherwise-result])
func (e *Evaluator) evaluateIif(argExprs []ast.Node) interface{} {
	if len(argExprs) < 2 {
		return InvalidArgumentsError("iif", 2, len(argExprs))
	}

	criterionResult := e.Visit(argExprs[0])
	if err, ok := criterionResult.(error); ok {
		return err
	}

	criterion := false
	if coll, ok := criterionResult.(types.Collection); ok && !coll.Empty() {
		if b, ok := coll[0].(types.Boolean); ok {
			criterion = b.Bool()
		}
	}

	if criterion {
		result := e.Visit(argExprs[1])
		if err, ok := result.(error); ok {
			return err
		}
		if coll, ok := result.(types.Collection); ok {
			return coll
		}
		return types.Collection{}
	}

	if len(argExprs) > 2 {
		result := e.Visit(argExprs[2])
		if err, ok := result.(error); ok {
			return err
		}
		if coll, ok := result.(types.Collection); ok {
			return coll
		}
	}
	return types.Collection{}
}

// nonDomainResources contains FHIR resources that inherit directly from Resource,
// not from DomainResource. All other resources inherit from DomainResource.
var nonDomainResources = map[string]bool{
	"Bundle":     true,
	"Binary":     true,
	"Parameters": true,
}

// IsDomainResource returns true if the given resource type inherits from DomainResource.
func IsDomainResource(resourceType string) bool {
	return !nonDomainResources[resourceType]
}

// IsSubtypeOf checks if actualType is a subtype of (or equal to) baseType.
func IsSubtypeOf(actualType, baseType string) bool {
	if actualType == baseType {
		return true
	}
	if strings.EqualFold(actualType, baseType) {
		return true
	}
	if baseType == "Resource" || strings.EqualFold(baseType, "resource") {
		return isPossibleResourceType(actualType)
	}
	if baseType == "DomainResource" || strings.EqualFold(baseType, "domainresource") {
		return isPossibleResourceType(actualType) && IsDomainResource(actualType)
	}
	return false
}

// isPossibleResourceType checks if the type looks like a FHIR resource type.
func isPossibleResourceType(typeName string) bool {
	if typeName == "" {
		return false
	}
	primitiveTypes := map[string]bool{
		"Boolean": true, "String": true, "Integer": true, "Decimal": true,
		"Date": true, "DateTime": true, "Time": true, "Quantity": true,
		"Object": true,
	}
	if primitiveTypes[typeName] {
		return false
	}
	return typeName[0] >= 'A' && typeName[0] <= 'Z'
}

// TypeMatches checks if actualType matches the requested typeName.
func TypeMatches(actualType, typeName string) bool {
	if actualType == typeName {
		return true
	}

	actualLower := strings.ToLower(actualType)
	typeNameLower := strings.ToLower(typeName)

	if actualLower == typeNameLower {
		return true
	}

	if IsSubtypeOf(actualType, typeName) {
		return true
	}

	fhirToFHIRPath := map[string]string{
		"boolean": "Boolean", "string": "String", "integer": "Integer", "decimal": "Decimal",
		"date": "Date", "datetime": "DateTime", "time": "Time", "instant": "DateTime",
		"uri": "String", "url": "String", "canonical": "String", "base64binary": "String",
		"code": "String", "id": "String", "markdown": "String", "oid": "String", "uuid": "String",
		"positiveint": "Integer", "unsignedint": "Integer", "integer64": "Integer",
		"quantity": "Quantity", "simplequantity": "Quantity", "age": "Quantity", "count": "Quantity",
		"distance": "Quantity", "duration": "Quantity", "money": "Quantity",
	}

	if fhirPathType, ok := fhirToFHIRPath[typeNameLower]; ok {
		if actualType == fhirPathType {
			return true
		}
	}

	if fhirPathType, ok := fhirToFHIRPath[actualLower]; ok {
		if fhirPathType == typeName || strings.EqualFold(fhirPathType, typeName) {
			return true
		}
	}

	if strings.HasPrefix(typeNameLower, "system.") {
		systemType := typeName[7:]
		if strings.EqualFold(actualType, systemType) {
			return true
		}
	}

	if strings.HasPrefix(typeNameLower, "fhir.") {
		fhirType := typeName[5:]
		if strings.EqualFold(actualType, fhirType) {
			return true
		}
	}

	return false
}

// polymorphicTypeSuffixes contains all FHIR type suffixes for polymorphic elements (value[x] pattern).
var polymorphicTypeSuffixes = []string{
	"Boolean", "Integer", "Integer64", "Decimal", "String", "Code", "Id", "Uri", "Url", "Canonical",
	"Base64Binary", "Instant", "Date", "DateTime", "Time", "Oid", "Uuid", "Markdown", "PositiveInt", "UnsignedInt",
	"Quantity", "CodeableConcept", "Coding", "Range", "Period", "Ratio", "RatioRange",
	"Identifier", "Reference", "Attachment", "HumanName", "Address", "ContactPoint",
	"Timing", "Signature", "Annotation", "SampledData", "Age", "Distance", "Duration",
	"Count", "Money", "MoneyQuantity", "SimpleQuantity",
	"Meta", "Dosage", "ContactDetail", "Contributor", "DataRequirement", "Expression",
	"ParameterDefinition", "RelatedArtifact", "TriggerDefinition", "UsageContext",
}

// navigateMember navigates to a member of objects in the collection.
// Supports FHIR polymorphic elements (value[x] pattern) by automatically
// resolving element names like "value" to their typed variants.
func (e *Evaluator) navigateMember(input types.Collection, name string) types.Collection {
	result := types.Collection{}

	for _, item := range input {
		obj, ok := item.(*types.ObjectValue)
		if !ok {
			continue
		}

		if IsSubtypeOf(obj.Type(), name) {
			result = append(result, obj)
			continue
		}

		children := obj.GetCollection(name)
		if len(children) > 0 {
			result = append(result, children...)
			continue
		}

		polymorphicChildren := e.resolvePolymorphicField(obj, name)
		result = append(result, polymorphicChildren...)
	}

	return result
}

// resolvePolymorphicField attempts to resolve a polymorphic FHIR element.
func (e *Evaluator) resolvePolymorphicField(obj *types.ObjectValue, name string) types.Collection {
	result := types.Collection{}
	for _, suffix := range polymorphicTypeSuffixes {
		fieldName := name + suffix
		children := obj.GetCollection(fieldName)
		if len(children) > 0 {
			result = append(result, children...)
			return result
		}
	}
	return result
}

// unquoteString returns s unchanged. The lexer already unescapes string
// literals during tokenizing, so no escape sequences are resolved here,
// including for literals constructed directly (not via the parser).
func unquoteString(s string) string {
	return s
}

// stripBackticks removes backtick delimiters from delimited identifiers.
func stripBackticks(s string) string {
	if len(s) >= 2 && s[0] == '`' && s[len(s)-1] == '`' {
		return s[1 : len(s)-1]
	}
	return s
}

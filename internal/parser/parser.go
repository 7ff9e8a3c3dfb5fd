// Package parser implements a hand-written recursive-descent parser for
// FHIRPath expressions, replacing the ANTLR-generated grammar the teacher
// shipped. Precedence climbs, from loosest to tightest binding:
//
//	implies
//	or, xor
//	and
//	in, contains
//	=, !=, ~, !~
//	<, >, <=, >=
//	is, as
//	|
//	+, -, &
//	*, /, div, mod
//	unary +, -
//	invocation chain (., [], function call)
//	primary
package parser

import (
	"fmt"
	"strings"

	"github.com/gofhirpath/engine/internal/ast"
	"github.com/gofhirpath/engine/internal/lexer"
)

// Error reports a syntax error at a specific token.
type Error struct {
	Tok     lexer.Token
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse error at %d:%d: %s (got %s)", e.Tok.Start.Line, e.Tok.Start.Column, e.Message, e.Tok)
}

func (e *Error) Unwrap() error {
	return nil
}

// Parser consumes a token stream and builds an ast.Node tree. It performs no
// error recovery: the first syntax error aborts parsing.
type Parser struct {
	toks []lexer.Token
	pos  int
}

// Parse tokenizes src and parses it as a complete FHIRPath expression.
func Parse(src string) (ast.Node, error) {
	toks, err := lexer.All(src)
	if err != nil {
		return nil, err
	}
	p := &Parser{toks: toks}
	expr, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if !p.at(lexer.EOF) {
		return nil, &Error{Tok: p.cur(), Message: "unexpected trailing input"}
	}
	return expr, nil
}

func (p *Parser) cur() lexer.Token {
	return p.toks[p.pos]
}

func (p *Parser) at(k lexer.Kind) bool {
	return p.cur().Kind == k
}

// atKeyword reports whether the current token is the keyword `word`.
func (p *Parser) atKeyword(word string) bool {
	t := p.cur()
	return t.Kind == lexer.Keyword && strings.EqualFold(t.Lexeme, word)
}

// atOperator reports whether the current token is the operator `op`.
func (p *Parser) atOperator(op string) bool {
	t := p.cur()
	return t.Kind == lexer.Operator && t.Lexeme == op
}

func (p *Parser) advance() lexer.Token {
	t := p.cur()
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *Parser) expect(k lexer.Kind, what string) (lexer.Token, error) {
	if !p.at(k) {
		return lexer.Token{}, &Error{Tok: p.cur(), Message: "expected " + what}
	}
	return p.advance(), nil
}

func (p *Parser) parseExpression() (ast.Node, error) {
	return p.parseImplies()
}

func (p *Parser) parseImplies() (ast.Node, error) {
	left, err := p.parseOrXor()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("implies") {
		pos := p.cur().Start
		p.advance()
		right, err := p.parseOrXor()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinaryOp(pos, "implies", left, right)
	}
	return left, nil
}

func (p *Parser) parseOrXor() (ast.Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("or") || p.atKeyword("xor") {
		op := strings.ToLower(p.cur().Lexeme)
		pos := p.cur().Start
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinaryOp(pos, op, left, right)
	}
	return left, nil
}

func (p *Parser) parseAnd() (ast.Node, error) {
	left, err := p.parseMembership()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("and") {
		pos := p.cur().Start
		p.advance()
		right, err := p.parseMembership()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinaryOp(pos, "and", left, right)
	}
	return left, nil
}

func (p *Parser) parseMembership() (ast.Node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("in") || p.atKeyword("contains") {
		op := strings.ToLower(p.cur().Lexeme)
		pos := p.cur().Start
		p.advance()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinaryOp(pos, op, left, right)
	}
	return left, nil
}

func (p *Parser) parseEquality() (ast.Node, error) {
	left, err := p.parseInequality()
	if err != nil {
		return nil, err
	}
	for p.atOperator("=") || p.atOperator("!=") || p.atOperator("~") || p.atOperator("!~") {
		op := p.cur().Lexeme
		pos := p.cur().Start
		p.advance()
		right, err := p.parseInequality()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinaryOp(pos, op, left, right)
	}
	return left, nil
}

func (p *Parser) parseInequality() (ast.Node, error) {
	left, err := p.parseTypeOp()
	if err != nil {
		return nil, err
	}
	for p.atOperator("<") || p.atOperator(">") || p.atOperator("<=") || p.atOperator(">=") {
		op := p.cur().Lexeme
		pos := p.cur().Start
		p.advance()
		right, err := p.parseTypeOp()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinaryOp(pos, op, left, right)
	}
	return left, nil
}

func (p *Parser) parseTypeOp() (ast.Node, error) {
	left, err := p.parseUnion()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("is") || p.atKeyword("as") {
		op := strings.ToLower(p.cur().Lexeme)
		pos := p.cur().Start
		p.advance()
		typ, err := p.parseTypeSpecifier()
		if err != nil {
			return nil, err
		}
		left = ast.NewTypeOp(pos, op, left, typ)
	}
	return left, nil
}

func (p *Parser) parseTypeSpecifier() (ast.TypeSpecifier, error) {
	pos := p.cur().Start
	first, err := p.expect(lexer.Ident, "type name")
	if err != nil {
		return ast.TypeSpecifier{}, err
	}
	if p.atOperator(".") {
		p.advance()
		second, err := p.expect(lexer.Ident, "type name")
		if err != nil {
			return ast.TypeSpecifier{}, err
		}
		return ast.NewTypeSpecifier(pos, first.Lexeme, second.Lexeme), nil
	}
	return ast.NewTypeSpecifier(pos, "", first.Lexeme), nil
}

func (p *Parser) parseUnion() (ast.Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.atOperator("|") {
		pos := p.cur().Start
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinaryOp(pos, "|", left, right)
	}
	return left, nil
}

func (p *Parser) parseAdditive() (ast.Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.atOperator("+") || p.atOperator("-") || p.atOperator("&") {
		op := p.cur().Lexeme
		pos := p.cur().Start
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinaryOp(pos, op, left, right)
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (ast.Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.atOperator("*") || p.atOperator("/") || p.atKeyword("div") || p.atKeyword("mod") {
		op := strings.ToLower(p.cur().Lexeme)
		pos := p.cur().Start
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinaryOp(pos, op, left, right)
	}
	return left, nil
}

func (p *Parser) parseUnary() (ast.Node, error) {
	if p.atOperator("+") || p.atOperator("-") {
		op := p.cur().Lexeme
		pos := p.cur().Start
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return ast.NewUnaryOp(pos, op, operand), nil
	}
	return p.parseInvocationChain()
}

// parseInvocationChain handles postfix `.member`, `[index]`, and bare
// function calls chained onto a primary expression.
func (p *Parser) parseInvocationChain() (ast.Node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.atOperator("."):
			pos := p.cur().Start
			p.advance()
			member, err := p.parseInvocationMember()
			if err != nil {
				return nil, err
			}
			left = ast.NewInvocation(pos, left, member)
		case p.at(lexer.LBracket):
			pos := p.cur().Start
			p.advance()
			idx, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(lexer.RBracket, "']'"); err != nil {
				return nil, err
			}
			left = ast.NewIndexer(pos, left, idx)
		default:
			return left, nil
		}
	}
}

// parseInvocationMember parses the right-hand side of a '.', which is
// either a function call or a plain identifier/keyword-as-identifier.
func (p *Parser) parseInvocationMember() (ast.Node, error) {
	t := p.cur()
	name, ok := p.identifierLikeName(t)
	if !ok {
		return nil, &Error{Tok: t, Message: "expected identifier or function name after '.'"}
	}
	pos := t.Start
	p.advance()
	if p.at(lexer.LParen) {
		args, err := p.parseArgList()
		if err != nil {
			return nil, err
		}
		return ast.NewFunctionCall(pos, name, args), nil
	}
	return ast.NewIdentifier(pos, name, t.Kind == lexer.Delimited), nil
}

// identifierLikeName allows keywords to be used as plain names when they
// appear in member/function position (e.g. `.as(...)`, `.contains(...)`).
func (p *Parser) identifierLikeName(t lexer.Token) (string, bool) {
	switch t.Kind {
	case lexer.Ident, lexer.Delimited, lexer.Keyword:
		return t.Lexeme, true
	default:
		return "", false
	}
}

func (p *Parser) parseArgList() ([]ast.Node, error) {
	if _, err := p.expect(lexer.LParen, "'('"); err != nil {
		return nil, err
	}
	var args []ast.Node
	if p.at(lexer.RParen) {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.at(lexer.Comma) {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(lexer.RParen, "')'"); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *Parser) parsePrimary() (ast.Node, error) {
	t := p.cur()
	switch t.Kind {
	case lexer.String:
		p.advance()
		return ast.NewLiteral(t.Start, ast.LiteralString, t.Lexeme, t.Lexeme, ""), nil
	case lexer.Number:
		p.advance()
		return ast.NewLiteral(t.Start, ast.LiteralNumber, t.Lexeme, t.Lexeme, ""), nil
	case lexer.Date:
		p.advance()
		return ast.NewLiteral(t.Start, ast.LiteralDate, t.Lexeme, t.Lexeme, ""), nil
	case lexer.DateTime:
		p.advance()
		return ast.NewLiteral(t.Start, ast.LiteralDateTime, t.Lexeme, t.Lexeme, ""), nil
	case lexer.Time:
		p.advance()
		return ast.NewLiteral(t.Start, ast.LiteralTime, t.Lexeme, t.Lexeme, ""), nil
	case lexer.Quantity:
		p.advance()
		value, unit := splitQuantity(t.Lexeme)
		return ast.NewLiteral(t.Start, ast.LiteralQuantity, t.Lexeme, value, unit), nil
	case lexer.Special:
		p.advance()
		return ast.NewSpecialVariable(t.Start, t.Lexeme), nil
	case lexer.EnvVar:
		p.advance()
		return ast.NewEnvVariable(t.Start, t.Lexeme), nil
	case lexer.LParen:
		p.advance()
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.RParen, "')'"); err != nil {
			return nil, err
		}
		return ast.NewParen(t.Start, inner), nil
	case lexer.LBrace:
		p.advance()
		if _, err := p.expect(lexer.RBrace, "'}'"); err != nil {
			return nil, err
		}
		return ast.NewEmptySet(t.Start), nil
	case lexer.Keyword:
		low := strings.ToLower(t.Lexeme)
		if low == "true" || low == "false" {
			p.advance()
			return ast.NewLiteral(t.Start, ast.LiteralBoolean, t.Lexeme, low, ""), nil
		}
		// keyword-as-identifier in primary position, e.g. a resource field
		// literally named `as` — only valid when followed by '(' or '.' or
		// end of an invocation chain position is ambiguous, so we accept it
		// as a bare identifier and let the parent production decide.
		p.advance()
		if p.at(lexer.LParen) {
			args, err := p.parseArgList()
			if err != nil {
				return nil, err
			}
			return ast.NewFunctionCall(t.Start, t.Lexeme, args), nil
		}
		return ast.NewIdentifier(t.Start, t.Lexeme, false), nil
	case lexer.Ident, lexer.Delimited:
		p.advance()
		if p.at(lexer.LParen) {
			args, err := p.parseArgList()
			if err != nil {
				return nil, err
			}
			return ast.NewFunctionCall(t.Start, t.Lexeme, args), nil
		}
		return ast.NewIdentifier(t.Start, t.Lexeme, t.Kind == lexer.Delimited), nil
	default:
		return nil, &Error{Tok: t, Message: "unexpected token"}
	}
}

// splitQuantity separates a Quantity token's lexeme ("5 'kg'" or "5 days")
// into its numeric value text and unit text (without surrounding quotes).
func splitQuantity(lexeme string) (value, unit string) {
	idx := strings.IndexAny(lexeme, " \t")
	if idx < 0 {
		return lexeme, ""
	}
	value = lexeme[:idx]
	unit = strings.TrimSpace(lexeme[idx+1:])
	unit = strings.Trim(unit, "'")
	return value, unit
}

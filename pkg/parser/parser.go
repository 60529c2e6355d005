// Package parser implements ember's recursive-descent parser.
//
// The overall shape — a Parser holding curTok/peekTok for one-token
// lookahead, a nextToken that slides the window forward, and an
// errors slice that accumulates rather than aborting on the first
// problem — follows github.com/kristofer/smog/pkg/parser. The grammar
// itself is rebuilt from scratch: smog parses Smalltalk message sends
// (unary/binary/keyword messages); ember parses the C-like surface
// syntax the language core's examples use, with conventional operator
// precedence climbing for expressions.
//
// Grammar (informal):
//
//	Program      := Statement*
//	Statement    := Block | IfStmt | WhileStmt | ForStmt | TryStmt
//	              | ThrowStmt | ReturnStmt | ImportStmt | FuncDecl
//	              | ExpressionStmt
//	Expression   := Assignment
//	Assignment   := LogicalOr ("=" Assignment)?
//	LogicalOr    := LogicalAnd ("||" LogicalAnd)*
//	LogicalAnd   := Equality ("&&" Equality)*
//	Equality     := Relational (("==" | "!=") Relational)*
//	Relational   := Additive (("<" | "<=" | ">" | ">=") Additive)*
//	Additive     := Multiplicative (("+" | "-") Multiplicative)*
//	Multiplicative := Unary (("*" | "/" | "%") Unary)*
//	Unary        := ("!" | "-") Unary | Postfix
//	Postfix      := Primary ( "(" Args ")" | "[" Expression "]" | "." Ident )*
//	Primary      := literal | Ident | "(" Expression ")" | ArrayLit
//	              | MapOrSetLit | IfExpr | FuncLit
package parser

import (
	"fmt"
	"strconv"

	"github.com/kristofer/ember/pkg/ast"
	"github.com/kristofer/ember/pkg/lexer"
)

// Parser turns a token stream into an *ast.Program.
type Parser struct {
	l       *lexer.Lexer
	curTok  lexer.Token
	peekTok lexer.Token
	errors  []string
}

// New creates a parser over source, primed with the first two tokens.
func New(source string) *Parser {
	p := &Parser{l: lexer.New(source)}
	p.nextToken()
	p.nextToken()
	return p
}

func (p *Parser) nextToken() {
	p.curTok = p.peekTok
	p.peekTok = p.l.NextToken()
}

// Errors returns accumulated parse error messages.
func (p *Parser) Errors() []string { return p.errors }

func (p *Parser) addError(format string, args ...interface{}) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *Parser) expect(tt lexer.TokenType) bool {
	if p.curTok.Type != tt {
		p.addError("line %d: expected %s, got %s (%q)", p.curTok.Line, tt, p.curTok.Type, p.curTok.Literal)
		return false
	}
	return true
}

// Parse parses the whole input and returns the resulting program. If
// any syntax errors were accumulated, it returns the (possibly
// partial) program alongside a combined error, matching the original
// parser's "report but keep going" behavior.
func (p *Parser) Parse() (*ast.Program, error) {
	program := &ast.Program{}
	for p.curTok.Type != lexer.TokenEOF {
		stmt := p.parseStatement()
		if stmt != nil {
			program.Statements = append(program.Statements, stmt)
		}
		p.nextToken()
	}
	if len(p.errors) > 0 {
		return program, fmt.Errorf("parser errors: %v", p.errors)
	}
	return program, nil
}

func (p *Parser) parseStatement() ast.Statement {
	switch p.curTok.Type {
	case lexer.TokenLBrace:
		return p.parseBlockStatement()
	case lexer.TokenIf:
		if p.peekTok.Type != lexer.TokenLParen {
			// `if cond expr else expr` without a parenthesized condition
			// is the IfExpression form, used here as an expression statement.
			return p.parseExpressionStatement()
		}
		return p.parseIfStatement()
	case lexer.TokenWhile:
		return p.parseWhileStatement()
	case lexer.TokenFor:
		return p.parseForStatement()
	case lexer.TokenTry:
		return p.parseTryStatement()
	case lexer.TokenThrow:
		return p.parseThrowStatement()
	case lexer.TokenReturn:
		return p.parseReturnStatement()
	case lexer.TokenImport:
		return p.parseImportStatement()
	case lexer.TokenFunc:
		return p.parseFunctionDeclaration()
	case lexer.TokenSemicolon:
		return nil // empty statement
	default:
		return p.parseExpressionStatement()
	}
}

// parseBlockStatement parses `{ stmt* }`. curTok must be `{`.
func (p *Parser) parseBlockStatement() *ast.BlockStatement {
	block := &ast.BlockStatement{}
	p.nextToken() // consume {
	for p.curTok.Type != lexer.TokenRBrace && p.curTok.Type != lexer.TokenEOF {
		stmt := p.parseStatement()
		if stmt != nil {
			block.Statements = append(block.Statements, stmt)
		}
		p.nextToken()
	}
	if p.curTok.Type != lexer.TokenRBrace {
		p.addError("line %d: expected '}' to close block", p.curTok.Line)
	}
	return block
}

func (p *Parser) parseIfStatement() ast.Statement {
	p.nextToken() // consume 'if'
	if !p.expect(lexer.TokenLParen) {
		return nil
	}
	p.nextToken() // consume (
	cond := p.parseExpression(precLowest)
	p.nextToken() // move to )
	if !p.expect(lexer.TokenRParen) {
		return nil
	}
	p.nextToken() // move to {
	if !p.expect(lexer.TokenLBrace) {
		return nil
	}
	then := p.parseBlockStatement()

	stmt := &ast.IfStatement{Condition: cond, Then: then}

	if p.peekTok.Type == lexer.TokenElse {
		p.nextToken() // move to else
		p.nextToken() // move past else
		if p.curTok.Type == lexer.TokenIf {
			stmt.Else = p.parseIfStatement()
		} else if p.expect(lexer.TokenLBrace) {
			stmt.Else = p.parseBlockStatement()
		}
	}

	return stmt
}

func (p *Parser) parseWhileStatement() ast.Statement {
	p.nextToken() // consume 'while'
	if !p.expect(lexer.TokenLParen) {
		return nil
	}
	p.nextToken()
	cond := p.parseExpression(precLowest)
	p.nextToken()
	if !p.expect(lexer.TokenRParen) {
		return nil
	}
	p.nextToken()
	if !p.expect(lexer.TokenLBrace) {
		return nil
	}
	body := p.parseBlockStatement()
	return &ast.WhileStatement{Condition: cond, Body: body}
}

func (p *Parser) parseForStatement() ast.Statement {
	p.nextToken() // consume 'for'
	if !p.expect(lexer.TokenLParen) {
		return nil
	}
	p.nextToken()

	var init ast.Statement
	if p.curTok.Type != lexer.TokenSemicolon {
		init = p.parseExpressionStatement()
	}
	if !p.expect(lexer.TokenSemicolon) {
		return nil
	}
	p.nextToken()

	var cond ast.Expression
	if p.curTok.Type != lexer.TokenSemicolon {
		cond = p.parseExpression(precLowest)
		p.nextToken()
	}
	if !p.expect(lexer.TokenSemicolon) {
		return nil
	}
	p.nextToken()

	var post ast.Statement
	if p.curTok.Type != lexer.TokenRParen {
		expr := p.parseExpression(precLowest)
		post = &ast.ExpressionStatement{Expression: expr}
		p.nextToken()
	}
	if !p.expect(lexer.TokenRParen) {
		return nil
	}
	p.nextToken()
	if !p.expect(lexer.TokenLBrace) {
		return nil
	}
	body := p.parseBlockStatement()

	return &ast.ForStatement{Init: init, Condition: cond, Post: post, Body: body}
}

func (p *Parser) parseTryStatement() ast.Statement {
	line := p.curTok.Line
	p.nextToken() // consume 'try'
	if !p.expect(lexer.TokenLBrace) {
		return nil
	}
	tryBlock := p.parseBlockStatement()

	stmt := &ast.TryStatement{Try: tryBlock, Line: line}

	if p.peekTok.Type == lexer.TokenCatch {
		p.nextToken() // move to catch
		p.nextToken() // move to (
		if p.expect(lexer.TokenLParen) {
			p.nextToken() // move to ident
			if p.expect(lexer.TokenIdentifier) {
				stmt.CatchParam = p.curTok.Literal
			}
			p.nextToken() // move to )
			p.expect(lexer.TokenRParen)
			p.nextToken() // move to {
		}
		if p.expect(lexer.TokenLBrace) {
			stmt.Catch = p.parseBlockStatement()
		}
	}

	if p.peekTok.Type == lexer.TokenFinally {
		p.nextToken() // move to finally
		p.nextToken() // move to {
		if p.expect(lexer.TokenLBrace) {
			stmt.Finally = p.parseBlockStatement()
		}
	}

	return stmt
}

func (p *Parser) parseThrowStatement() ast.Statement {
	line := p.curTok.Line
	p.nextToken() // consume 'throw'
	value := p.parseExpression(precLowest)
	if p.peekTok.Type == lexer.TokenSemicolon {
		p.nextToken()
	}
	return &ast.ThrowStatement{Value: value, Line: line}
}

func (p *Parser) parseReturnStatement() ast.Statement {
	line := p.curTok.Line
	if p.peekTok.Type == lexer.TokenSemicolon || p.peekTok.Type == lexer.TokenRBrace {
		p.nextToken()
		return &ast.ReturnStatement{Line: line}
	}
	p.nextToken() // consume 'return'
	value := p.parseExpression(precLowest)
	if p.peekTok.Type == lexer.TokenSemicolon {
		p.nextToken()
	}
	return &ast.ReturnStatement{Value: value, Line: line}
}

func (p *Parser) parseImportStatement() ast.Statement {
	p.nextToken() // consume 'import'
	if !p.expect(lexer.TokenIdentifier) {
		return nil
	}
	name := p.curTok.Literal
	if p.peekTok.Type == lexer.TokenSemicolon {
		p.nextToken()
	}
	return &ast.ImportStatement{Name: name}
}

func (p *Parser) parseFunctionDeclaration() ast.Statement {
	p.nextToken() // consume 'func'
	if !p.expect(lexer.TokenIdentifier) {
		return nil
	}
	name := p.curTok.Literal
	p.nextToken() // move to (
	params := p.parseParameterList()
	p.nextToken() // move to {
	if !p.expect(lexer.TokenLBrace) {
		return nil
	}
	body := p.parseBlockStatement()
	return &ast.FunctionDeclaration{Name: name, Parameters: params, Body: body}
}

// parseParameterList parses `(a, b, c)`. curTok must be `(` on entry;
// on return curTok is the closing `)`.
func (p *Parser) parseParameterList() []string {
	if !p.expect(lexer.TokenLParen) {
		return nil
	}
	var params []string
	p.nextToken()
	for p.curTok.Type != lexer.TokenRParen && p.curTok.Type != lexer.TokenEOF {
		if p.curTok.Type == lexer.TokenIdentifier {
			params = append(params, p.curTok.Literal)
		}
		p.nextToken()
		if p.curTok.Type == lexer.TokenComma {
			p.nextToken()
		}
	}
	return params
}

func (p *Parser) parseExpressionStatement() ast.Statement {
	line := p.curTok.Line
	expr := p.parseExpression(precLowest)
	if expr == nil {
		return nil
	}
	stmt := &ast.ExpressionStatement{Expression: expr, Line: line}
	if p.peekTok.Type == lexer.TokenSemicolon {
		p.nextToken()
	}
	return stmt
}

// --- expression parsing (precedence climbing) ---

type precedence int

const (
	precLowest precedence = iota
	precAssign
	precOr
	precAnd
	precEquality
	precRelational
	precAdditive
	precMultiplicative
	precUnary
	precPostfix
)

func tokenPrecedence(tt lexer.TokenType) precedence {
	switch tt {
	case lexer.TokenAssign:
		return precAssign
	case lexer.TokenOr:
		return precOr
	case lexer.TokenAnd:
		return precAnd
	case lexer.TokenEq, lexer.TokenNeq:
		return precEquality
	case lexer.TokenLt, lexer.TokenLe, lexer.TokenGt, lexer.TokenGe:
		return precRelational
	case lexer.TokenPlus, lexer.TokenMinus:
		return precAdditive
	case lexer.TokenStar, lexer.TokenSlash, lexer.TokenPercent:
		return precMultiplicative
	case lexer.TokenLParen, lexer.TokenLBracket, lexer.TokenDot:
		return precPostfix
	default:
		return precLowest
	}
}

// parseExpression implements precedence-climbing: it parses a unary
// expression then repeatedly folds in binary operators whose
// precedence is at least minPrec. Assignment is right-associative and
// handled specially since its left side must be an lvalue.
func (p *Parser) parseExpression(minPrec precedence) ast.Expression {
	left := p.parseUnary()
	if left == nil {
		return nil
	}

	for {
		peekPrec := tokenPrecedence(p.peekTok.Type)
		if peekPrec < minPrec || peekPrec == precLowest {
			break
		}

		if p.peekTok.Type == lexer.TokenAssign {
			line := p.peekTok.Line
			p.nextToken() // consume '='
			p.nextToken() // move to start of value
			value := p.parseExpression(precAssign)
			left = &ast.Assignment{Target: left, Value: value, Line: line}
			continue
		}

		op := p.peekTok
		p.nextToken() // consume operator
		p.nextToken() // move to right operand
		right := p.parseExpression(peekPrec + 1)
		left = &ast.BinaryExpression{Left: left, Operator: op.Literal, Right: right}
	}

	return left
}

func (p *Parser) parseUnary() ast.Expression {
	switch p.curTok.Type {
	case lexer.TokenBang, lexer.TokenMinus:
		op := p.curTok.Literal
		p.nextToken()
		operand := p.parseUnary()
		return &ast.UnaryExpression{Operator: op, Operand: operand}
	default:
		return p.parsePostfix()
	}
}

func (p *Parser) parsePostfix() ast.Expression {
	expr := p.parsePrimary()
	for {
		switch p.peekTok.Type {
		case lexer.TokenLParen:
			line := p.peekTok.Line
			p.nextToken() // move to (
			args := p.parseArgumentList()
			expr = &ast.CallExpression{Callee: expr, Args: args, Line: line}
		case lexer.TokenLBracket:
			line := p.peekTok.Line
			p.nextToken() // move to [
			p.nextToken() // move to index expr
			idx := p.parseExpression(precLowest)
			p.nextToken() // move to ]
			if !p.expect(lexer.TokenRBracket) {
				return expr
			}
			expr = &ast.IndexExpression{Collection: expr, Index: idx, Line: line}
		case lexer.TokenDot:
			p.nextToken() // move to .
			p.nextToken() // move to name
			if !p.expect(lexer.TokenIdentifier) {
				return expr
			}
			expr = &ast.DotExpression{Receiver: expr, Name: p.curTok.Literal}
		default:
			return expr
		}
	}
}

// parseArgumentList parses `(a, b, c)`. curTok must be `(` on entry;
// on return curTok is the closing `)`.
func (p *Parser) parseArgumentList() []ast.Expression {
	var args []ast.Expression
	p.nextToken()
	for p.curTok.Type != lexer.TokenRParen && p.curTok.Type != lexer.TokenEOF {
		args = append(args, p.parseExpression(precLowest))
		p.nextToken()
		if p.curTok.Type == lexer.TokenComma {
			p.nextToken()
		}
	}
	return args
}

func (p *Parser) parsePrimary() ast.Expression {
	switch p.curTok.Type {
	case lexer.TokenNumber:
		return p.parseNumberLiteral()
	case lexer.TokenString:
		return &ast.StringLiteral{Value: p.curTok.Literal}
	case lexer.TokenTrue:
		return &ast.BooleanLiteral{Value: true}
	case lexer.TokenFalse:
		return &ast.BooleanLiteral{Value: false}
	case lexer.TokenNil:
		return &ast.NilLiteral{}
	case lexer.TokenIdentifier:
		return &ast.Identifier{Name: p.curTok.Literal}
	case lexer.TokenLParen:
		p.nextToken()
		expr := p.parseExpression(precLowest)
		p.nextToken()
		if !p.expect(lexer.TokenRParen) {
			return expr
		}
		return expr
	case lexer.TokenLBracket:
		return p.parseArrayLiteral()
	case lexer.TokenLBrace:
		return p.parseMapOrSetLiteral()
	case lexer.TokenIf:
		return p.parseIfExpression()
	case lexer.TokenFunc:
		return p.parseFunctionLiteral()
	default:
		p.addError("line %d: unexpected token %s (%q)", p.curTok.Line, p.curTok.Type, p.curTok.Literal)
		return nil
	}
}

func (p *Parser) parseNumberLiteral() ast.Expression {
	f, err := strconv.ParseFloat(p.curTok.Literal, 64)
	if err != nil {
		p.addError("line %d: could not parse %q as number", p.curTok.Line, p.curTok.Literal)
		return nil
	}
	return &ast.NumberLiteral{Value: f}
}

func (p *Parser) parseArrayLiteral() ast.Expression {
	lit := &ast.ArrayLiteral{}
	p.nextToken() // consume [
	for p.curTok.Type != lexer.TokenRBracket && p.curTok.Type != lexer.TokenEOF {
		lit.Elements = append(lit.Elements, p.parseExpression(precLowest))
		p.nextToken()
		if p.curTok.Type == lexer.TokenComma {
			p.nextToken()
		}
	}
	if !p.expect(lexer.TokenRBracket) {
		return lit
	}
	return lit
}

// parseMapOrSetLiteral disambiguates `{}`/`{1, 2}` (set) from
// `{k: v, ...}` (map) by looking one element ahead for a colon.
func (p *Parser) parseMapOrSetLiteral() ast.Expression {
	p.nextToken() // consume {
	if p.curTok.Type == lexer.TokenRBrace {
		return &ast.MapLiteral{}
	}

	first := p.parseExpression(precLowest)
	if p.peekTok.Type == lexer.TokenColon {
		p.nextToken() // move to :
		p.nextToken() // move to value
		val := p.parseExpression(precLowest)
		lit := &ast.MapLiteral{Entries: []ast.MapEntry{{Key: first, Value: val}}}
		p.nextToken()
		for p.curTok.Type == lexer.TokenComma {
			p.nextToken()
			key := p.parseExpression(precLowest)
			p.nextToken()
			if !p.expect(lexer.TokenColon) {
				break
			}
			p.nextToken()
			val := p.parseExpression(precLowest)
			lit.Entries = append(lit.Entries, ast.MapEntry{Key: key, Value: val})
			p.nextToken()
		}
		p.expect(lexer.TokenRBrace)
		return lit
	}

	lit := &ast.SetLiteral{Elements: []ast.Expression{first}}
	p.nextToken()
	for p.curTok.Type == lexer.TokenComma {
		p.nextToken()
		lit.Elements = append(lit.Elements, p.parseExpression(precLowest))
		p.nextToken()
	}
	p.expect(lexer.TokenRBrace)
	return lit
}

func (p *Parser) parseIfExpression() ast.Expression {
	p.nextToken() // consume 'if'
	cond := p.parseExpression(precOr)
	p.nextToken() // move to then-expr
	thenExpr := p.parseExpression(precUnary)
	if p.peekTok.Type != lexer.TokenElse {
		return &ast.IfExpression{Condition: cond, Then: thenExpr}
	}
	p.nextToken() // move to 'else'
	p.nextToken() // move to else-expr
	elseExpr := p.parseExpression(precUnary)
	return &ast.IfExpression{Condition: cond, Then: thenExpr, Else: elseExpr}
}

func (p *Parser) parseFunctionLiteral() ast.Expression {
	p.nextToken() // consume 'func'
	params := p.parseParameterList()
	p.nextToken() // move to {
	if !p.expect(lexer.TokenLBrace) {
		return nil
	}
	body := p.parseBlockStatement()
	return &ast.FunctionLiteral{Parameters: params, Body: body}
}

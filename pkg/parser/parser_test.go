package parser

import (
	"testing"

	"github.com/kristofer/ember/pkg/ast"
)

func parseOrFail(t *testing.T, src string) *ast.Program {
	t.Helper()
	p := New(src)
	program, err := p.Parse()
	if err != nil {
		t.Fatalf("parse error for %q: %v", src, err)
	}
	return program
}

func TestParseArithmeticPrecedence(t *testing.T) {
	program := parseOrFail(t, "print(2 + 3 * 4);")
	if len(program.Statements) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(program.Statements))
	}
	stmt, ok := program.Statements[0].(*ast.ExpressionStatement)
	if !ok {
		t.Fatalf("expected ExpressionStatement, got %T", program.Statements[0])
	}
	call, ok := stmt.Expression.(*ast.CallExpression)
	if !ok {
		t.Fatalf("expected CallExpression, got %T", stmt.Expression)
	}
	if len(call.Args) != 1 {
		t.Fatalf("expected 1 arg, got %d", len(call.Args))
	}
	bin, ok := call.Args[0].(*ast.BinaryExpression)
	if !ok {
		t.Fatalf("expected BinaryExpression, got %T", call.Args[0])
	}
	if bin.Operator != "+" {
		t.Fatalf("expected top-level '+' (lower precedence binds last), got %q", bin.Operator)
	}
	right, ok := bin.Right.(*ast.BinaryExpression)
	if !ok || right.Operator != "*" {
		t.Fatalf("expected right side to be '*' expression, got %#v", bin.Right)
	}
}

func TestParseIfExpression(t *testing.T) {
	program := parseOrFail(t, `x = 10; y = 0; print(if x > y "pos" else "neg");`)
	stmt := program.Statements[2].(*ast.ExpressionStatement)
	call := stmt.Expression.(*ast.CallExpression)
	ifExpr, ok := call.Args[0].(*ast.IfExpression)
	if !ok {
		t.Fatalf("expected IfExpression, got %T", call.Args[0])
	}
	if ifExpr.Then.(*ast.StringLiteral).Value != "pos" {
		t.Errorf("expected then-branch 'pos'")
	}
	if ifExpr.Else.(*ast.StringLiteral).Value != "neg" {
		t.Errorf("expected else-branch 'neg'")
	}
}

func TestParseTryCatchFinally(t *testing.T) {
	program := parseOrFail(t, `try { throw "oops" } catch (e) { print("caught " + e) } finally { print("done") }`)
	stmt, ok := program.Statements[0].(*ast.TryStatement)
	if !ok {
		t.Fatalf("expected TryStatement, got %T", program.Statements[0])
	}
	if stmt.CatchParam != "e" {
		t.Errorf("expected catch param 'e', got %q", stmt.CatchParam)
	}
	if stmt.Finally == nil {
		t.Error("expected a finally block")
	}
	if len(stmt.Try.Statements) != 1 {
		t.Errorf("expected 1 statement in try block")
	}
}

func TestParseArrayIndexAssignment(t *testing.T) {
	program := parseOrFail(t, "arr = [1, 2, 3]; v = arr[10];")
	assign := program.Statements[1].(*ast.ExpressionStatement).Expression.(*ast.Assignment)
	idx, ok := assign.Value.(*ast.IndexExpression)
	if !ok {
		t.Fatalf("expected IndexExpression, got %T", assign.Value)
	}
	if idx.Index.(*ast.NumberLiteral).Value != 10 {
		t.Errorf("expected index 10")
	}
}

func TestParseFunctionDeclaration(t *testing.T) {
	program := parseOrFail(t, "func add(a, b) { return a + b; }")
	fn, ok := program.Statements[0].(*ast.FunctionDeclaration)
	if !ok {
		t.Fatalf("expected FunctionDeclaration, got %T", program.Statements[0])
	}
	if fn.Name != "add" || len(fn.Parameters) != 2 {
		t.Fatalf("got name=%q params=%v", fn.Name, fn.Parameters)
	}
}

func TestParseWhileAndFor(t *testing.T) {
	program := parseOrFail(t, `
		while (x < 10) { x = x + 1; }
		for (i = 0; i < 10; i = i + 1) { print(i); }
	`)
	if _, ok := program.Statements[0].(*ast.WhileStatement); !ok {
		t.Fatalf("expected WhileStatement, got %T", program.Statements[0])
	}
	forStmt, ok := program.Statements[1].(*ast.ForStatement)
	if !ok {
		t.Fatalf("expected ForStatement, got %T", program.Statements[1])
	}
	if forStmt.Init == nil || forStmt.Condition == nil || forStmt.Post == nil {
		t.Fatalf("expected all three for-clauses to be present")
	}
}

func TestParseMapAndSetLiterals(t *testing.T) {
	program := parseOrFail(t, `m = {"a": 1, "b": 2}; s = {1, 2, 3};`)
	mAssign := program.Statements[0].(*ast.ExpressionStatement).Expression.(*ast.Assignment)
	mapLit, ok := mAssign.Value.(*ast.MapLiteral)
	if !ok || len(mapLit.Entries) != 2 {
		t.Fatalf("expected 2-entry MapLiteral, got %#v", mAssign.Value)
	}
	sAssign := program.Statements[1].(*ast.ExpressionStatement).Expression.(*ast.Assignment)
	setLit, ok := sAssign.Value.(*ast.SetLiteral)
	if !ok || len(setLit.Elements) != 3 {
		t.Fatalf("expected 3-element SetLiteral, got %#v", sAssign.Value)
	}
}

func TestParserAccumulatesErrors(t *testing.T) {
	p := New("x = ;")
	_, err := p.Parse()
	if err == nil {
		t.Fatal("expected parse error for malformed assignment")
	}
	if len(p.Errors()) == 0 {
		t.Fatal("expected accumulated errors")
	}
}

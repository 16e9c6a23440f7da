// Copyright © 2018 The ELPS authors

package luahost

import (
	"fmt"

	"github.com/yuin/gopher-lua/ast"

	"github.com/luthersystems/svcdbg/debugger"
)

// Names of the hook functions injected into instrumented chunks.
const (
	checkpointFn = "__checkpoint"
	enterFn      = "__enter"
	exitFn       = "__exit"
)

// chunkName is the frame name of a script's top level.
const chunkName = "(main chunk)"

// instrumenter rewrites a parsed chunk so that every statement reports a
// checkpoint and every function reports its entry and exit. It records
// one breakpoint location per statement.
type instrumenter struct {
	file    string
	ordinal map[int]int
	locs    []debugger.Location
}

func instrument(file string, chunk []ast.Stmt) ([]ast.Stmt, []debugger.Location) {
	in := &instrumenter{file: file, ordinal: make(map[int]int)}
	return in.body(chunkName, chunk), in.locs
}

// body instruments a function body: an enter hook first, a checkpoint
// before each statement and an exit hook on every way out.
func (in *instrumenter) body(name string, stmts []ast.Stmt) []ast.Stmt {
	first, last := 0, 0
	if n := len(stmts); n > 0 {
		first, last = stmts[0].Line(), stmts[n-1].LastLine()
		if last < stmts[n-1].Line() {
			last = stmts[n-1].Line()
		}
	}
	out := []ast.Stmt{hookStmt(first, enterFn, &ast.StringExpr{Value: name})}
	out = append(out, in.block(stmts)...)
	if n := len(stmts); n == 0 || !isReturn(stmts[n-1]) {
		out = append(out, hookStmt(last, exitFn))
	}
	return out
}

func (in *instrumenter) block(stmts []ast.Stmt) []ast.Stmt {
	if len(stmts) == 0 {
		return stmts
	}
	out := make([]ast.Stmt, 0, 2*len(stmts))
	for _, st := range stmts {
		id := in.location(st)
		out = append(out, hookStmt(st.Line(), checkpointFn, &ast.StringExpr{Value: id}))
		out = append(out, in.stmt(st))
	}
	return out
}

func (in *instrumenter) location(st ast.Stmt) string {
	line := st.Line()
	col := in.ordinal[line]
	in.ordinal[line]++
	end := st.LastLine()
	if end < line {
		end = line
	}
	id := fmt.Sprintf("%s:%d:%d", in.file, line, col)
	in.locs = append(in.locs, debugger.Location{
		ID:      id,
		File:    in.file,
		Line:    line,
		Column:  col,
		EndLine: end,
	})
	return id
}

func (in *instrumenter) stmt(st ast.Stmt) ast.Stmt {
	switch s := st.(type) {
	case *ast.AssignStmt:
		for _, e := range s.Lhs {
			in.expr(e, "")
		}
		for i, e := range s.Rhs {
			name := ""
			if i < len(s.Lhs) {
				name = exprName(s.Lhs[i])
			}
			in.expr(e, name)
		}
	case *ast.LocalAssignStmt:
		for i, e := range s.Exprs {
			name := ""
			if i < len(s.Names) {
				name = s.Names[i]
			}
			in.expr(e, name)
		}
	case *ast.FuncCallStmt:
		in.expr(s.Expr, "")
	case *ast.DoBlockStmt:
		s.Stmts = in.block(s.Stmts)
	case *ast.WhileStmt:
		in.expr(s.Condition, "")
		s.Stmts = in.block(s.Stmts)
	case *ast.RepeatStmt:
		s.Stmts = in.block(s.Stmts)
		in.expr(s.Condition, "")
	case *ast.IfStmt:
		in.expr(s.Condition, "")
		s.Then = in.block(s.Then)
		s.Else = in.block(s.Else)
	case *ast.NumberForStmt:
		in.expr(s.Init, "")
		in.expr(s.Limit, "")
		in.expr(s.Step, "")
		s.Stmts = in.block(s.Stmts)
	case *ast.GenericForStmt:
		for _, e := range s.Exprs {
			in.expr(e, "")
		}
		s.Stmts = in.block(s.Stmts)
	case *ast.FuncDefStmt:
		name := exprName(s.Name.Func)
		if s.Name.Method != "" {
			name = exprName(s.Name.Receiver) + ":" + s.Name.Method
		}
		in.function(s.Func, name)
	case *ast.ReturnStmt:
		for _, e := range s.Exprs {
			in.expr(e, "")
		}
		// return e... becomes return __exit(e...)
		call := hookCall(s.Line(), exitFn, s.Exprs...)
		ret := &ast.ReturnStmt{Exprs: []ast.Expr{call}}
		ret.SetLine(s.Line())
		ret.SetLastLine(s.LastLine())
		return ret
	}
	return st
}

func (in *instrumenter) function(fn *ast.FunctionExpr, name string) {
	if fn == nil {
		return
	}
	fn.Stmts = in.body(name, fn.Stmts)
}

func (in *instrumenter) expr(e ast.Expr, name string) {
	switch x := e.(type) {
	case *ast.FunctionExpr:
		in.function(x, name)
	case *ast.AttrGetExpr:
		in.expr(x.Object, "")
		in.expr(x.Key, "")
	case *ast.TableExpr:
		for _, f := range x.Fields {
			fieldName := ""
			if k, ok := f.Key.(*ast.StringExpr); ok {
				fieldName = k.Value
			}
			in.expr(f.Key, "")
			in.expr(f.Value, fieldName)
		}
	case *ast.FuncCallExpr:
		in.expr(x.Func, "")
		in.expr(x.Receiver, "")
		for _, a := range x.Args {
			in.expr(a, "")
		}
	case *ast.LogicalOpExpr:
		in.expr(x.Lhs, "")
		in.expr(x.Rhs, "")
	case *ast.RelationalOpExpr:
		in.expr(x.Lhs, "")
		in.expr(x.Rhs, "")
	case *ast.StringConcatOpExpr:
		in.expr(x.Lhs, "")
		in.expr(x.Rhs, "")
	case *ast.ArithmeticOpExpr:
		in.expr(x.Lhs, "")
		in.expr(x.Rhs, "")
	case *ast.UnaryMinusOpExpr:
		in.expr(x.Expr, "")
	case *ast.UnaryNotOpExpr:
		in.expr(x.Expr, "")
	case *ast.UnaryLenOpExpr:
		in.expr(x.Expr, "")
	}
}

func isReturn(st ast.Stmt) bool {
	_, ok := st.(*ast.ReturnStmt)
	return ok
}

// exprName renders a function target such as a.b.c for frame names.
func exprName(e ast.Expr) string {
	switch x := e.(type) {
	case *ast.IdentExpr:
		return x.Value
	case *ast.AttrGetExpr:
		if k, ok := x.Key.(*ast.StringExpr); ok {
			return exprName(x.Object) + "." + k.Value
		}
		return exprName(x.Object) + "[]"
	}
	return ""
}

func hookCall(line int, fn string, args ...ast.Expr) *ast.FuncCallExpr {
	callee := &ast.IdentExpr{Value: fn}
	callee.SetLine(line)
	call := &ast.FuncCallExpr{Func: callee, Args: args}
	call.SetLine(line)
	call.SetLastLine(line)
	return call
}

func hookStmt(line int, fn string, args ...ast.Expr) ast.Stmt {
	st := &ast.FuncCallStmt{Expr: hookCall(line, fn, args...)}
	st.SetLine(line)
	st.SetLastLine(line)
	return st
}

// Package miniscript is a small, self-contained reference interpreter used
// as the guest package's default guest.VM: a real embedded Python engine is
// out of scope for this module, so miniscript stands in for one, exercising
// every seam guest.Runtime drives a VM through (compile errors reported as
// output, runtime exceptions reported as output, scope-bound variable
// assignment routed through protected locals, builtins resolved from
// globals) against a language simple enough to implement and test plainly.
//
// Programs are newline-separated statements:
//
//	name = expr
//	print(expr, expr, ...)
//	expr               (a bare call, evaluated for side effects)
//
// Expressions support +, -, *, /, string and numeric literals, identifiers,
// parenthesized grouping, and call syntax name(args..., key=value, ...)
// where name resolves to a builtin (e.g. pybox_json_rpc) in scope.
package miniscript

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/s0duku/pybox/guest"
)

// VM is the miniscript interpreter, satisfying guest.VM.
type VM struct{}

// New returns a fresh miniscript VM. Each guest environment gets its own,
// matching pybox_new_interpreter's "fresh interpreter per environment"
// isolation.
func New() *VM { return &VM{} }

// Program is a parsed miniscript source: a sequence of statements.
type Program struct {
	stmts []stmt
}

// Compile parses code into a Program, or returns a *SyntaxError describing
// the first problem encountered.
func (vm *VM) Compile(code string) (guest.Program, error) {
	p := newParser(code)
	stmts, err := p.parseProgram()
	if err != nil {
		return nil, err
	}
	return &Program{stmts: stmts}, nil
}

// Run executes prog against scope, writing print() output to stdout. A
// runtime error raised by one top-level statement is written to stdout (the
// way an uncaught Python exception's traceback interrupts only the
// statement it occurred in when a host is capturing output across a whole
// module body) and execution continues with the next statement, rather than
// aborting the program.
func (vm *VM) Run(ctx context.Context, prog guest.Program, scope guest.Scope, stdout, stderr io.Writer) error {
	p, ok := prog.(*Program)
	if !ok {
		return fmt.Errorf("miniscript: not a miniscript program")
	}
	interp := &interpreter{ctx: ctx, scope: scope, stdout: stdout}
	for _, s := range p.stmts {
		if err := interp.exec(s); err != nil {
			fmt.Fprintln(stdout, err.Error())
		}
	}
	return nil
}

// SyntaxError is returned by Compile; its Error() text is what guest.Runtime
// folds directly into a failed Exec's output, the way a real interpreter's
// traceback would be.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("SyntaxError: %s (at offset %d)", e.Msg, e.Pos)
}

// RuntimeError describes any failure raised while executing a single
// statement: undefined names, protected-key writes, calling a non-callable,
// wrong argument counts to a builtin. Run writes its text directly to stdout
// where the failing statement occurred and moves on to the next statement,
// the same way a host capturing output across a whole module body would see
// one exception's traceback interleaved with the rest of that body's output.
type RuntimeError struct {
	Msg string
}

func (e *RuntimeError) Error() string { return "RuntimeError: " + e.Msg }

type interpreter struct {
	ctx    context.Context
	scope  guest.Scope
	stdout io.Writer
}

func (in *interpreter) exec(s stmt) error {
	switch s := s.(type) {
	case *assignStmt:
		v, err := in.eval(s.value)
		if err != nil {
			return err
		}
		if err := in.scope.Locals.Set(s.name, v); err != nil {
			return &RuntimeError{Msg: err.Error()}
		}
		return nil
	case *printStmt:
		parts := make([]string, 0, len(s.args))
		for _, a := range s.args {
			v, err := in.eval(a)
			if err != nil {
				return err
			}
			parts = append(parts, formatValue(v))
		}
		fmt.Fprintln(in.stdout, strings.Join(parts, " "))
		return nil
	case *exprStmt:
		_, err := in.eval(s.expr)
		return err
	default:
		return &RuntimeError{Msg: "unknown statement"}
	}
}

func (in *interpreter) eval(e expr) (interface{}, error) {
	switch e := e.(type) {
	case *numberLit:
		return e.value, nil
	case *stringLit:
		return e.value, nil
	case *identExpr:
		if v, ok := in.scope.Globals[e.name]; ok {
			return v, nil
		}
		return nil, &RuntimeError{Msg: fmt.Sprintf("name '%s' is not defined", e.name)}
	case *binaryExpr:
		left, err := in.eval(e.left)
		if err != nil {
			return nil, err
		}
		right, err := in.eval(e.right)
		if err != nil {
			return nil, err
		}
		return applyBinary(e.op, left, right)
	case *callExpr:
		target, ok := in.scope.Globals[e.callee]
		if !ok {
			return nil, &RuntimeError{Msg: fmt.Sprintf("name '%s' is not defined", e.callee)}
		}
		fn, ok := target.(guest.Callable)
		if !ok {
			return nil, &RuntimeError{Msg: fmt.Sprintf("'%s' object is not callable", e.callee)}
		}
		args := make([]interface{}, 0, len(e.args))
		for _, a := range e.args {
			v, err := in.eval(a)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		kwargs := make(map[string]interface{}, len(e.kwargs))
		for k, a := range e.kwargs {
			v, err := in.eval(a)
			if err != nil {
				return nil, err
			}
			kwargs[k] = v
		}
		result, err := fn(in.ctx, args, kwargs)
		if err != nil {
			return nil, &RuntimeError{Msg: err.Error()}
		}
		return result, nil
	default:
		return nil, &RuntimeError{Msg: "unknown expression"}
	}
}

func applyBinary(op byte, left, right interface{}) (interface{}, error) {
	if op == '+' {
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs, nil
			}
		}
	}
	lf, lok := left.(float64)
	rf, rok := right.(float64)
	if !lok || !rok {
		return nil, &RuntimeError{Msg: fmt.Sprintf("unsupported operand type(s) for %c", op)}
	}
	switch op {
	case '+':
		return lf + rf, nil
	case '-':
		return lf - rf, nil
	case '*':
		return lf * rf, nil
	case '/':
		if rf == 0 {
			return nil, &RuntimeError{Msg: "division by zero"}
		}
		return lf / rf, nil
	default:
		return nil, &RuntimeError{Msg: "unknown operator"}
	}
}

func formatValue(v interface{}) string {
	switch v := v.(type) {
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		if v {
			return "True"
		}
		return "False"
	case nil:
		return "None"
	default:
		return fmt.Sprintf("%v", v)
	}
}

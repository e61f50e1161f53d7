package miniscript_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0duku/pybox/guest"
	"github.com/s0duku/pybox/guest/protected"
	"github.com/s0duku/pybox/guest/miniscript"
)

func run(t *testing.T, code string, globals map[string]interface{}) string {
	t.Helper()
	vm := miniscript.New()
	prog, err := vm.Compile(code)
	require.NoError(t, err)

	locals := protected.New()
	for k, v := range globals {
		locals.Bypass().Set(k, v)
	}
	scope := guest.Scope{Locals: locals, Globals: locals.Dict()}

	var out bytes.Buffer
	err = vm.Run(context.Background(), prog, scope, &out, &out)
	require.NoError(t, err)
	return out.String()
}

func TestPrintLiterals(t *testing.T) {
	out := run(t, `print("hello", 1, 2.5)`, nil)
	assert.Equal(t, "hello 1 2.5\n", out)
}

func TestAssignmentAndArithmetic(t *testing.T) {
	out := run(t, "x = 1 + 2 * 3\nprint(x)", nil)
	assert.Equal(t, "7\n", out)
}

func TestStringConcatenation(t *testing.T) {
	out := run(t, `greeting = "hello, " + "world"
print(greeting)`, nil)
	assert.Equal(t, "hello, world\n", out)
}

func TestCallBuiltin(t *testing.T) {
	var gotArgs []interface{}
	echo := guest.Callable(func(_ context.Context, args []interface{}, _ map[string]interface{}) (interface{}, error) {
		gotArgs = args
		return "ok", nil
	})
	out := run(t, `result = echo(1, 2)
print(result)`, map[string]interface{}{"echo": echo})
	assert.Equal(t, "ok\n", out)
	assert.Equal(t, []interface{}{1.0, 2.0}, gotArgs)
}

func TestCompileErrorReturnsSyntaxError(t *testing.T) {
	vm := miniscript.New()
	_, err := vm.Compile("1 +")
	require.Error(t, err)
	var synErr *miniscript.SyntaxError
	assert.ErrorAs(t, err, &synErr)
}

func TestRuntimeErrorOnUndefinedName(t *testing.T) {
	vm := miniscript.New()
	prog, err := vm.Compile("print(undefined_name)")
	require.NoError(t, err)

	locals := protected.New()
	scope := guest.Scope{Locals: locals, Globals: locals.Dict()}
	var out bytes.Buffer
	err = vm.Run(context.Background(), prog, scope, &out, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "RuntimeError: name 'undefined_name' is not defined")
}

// TestStatementErrorDoesNotAbortRemainingStatements mirrors the
// protected-assignment-during-exec scenario: a runtime error raised by one
// top-level statement (here, writing a protected key) must not prevent
// subsequent statements in the same program from running.
func TestStatementErrorDoesNotAbortRemainingStatements(t *testing.T) {
	vm := miniscript.New()
	prog, err := vm.Compile("PI = 0\nprint(PI)")
	require.NoError(t, err)

	locals := protected.New()
	locals.Bypass().Set("PI", 3.14)
	locals.Protect("PI")
	scope := guest.Scope{Locals: locals, Globals: locals.Dict()}

	var out bytes.Buffer
	err = vm.Run(context.Background(), prog, scope, &out, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), `cannot modify protected key: "PI"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out.String()), "3.14"))
}

package guest

import (
	"context"
	"io"

	"github.com/s0duku/pybox/guest/protected"
)

// Scope binds an environment's protected mapping as the executing code's
// locals. Its inner dict is bound as globals: for top-level code the two
// names (as in a real Python module) refer to the same storage, so a bare
// `x = 1` at the top level is a locals write and goes through the mapping's
// protection check, exactly as if x were any other protected-capable name.
type Scope struct {
	Locals  *protected.Mapping
	Globals map[string]interface{}
}

// Program is compiled guest code, ready to Run any number of times against
// different scopes.
type Program interface{}

// VM is the pluggable guest interpreter a Runtime drives. A real embedded
// Python implementation is out of scope for this module (no such dependency
// is available in this environment); VM exists so every other Guest Runtime
// Core behavior — environment lifecycle, protected locals, sanitization,
// the host-upcall builtins, stdout/stderr capture, batched marshalling on
// the host side — is fully implemented and exercised against a real,
// testable interpreter (guest/miniscript) rather than stubbed out.
type VM interface {
	// Compile parses code into a reusable Program. A syntax error is
	// returned as the error; Exec then writes its text into the output
	// instead of reporting a Go error, treating a compile failure as
	// guest-level output the same way a runtime exception's traceback is
	// guest-level output.
	Compile(code string) (Program, error)

	// Run executes prog against scope, with stdout and stderr captured the
	// way _io.StringIO captures sys.stdout/sys.stderr during pybox_exec. A
	// top-level statement that raises must not abort the statements after
	// it: its traceback is written to the captured output where it occurs
	// and execution continues, the same way a host capturing output across
	// a whole module body observes one exception interleaved with the rest
	// of that body's output rather than losing it. Errors raised by the
	// program's statements are never returned; Run returns an error only when
	// it cannot execute prog at all (e.g. prog was compiled by a different
	// VM), and Exec appends that error's text to the output.
	Run(ctx context.Context, prog Program, scope Scope, stdout, stderr io.Writer) error
}

// HostUpcallFunc is the host-callable surface a VM's builtins
// (pybox_ioctl_host, pybox_json_rpc) are wired against. It is installed into
// every fresh environment's globals by Runtime.InitLocal/InitLocalFrom.
type HostUpcallFunc func(ctx context.Context, handle uint32, req []byte) (resp []byte, err error)

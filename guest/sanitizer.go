package guest

import "github.com/s0duku/pybox/guest/protected"

// unsafeBuiltins names are stripped from a fresh environment's namespace
// before guest code ever runs in it. threading/_thread would let guest code
// spawn real OS threads from inside a sandbox meant to run single-threaded;
// quit/exit would let guest code tear down the interpreter process.
var unsafeBuiltins = []string{"threading", "_thread", "quit", "exit"}

// sanitizeBuiltins best-effort removes unsafeBuiltins from m, ignoring any
// individual key that wasn't present; a reference VM that never populated
// these names in the first place is not an error.
func sanitizeBuiltins(m *protected.Mapping) {
	for _, name := range unsafeBuiltins {
		_ = m.Delete(name)
	}
}

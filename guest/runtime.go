// Package guest implements the Guest Runtime Core: the environment registry
// and the operations the host drives through the ABI (init_local, assign,
// exec, ...), running entirely on the guest side of the trust boundary.
package guest

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/s0duku/pybox/guest/protected"
)

// environment is one named sandbox: its own protected locals/globals and its
// own VM instance, isolated from every other environment's modules the same
// way a fresh interpreter isolates sys.modules in the original.
type environment struct {
	locals *protected.Mapping
	vm     VM
}

// Runtime is the environment registry. One Runtime corresponds to one guest
// instance's worth of state; it is not safe to share across instances with
// independent memories, but is safe for concurrent use within one.
type Runtime struct {
	newVM  func() VM
	upcall HostUpcallFunc

	mu   sync.RWMutex
	envs map[string]*environment
}

// New returns an empty Runtime. newVM constructs a fresh VM per environment,
// mirroring pybox_new_interpreter's per-environment interpreter allocation
// (isolating each environment's module state); upcall answers the
// environment's pybox_ioctl_host calls.
func New(newVM func() VM, upcall HostUpcallFunc) *Runtime {
	return &Runtime{newVM: newVM, upcall: upcall, envs: make(map[string]*environment)}
}

func (r *Runtime) newEnvironment() *environment {
	locals := protected.New()

	ioctlHost := newIoctlHost(r.upcall)
	jsonRPC := newJSONRPC(ioctlHost)
	locals.Bypass().Set("pybox_ioctl_host", ioctlHost)
	locals.Bypass().Set("pybox_json_rpc", jsonRPC)

	sanitizeBuiltins(locals)

	return &environment{locals: locals, vm: r.newVM()}
}

// InitLocal creates a fresh, empty environment named id. It fails if id
// already exists.
func (r *Runtime) InitLocal(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.envs[id]; exists {
		return fmt.Errorf("guest: environment %q already exists", id)
	}
	r.envs[id] = r.newEnvironment()
	return nil
}

// InitLocalFrom creates environment id as a shallow copy of fromID's dict
// (and a fresh interpreter, fresh builtins, fresh protection set: only
// values are copied, never which keys are protected, leaving that decision
// to the caller). It fails if id already exists or fromID does not.
func (r *Runtime) InitLocalFrom(id, fromID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.envs[id]; exists {
		return fmt.Errorf("guest: environment %q already exists", id)
	}
	from, ok := r.envs[fromID]
	if !ok {
		return fmt.Errorf("guest: environment %q not found", fromID)
	}

	env := r.newEnvironment()
	for k, v := range from.locals.Dict() {
		env.locals.Bypass().Set(k, v)
	}
	r.envs[id] = env
	return nil
}

// DelLocal removes environment id. It reports whether it existed.
func (r *Runtime) DelLocal(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.envs[id]; !ok {
		return false
	}
	delete(r.envs, id)
	return true
}

// Protect marks name as write-protected within environment id's locals.
func (r *Runtime) Protect(id, name string) error {
	r.mu.RLock()
	env, ok := r.envs[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("guest: environment %q not found", id)
	}
	env.locals.Protect(name)
	return nil
}

// Assign writes name = value into environment id's locals via the
// privileged bypass, ignoring write protection: only the host-driven path
// reaches this method, so unlike guest code's own assignments this is
// allowed to overwrite a protected name.
func (r *Runtime) Assign(id, name string, value interface{}) error {
	r.mu.RLock()
	env, ok := r.envs[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("guest: environment %q not found", id)
	}
	env.locals.Bypass().Set(name, value)
	return nil
}

// Exec compiles and runs code against environment id's scope (locals is the
// environment's protected mapping, globals is its inner dict — see Scope),
// capturing everything written to stdout/stderr into the returned string. A
// compile error or a runtime exception is folded into that output exactly
// like the original: only a missing environment is reported as a Go error.
func (r *Runtime) Exec(ctx context.Context, id, code string) (string, error) {
	r.mu.RLock()
	env, ok := r.envs[id]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("guest: environment %q not found", id)
	}

	var out bytes.Buffer

	prog, err := env.vm.Compile(code)
	if err != nil {
		out.WriteString(err.Error())
		return out.String(), nil
	}

	scope := Scope{Locals: env.locals, Globals: env.locals.Dict()}
	if err := env.vm.Run(ctx, prog, scope, &out, &out); err != nil {
		out.WriteString(err.Error())
	}
	return out.String(), nil
}

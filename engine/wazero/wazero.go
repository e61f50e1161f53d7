// Package wazero backs the engine package with tetratelabs/wazero. It wires
// a single host import, env.pybox_ioctl_host_req_impl, and exposes the
// guest's exported functions and linear memory through the engine.Instance
// surface.
package wazero

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/s0duku/pybox/engine"
)

const i32 = api.ValueTypeI32

// functionInitialize is the guest's optional one-time setup export.
const functionInitialize = "_initialize"

// importFuncName is the single host import a pybox guest requires: the
// guest hands the host a caller-chosen handle plus an ioctl_packet pointer
// for the request and one for the response, and gets back a status code.
const importFuncName = "pybox_ioctl_host_req_impl"

type (
	wazeroEngine struct{ newRuntime NewRuntime }

	// Module is a compiled pybox guest module. It may be instantiated more
	// than once, including concurrently and with a different host handler
	// each time (the reactor package's module cache shares one compiled
	// Module across every reactor opened against the same engine and path),
	// so handlers is keyed per-instance rather than the Module holding a
	// single fixed handler.
	Module struct {
		runtime  wazero.Runtime
		compiled wazero.CompiledModule
		config   wazero.ModuleConfig
		logger   engine.Logger

		instanceCounter uint64
		handlers        sync.Map // instance name (string) -> engine.HostCallHandler

		closed uint32
	}

	// Instance is one instantiation of a Module.
	Instance struct {
		m    *Module
		name string
		mod  api.Module

		closed uint32
	}

	funcWrapper struct{ f api.Function }
)

var _ = (engine.Engine)((*wazeroEngine)(nil))
var _ = (engine.Module)((*Module)(nil))
var _ = (engine.Instance)((*Instance)(nil))
var _ = (engine.Memory)((*memoryWrapper)(nil))
var _ = (engine.Func)((*funcWrapper)(nil))

// NewRuntime constructs the wazero.Runtime used when Engine.New is called.
// The result is closed when the resulting Module is closed.
type NewRuntime func(context.Context) (wazero.Runtime, error)

// Engine returns a new engine.Engine backed by DefaultRuntime.
func Engine() engine.Engine {
	return &wazeroEngine{newRuntime: DefaultRuntime}
}

// EngineWithRuntime allows overriding runtime construction, e.g. to tune
// memory limits or add extra host modules before pybox's own import is
// registered.
func EngineWithRuntime(newRuntime NewRuntime) engine.Engine {
	return &wazeroEngine{newRuntime: newRuntime}
}

func (e *wazeroEngine) Name() string { return "wazero" }

// Identity returns the engine's own address as a stable, comparable value;
// the module cache keys on engine identity, not structural config equality,
// so distinct Engine values never share a cache entry even if otherwise
// configured the same.
func (e *wazeroEngine) Identity() uintptr {
	return uintptr(unsafe.Pointer(e))
}

// DefaultRuntime returns a wazero runtime with WASI preview1 instantiated.
// pybox guests are synchronous and do not use AssemblyScript conventions, so
// unlike a general-purpose waPC host no AssemblyScript shim is installed.
func DefaultRuntime(ctx context.Context) (wazero.Runtime, error) {
	r := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wazero: instantiate wasi_snapshot_preview1: %w", err)
	}
	return r, nil
}

// New implements engine.Engine.
func (e *wazeroEngine) New(ctx context.Context, guest []byte, config *engine.Config) (engine.Module, error) {
	r, err := e.newRuntime(ctx)
	if err != nil {
		return nil, err
	}

	m := &Module{runtime: r}
	m.config = wazero.NewModuleConfig().WithStartFunctions() // pybox guests are not WASI commands; no _start.

	if config != nil {
		if config.Stdout != nil {
			m.config = m.config.WithStdout(writerFunc(config.Stdout))
		}
		if config.Stderr != nil {
			m.config = m.config.WithStderr(writerFunc(config.Stderr))
		}
		m.logger = config.Logger
	}

	if err := instantiatePyboxHost(ctx, r, m); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}

	if m.compiled, err = r.CompileModule(ctx, guest); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wazero: compile guest module: %w", err)
	}
	return m, nil
}

// UnwrapRuntime allows access to wazero-specific runtime features.
func (m *Module) UnwrapRuntime() wazero.Runtime { return m.runtime }

// pyboxHost implements the single required host import. Every Instance ever
// instantiated from mod shares this one host-module registration (wazero
// registers host modules per-runtime, not per-instance), so the handler to
// dispatch to is resolved per call from mod.handlers, keyed by the calling
// instance's own name, rather than fixed once at registration time.
type pyboxHost struct {
	mod *Module
}

func instantiatePyboxHost(ctx context.Context, r wazero.Runtime, mod *Module) error {
	h := &pyboxHost{mod: mod}
	_, err := r.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.ioctlHostReq), []api.ValueType{i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("handle", "req_ptr", "resp_ptr").
		Export(importFuncName).
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("wazero: instantiate env host module: %w", err)
	}
	return nil
}

// ioctlHostReq is env.pybox_ioctl_host_req_impl. It reads the request
// ioctl_packet at req_ptr, dispatches to the handler registered for the
// calling instance, then writes an ioctl_packet for the response at
// resp_ptr. It returns 0 on success, -1 on failure (mirroring the reactor's
// own convention).
func (h *pyboxHost) ioctlHostReq(ctx context.Context, callerMod api.Module, stack []uint64) {
	handle := uint32(stack[0])
	reqPtr := uint32(stack[1])
	respPtr := uint32(stack[2])

	handler, ok := h.mod.handlers.Load(callerMod.Name())
	if !ok {
		stack[0] = uint64(uint32(0xFFFFFFFF)) // -1
		return
	}
	handlerFn := handler.(engine.HostCallHandler)
	if handlerFn == nil {
		stack[0] = uint64(uint32(0xFFFFFFFF))
		return
	}

	mem := &memoryWrapper{callerMod.Memory()}
	reqPacket, err := readIoctlPacket(mem, reqPtr)
	if err != nil {
		h.logf(err)
		stack[0] = uint64(uint32(0xFFFFFFFF))
		return
	}
	reqBytes, ok := mem.Read(reqPacket.buf, reqPacket.bufLen)
	if !ok {
		stack[0] = uint64(uint32(0xFFFFFFFF))
		return
	}
	req := make([]byte, len(reqBytes))
	copy(req, reqBytes)

	resp, err := handlerFn(ctx, handle, req)
	if err != nil {
		h.logf(err)
		stack[0] = uint64(uint32(0xFFFFFFFF))
		return
	}

	allocFn := callerMod.ExportedFunction("alloc_mem")
	if allocFn == nil {
		stack[0] = uint64(uint32(0xFFFFFFFF))
		return
	}
	if err := writeIoctlResponse(ctx, mem, allocFn, respPtr, resp); err != nil {
		h.logf(err)
		stack[0] = uint64(uint32(0xFFFFFFFF))
		return
	}
	stack[0] = 0
}

func (h *pyboxHost) logf(err error) {
	if h.mod.logger != nil {
		h.mod.logger(err.Error())
	}
}

type rawIoctlPacket struct{ buf, bufLen uint32 }

func readIoctlPacket(mem *memoryWrapper, ptr uint32) (rawIoctlPacket, error) {
	raw, ok := mem.Read(ptr, 8)
	if !ok {
		return rawIoctlPacket{}, fmt.Errorf("wazero: read ioctl_packet at %d out of bounds", ptr)
	}
	return rawIoctlPacket{
		buf:    le32(raw[0:4]),
		bufLen: le32(raw[4:8]),
	}, nil
}

// writeIoctlResponse allocates the response buffer in guest memory via the
// guest's own alloc_mem export (the guest, not the host, owns the
// allocator), writes resp into it, then fills in the resp_ptr ioctl_packet
// with that buffer's pointer and length. Ownership of the allocation passes
// to the guest: it is responsible for calling free_mem on it once done,
// exactly as pybox_ioctl_host's Python binding frees the response buffer
// after copying it out.
func writeIoctlResponse(ctx context.Context, mem *memoryWrapper, allocFn api.Function, respPtr uint32, resp []byte) error {
	if len(resp) == 0 {
		return writeUint32(mem, respPtr+4, 0)
	}
	results, err := allocFn.Call(ctx, uint64(len(resp)))
	if err != nil {
		return fmt.Errorf("wazero: alloc_mem(%d) for host response: %w", len(resp), err)
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return fmt.Errorf("wazero: alloc_mem(%d) for host response returned null", len(resp))
	}
	if !mem.Write(ptr, resp) {
		return fmt.Errorf("wazero: write host response at %d out of bounds", ptr)
	}
	if err := writeUint32(mem, respPtr, ptr); err != nil {
		return err
	}
	return writeUint32(mem, respPtr+4, uint32(len(resp)))
}

func writeUint32(mem *memoryWrapper, ptr uint32, v uint32) error {
	b := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	if !mem.Write(ptr, b) {
		return fmt.Errorf("wazero: write uint32 at %d out of bounds", ptr)
	}
	return nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Instantiate implements engine.Module. host is wired to answer upcalls from
// this Instance alone, keyed internally by its instance name, so a Module
// reused by more than one reactor (the module cache's whole point) never
// lets one reactor's handler answer another's guest upcalls.
func (m *Module) Instantiate(ctx context.Context, host engine.HostCallHandler) (engine.Instance, error) {
	if atomic.LoadUint32(&m.closed) != 0 {
		return nil, errors.New("wazero: cannot instantiate a closed module")
	}

	name := fmt.Sprintf("%d", atomic.AddUint64(&m.instanceCounter, 1))
	m.handlers.Store(name, host)
	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, m.config.WithName(name))
	if err != nil {
		m.handlers.Delete(name)
		return nil, fmt.Errorf("wazero: instantiate guest module: %w", err)
	}
	return &Instance{m: m, name: name, mod: mod}, nil
}

// Close implements engine.Module.
func (m *Module) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&m.closed, 0, 1) {
		return nil
	}
	err := m.runtime.Close(ctx)
	m.runtime = nil
	return err
}

// Memory implements engine.Instance.
func (i *Instance) Memory() engine.Memory {
	return &memoryWrapper{i.mod.Memory()}
}

// Func implements engine.Instance.
func (i *Instance) Func(name string) (engine.Func, bool) {
	f := i.mod.ExportedFunction(name)
	if f == nil {
		return nil, false
	}
	return &funcWrapper{f}, true
}

// CallInitializers implements engine.Instance.
func (i *Instance) CallInitializers(ctx context.Context) error {
	f := i.mod.ExportedFunction(functionInitialize)
	if f == nil {
		return nil
	}
	_, err := f.Call(ctx)
	if err != nil {
		return fmt.Errorf("wazero: call %s: %w", functionInitialize, err)
	}
	return nil
}

// Close implements engine.Instance.
func (i *Instance) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&i.closed, 0, 1) {
		return nil
	}
	i.m.handlers.Delete(i.name)
	return i.mod.Close(ctx)
}

// UnwrapModule allows access to the wazero-specific api.Module.
func (i *Instance) UnwrapModule() api.Module { return i.mod }

func (f *funcWrapper) Call(ctx context.Context, args ...uint64) ([]uint64, error) {
	results, err := f.f.Call(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("wazero: call exported function: %w", err)
	}
	return results, nil
}

type memoryWrapper struct{ api.Memory }

func (m *memoryWrapper) Size() uint32 { return m.Memory.Size() }

// writerFunc adapts an engine.Logger to the io.Writer wazero's ModuleConfig
// expects for stdout/stderr redirection.
type writerFunc engine.Logger

func (w writerFunc) Write(p []byte) (int, error) {
	w(string(p))
	return len(p), nil
}

//go:build (((amd64 || arm64) && (linux || darwin)) || (amd64 && windows)) && cgo

// Package wasmer backs the engine package with wasmerio/wasmer-go, a third
// alternative to engine/wazero and engine/wasmtime. It wires the same single
// host import, env.pybox_ioctl_host_req_impl, using wasmer's ImportObject and
// raw Function/Value API. The Engine constructor and its WithRuntime option
// mirror the teacher's engines/wasmer package (see its example_test.go),
// generalized from wapc-go's single untyped guest-call export to pybox's
// eight named typed exports.
package wasmer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/s0duku/pybox/engine"
)

const importFuncName = "pybox_ioctl_host_req_impl"
const functionInitialize = "_initialize"

// RuntimeFunc constructs the underlying wasmer.Engine a Module compiles
// against. WithRuntime lets a caller swap in a differently configured
// engine (e.g. a dylib or universal engine) the same way the teacher's
// Example_custom does.
type RuntimeFunc func() (*wasmer.Engine, error)

type option func(*wasmerEngine)

// WithRuntime overrides the wasmer.Engine constructor used by New.
func WithRuntime(fn RuntimeFunc) option {
	return func(e *wasmerEngine) { e.newRuntime = fn }
}

type (
	wasmerEngine struct {
		newRuntime RuntimeFunc
	}

	// Module is a compiled pybox guest module.
	Module struct {
		logger engine.Logger

		store  *wasmer.Store
		module *wasmer.Module

		closed uint32
	}

	// Instance is one instantiation of a Module with its own memory and its
	// own host handler: the reactor package's module cache may share one
	// compiled Module across several reactors, so the handler answering this
	// Instance's upcalls lives here, not on the shared Module.
	Instance struct {
		m       *Module
		handler engine.HostCallHandler
		inst    *wasmer.Instance
		mem     *wasmer.Memory

		closed uint32
	}

	funcWrapper struct {
		fn *wasmer.Function
	}
)

var _ = (engine.Engine)((*wasmerEngine)(nil))
var _ = (engine.Module)((*Module)(nil))
var _ = (engine.Instance)((*Instance)(nil))
var _ = (engine.Memory)((*memoryWrapper)(nil))
var _ = (engine.Func)((*funcWrapper)(nil))

// Engine returns a new engine.Engine backed by wasmer-go. opts customize the
// underlying wasmer.Engine, e.g. WithRuntime(func() (*wasmer.Engine, error) {
// return wasmer.NewEngineWithConfig(wasmer.NewConfig().UseDylibEngine()), nil
// }).
func Engine(opts ...option) engine.Engine {
	e := &wasmerEngine{newRuntime: func() (*wasmer.Engine, error) { return wasmer.NewEngine(), nil }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *wasmerEngine) Name() string { return "wasmer" }

func (e *wasmerEngine) Identity() uintptr {
	return uintptr(unsafe.Pointer(e))
}

// New implements engine.Engine.
func (e *wasmerEngine) New(ctx context.Context, guest []byte, config *engine.Config) (engine.Module, error) {
	wsEngine, err := e.newRuntime()
	if err != nil {
		return nil, fmt.Errorf("wasmer: construct runtime: %w", err)
	}
	store := wasmer.NewStore(wsEngine)

	module, err := wasmer.NewModule(store, guest)
	if err != nil {
		return nil, fmt.Errorf("wasmer: compile guest module: %w", err)
	}

	var logger engine.Logger
	if config != nil {
		logger = config.Logger
	}

	return &Module{
		store:  store,
		module: module,
		logger: logger,
	}, nil
}

// Instantiate implements engine.Module. host answers upcalls from this
// Instance alone.
func (m *Module) Instantiate(ctx context.Context, host engine.HostCallHandler) (engine.Instance, error) {
	if atomic.LoadUint32(&m.closed) != 0 {
		return nil, errors.New("wasmer: cannot instantiate a closed module")
	}

	instance := &Instance{m: m, handler: host}

	wasiEnv, err := wasmer.NewWasiStateBuilder("pybox").Finalize()
	if err != nil {
		return nil, fmt.Errorf("wasmer: build wasi environment: %w", err)
	}
	importObject, err := wasiEnv.GenerateImportObject(m.store, m.module)
	if err != nil {
		return nil, fmt.Errorf("wasmer: generate wasi imports: %w", err)
	}

	ioctlFn := wasmer.NewFunction(
		m.store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.I32, wasmer.I32, wasmer.I32),
			wasmer.NewValueTypes(wasmer.I32),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			return instance.ioctlHostReq(ctx, args)
		},
	)
	importObject.Register("env", map[string]wasmer.IntoExtern{
		importFuncName: ioctlFn,
	})

	inst, err := wasmer.NewInstance(m.module, importObject)
	if err != nil {
		return nil, fmt.Errorf("wasmer: instantiate guest module: %w", err)
	}
	instance.inst = inst

	mem, err := inst.Exports.GetMemory("memory")
	if err != nil {
		return nil, fmt.Errorf("wasmer: guest module does not export memory: %w", err)
	}
	instance.mem = mem

	return instance, nil
}

// ioctlHostReq answers env.pybox_ioctl_host_req_impl. See the wazero sibling
// implementation for the wire-level contract; all three engines share it
// exactly so the reactor package behaves identically regardless of backing
// runtime.
func (i *Instance) ioctlHostReq(ctx context.Context, args []wasmer.Value) ([]wasmer.Value, error) {
	fail := []wasmer.Value{wasmer.NewI32(-1)}

	handle := uint32(args[0].I32())
	reqPtr := uint32(args[1].I32())
	respPtr := uint32(args[2].I32())

	if i.handler == nil {
		return fail, nil
	}

	data := i.mem.Data()

	reqBuf, reqLen, err := readIoctlPacket(data, reqPtr)
	if err != nil {
		i.logf(err)
		return fail, nil
	}
	req := make([]byte, reqLen)
	copy(req, data[reqBuf:reqBuf+reqLen])

	resp, err := i.handler(ctx, handle, req)
	if err != nil {
		i.logf(err)
		return fail, nil
	}

	allocFn, err := i.inst.Exports.GetRawFunction("alloc_mem")
	if err != nil {
		return fail, nil
	}
	if err := writeIoctlResponse(i.mem, allocFn, respPtr, resp); err != nil {
		i.logf(err)
		return fail, nil
	}
	return []wasmer.Value{wasmer.NewI32(0)}, nil
}

func (i *Instance) logf(err error) {
	if i.m.logger != nil {
		i.m.logger(err.Error())
	}
}

func readIoctlPacket(data []byte, ptr uint32) (buf, length uint32, err error) {
	if uint64(ptr)+8 > uint64(len(data)) {
		return 0, 0, fmt.Errorf("wasmer: read ioctl_packet at %d out of bounds", ptr)
	}
	buf = le32(data[ptr : ptr+4])
	length = le32(data[ptr+4 : ptr+8])
	return buf, length, nil
}

// writeIoctlResponse allocates the response buffer in guest memory via the
// guest's own alloc_mem export, writes resp into it, then fills in the
// resp_ptr ioctl_packet with that buffer's pointer and length. Ownership of
// the allocation passes to the guest, exactly as the wazero and wasmtime
// backends do it. alloc_mem may grow guest memory, which invalidates any
// previously taken Data() slice, so data is re-fetched after the call.
func writeIoctlResponse(mem *wasmer.Memory, allocFn *wasmer.Function, respPtr uint32, resp []byte) error {
	if len(resp) == 0 {
		data := mem.Data()
		if uint64(respPtr)+8 > uint64(len(data)) {
			return fmt.Errorf("wasmer: write host response at %d out of bounds", respPtr)
		}
		putLE32(data[respPtr+4:respPtr+8], 0)
		return nil
	}
	result, err := allocFn.Call(int32(len(resp)))
	if err != nil {
		return fmt.Errorf("wasmer: alloc_mem(%d) for host response: %w", len(resp), err)
	}
	ptr, ok := result.(int32)
	if !ok || ptr == 0 {
		return fmt.Errorf("wasmer: alloc_mem(%d) for host response returned null", len(resp))
	}
	buf := uint32(ptr)

	data := mem.Data() // re-fetch: alloc_mem may have grown memory
	if uint64(buf)+uint64(len(resp)) > uint64(len(data)) {
		return fmt.Errorf("wasmer: write host response at %d out of bounds", buf)
	}
	copy(data[buf:], resp)
	putLE32(data[respPtr:respPtr+4], buf)
	putLE32(data[respPtr+4:respPtr+8], uint32(len(resp)))
	return nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Memory implements engine.Instance.
func (i *Instance) Memory() engine.Memory {
	return &memoryWrapper{mem: i.mem}
}

// Func implements engine.Instance.
func (i *Instance) Func(name string) (engine.Func, bool) {
	fn, err := i.inst.Exports.GetRawFunction(name)
	if err != nil || fn == nil {
		return nil, false
	}
	return &funcWrapper{fn: fn}, true
}

// CallInitializers implements engine.Instance.
func (i *Instance) CallInitializers(ctx context.Context) error {
	fn, err := i.inst.Exports.GetRawFunction(functionInitialize)
	if err != nil || fn == nil {
		return nil
	}
	if _, err := fn.Call(); err != nil {
		return fmt.Errorf("wasmer: call %s: %w", functionInitialize, err)
	}
	return nil
}

// Close implements engine.Instance.
func (i *Instance) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&i.closed, 0, 1) {
		return nil
	}
	i.inst = nil
	i.mem = nil
	return nil
}

// Close implements engine.Module.
func (m *Module) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&m.closed, 0, 1) {
		return nil
	}
	m.module = nil
	m.store = nil
	return nil
}

// Call implements engine.Func. pybox's guest exports only ever take and
// return i32 values (lengths and pointers), so args/results are encoded as
// int32 on the wasmer side regardless of the flat uint64 stack engine.Func
// uses to stay engine-agnostic.
func (f *funcWrapper) Call(ctx context.Context, args ...uint64) ([]uint64, error) {
	callArgs := make([]interface{}, len(args))
	for idx, a := range args {
		callArgs[idx] = int32(uint32(a))
	}
	result, err := f.fn.Call(callArgs...)
	if err != nil {
		return nil, fmt.Errorf("wasmer: call exported function: %w", err)
	}
	switch v := result.(type) {
	case nil:
		return nil, nil
	case int32:
		return []uint64{uint64(uint32(v))}, nil
	case int64:
		return []uint64{uint64(v)}, nil
	default:
		return nil, fmt.Errorf("wasmer: unexpected result type %T", result)
	}
}

type memoryWrapper struct {
	mem *wasmer.Memory
}

func (m *memoryWrapper) Read(offset, byteCount uint32) ([]byte, bool) {
	data := m.mem.Data()
	if uint64(offset)+uint64(byteCount) > uint64(len(data)) {
		return nil, false
	}
	return data[offset : offset+byteCount], true
}

func (m *memoryWrapper) Write(offset uint32, v []byte) bool {
	data := m.mem.Data()
	if uint64(offset)+uint64(len(v)) > uint64(len(data)) {
		return false
	}
	copy(data[offset:], v)
	return true
}

func (m *memoryWrapper) Size() uint32 {
	return uint32(m.mem.DataSize())
}

//go:build (((amd64 || arm64) && !windows) || (amd64 && windows)) && cgo

// Package wasmtime backs the engine package with bytecodealliance/wasmtime-go,
// as an alternate to engine/wazero. It wires the same single host import,
// env.pybox_ioctl_host_req_impl, using wasmtime's Caller-based function
// definitions.
package wasmtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/bytecodealliance/wasmtime-go/v14"

	"github.com/s0duku/pybox/engine"
)

const importFuncName = "pybox_ioctl_host_req_impl"
const functionInitialize = "_initialize"

type (
	wasmtimeEngine struct{}

	// Module is a compiled pybox guest module.
	Module struct {
		logger engine.Logger

		engine *wasmtime.Engine
		store  *wasmtime.Store
		module *wasmtime.Module

		closed uint32
	}

	// Instance is one instantiation of a Module with its own memory and its
	// own host handler: the reactor package's module cache may share one
	// compiled Module across several reactors, so the handler answering this
	// Instance's upcalls lives here, not on the shared Module.
	Instance struct {
		m       *Module
		handler engine.HostCallHandler
		inst    *wasmtime.Instance
		mem     *wasmtime.Memory

		ioctlFn *wasmtime.Func

		closed uint32
	}

	funcWrapper struct {
		store *wasmtime.Store
		f     *wasmtime.Func
	}
)

var _ = (engine.Engine)((*wasmtimeEngine)(nil))
var _ = (engine.Module)((*Module)(nil))
var _ = (engine.Instance)((*Instance)(nil))
var _ = (engine.Memory)((*memoryWrapper)(nil))
var _ = (engine.Func)((*funcWrapper)(nil))

var engineSingleton = wasmtimeEngine{}

// Engine returns a new engine.Engine backed by wasmtime.
func Engine() engine.Engine { return &engineSingleton }

func (e *wasmtimeEngine) Name() string { return "wasmtime" }

func (e *wasmtimeEngine) Identity() uintptr {
	return uintptr(unsafe.Pointer(e))
}

// New implements engine.Engine.
func (e *wasmtimeEngine) New(ctx context.Context, guest []byte, config *engine.Config) (engine.Module, error) {
	wtEngine := wasmtime.NewEngine()
	store := wasmtime.NewStore(wtEngine)
	store.SetWasi(wasmtime.NewWasiConfig())

	module, err := wasmtime.NewModule(wtEngine, guest)
	if err != nil {
		return nil, fmt.Errorf("wasmtime: compile guest module: %w", err)
	}

	var logger engine.Logger
	if config != nil {
		logger = config.Logger
	}

	return &Module{
		engine: wtEngine,
		store:  store,
		module: module,
		logger: logger,
	}, nil
}

// Instantiate implements engine.Module. host answers upcalls from this
// Instance alone.
func (m *Module) Instantiate(ctx context.Context, host engine.HostCallHandler) (engine.Instance, error) {
	if atomic.LoadUint32(&m.closed) != 0 {
		return nil, errors.New("wasmtime: cannot instantiate a closed module")
	}

	instance := &Instance{m: m, handler: host}

	linker := wasmtime.NewLinker(m.engine)
	if err := linker.DefineWasi(); err != nil {
		return nil, fmt.Errorf("wasmtime: define wasi: %w", err)
	}

	ioctlFn := wasmtime.NewFunc(
		m.store,
		wasmtime.NewFuncType(
			[]*wasmtime.ValType{
				wasmtime.NewValType(wasmtime.KindI32),
				wasmtime.NewValType(wasmtime.KindI32),
				wasmtime.NewValType(wasmtime.KindI32),
			},
			[]*wasmtime.ValType{wasmtime.NewValType(wasmtime.KindI32)},
		),
		func(c *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			return instance.ioctlHostReq(ctx, args)
		},
	)
	instance.ioctlFn = ioctlFn

	if err := linker.Define(m.store, "env", importFuncName, ioctlFn); err != nil {
		return nil, fmt.Errorf("wasmtime: define env.%s: %w", importFuncName, err)
	}

	inst, err := linker.Instantiate(m.store, m.module)
	if err != nil {
		return nil, fmt.Errorf("wasmtime: instantiate guest module: %w", err)
	}
	instance.inst = inst

	memExport := inst.GetExport(m.store, "memory")
	if memExport == nil || memExport.Memory() == nil {
		return nil, errors.New("wasmtime: guest module does not export memory")
	}
	instance.mem = memExport.Memory()

	return instance, nil
}

// ioctlHostReq answers env.pybox_ioctl_host_req_impl. See the wazero sibling
// implementation for the wire-level contract; all three engines share it
// exactly so the reactor package behaves identically regardless of backing runtime.
func (i *Instance) ioctlHostReq(ctx context.Context, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	fail := []wasmtime.Val{wasmtime.ValI32(-1)}

	handle := uint32(args[0].I32())
	reqPtr := uint32(args[1].I32())
	respPtr := uint32(args[2].I32())

	if i.handler == nil {
		return fail, nil
	}

	data := i.mem.UnsafeData(i.m.store)

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

	allocFn := i.inst.GetFunc(i.m.store, "alloc_mem")
	if allocFn == nil {
		return fail, nil
	}
	if err := writeIoctlResponse(i.m.store, i.mem, allocFn, respPtr, resp); err != nil {
		i.logf(err)
		return fail, nil
	}
	return []wasmtime.Val{wasmtime.ValI32(0)}, nil
}

func (i *Instance) logf(err error) {
	if i.m.logger != nil {
		i.m.logger(err.Error())
	}
}

func readIoctlPacket(data []byte, ptr uint32) (buf, length uint32, err error) {
	if uint64(ptr)+8 > uint64(len(data)) {
		return 0, 0, fmt.Errorf("wasmtime: read ioctl_packet at %d out of bounds", ptr)
	}
	buf = le32(data[ptr : ptr+4])
	length = le32(data[ptr+4 : ptr+8])
	return buf, length, nil
}

// writeIoctlResponse allocates the response buffer in guest memory via the
// guest's own alloc_mem export (the guest, not the host, owns the
// allocator), writes resp into it, then fills in the resp_ptr ioctl_packet
// with that buffer's pointer and length. Ownership of the allocation passes
// to the guest: it is responsible for calling free_mem on it once done,
// exactly as pybox_ioctl_host's Python binding frees the response buffer
// after copying it out. alloc_mem may grow guest memory, which invalidates
// any previously taken UnsafeData slice, so data is re-fetched after the
// call rather than reused.
func writeIoctlResponse(store *wasmtime.Store, mem *wasmtime.Memory, allocFn *wasmtime.Func, respPtr uint32, resp []byte) error {
	if len(resp) == 0 {
		data := mem.UnsafeData(store)
		if uint64(respPtr)+8 > uint64(len(data)) {
			return fmt.Errorf("wasmtime: write host response at %d out of bounds", respPtr)
		}
		putLE32(data[respPtr+4:respPtr+8], 0)
		return nil
	}
	result, err := allocFn.Call(store, int32(len(resp)))
	if err != nil {
		return fmt.Errorf("wasmtime: alloc_mem(%d) for host response: %w", len(resp), err)
	}
	ptr, ok := result.(int32)
	if !ok || ptr == 0 {
		return fmt.Errorf("wasmtime: alloc_mem(%d) for host response returned null", len(resp))
	}
	buf := uint32(ptr)

	data := mem.UnsafeData(store) // re-fetch: alloc_mem may have grown memory
	if uint64(buf)+uint64(len(resp)) > uint64(len(data)) {
		return fmt.Errorf("wasmtime: write host response at %d out of bounds", buf)
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
	return &memoryWrapper{store: i.m.store, mem: i.mem}
}

// Func implements engine.Instance.
func (i *Instance) Func(name string) (engine.Func, bool) {
	f := i.inst.GetFunc(i.m.store, name)
	if f == nil {
		return nil, false
	}
	return &funcWrapper{store: i.m.store, f: f}, true
}

// CallInitializers implements engine.Instance.
func (i *Instance) CallInitializers(ctx context.Context) error {
	f := i.inst.GetFunc(i.m.store, functionInitialize)
	if f == nil {
		return nil
	}
	if _, err := f.Call(i.m.store); err != nil {
		return fmt.Errorf("wasmtime: call %s: %w", functionInitialize, err)
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
	i.ioctlFn = nil
	return nil // wasmtime releases wrapped resources via finalizer
}

// Close implements engine.Module.
func (m *Module) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&m.closed, 0, 1) {
		return nil
	}
	m.module = nil
	if store := m.store; store != nil {
		store.GC()
		m.store = nil
	}
	m.engine = nil
	return nil
}

// Call implements engine.Func. pybox's guest exports only ever take and
// return i32 values (lengths and pointers), so args/results are encoded as
// int32 on the wasmtime side regardless of the flat uint64 stack engine.Func
// uses to stay engine-agnostic.
func (f *funcWrapper) Call(ctx context.Context, args ...uint64) ([]uint64, error) {
	callArgs := make([]interface{}, len(args))
	for idx, a := range args {
		callArgs[idx] = int32(uint32(a))
	}
	result, err := f.f.Call(f.store, callArgs...)
	if err != nil {
		return nil, fmt.Errorf("wasmtime: call exported function: %w", err)
	}
	switch v := result.(type) {
	case nil:
		return nil, nil
	case int32:
		return []uint64{uint64(uint32(v))}, nil
	case int64:
		return []uint64{uint64(v)}, nil
	default:
		return nil, fmt.Errorf("wasmtime: unexpected result type %T", result)
	}
}

type memoryWrapper struct {
	store *wasmtime.Store
	mem   *wasmtime.Memory
}

func (m *memoryWrapper) Read(offset, byteCount uint32) ([]byte, bool) {
	data := m.mem.UnsafeData(m.store)
	if uint64(offset)+uint64(byteCount) > uint64(len(data)) {
		return nil, false
	}
	return data[offset : offset+byteCount], true
}

func (m *memoryWrapper) Write(offset uint32, v []byte) bool {
	data := m.mem.UnsafeData(m.store)
	if uint64(offset)+uint64(len(v)) > uint64(len(data)) {
		return false
	}
	copy(data[offset:], v)
	return true
}

func (m *memoryWrapper) Size() uint32 {
	return uint32(m.mem.DataSize(m.store))
}

// Package engine defines the small interface the reactor package needs from
// an underlying WebAssembly runtime: compile a module, instantiate it, call
// its exports, and let the host answer upcalls. It mirrors wapc-go's
// Engine/Module/Instance split so a reactor can be backed by wazero or
// wasmtime-go interchangeably.
package engine

import "context"

// HostCallHandler answers a guest upcall identified by a numeric handle. It
// is invoked with the raw request bytes read from the guest's ioctl_packet
// and must return the raw response bytes, or an error which is propagated
// back to the guest call that triggered the upcall.
type HostCallHandler func(ctx context.Context, handle uint32, req []byte) ([]byte, error)

// Logger receives free-form diagnostic messages from the engine or guest
// (e.g. a guest console.log analogue). Implementations typically forward to
// a structured logger; a nil Logger means "drop the message".
type Logger func(msg string)

// Config configures a Module at creation time.
type Config struct {
	Stdout Logger
	Stderr Logger
	Logger Logger
}

// Engine compiles guest WASM bytes into a Module. A concrete Engine (wazero,
// wasmtime) owns whatever runtime-level resources compilation requires.
type Engine interface {
	// Name identifies the backing runtime, e.g. "wazero" or "wasmtime".
	Name() string

	// New compiles guest into a Module.
	New(ctx context.Context, guest []byte, config *Config) (Module, error)

	// Identity returns an opaque, comparable value unique to this Engine
	// instance. The module cache keys on this (not structural equality) so
	// two engines with identical configuration never collide.
	Identity() uintptr
}

// Module is a compiled guest WASM module, instantiable any number of times. A
// compiled Module may be shared by more than one caller (the reactor package
// caches one per engine+path), so host, the HostCallHandler that answers this
// particular Instance's upcalls, is bound at Instantiate time rather than at
// compile time: each Instantiate call gets its own handler wired to its own
// Instance, even when the underlying compiled Module is reused.
type Module interface {
	Instantiate(ctx context.Context, host HostCallHandler) (Instance, error)
	Close(ctx context.Context) error
}

// Instance is one instantiation of a Module, with its own linear memory.
type Instance interface {
	// Memory gives the host read/write access to the instance's linear
	// memory, e.g. to marshal arguments before calling an export.
	Memory() Memory

	// Func resolves a typed export by name. args/results follow the wazero
	// convention: a flat stack of uint64-encoded i32/i64/f32/f64 values.
	Func(name string) (Func, bool)

	// CallInitializers invokes the guest's optional `_initialize` export, if
	// present, exactly once after instantiation.
	CallInitializers(ctx context.Context) error

	Close(ctx context.Context) error
}

// Func is a single exported guest function.
type Func interface {
	Call(ctx context.Context, args ...uint64) ([]uint64, error)
}

// Memory is the linear-memory surface the abi package needs.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
	Size() uint32
}

// NoOpHostCallHandler answers every upcall with an empty response. Useful for
// engines/tests that don't exercise the host-upcall path.
func NoOpHostCallHandler(_ context.Context, _ uint32, _ []byte) ([]byte, error) {
	return []byte{}, nil
}

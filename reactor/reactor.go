// Package reactor implements the host side of the pybox trust boundary: it
// instantiates a compiled guest module, resolves its typed exports, answers
// guest upcalls through a registered handler table, and serializes access to
// the single underlying instance the way the guest's interpreter state
// requires.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/s0duku/pybox/engine"
)

// requiredExports names the guest functions a reactor must be able to call.
// memory is required implicitly; _initialize is optional and invoked once by
// engine.Instance.CallInitializers if present.
var requiredExports = []string{
	"alloc_mem",
	"free_mem",
	"pybox_init_local",
	"pybox_init_local_from",
	"pybox_del_local",
	"pybox_local_protect",
	"pybox_assign",
	"pybox_exec",
}

// Reactor is one live guest instance plus the host-side bookkeeping needed to
// drive it: its resolved exports, its registered upcall handlers, and the
// single-owner gate that serializes access to it.
type Reactor struct {
	logger *zap.Logger

	mod  engine.Module
	inst engine.Instance
	mem  engine.Memory

	allocMem  engine.Func
	freeMem   engine.Func
	initLocal engine.Func
	initFrom  engine.Func
	delLocal  engine.Func
	protect   engine.Func
	assign    engine.Func
	exec      engine.Func

	handlers *handlerTable

	owner ownerGate
}

// Option configures a Reactor at construction time.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	preopenDirs []PreopenDir
}

// PreopenDir pairs a host directory with a guest-visible path. New records
// these but does not pass them to the engine, so they grant the guest no
// filesystem access.
type PreopenDir struct {
	HostPath  string
	GuestPath string
}

// WithLogger attaches a zap logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPreopenDir records hostPath, mounted at guestPath, in the Reactor's
// options. New does not hand the recorded directories to the engine: the
// guest's WASI environment has no preopened directories either way.
func WithPreopenDir(hostPath, guestPath string) Option {
	return func(o *options) {
		o.preopenDirs = append(o.preopenDirs, PreopenDir{HostPath: hostPath, GuestPath: guestPath})
	}
}

// New compiles (or reuses a cached compilation of) wasmBytes under eng,
// instantiates it, resolves its required exports, and returns a ready
// Reactor. path identifies the guest module for cache-key purposes only; it
// need not be a real filesystem path, but using the real one lets distinct
// processes sharing a description of "this file, this engine" converge on
// one compiled Module.
func New(ctx context.Context, eng engine.Engine, path string, wasmBytes []byte, opts ...Option) (*Reactor, error) {
	cfg := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	handlers := newHandlerTable()

	key := moduleCacheKey{engineIdentity: eng.Identity(), path: path}
	mod, ok := cachedModule(key)
	if !ok {
		compiled, err := eng.New(ctx, wasmBytes, &engine.Config{
			Logger: func(msg string) { cfg.logger.Info("guest console", zap.String("msg", msg)) },
		})
		if err != nil {
			return nil, fmt.Errorf("reactor: compile %s: %w", path, err)
		}
		mod = storeModule(key, compiled)
	}

	// handlers.handle is bound here, at Instantiate time, not above at compile
	// time: mod may be a cached compilation shared with other reactors (every
	// reactor.Pool member beyond the first), so each reactor's own handler
	// table must be wired to its own Instance rather than whichever reactor
	// happened to compile the Module first.
	inst, err := mod.Instantiate(ctx, handlers.handle)
	if err != nil {
		return nil, fmt.Errorf("reactor: instantiate %s: %w", path, err)
	}
	if err := inst.CallInitializers(ctx); err != nil {
		_ = inst.Close(ctx)
		return nil, fmt.Errorf("reactor: initialize %s: %w", path, err)
	}

	r := &Reactor{
		logger:   cfg.logger,
		mod:      mod,
		inst:     inst,
		mem:      inst.Memory(),
		handlers: handlers,
	}

	for _, name := range requiredExports {
		fn, ok := inst.Func(name)
		if !ok {
			_ = inst.Close(ctx)
			return nil, fmt.Errorf("reactor: guest %s does not export %s", path, name)
		}
		switch name {
		case "alloc_mem":
			r.allocMem = fn
		case "free_mem":
			r.freeMem = fn
		case "pybox_init_local":
			r.initLocal = fn
		case "pybox_init_local_from":
			r.initFrom = fn
		case "pybox_del_local":
			r.delLocal = fn
		case "pybox_local_protect":
			r.protect = fn
		case "pybox_assign":
			r.assign = fn
		case "pybox_exec":
			r.exec = fn
		}
	}

	return r, nil
}

// Close releases the instance. The cached compiled Module is left in place
// for future reactors against the same engine and path.
func (r *Reactor) Close(ctx context.Context) error {
	return r.inst.Close(ctx)
}

// Alloc implements abi.Allocator against the guest's alloc_mem/free_mem
// exports, so abi.NewBytes can marshal host-constructed arguments into guest
// memory exactly the way the guest marshals its own.
func (r *Reactor) Alloc(size uint32) (uint32, error) {
	results, err := r.allocMem.Call(context.Background(), uint64(size))
	if err != nil {
		return 0, fmt.Errorf("reactor: alloc_mem(%d): %w", size, err)
	}
	ptr := uint32(results[0])
	if ptr == 0 && size > 0 {
		return 0, fmt.Errorf("reactor: alloc_mem(%d) returned null", size)
	}
	return ptr, nil
}

// Free implements abi.Allocator.
func (r *Reactor) Free(ptr uint32) error {
	if ptr == 0 {
		return nil
	}
	if _, err := r.freeMem.Call(context.Background(), uint64(ptr)); err != nil {
		return fmt.Errorf("reactor: free_mem(%d): %w", ptr, err)
	}
	return nil
}

// RegisterHandler installs handler under handle, replacing any previous
// registration. Upcalls the guest makes with this handle are dispatched to
// handler.
func (r *Reactor) RegisterHandler(handle uint32, handler HostCallHandler) {
	r.handlers.register(handle, handler)
}

// UnregisterHandler removes the handler for handle. It reports whether a
// handler was present.
func (r *Reactor) UnregisterHandler(handle uint32) bool {
	return r.handlers.unregister(handle)
}

// ownerGate is a CAS-based, reentrant-by-caller lock. Go has no stable public
// API for "the current goroutine's identity" the way Rust exposes
// std::thread::current().id(), so identity here is a token threaded through
// context.Context by the caller of a public Reactor method: the same
// top-level call (and anything it calls back into, such as a handler
// upcalled during Exec) reenters freely, while a concurrent call carrying a
// different or absent token fails fast, matching the original's
// "PyboxReactor using by another thread" behavior.
type ownerGate struct {
	token uint64
}

type ownerTokenKey struct{}

// withOwnerToken stamps ctx with a fresh reentrance token for the call about
// to take the gate.
func withOwnerToken(ctx context.Context) (context.Context, uint64) {
	tok := newToken()
	return context.WithValue(ctx, ownerTokenKey{}, tok), tok
}

func ownerTokenFrom(ctx context.Context) (uint64, bool) {
	v, ok := ctx.Value(ownerTokenKey{}).(uint64)
	return v, ok
}

var tokenCounter uint64

func newToken() uint64 {
	return atomic.AddUint64(&tokenCounter, 1)
}

// errBusy is returned when a different call chain holds the gate, wording
// matched to the original's "PyboxReactor using by another thread" so
// callers pattern-matching on that text keep working.
var errBusy = errors.New("PyboxReactor using by another thread")

// safeAccess runs fn while holding the reactor's single-owner gate. If ctx
// already carries this reactor's token (i.e. fn is being called reentrantly
// from within an outer safeAccess on the same call chain, such as a handler
// invoked synchronously during Exec), it reenters without contention. A
// concurrent call arriving on a different chain fails immediately with
// errBusy rather than blocking, mirroring the original's fail-fast contract.
func (r *Reactor) safeAccess(ctx context.Context, fn func(ctx context.Context) error) error {
	if tok, ok := ownerTokenFrom(ctx); ok && atomic.LoadUint64(&r.owner.token) == tok {
		return fn(ctx)
	}

	ctx, tok := withOwnerToken(ctx)
	if !atomic.CompareAndSwapUint64(&r.owner.token, 0, tok) {
		return errBusy
	}
	defer atomic.StoreUint64(&r.owner.token, 0)

	return fn(ctx)
}

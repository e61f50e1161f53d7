package reactor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0duku/pybox/engine"
	"github.com/s0duku/pybox/reactor"
)

// fakeEngine/fakeModule/fakeInstance/fakeMemory stand in for a real WASM
// engine so the reactor package's marshalling, batching, gating, and
// snapshot logic can be exercised without a compiled guest binary. Each
// fakeInstance implements enough of the pybox guest export contract in Go to
// drive the paths reactor.go itself resolves.
type fakeEngine struct {
	id uintptr
}

func (e *fakeEngine) Name() string      { return "fake" }
func (e *fakeEngine) Identity() uintptr { return e.id }
func (e *fakeEngine) New(_ context.Context, _ []byte, _ *engine.Config) (engine.Module, error) {
	return &fakeModule{}, nil
}

type fakeModule struct{}

func (m *fakeModule) Instantiate(_ context.Context, host engine.HostCallHandler) (engine.Instance, error) {
	return newFakeInstance(host), nil
}
func (m *fakeModule) Close(context.Context) error { return nil }

type fakeMemory struct {
	data []byte
	next uint32
}

func (m *fakeMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	if uint64(offset)+uint64(byteCount) > uint64(len(m.data)) {
		return nil, false
	}
	return m.data[offset : offset+byteCount], true
}
func (m *fakeMemory) Write(offset uint32, v []byte) bool {
	if uint64(offset)+uint64(len(v)) > uint64(len(m.data)) {
		return false
	}
	copy(m.data[offset:], v)
	return true
}
func (m *fakeMemory) Size() uint32 { return uint32(len(m.data)) }

func (m *fakeMemory) alloc(size uint32) uint32 {
	ptr := m.next
	m.next += size
	if m.next > uint32(len(m.data)) {
		grown := make([]byte, m.next*2)
		copy(grown, m.data)
		m.data = grown
	}
	return ptr
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func readBytesRecord(mem *fakeMemory, ptr uint32) []byte {
	header, _ := mem.Read(ptr, 4)
	length := le32(header)
	payload, _ := mem.Read(ptr+4, length)
	out := make([]byte, length)
	copy(out, payload)
	return out
}

func writeOutSlot(mem *fakeMemory, slot uint32, payload []byte) {
	ptr := mem.alloc(4 + uint32(len(payload)))
	header := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), byte(len(payload) >> 24)}
	mem.Write(ptr, header)
	if len(payload) > 0 {
		mem.Write(ptr+4, payload)
	}
	mem.Write(slot, header)
	mem.Write(slot, []byte{byte(ptr), byte(ptr >> 8), byte(ptr >> 16), byte(ptr >> 24)})
}

// fakeInstance models a guest that only tracks which environments exist and
// which names were protected in each: Exec echoes its code back as
// "ran: <code>" (after an upcall to handle 999 for "upcall-block"), and
// Assign accepts every call without storing the value.
type fakeInstance struct {
	mem     *fakeMemory
	host    engine.HostCallHandler
	closed  bool
	envs    map[string]bool
	protect map[string]map[string]bool
}

func newFakeInstance(host engine.HostCallHandler) *fakeInstance {
	return &fakeInstance{
		mem:     &fakeMemory{data: make([]byte, 4096), next: 8},
		host:    host,
		envs:    map[string]bool{},
		protect: map[string]map[string]bool{},
	}
}

func (i *fakeInstance) Memory() engine.Memory                    { return i.mem }
func (i *fakeInstance) CallInitializers(context.Context) error   { return nil }
func (i *fakeInstance) Close(context.Context) error              { i.closed = true; return nil }

type fakeFunc func(ctx context.Context, args ...uint64) ([]uint64, error)

func (f fakeFunc) Call(ctx context.Context, args ...uint64) ([]uint64, error) { return f(ctx, args...) }

func (i *fakeInstance) Func(name string) (engine.Func, bool) {
	switch name {
	case "alloc_mem":
		return fakeFunc(func(_ context.Context, args ...uint64) ([]uint64, error) {
			return []uint64{uint64(i.mem.alloc(uint32(args[0])))}, nil
		}), true
	case "free_mem":
		return fakeFunc(func(_ context.Context, _ ...uint64) ([]uint64, error) { return []uint64{0}, nil }), true
	case "pybox_init_local":
		return fakeFunc(func(_ context.Context, args ...uint64) ([]uint64, error) {
			name := string(readBytesRecord(i.mem, uint32(args[0])))
			i.envs[name] = true
			return []uint64{0}, nil
		}), true
	case "pybox_init_local_from":
		return fakeFunc(func(_ context.Context, args ...uint64) ([]uint64, error) {
			name := string(readBytesRecord(i.mem, uint32(args[0])))
			from := string(readBytesRecord(i.mem, uint32(args[1])))
			if !i.envs[from] {
				return []uint64{1}, nil
			}
			i.envs[name] = true
			return []uint64{0}, nil
		}), true
	case "pybox_del_local":
		return fakeFunc(func(_ context.Context, args ...uint64) ([]uint64, error) {
			name := string(readBytesRecord(i.mem, uint32(args[0])))
			if !i.envs[name] {
				return []uint64{1}, nil
			}
			delete(i.envs, name)
			return []uint64{0}, nil
		}), true
	case "pybox_local_protect":
		return fakeFunc(func(_ context.Context, args ...uint64) ([]uint64, error) {
			env := string(readBytesRecord(i.mem, uint32(args[0])))
			name := string(readBytesRecord(i.mem, uint32(args[1])))
			if i.protect[env] == nil {
				i.protect[env] = map[string]bool{}
			}
			i.protect[env][name] = true
			return []uint64{0}, nil
		}), true
	case "pybox_assign":
		return fakeFunc(func(_ context.Context, args ...uint64) ([]uint64, error) {
			return []uint64{0}, nil
		}), true
	case "pybox_exec":
		return fakeFunc(func(ctx context.Context, args ...uint64) ([]uint64, error) {
			env := string(readBytesRecord(i.mem, uint32(args[0])))
			code := string(readBytesRecord(i.mem, uint32(args[1])))
			if !i.envs[env] {
				writeOutSlot(i.mem, uint32(args[2]), nil)
				writeOutSlot(i.mem, uint32(args[3]), []byte("Local context not found"))
				return []uint64{1}, nil
			}
			if code == "upcall-block" {
				// Simulate guest code that calls back into the host (e.g. a
				// blocking handler) from within this very Exec call, the
				// same reentrant path a real pybox_ioctl_host would take.
				_, _ = i.host(ctx, 999, nil)
			}
			writeOutSlot(i.mem, uint32(args[2]), []byte("ran: "+code))
			writeOutSlot(i.mem, uint32(args[3]), nil)
			return []uint64{0}, nil
		}), true
	}
	return nil, false
}

func newTestReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	eng := &fakeEngine{id: 1}
	r, err := reactor.New(context.Background(), eng, "fake.wasm", []byte{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func TestInitLocalAndDelLocal(t *testing.T) {
	r := newTestReactor(t)
	ctx := context.Background()

	ok, err := r.InitLocal(ctx, "env-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.DelLocal(ctx, "env-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.DelLocal(ctx, "env-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInitLocalFromMissingSource(t *testing.T) {
	r := newTestReactor(t)
	ctx := context.Background()

	ok, err := r.InitLocalFrom(ctx, "child", "missing-parent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecReturnsGuestOutput(t *testing.T) {
	r := newTestReactor(t)
	ctx := context.Background()

	_, err := r.InitLocal(ctx, "env-1")
	require.NoError(t, err)

	out, err := r.Exec(ctx, "env-1", "print(1)")
	require.NoError(t, err)
	assert.Equal(t, "ran: print(1)", out)
}

func TestExecRejectsUnknownEnvironment(t *testing.T) {
	r := newTestReactor(t)
	ctx := context.Background()

	_, err := r.Exec(ctx, "no-such-env", "print(1)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Local context not found")
}

func TestSnapshotCaptureRestore(t *testing.T) {
	r := newTestReactor(t)
	ctx := context.Background()

	_, err := r.InitLocal(ctx, "env-1")
	require.NoError(t, err)

	snap, err := r.Capture(ctx)
	require.NoError(t, err)
	assert.Positive(t, snap.Size())

	require.NoError(t, r.Restore(ctx, snap))
}

func TestPoolAcquireRelease(t *testing.T) {
	eng := &fakeEngine{id: 2}
	p, err := reactor.NewPool(context.Background(), eng, "fake.wasm", []byte{}, 2)
	require.NoError(t, err)
	defer p.Close(context.Background())

	r1, err := p.Acquire(100 * time.Millisecond)
	require.NoError(t, err)
	r2, err := p.Acquire(100 * time.Millisecond)
	require.NoError(t, err)
	assert.NotSame(t, r1, r2)

	_, err = p.Acquire(10 * time.Millisecond)
	assert.Error(t, err)

	require.NoError(t, p.Release(r1))
	r3, err := p.Acquire(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Same(t, r1, r3)
}

// TestPoolMembersKeepDistinctHandlers guards against the module cache (every
// reactor.Pool member beyond the first instantiates a compiled Module shared
// with earlier members) silently collapsing every member's handler table
// onto whichever reactor compiled the Module first: each pool member must
// answer its own registered handler for the same handle number.
func TestPoolMembersKeepDistinctHandlers(t *testing.T) {
	eng := &fakeEngine{id: 3}
	p, err := reactor.NewPool(context.Background(), eng, "fake.wasm", []byte{}, 2)
	require.NoError(t, err)
	defer p.Close(context.Background())

	r1, err := p.Acquire(100 * time.Millisecond)
	require.NoError(t, err)
	r2, err := p.Acquire(100 * time.Millisecond)
	require.NoError(t, err)

	var answeredBy1, answeredBy2 bool
	r1.RegisterHandler(999, func(ctx context.Context, req []byte) ([]byte, error) {
		answeredBy1 = true
		return []byte{}, nil
	})
	r2.RegisterHandler(999, func(ctx context.Context, req []byte) ([]byte, error) {
		answeredBy2 = true
		return []byte{}, nil
	})

	ctx := context.Background()
	_, err = r1.InitLocal(ctx, "env-1")
	require.NoError(t, err)
	_, err = r2.InitLocal(ctx, "env-1")
	require.NoError(t, err)

	_, err = r1.Exec(ctx, "env-1", "upcall-block")
	require.NoError(t, err)
	assert.True(t, answeredBy1, "r1's own handler should answer r1's upcall")
	assert.False(t, answeredBy2, "r2's handler must not answer r1's upcall")

	answeredBy1 = false
	_, err = r2.Exec(ctx, "env-1", "upcall-block")
	require.NoError(t, err)
	assert.True(t, answeredBy2, "r2's own handler should answer r2's upcall")
	assert.False(t, answeredBy1, "r1's handler must not answer r2's upcall")
}

// TestThreadAffinityRejectsConcurrentCaller exercises the single-owner gate
// (§5): one call chain holds it across a guest-initiated upcall exactly the
// way a slow host handler would, a concurrent caller on a different chain is
// rejected with "using by another thread", and releasing the gate lets a
// later caller through.
func TestThreadAffinityRejectsConcurrentCaller(t *testing.T) {
	r := newTestReactor(t)
	ctx := context.Background()

	_, err := r.InitLocal(ctx, "env-1")
	require.NoError(t, err)

	release := make(chan struct{})
	entered := make(chan struct{})
	r.RegisterHandler(999, func(ctx context.Context, req []byte) ([]byte, error) {
		close(entered)
		<-release
		return []byte{}, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.Exec(context.Background(), "env-1", "upcall-block")
		done <- err
	}()

	<-entered // first call now holds the gate, blocked inside its own upcall.

	_, err = r.Exec(context.Background(), "env-1", "print(1)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "using by another thread")

	close(release)
	require.NoError(t, <-done)

	// The gate is released again: a fresh caller succeeds.
	out, err := r.Exec(context.Background(), "env-1", "print(2)")
	require.NoError(t, err)
	assert.Equal(t, "ran: print(2)", out)
}

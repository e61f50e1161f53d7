package reactor

import (
	"context"
	"fmt"
	"sync"
)

// HostCallHandler answers one guest-initiated ioctl upcall, identified by
// the handle the guest passed to pybox_ioctl_host. req is the raw request
// payload the guest wrote into its ioctl_packet; the returned bytes are
// copied back into the guest's response buffer.
type HostCallHandler func(ctx context.Context, req []byte) ([]byte, error)

// handlerTable is a concurrency-safe map from handle to HostCallHandler. The
// teacher's reference implementation keys this on a concurrent map type from
// its own ecosystem; nothing in the retrieved example pack provides a
// drop-in concurrent-map library, so this is a plain sync.RWMutex-guarded map
// (see DESIGN.md).
type handlerTable struct {
	mu       sync.RWMutex
	handlers map[uint32]HostCallHandler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{handlers: make(map[uint32]HostCallHandler)}
}

func (t *handlerTable) register(handle uint32, h HostCallHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[handle] = h
}

func (t *handlerTable) unregister(handle uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[handle]; !ok {
		return false
	}
	delete(t.handlers, handle)
	return true
}

func (t *handlerTable) lookup(handle uint32) (HostCallHandler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[handle]
	return h, ok
}

// handle is the engine.HostCallHandler installed into the guest's env module;
// it looks up the registered handler for handle and invokes it. This is
// wired as the single source of answers for env.pybox_ioctl_host_req_impl
// regardless of which engine backs the reactor.
func (t *handlerTable) handle(ctx context.Context, handle uint32, req []byte) ([]byte, error) {
	h, ok := t.lookup(handle)
	if !ok {
		return nil, fmt.Errorf("reactor: no handler registered for handle %d", handle)
	}
	return h(ctx, req)
}

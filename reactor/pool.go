package reactor

import (
	"context"
	"fmt"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/s0duku/pybox/engine"
)

// Pool is a fixed-size set of ready Reactors sharing one engine and guest
// module. A single Reactor instance may not be driven concurrently (see
// safeAccess); Pool is the supported way to get real parallelism, by handing
// out distinct reactors to distinct callers instead of contending one.
type Pool struct {
	ready *queue.Queue
	all   []*Reactor
}

// NewPool instantiates size reactors from wasmBytes against eng (sharing one
// compiled module via the module cache) and returns a Pool ready to Acquire
// from.
func NewPool(ctx context.Context, eng engine.Engine, path string, wasmBytes []byte, size int, opts ...Option) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("reactor: pool size must be positive, got %d", size)
	}

	p := &Pool{ready: queue.New(int64(size))}
	for i := 0; i < size; i++ {
		r, err := New(ctx, eng, path, wasmBytes, opts...)
		if err != nil {
			p.Close(ctx)
			return nil, fmt.Errorf("reactor: pool member %d: %w", i, err)
		}
		p.all = append(p.all, r)
		if err := p.ready.Put(r); err != nil {
			p.Close(ctx)
			return nil, fmt.Errorf("reactor: enqueue pool member %d: %w", i, err)
		}
	}
	return p, nil
}

// Acquire blocks until a Reactor is available or timeout elapses.
func (p *Pool) Acquire(timeout time.Duration) (*Reactor, error) {
	items, err := p.ready.Poll(1, timeout)
	if err != nil {
		return nil, fmt.Errorf("reactor: acquire from pool: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("reactor: acquire from pool: timed out after %s", timeout)
	}
	return items[0].(*Reactor), nil
}

// Release returns r to the pool for reuse. r must have come from this Pool.
func (p *Pool) Release(r *Reactor) error {
	if err := p.ready.Put(r); err != nil {
		return fmt.Errorf("reactor: release to pool: %w", err)
	}
	return nil
}

// Len reports how many reactors are currently available to Acquire.
func (p *Pool) Len() int64 {
	return p.ready.Len()
}

// Close disposes the pool's queue and closes every member reactor.
func (p *Pool) Close(ctx context.Context) {
	p.ready.Dispose()
	for _, r := range p.all {
		_ = r.Close(ctx)
	}
}

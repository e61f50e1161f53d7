package reactor

import (
	"context"
	"fmt"
)

// Snapshot is a raw copy of a Reactor's guest linear memory, taken and
// restored wholesale. There is no structural diffing and no persistence:
// a Snapshot is only ever meaningful against a Reactor instantiated from the
// exact same compiled module, within the same process.
type Snapshot struct {
	data []byte
}

// Capture copies the reactor's entire linear memory into a new Snapshot.
func (r *Reactor) Capture(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := r.safeAccess(ctx, func(ctx context.Context) error {
		size := r.mem.Size()
		buf, ok := r.mem.Read(0, size)
		if !ok {
			return fmt.Errorf("reactor: read %d bytes of guest memory for snapshot", size)
		}
		data := make([]byte, len(buf))
		copy(data, buf)
		snap = &Snapshot{data: data}
		return nil
	})
	return snap, err
}

// Size returns the number of bytes captured in the snapshot.
func (s *Snapshot) Size() int {
	return len(s.data)
}

// Restore copies min(current memory size, len(snapshot)) bytes from s back
// into the reactor's linear memory, starting at offset zero. It never grows
// guest memory to fit a larger snapshot and never shrinks it to fit a
// smaller one; bytes beyond the copied range are left exactly as they were.
func (r *Reactor) Restore(ctx context.Context, s *Snapshot) error {
	return r.safeAccess(ctx, func(ctx context.Context) error {
		n := r.mem.Size()
		if uint32(len(s.data)) < n {
			n = uint32(len(s.data))
		}
		if n == 0 {
			return nil
		}
		if !r.mem.Write(0, s.data[:n]) {
			return fmt.Errorf("reactor: restore %d bytes into guest memory", n)
		}
		return nil
	})
}

// Update replaces s's captured bytes with a fresh capture of r's current
// memory, equivalent to discarding s and calling Capture again but reusing
// the same Snapshot value.
func (r *Reactor) Update(ctx context.Context, s *Snapshot) error {
	fresh, err := r.Capture(ctx)
	if err != nil {
		return err
	}
	s.data = fresh.data
	return nil
}

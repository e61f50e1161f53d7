package reactor

import (
	"context"
	"encoding/json"
	"fmt"
)

// InitLocal creates a fresh, empty environment identified by envID. It
// reports whether the guest created it successfully.
func (r *Reactor) InitLocal(ctx context.Context, envID string) (bool, error) {
	var ok bool
	err := r.safeAccess(ctx, func(ctx context.Context) error {
		batch, err := allocateBytesBatch(r, [][]byte{[]byte(envID)})
		if err != nil {
			return err
		}
		defer batch.free(r)

		results, err := r.initLocal.Call(ctx, uint64(batch.ptr(0)))
		if err != nil {
			return fmt.Errorf("reactor: pybox_init_local(%q): %w", envID, err)
		}
		ok = int32(uint32(results[0])) == 0
		return nil
	})
	return ok, err
}

// InitLocalFrom creates envID as a shallow copy of fromEnvID's dict. Per the
// guest's own contract, key protection is not carried over; only values are
// copied.
func (r *Reactor) InitLocalFrom(ctx context.Context, envID, fromEnvID string) (bool, error) {
	var ok bool
	err := r.safeAccess(ctx, func(ctx context.Context) error {
		batch, err := allocateBytesBatch(r, [][]byte{[]byte(envID), []byte(fromEnvID)})
		if err != nil {
			return err
		}
		defer batch.free(r)

		results, err := r.initFrom.Call(ctx, uint64(batch.ptr(0)), uint64(batch.ptr(1)))
		if err != nil {
			return fmt.Errorf("reactor: pybox_init_local_from(%q, %q): %w", envID, fromEnvID, err)
		}
		ok = int32(uint32(results[0])) == 0
		return nil
	})
	return ok, err
}

// DelLocal removes envID's environment. It reports whether an environment by
// that name existed.
func (r *Reactor) DelLocal(ctx context.Context, envID string) (bool, error) {
	var ok bool
	err := r.safeAccess(ctx, func(ctx context.Context) error {
		batch, err := allocateBytesBatch(r, [][]byte{[]byte(envID)})
		if err != nil {
			return err
		}
		defer batch.free(r)

		results, err := r.delLocal.Call(ctx, uint64(batch.ptr(0)))
		if err != nil {
			return fmt.Errorf("reactor: pybox_del_local(%q): %w", envID, err)
		}
		ok = int32(uint32(results[0])) == 0
		return nil
	})
	return ok, err
}

// Protect marks name as write-protected within envID's environment: future
// attempts to assign or delete it through the guest's mapping protocol are
// rejected, though later Assign calls, which write through the privileged
// bypass, can still overwrite it.
func (r *Reactor) Protect(ctx context.Context, envID, name string) error {
	return r.safeAccess(ctx, func(ctx context.Context) error {
		batch, err := allocateBytesBatch(r, [][]byte{[]byte(envID), []byte(name)})
		if err != nil {
			return err
		}
		defer batch.free(r)

		results, err := r.protect.Call(ctx, uint64(batch.ptr(0)), uint64(batch.ptr(1)))
		if err != nil {
			return fmt.Errorf("reactor: pybox_local_protect(%q, %q): %w", envID, name, err)
		}
		if int32(uint32(results[0])) != 0 {
			return fmt.Errorf("reactor: could not protect %q in environment %q", name, envID)
		}
		return nil
	})
}

// Assign JSON-serializes value and writes it to name within envID's
// environment via the guest's privileged bypass path, ignoring write
// protection the way only the host is permitted to.
func (r *Reactor) Assign(ctx context.Context, envID, name string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("reactor: marshal assign value for %q: %w", name, err)
	}

	return r.safeAccess(ctx, func(ctx context.Context) error {
		errSlot, err := allocateOutSlot(r)
		if err != nil {
			return err
		}
		batch, err := allocateBytesBatch(r, [][]byte{[]byte(envID), []byte(name), payload})
		if err != nil {
			_ = r.Free(errSlot)
			return err
		}
		defer batch.free(r)
		defer r.Free(errSlot)

		results, err := r.assign.Call(ctx, uint64(batch.ptr(0)), uint64(batch.ptr(1)), uint64(batch.ptr(2)), uint64(errSlot))
		if err != nil {
			return fmt.Errorf("reactor: pybox_assign(%q, %q): %w", envID, name, err)
		}

		errPayload, rerr := readAndFreeOutSlot(r, errSlot)
		if rerr != nil {
			return rerr
		}

		if int32(uint32(results[0])) != 0 {
			if len(errPayload) > 0 {
				return fmt.Errorf("reactor: assign %q in %q: %s", name, envID, string(errPayload))
			}
			return fmt.Errorf("reactor: assign %q in %q failed", name, envID)
		}
		return nil
	})
}

// Exec compiles and runs code against envID's environment, returning
// everything the code wrote to stdout/stderr. A Python-level exception
// during execution is appended to that output as a traceback, not surfaced
// as a Go error: only a guest/runtime-level failure (a trap, a missing
// environment, and similar) is returned as an error. envID must name an
// environment created with InitLocal/InitLocalFrom; pybox_exec rejects a
// null id exactly as it rejects null code.
func (r *Reactor) Exec(ctx context.Context, envID string, code string) (string, error) {
	var output string
	err := r.safeAccess(ctx, func(ctx context.Context) error {
		outSlot, err := allocateOutSlot(r)
		if err != nil {
			return err
		}
		defer r.Free(outSlot)

		errSlot, err := allocateOutSlot(r)
		if err != nil {
			return err
		}
		defer r.Free(errSlot)

		batch, err := allocateBytesBatch(r, [][]byte{[]byte(envID), []byte(code)})
		if err != nil {
			return err
		}
		defer batch.free(r)

		results, err := r.exec.Call(ctx, uint64(batch.ptr(0)), uint64(batch.ptr(1)), uint64(outSlot), uint64(errSlot))
		if err != nil {
			return fmt.Errorf("reactor: pybox_exec: %w", err)
		}

		outPayload, rerr := readAndFreeOutSlot(r, outSlot)
		if rerr != nil {
			return rerr
		}
		errPayload, rerr := readAndFreeOutSlot(r, errSlot)
		if rerr != nil {
			return rerr
		}

		if int32(uint32(results[0])) != 0 {
			if len(errPayload) > 0 {
				return fmt.Errorf("reactor: exec: %s", string(errPayload))
			}
			return fmt.Errorf("reactor: exec failed")
		}
		output = string(outPayload)
		return nil
	})
	return output, err
}

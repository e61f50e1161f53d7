package reactor

import (
	"fmt"

	"github.com/s0duku/pybox/abi"
)

const bytesHeaderSize = 4

// bytesBatch packs N length-prefixed Bytes records into a single contiguous
// guest allocation and hands back each record's own pointer, so a call that
// needs several string/bytes arguments (env_id, name, json payload, ...)
// performs exactly one alloc_mem/free_mem round trip instead of one per
// argument. This mirrors allocate_pybox_bytes_batch in the original reactor:
// the guest functions that take multiple Bytes parameters expect them to be
// addressable independently, but nothing requires they live in independent
// allocations.
type bytesBatch struct {
	base    uint32
	total   uint32
	offsets []uint32
}

// allocateBytesBatch writes each of payloads as a length-prefixed Bytes
// record back-to-back in one allocation and returns the pointer to each
// record in order.
func allocateBytesBatch(r *Reactor, payloads [][]byte) (bytesBatch, error) {
	total := uint32(0)
	for _, p := range payloads {
		if uint64(len(p)) > 0xFFFFFFFF-bytesHeaderSize {
			return bytesBatch{}, abi.ErrTooLarge
		}
		total += bytesHeaderSize + uint32(len(p))
	}

	base, err := r.Alloc(total)
	if err != nil {
		return bytesBatch{}, fmt.Errorf("reactor: allocate %d byte batch: %w", total, err)
	}

	offsets := make([]uint32, len(payloads))
	cursor := base
	for i, p := range payloads {
		offsets[i] = cursor
		header := []byte{byte(len(p)), byte(len(p) >> 8), byte(len(p) >> 16), byte(len(p) >> 24)}
		if !r.mem.Write(cursor, header) {
			return bytesBatch{}, fmt.Errorf("reactor: write batch length header at %d out of bounds", cursor)
		}
		if len(p) > 0 && !r.mem.Write(cursor+bytesHeaderSize, p) {
			return bytesBatch{}, fmt.Errorf("reactor: write batch payload at %d out of bounds", cursor+bytesHeaderSize)
		}
		cursor += bytesHeaderSize + uint32(len(p))
	}

	return bytesBatch{base: base, total: total, offsets: offsets}, nil
}

// free releases the entire batch with a single free_mem call.
func (b bytesBatch) free(r *Reactor) error {
	return r.Free(b.base)
}

// ptr returns the guest pointer for the i'th record in the batch.
func (b bytesBatch) ptr(i int) uint32 {
	return b.offsets[i]
}

// allocateOutSlot allocates a zeroed 4-byte "bytes *out" slot the guest will
// fill in with a pointer to a freshly allocated Bytes record (or leave null).
// Used for the error-out and output-out parameters of assign/exec.
func allocateOutSlot(r *Reactor) (uint32, error) {
	ptr, err := r.Alloc(bytesHeaderSize)
	if err != nil {
		return 0, fmt.Errorf("reactor: allocate out-slot: %w", err)
	}
	if !r.mem.Write(ptr, []byte{0, 0, 0, 0}) {
		return 0, fmt.Errorf("reactor: zero out-slot at %d out of bounds", ptr)
	}
	return ptr, nil
}

// readAndFreeOutSlot reads the (possibly null) Bytes pointer an out-slot was
// filled with, returning its payload, then frees the Bytes record the guest
// allocated into it, if present. The slot itself is not freed here; the
// caller frees it.
func readAndFreeOutSlot(r *Reactor, slot uint32) ([]byte, error) {
	ptr, err := abi.ReadPtrIndirect(r.mem, slot)
	if err != nil {
		return nil, err
	}
	if ptr == 0 {
		return nil, nil
	}
	payload, err := abi.ReadBytes(r.mem, ptr)
	if err != nil {
		return nil, err
	}
	if err := r.Free(ptr); err != nil {
		return nil, err
	}
	return payload, nil
}

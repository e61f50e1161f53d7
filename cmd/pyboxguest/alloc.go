//go:build tinygo

package main

import "unsafe"

// linearMemory implements abi.Memory directly against this module's own
// address space: offset IS an address here, not an index into a buffer
// fetched from some other instance, because this code runs as the guest
// rather than observing it from across the trust boundary.
type linearMemory struct{}

func (linearMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	if byteCount == 0 {
		return []byte{}, true
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(offset))), byteCount), true
}

func (linearMemory) Write(offset uint32, v []byte) bool {
	if len(v) == 0 {
		return true
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(offset))), len(v))
	copy(dst, v)
	return true
}

// pinnedAllocator hands out fresh Go heap buffers and reports their address
// as the guest pointer. A buffer is kept alive in live, rooting it against
// TinyGo's conservative collector, until Free deletes the entry; this is
// what keeps alloc_mem/free_mem symmetric with the rest of the guest's
// allocator-owns-the-heap contract (§4.2) instead of leaking or
// use-after-freeing once the stack frame that allocated it returns.
type pinnedAllocator struct{}

var live = map[uint32][]byte{}

func (pinnedAllocator) Alloc(size uint32) (uint32, error) {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	live[ptr] = buf
	return ptr, nil
}

func (pinnedAllocator) Free(ptr uint32) error {
	delete(live, ptr)
	return nil
}

var (
	mem   = linearMemory{}
	alloc = pinnedAllocator{}
)

// Package abi defines the wire-format records shared across the guest/host
// trust boundary: the length-prefixed byte buffer and the ioctl pointer+length
// packet. Both sides marshal against the same Memory interface so the code
// here runs unmodified on the host (backed by wazero's api.Memory) and on the
// guest (backed by a raw byte slice).
package abi

import "fmt"

// Memory is the minimal surface NewBytes/ReadBytes need from a linear memory.
// wazero's api.Memory satisfies this directly.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// Allocator mints and releases regions of guest linear memory. The guest
// exports alloc_mem/free_mem (§4.2); the host never allocates guest memory
// itself, it only calls through to these exports.
type Allocator interface {
	Alloc(size uint32) (uint32, error)
	Free(ptr uint32) error
}

const lengthFieldSize = 4

// ErrTooLarge is returned when a payload plus its 4-byte length header would
// overflow a 32-bit size. The ABI is 32-bit throughout; this implementation rejects
// oversized payloads rather than silently truncating them.
var ErrTooLarge = fmt.Errorf("abi: payload exceeds 32-bit length field")

// NewBytes allocates 4+len(payload) bytes of guest memory, writes the
// little-endian length header, copies payload, and returns the header
// pointer. Zero-length payloads are permitted.
func NewBytes(alloc Allocator, mem Memory, payload []byte) (uint32, error) {
	if uint64(len(payload)) > 0xFFFFFFFF-lengthFieldSize {
		return 0, ErrTooLarge
	}
	size := uint32(lengthFieldSize + len(payload))
	ptr, err := alloc.Alloc(size)
	if err != nil {
		return 0, fmt.Errorf("abi: alloc %d bytes: %w", size, err)
	}
	header := make([]byte, lengthFieldSize)
	putUint32(header, uint32(len(payload)))
	if !mem.Write(ptr, header) {
		return 0, fmt.Errorf("abi: write length header at %d out of bounds", ptr)
	}
	if len(payload) > 0 && !mem.Write(ptr+lengthFieldSize, payload) {
		return 0, fmt.Errorf("abi: write payload at %d out of bounds", ptr+lengthFieldSize)
	}
	return ptr, nil
}

// ReadBytes reads the 4-byte length at ptr, then the following length bytes.
// Reading is pure; it never frees the buffer.
func ReadBytes(mem Memory, ptr uint32) ([]byte, error) {
	if ptr == 0 {
		return nil, nil
	}
	header, ok := mem.Read(ptr, lengthFieldSize)
	if !ok {
		return nil, fmt.Errorf("abi: read length header at %d out of bounds", ptr)
	}
	length := getUint32(header)
	if length == 0 {
		return []byte{}, nil
	}
	payload, ok := mem.Read(ptr+lengthFieldSize, length)
	if !ok {
		return nil, fmt.Errorf("abi: read %d byte payload at %d out of bounds", length, ptr+lengthFieldSize)
	}
	// Read returns a view into the underlying memory on some backends; copy
	// so callers can hold the result past the next guest call.
	out := make([]byte, length)
	copy(out, payload)
	return out, nil
}

// ReadBytesIndirect reads a 32-bit pointer at ptrPtr (an "out parameter" of
// the form `bytes **out`); a zero pointer yields an empty slice, otherwise it
// delegates to ReadBytes.
func ReadBytesIndirect(mem Memory, ptrPtr uint32) ([]byte, error) {
	raw, ok := mem.Read(ptrPtr, lengthFieldSize)
	if !ok {
		return nil, fmt.Errorf("abi: read indirect pointer at %d out of bounds", ptrPtr)
	}
	ptr := getUint32(raw)
	if ptr == 0 {
		return []byte{}, nil
	}
	return ReadBytes(mem, ptr)
}

// ReadPtrIndirect reads just the 32-bit pointer value stored at ptrPtr,
// without dereferencing it. Used by callers that need to free the pointee
// themselves after reading its payload.
func ReadPtrIndirect(mem Memory, ptrPtr uint32) (uint32, error) {
	raw, ok := mem.Read(ptrPtr, lengthFieldSize)
	if !ok {
		return 0, fmt.Errorf("abi: read indirect pointer at %d out of bounds", ptrPtr)
	}
	return getUint32(raw), nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

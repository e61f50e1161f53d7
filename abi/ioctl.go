package abi

import "fmt"

// IoctlPacketSize is the packed, single-byte-aligned size of an ioctl_packet:
// two little-endian 32-bit fields, buf and buf_len. This is distinct from a
// Bytes record: it is a pointer+length pair into a raw byte region, not a
// length-prefixed inline buffer, and is used only on the host-upcall path.
const IoctlPacketSize = 8

// IoctlPacket is the guest-memory-resident (buf, buf_len) pair exchanged on
// the host-upcall path.
type IoctlPacket struct {
	Buf    uint32
	BufLen uint32
}

// ReadIoctlPacket reads an IoctlPacket from guest memory at ptr.
func ReadIoctlPacket(mem Memory, ptr uint32) (IoctlPacket, error) {
	raw, ok := mem.Read(ptr, IoctlPacketSize)
	if !ok {
		return IoctlPacket{}, fmt.Errorf("abi: read ioctl_packet at %d out of bounds", ptr)
	}
	return IoctlPacket{
		Buf:    getUint32(raw[0:4]),
		BufLen: getUint32(raw[4:8]),
	}, nil
}

// WriteIoctlPacket writes an IoctlPacket into guest memory at ptr.
func WriteIoctlPacket(mem Memory, ptr uint32, p IoctlPacket) error {
	raw := make([]byte, IoctlPacketSize)
	putUint32(raw[0:4], p.Buf)
	putUint32(raw[4:8], p.BufLen)
	if !mem.Write(ptr, raw) {
		return fmt.Errorf("abi: write ioctl_packet at %d out of bounds", ptr)
	}
	return nil
}

// ReadRaw returns a copy of the raw byte region the packet points at. It does
// not interpret the region as a length-prefixed Bytes record.
func (p IoctlPacket) ReadRaw(mem Memory) ([]byte, error) {
	if p.BufLen == 0 {
		return []byte{}, nil
	}
	raw, ok := mem.Read(p.Buf, p.BufLen)
	if !ok {
		return nil, fmt.Errorf("abi: read %d byte ioctl payload at %d out of bounds", p.BufLen, p.Buf)
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

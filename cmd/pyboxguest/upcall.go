//go:build tinygo

package main

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/s0duku/pybox/abi"
)

// env.pybox_ioctl_host_req_impl is the sole import a pybox guest requires
// (§6): a function with no body annotated this way is linked by TinyGo as a
// WASM import rather than defined in this module.
//
//go:wasm-module env
//export pybox_ioctl_host_req_impl
func pyboxIoctlHostReqImpl(handle, reqPacketPtr, respPacketPtr uint32) int32

// hostUpcall implements guest.HostUpcallFunc by round-tripping through the
// single imported host function, building the two ioctl_packets the wire
// contract (§4.4.7) describes: req points at the already-in-memory payload
// pybox_ioctl_host was called with, resp starts zeroed and is filled in by
// the host. The host allocates the response buffer via this module's own
// alloc_mem (§4.5.3 step 7), so ownership passes back to the guest here:
// once the bytes are copied out, the guest frees it.
func hostUpcall(_ context.Context, handle uint32, req []byte) ([]byte, error) {
	reqPacketPtr, err := alloc.Alloc(abi.IoctlPacketSize)
	if err != nil {
		return nil, fmt.Errorf("pyboxguest: allocate request packet: %w", err)
	}
	defer alloc.Free(reqPacketPtr)

	respPacketPtr, err := alloc.Alloc(abi.IoctlPacketSize)
	if err != nil {
		return nil, fmt.Errorf("pyboxguest: allocate response packet: %w", err)
	}
	defer alloc.Free(respPacketPtr)

	var reqBuf, reqLen uint32
	if len(req) > 0 {
		reqBuf = uint32(uintptr(unsafe.Pointer(&req[0])))
		reqLen = uint32(len(req))
	}
	if err := abi.WriteIoctlPacket(mem, reqPacketPtr, abi.IoctlPacket{Buf: reqBuf, BufLen: reqLen}); err != nil {
		return nil, err
	}
	if err := abi.WriteIoctlPacket(mem, respPacketPtr, abi.IoctlPacket{}); err != nil {
		return nil, err
	}

	if status := pyboxIoctlHostReqImpl(handle, reqPacketPtr, respPacketPtr); status != 0 {
		return nil, fmt.Errorf("pyboxguest: ioctl handle %d failed", handle)
	}

	respPacket, err := abi.ReadIoctlPacket(mem, respPacketPtr)
	if err != nil {
		return nil, err
	}
	raw, err := respPacket.ReadRaw(mem)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	if respPacket.Buf != 0 {
		_ = alloc.Free(respPacket.Buf)
	}
	return out, nil
}

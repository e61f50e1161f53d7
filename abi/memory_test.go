package abi_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0duku/pybox/abi"
)

// fakeMemory is a minimal bump-allocated linear memory used to test the ABI
// helpers without standing up a real WASM instance.
type fakeMemory struct {
	data []byte
	next uint32
}

func newFakeMemory(size uint32) *fakeMemory {
	return &fakeMemory{data: make([]byte, size), next: 8}
}

func (m *fakeMemory) Alloc(size uint32) (uint32, error) {
	ptr := m.next
	if uint64(ptr)+uint64(size) > uint64(len(m.data)) {
		return 0, assert.AnError
	}
	m.next += size
	return ptr, nil
}

func (m *fakeMemory) Free(ptr uint32) error { return nil }

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

func TestBytesRoundTrip(t *testing.T) {
	mem := newFakeMemory(1024)

	ptr, err := abi.NewBytes(mem, mem, []byte("hello pybox"))
	require.NoError(t, err)

	got, err := abi.ReadBytes(mem, ptr)
	require.NoError(t, err)
	assert.Equal(t, "hello pybox", string(got))
}

func TestZeroLengthBytesRoundTrip(t *testing.T) {
	mem := newFakeMemory(1024)

	ptr, err := abi.NewBytes(mem, mem, nil)
	require.NoError(t, err)

	got, err := abi.ReadBytes(mem, ptr)
	require.NoError(t, err)
	assert.Equal(t, []byte{}, got)
}

func TestReadBytesIndirect(t *testing.T) {
	mem := newFakeMemory(1024)

	// an out-pointer slot that starts null.
	outPtr, err := mem.Alloc(4)
	require.NoError(t, err)

	got, err := abi.ReadBytesIndirect(mem, outPtr)
	require.NoError(t, err)
	assert.Equal(t, []byte{}, got)

	ptr, err := abi.NewBytes(mem, mem, []byte("indirect"))
	require.NoError(t, err)
	require.True(t, mem.Write(outPtr, []byte{byte(ptr), byte(ptr >> 8), byte(ptr >> 16), byte(ptr >> 24)}))

	got, err = abi.ReadBytesIndirect(mem, outPtr)
	require.NoError(t, err)
	assert.Equal(t, "indirect", string(got))
}

func TestIoctlPacketRoundTrip(t *testing.T) {
	mem := newFakeMemory(1024)

	payload := []byte("upcall-payload")
	dataPtr, err := mem.Alloc(uint32(len(payload)))
	require.NoError(t, err)
	require.True(t, mem.Write(dataPtr, payload))

	packetPtr, err := mem.Alloc(abi.IoctlPacketSize)
	require.NoError(t, err)

	want := abi.IoctlPacket{Buf: dataPtr, BufLen: uint32(len(payload))}
	require.NoError(t, abi.WriteIoctlPacket(mem, packetPtr, want))

	got, err := abi.ReadIoctlPacket(mem, packetPtr)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	raw, err := got.ReadRaw(mem)
	require.NoError(t, err)
	assert.Equal(t, payload, raw)
}

func TestIoctlPacketZeroLength(t *testing.T) {
	mem := newFakeMemory(64)
	packetPtr, err := mem.Alloc(abi.IoctlPacketSize)
	require.NoError(t, err)
	require.NoError(t, abi.WriteIoctlPacket(mem, packetPtr, abi.IoctlPacket{}))

	got, err := abi.ReadIoctlPacket(mem, packetPtr)
	require.NoError(t, err)

	raw, err := got.ReadRaw(mem)
	require.NoError(t, err)
	assert.Equal(t, []byte{}, raw)
}

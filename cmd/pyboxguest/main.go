//go:build tinygo

// Command pyboxguest is the actual Guest Runtime: the pybox guest/ package
// (environment registry, protected mapping, sanitized builtins, host-upcall
// glue) compiled to a standalone WebAssembly module with TinyGo. It lives in
// its own module (see go.mod) the way the teacher's hello and testdata/go
// guest programs do, so the host module never depends on a TinyGo-only
// toolchain or a guest SDK it doesn't otherwise need.
//
// Unlike the host side, which only ever sees guest memory through the
// engine.Memory/abi.Memory interfaces, code running here IS the guest: its
// own pointers already address its own linear memory, so the Memory and
// Allocator implementations below are thin unsafe.Pointer casts rather than
// calls into a WASM runtime.
package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/s0duku/pybox/abi"
	"github.com/s0duku/pybox/guest"
	"github.com/s0duku/pybox/guest/miniscript"
)

var rt = guest.New(func() guest.VM { return miniscript.New() }, hostUpcall)

// writeOutPtr allocates a Bytes record for payload and stores its pointer
// through the out-parameter slot at slot, the "bytes **out" convention
// (§4.1) used by pybox_assign's error_out and pybox_exec's output_out /
// error_out. A zero slot (the caller didn't ask for this output) is a no-op.
func writeOutPtr(slot uint32, payload []byte) {
	if slot == 0 {
		return
	}
	ptr, err := abi.NewBytes(alloc, mem, payload)
	if err != nil {
		return
	}
	putUint32(slot, ptr)
}

func putUint32(ptr, v uint32) {
	mem.Write(ptr, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func readID(ptr uint32) (string, bool) {
	if ptr == 0 {
		return "", false
	}
	raw, err := abi.ReadBytes(mem, ptr)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

//export alloc_mem
func allocMem(size uint32) uint32 {
	ptr, err := alloc.Alloc(size)
	if err != nil {
		return 0
	}
	return ptr
}

//export free_mem
func freeMem(ptr uint32) {
	_ = alloc.Free(ptr)
}

// pybox_init_local implements the §6 export of the same name.
//
//export pybox_init_local
func pyboxInitLocal(idPtr uint32) int32 {
	id, ok := readID(idPtr)
	if !ok {
		return -1
	}
	if err := rt.InitLocal(id); err != nil {
		return -1
	}
	return 0
}

//export pybox_init_local_from
func pyboxInitLocalFrom(idPtr, fromIDPtr uint32) int32 {
	id, ok := readID(idPtr)
	if !ok {
		return -1
	}
	fromID, ok := readID(fromIDPtr)
	if !ok {
		return -1
	}
	if err := rt.InitLocalFrom(id, fromID); err != nil {
		return -1
	}
	return 0
}

//export pybox_del_local
func pyboxDelLocal(idPtr uint32) int32 {
	id, ok := readID(idPtr)
	if !ok {
		return -1
	}
	if !rt.DelLocal(id) {
		return -1
	}
	return 0
}

//export pybox_local_protect
func pyboxLocalProtect(idPtr, namePtr uint32) int32 {
	id, ok := readID(idPtr)
	if !ok {
		return -1
	}
	name, ok := readID(namePtr)
	if !ok {
		return -1
	}
	if err := rt.Protect(id, name); err != nil {
		return -1
	}
	return 0
}

// pybox_assign parses jsonPtr as JSON on the guest side (§4.4.4 step 2) and
// writes the resulting value through the protected mapping's privileged
// bypass. A JSON parse failure is reported through errOutPtr, not as a
// nonzero status alone: the caller is meant to read the formatted message.
//
//export pybox_assign
func pyboxAssign(idPtr, namePtr, jsonPtr, errOutPtr uint32) int32 {
	id, ok := readID(idPtr)
	if !ok {
		writeOutPtr(errOutPtr, []byte("pybox_assign: invalid environment id"))
		return -1
	}
	name, ok := readID(namePtr)
	if !ok {
		writeOutPtr(errOutPtr, []byte("pybox_assign: invalid name"))
		return -1
	}
	payload, err := abi.ReadBytes(mem, jsonPtr)
	if err != nil {
		writeOutPtr(errOutPtr, []byte("pybox_assign: invalid json buffer"))
		return -1
	}

	var value interface{}
	if err := json.Unmarshal(payload, &value); err != nil {
		writeOutPtr(errOutPtr, []byte(fmt.Sprintf("JSONDecodeError: %s", err.Error())))
		return -1
	}

	if err := rt.Assign(id, name, value); err != nil {
		writeOutPtr(errOutPtr, []byte(err.Error()))
		return -1
	}
	return 0
}

// pybox_exec implements the §6 export of the same name: `bytes* id, code;
// bytes** output_out, error_out`. A null id or code is rejected the same way
// the original rejects both (original_source's pybox_exec checks
// id.is_null() || code.is_null() before touching either).
//
//export pybox_exec
func pyboxExec(idPtr, codePtr, outputOutPtr, errorOutPtr uint32) int32 {
	id, ok := readID(idPtr)
	if !ok {
		writeOutPtr(errorOutPtr, []byte("Invalid arguments: id or code is null"))
		return -1
	}
	code, err := abi.ReadBytes(mem, codePtr)
	if codePtr == 0 || err != nil {
		writeOutPtr(errorOutPtr, []byte("Invalid arguments: id or code is null"))
		return -1
	}

	output, err := rt.Exec(context.Background(), id, string(code))
	if err != nil {
		writeOutPtr(errorOutPtr, []byte(err.Error()))
		return -1
	}
	writeOutPtr(outputOutPtr, []byte(output))
	return 0
}

// _initialize is the optional one-time setup hook the host calls once after
// instantiation (§4.2); this guest needs no one-time setup, but the export
// is kept so hosts that unconditionally probe for it don't fail.
//
//export _initialize
func initialize() {}

func main() {}

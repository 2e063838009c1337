//go:build tinygo || wasm

// Package host holds the imports a feature plugin may call and the buffer
// helpers shared by the examples.
package host

import "unsafe"

// Log forwards text to the host runtime via the imported host_log function.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

// live keeps buffers handed to the host reachable until the instance ends.
var live = map[uintptr][]byte{}

// Alloc returns a pointer to n bytes that stay valid for the call.
func Alloc(n uint32) uintptr {
	if n == 0 {
		n = 1
	}
	buf := make([]byte, n)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	live[ptr] = buf
	return ptr
}

// Samples views n little-endian float32 values at ptr.
func Samples(ptr uintptr, n uint32) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(ptr)), n)
}

// Output copies values into a fresh buffer and returns its address.
func Output(values []float32) uintptr {
	ptr := Alloc(uint32(len(values) * 4))
	copy(unsafe.Slice((*float32)(unsafe.Pointer(ptr)), len(values)), values)
	return ptr
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)

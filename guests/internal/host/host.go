//go:build tinygo || wasm

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

// Emit hands a transcript update to the host. Final text is appended to the
// transcript; interim text replaces the previous interim.
func Emit(text string, final bool) {
	if len(text) == 0 {
		return
	}
	b := []byte(text)
	var flag uint32
	if final {
		flag = 1
	}
	hostEmit(flag, unsafe.Pointer(&b[0]), uint32(len(b)))
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)

//go:wasmimport env host_emit
func hostEmit(final uint32, ptr unsafe.Pointer, length uint32)

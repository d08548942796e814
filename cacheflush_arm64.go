//go:build linux && arm64

package intercept

import "unsafe"

/*
static void cacheflush(char *start, char *end) {
	__builtin___clear_cache(start, end);
}
*/
import "C"

// cacheflush makes code written to buf visible to instruction fetch.
func cacheflush(buf []byte) {
	if len(buf) == 0 {
		return
	}
	start := unsafe.Pointer(unsafe.SliceData(buf))
	end := unsafe.Add(start, len(buf))
	C.cacheflush((*C.char)(start), (*C.char)(end))
}

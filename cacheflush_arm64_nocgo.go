//go:build linux && arm64 && !cgo

package intercept

// Flushing the instruction cache on arm64 needs the C builtin. Build with
// CGO_ENABLED=1 and a C compiler installed.
func cacheflush(buf []byte) {
	arm64_requires_cgo_for_instruction_cache_flushing()
}

//go:build !(linux && arm64)

package intercept

// amd64 keeps instruction and data caches coherent, so there is nothing to
// flush after writing code.
func cacheflush(buf []byte) {}

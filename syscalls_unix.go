//go:build linux && (amd64 || arm64)

package intercept

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	mprotectRX  = unix.PROT_READ | unix.PROT_EXEC
	mprotectRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

func mprotect(buf []byte, flags int) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	pageSize := unix.Getpagesize()

	// Round address down to page boundary.
	// Example: addr=4196 with pageSize=4096 becomes 4096.
	pageStart := addr - (addr % uintptr(pageSize))

	// Cover the offset into the first page plus the buffer, rounded up to
	// whole pages.
	totalBytes := int(addr-pageStart) + len(buf)
	regionSize := (totalBytes + pageSize - 1) / pageSize * pageSize

	region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), regionSize)

	return unix.Mprotect(region, flags)
}

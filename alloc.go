//go:build linux && (amd64 || arm64)

package intercept

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pboyd/malloc"
)

// allocator hands out executable memory for relocated functions. The arena
// is kept read-only except while a function is being written into it.
type allocator struct {
	*malloc.Arena
	mprotect func(int) error
	initOnce sync.Once
	initErr  error

	// mu is held from the start of a write to the point the arena is
	// executable again, so concurrent writers can't make it read-only
	// under each other.
	mu     sync.Mutex
	blocks map[uintptr][]byte
}

func (a *allocator) init(startSize int) error {
	a.initOnce.Do(func() {
		be := malloc.MmapBackend(malloc.MmapProt(mprotectRWX), malloc.MmapFlags(mmapFlags))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(uint64(startSize), malloc.Backend(be))
		if a.Arena == nil {
			a.initErr = errors.New("unable to initialize arena")
			return
		}
		a.blocks = map[uintptr][]byte{}
	})
	return a.initErr
}

// write allocates size bytes and passes them to fill while the arena is
// writable. fill returns the part of the buffer it used, which is what
// write returns.
func (a *allocator) write(startSize, size int, fill func([]byte) ([]byte, error)) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(max(startSize, size)); err != nil {
		return nil, fmt.Errorf("error initializing allocator: %w", err)
	}

	if err := a.mprotect(mprotectRWX); err != nil {
		return nil, err
	}
	defer a.mprotect(mprotectRX)

	buf, err := malloc.MallocSlice[byte](a.Arena, size)
	if err != nil {
		return nil, err
	}

	code, err := fill(buf)
	if err != nil {
		malloc.FreeSlice(a.Arena, buf)
		return nil, err
	}
	cacheflush(code)

	a.blocks[uintptr(unsafe.Pointer(unsafe.SliceData(code)))] = buf
	return code, nil
}

// free releases the block starting at addr.
func (a *allocator) free(addr uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.blocks[addr]
	if !ok {
		return
	}
	delete(a.blocks, addr)

	if err := a.mprotect(mprotectRWX); err != nil {
		return
	}
	defer a.mprotect(mprotectRX)
	malloc.FreeSlice(a.Arena, buf)
}

// contains reports whether addr was handed out by the allocator.
func (a *allocator) contains(addr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.blocks[addr]
	return ok
}

var codeAllocator = &allocator{}

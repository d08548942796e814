//go:build linux && (amd64 || arm64)

package intercept

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"unsafe"
)

// textMu serializes writes to function entries. Targets on the same page
// would otherwise race on the page protection.
var textMu sync.Mutex

type nativePlatform struct {
	arenaSize int
}

// Native returns the platform for the running process.
func Native(cfg Config) Platform {
	return &nativePlatform{arenaSize: cfg.ArenaSize}
}

func (p *nativePlatform) LocateEntry(fn reflect.Value) (uintptr, error) {
	h, err := handleOf(fn)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnresolvableTarget, err)
	}

	// The detour replaces the context register, so a closure would lose
	// its captured variables.
	if readsContext(h.Name) {
		return 0, fmt.Errorf("%w: %s is a closure", ErrUnresolvableTarget, h)
	}

	code, ok := funcCode(h.PC)
	if !ok {
		return 0, fmt.Errorf("%w: %s is not in the function table", ErrUnresolvableTarget, h)
	}
	if len(code) < detourSize {
		return 0, fmt.Errorf("%w: %s is %d bytes, a detour needs %d", ErrUnresolvableTarget, h, len(code), detourSize)
	}
	if codeAllocator.contains(h.PC) {
		return 0, fmt.Errorf("%w: %s is a relocated original", ErrUnresolvableTarget, h)
	}

	return h.PC, nil
}

func (p *nativePlatform) ReadBytes(addr uintptr, n int) ([]byte, error) {
	return slices.Clone(unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)), nil
}

// WriteBytes is a plain copy. A thread executing the entry while it is
// written may see part of the detour.
func (p *nativePlatform) WriteBytes(addr uintptr, b []byte) error {
	textMu.Lock()
	defer textMu.Unlock()

	region := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(b))
	if err := mprotect(region, mprotectRWX); err != nil {
		return err
	}
	copy(region, b)
	cacheflush(region)
	return mprotect(region, mprotectRX)
}

func (p *nativePlatform) DetourSize() int {
	return detourSize
}

func (p *nativePlatform) Detour(from uintptr, to reflect.Value) ([]byte, error) {
	if to.Kind() != reflect.Func {
		return nil, fmt.Errorf("not a function, kind: %v", to.Kind())
	}
	if to.IsNil() {
		return nil, fmt.Errorf("nil function")
	}

	// A func value is a pointer to a closure whose first word is the code
	// address. The detour loads the closure into the context register and
	// jumps through it, the same as a closure call, so it works for
	// reflect.MakeFunc values.
	fn := to.Interface()
	closure := (*[2]unsafe.Pointer)(unsafe.Pointer(&fn))[1]

	return encodeDetour(from, uintptr(closure)), nil
}

func (p *nativePlatform) Disassemble(addr uintptr, original []byte) (Body, error) {
	code, ok := funcCode(addr)
	if !ok {
		return nil, fmt.Errorf("no function at 0x%x", addr)
	}
	buf := slices.Clone(code)
	copy(buf, original)
	return decodeBody(buf, addr)
}

// funcval is the layout of a Go closure with no captured variables.
type funcval struct {
	fn uintptr
}

func (p *nativePlatform) AllocateExecutable(body Body, typ reflect.Type) (reflect.Value, error) {
	if typ.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("not a function type: %v", typ)
	}

	code, err := codeAllocator.write(p.arenaSize, assembledSize(body), func(buf []byte) ([]byte, error) {
		return assemble(body, buf)
	})
	if err != nil {
		return reflect.Value{}, err
	}

	// Build a func value of type typ pointing at the new code.
	fv := &funcval{fn: uintptr(unsafe.Pointer(unsafe.SliceData(code)))}
	holder := new(*funcval)
	*holder = fv
	return reflect.NewAt(typ, unsafe.Pointer(holder)).Elem(), nil
}

func (p *nativePlatform) Release(fn reflect.Value) {
	if fn.Kind() != reflect.Func || fn.IsNil() {
		return
	}
	codeAllocator.free(fn.Pointer())
}

package intercept

import (
	"reflect"
	"slices"
)

// Platform supplies the machine-level operations the registry needs. Native
// returns the implementation for the running process.
type Platform interface {
	// LocateEntry returns the patchable entry address of fn. It fails
	// with ErrUnresolvableTarget if fn has none.
	LocateEntry(fn reflect.Value) (uintptr, error)

	// ReadBytes copies n bytes starting at addr.
	ReadBytes(addr uintptr, n int) ([]byte, error)

	// WriteBytes overwrites memory at addr with b. Ideally a concurrent
	// reader never sees b half written. The native platform copies the
	// bytes in place and does not guarantee this, so a target should not be
	// patched while other goroutines may be calling it.
	WriteBytes(addr uintptr, b []byte) error

	// DetourSize is the number of entry bytes a detour overwrites.
	DetourSize() int

	// Detour returns the encoded redirection from the entry at from to
	// the function to. The result is at most DetourSize bytes.
	Detour(from uintptr, to reflect.Value) ([]byte, error)

	// Disassemble returns the instructions of the function at addr. The
	// first len(original) bytes are taken from original rather than
	// memory, so a patched function disassembles as it was before the
	// detour was written.
	Disassemble(addr uintptr, original []byte) (Body, error)

	// AllocateExecutable assembles body into new executable memory and
	// returns it as a function of type typ.
	AllocateExecutable(body Body, typ reflect.Type) (reflect.Value, error)

	// Release frees memory returned by AllocateExecutable. fn must not be
	// running or called again.
	Release(fn reflect.Value)
}

// Snapshot holds a target's entry bytes as they were before the first
// detour was written.
type Snapshot struct {
	Addr     uintptr
	Original []byte
}

func takeSnapshot(p Platform, addr uintptr) (*Snapshot, error) {
	buf, err := p.ReadBytes(addr, p.DetourSize())
	if err != nil {
		return nil, err
	}
	return &Snapshot{Addr: addr, Original: slices.Clone(buf)}, nil
}

func (s *Snapshot) restore(p Platform) error {
	return p.WriteBytes(s.Addr, s.Original)
}

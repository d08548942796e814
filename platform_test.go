package intercept

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/stretchr/testify/assert"
)

// fakePlatform keeps entry bytes in a map instead of patching real code.
// Disassembly yields a single instruction standing for the whole original;
// a body made of "ret N" instructions assembles to a function returning N.
type fakePlatform struct {
	mu sync.Mutex

	mem   map[uintptr][]byte
	funcs map[uintptr]reflect.Value

	reads     int
	writes    int
	detours   uint64
	allocated int
	released  int

	failLocate error
	failWrite  error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		mem:   map[uintptr][]byte{},
		funcs: map[uintptr]reflect.Value{},
	}
}

const fakeDetourSize = 12

// originalEntry is what the fake reports as the unpatched bytes of pc.
func originalEntry(pc uintptr) []byte {
	buf := make([]byte, fakeDetourSize)
	buf[0] = 0x55
	binary.LittleEndian.PutUint64(buf[1:], uint64(pc))
	buf[9], buf[10], buf[11] = 0x90, 0x90, 0xc3
	return buf
}

func (f *fakePlatform) LocateEntry(fn reflect.Value) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failLocate != nil {
		return 0, f.failLocate
	}
	pc := fn.Pointer()
	f.funcs[pc] = fn
	if f.mem[pc] == nil {
		f.mem[pc] = originalEntry(pc)
	}
	return pc, nil
}

func (f *fakePlatform) ReadBytes(addr uintptr, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++
	b, ok := f.mem[addr]
	if !ok || len(b) < n {
		return nil, fmt.Errorf("unmapped address 0x%x", addr)
	}
	return slices.Clone(b[:n]), nil
}

func (f *fakePlatform) WriteBytes(addr uintptr, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failWrite != nil {
		return f.failWrite
	}
	f.writes++
	copy(f.mem[addr], b)
	return nil
}

func (f *fakePlatform) DetourSize() int {
	return fakeDetourSize
}

func (f *fakePlatform) Detour(from uintptr, to reflect.Value) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// MOVQ $n, DX; JMP (DX), with a counter standing in for the closure
	f.detours++
	buf := make([]byte, fakeDetourSize)
	buf[0], buf[1] = 0x48, 0xba
	binary.LittleEndian.PutUint64(buf[2:], f.detours)
	buf[10], buf[11] = 0xff, 0x22
	return buf, nil
}

func (f *fakePlatform) Disassemble(addr uintptr, original []byte) (Body, error) {
	return Body{{PC: addr, Raw: slices.Clone(original), Text: "orig"}}, nil
}

func (f *fakePlatform) AllocateExecutable(body Body, typ reflect.Type) (reflect.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(body) == 1 && body[0].Text == "orig" {
		fn, ok := f.funcs[body[0].PC]
		if !ok {
			return reflect.Value{}, fmt.Errorf("no function at 0x%x", body[0].PC)
		}
		f.allocated++
		return fn, nil
	}

	if len(body) == 1 && body[0].Text == "wrongtype" {
		f.allocated++
		return reflect.ValueOf(func(string) {}), nil
	}

	last := body[len(body)-1].Text
	if n, ok := strings.CutPrefix(last, "ret "); ok {
		v, err := strconv.Atoi(n)
		if err != nil {
			return reflect.Value{}, err
		}
		f.allocated++
		return reflect.MakeFunc(typ, func([]reflect.Value) []reflect.Value {
			return []reflect.Value{reflect.ValueOf(v).Convert(typ.Out(0))}
		}), nil
	}

	return reflect.Value{}, errors.New("unassemblable body")
}

func (f *fakePlatform) Release(fn reflect.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

// entry returns the current bytes at fn's entry.
func (f *fakePlatform) entry(fn any) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	pc := reflect.ValueOf(fn).Pointer()
	if b, ok := f.mem[pc]; ok {
		return slices.Clone(b)
	}
	return originalEntry(pc)
}

func newTestRegistry(t *testing.T) (*Registry, *fakePlatform, *memory.Handler) {
	t.Helper()

	p := newFakePlatform()
	logs := memory.New()
	r := NewRegistry(p, WithLogger(&log.Logger{Handler: logs, Level: log.DebugLevel}))
	t.Cleanup(func() {
		assert.NoError(t, r.Close())
	})
	return r, p, logs
}

func reflectPC(fn any) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// routine returns the composed routine installed for fn, typed like fn.
func routine[T any](t *testing.T, r *Registry, fn T) T {
	t.Helper()

	v, ok := r.Routine(fn)
	if !ok {
		t.Fatalf("%T is not patched", fn)
	}
	return v.Interface().(T)
}

func TestTakeSnapshot(t *testing.T) {
	assert := assert.New(t)

	p := newFakePlatform()
	addr, err := p.LocateEntry(reflect.ValueOf(double))
	assert.NoError(err)

	snap, err := takeSnapshot(p, addr)
	assert.NoError(err)
	assert.Equal(originalEntry(addr), snap.Original)

	assert.NoError(p.WriteBytes(addr, make([]byte, fakeDetourSize)))
	assert.NotEqual(snap.Original, p.entry(double))

	assert.NoError(snap.restore(p))
	assert.Equal(snap.Original, p.entry(double))
}

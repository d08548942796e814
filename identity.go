package intercept

import (
	"fmt"
	"reflect"
	"regexp"
	"runtime"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultNameCacheSize = 1024

// Handle identifies a compiled Go function.
type Handle struct {
	// PC is the function's entry point.
	PC uintptr
	// Name is the runtime symbol name, which is what survives a trip
	// through serialization.
	Name string
}

func (h Handle) String() string {
	if h.Name != "" {
		return h.Name
	}
	return fmt.Sprintf("0x%x", h.PC)
}

// Entry points shared by every function reflect generates. A func with one
// of these has no identity of its own.
var sharedEntries = map[string]bool{
	"reflect.makeFuncStub":    true,
	"reflect.methodValueCall": true,
}

// contextFunc matches the symbols of closure literals, range-over-func
// bodies and method value wrappers. These may read their captured variables
// through the context register, and every instance of one shares a single
// entry point.
var contextFunc = regexp.MustCompile(`(\.func\d+(\.\d+)*|-range\d+(\.\d+)*|-fm)$`)

// readsContext reports whether the function named name may depend on its
// closure context.
func readsContext(name string) bool {
	return contextFunc.MatchString(name)
}

// symbolTable caches PC to name lookups. runtime.FuncForPC walks the pclntab
// on every call, and the registry asks for names on each install.
type symbolTable struct {
	names *lru.Cache[uintptr, string]
}

func newSymbolTable(size int) *symbolTable {
	if size <= 0 {
		size = defaultNameCacheSize
	}
	names, err := lru.New[uintptr, string](size)
	if err != nil {
		panic(err)
	}
	return &symbolTable{names: names}
}

func (s *symbolTable) name(pc uintptr) string {
	if name, ok := s.names.Get(pc); ok {
		return name
	}
	var name string
	if f := runtime.FuncForPC(pc); f != nil && f.Entry() == pc {
		name = f.Name()
	}
	s.names.Add(pc, name)
	return name
}

func (s *symbolTable) resize(size int) {
	if size > 0 {
		s.names.Resize(size)
	}
}

var symbols = newSymbolTable(defaultNameCacheSize)

// funcName returns the symbol name of the function starting at pc, or "" if
// pc is not the entry of a known function.
func funcName(pc uintptr) string {
	return symbols.name(pc)
}

// handleOf returns the identity of fn. It fails for values that aren't
// functions and for functions without an identity of their own.
func handleOf(fn reflect.Value) (Handle, error) {
	if fn.Kind() != reflect.Func {
		return Handle{}, fmt.Errorf("not a function, kind: %v", fn.Kind())
	}
	if fn.IsNil() {
		return Handle{}, fmt.Errorf("nil function")
	}

	pc := fn.Pointer()
	name := funcName(pc)
	if name == "" {
		return Handle{}, fmt.Errorf("no symbol at 0x%x", pc)
	}
	if sharedEntries[name] {
		return Handle{}, fmt.Errorf("%s is generated at runtime and has no stable identity", name)
	}

	return Handle{PC: pc, Name: name}, nil
}

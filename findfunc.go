//go:build linux && (amd64 || arm64)

package intercept

import "unsafe"

type funcInfo struct {
	*_func
	datap *moduledata
}

type _func struct {
	//sys.NotInHeap // Only in static data

	entryOff uint32 // start pc, as offset from moduledata.text/pcHeader.textStart
	nameOff  int32  // function name, as index into moduledata.funcnametab.

	args        int32  // in/out args size
	deferreturn uint32 // offset of start of a deferreturn call instruction from entry, if any.

	pcsp      uint32
	pcfile    uint32
	pcln      uint32
	npcdata   uint32
	cuOffset  uint32 // runtime.cutab offset of this function's CU
	startLine int32  // line number of start of function (func keyword/TEXT directive)
	funcID    uint8  // set for certain special runtime functions
	flag      uint8
	_         [1]byte // pad
	nfuncdata uint8   // must be last, must end on a uint32-aligned boundary
}

// moduledata mirrors the head of runtime.moduledata. Only the fields up to
// gofunc are declared; nothing past them is read.
type moduledata struct {
	pcHeader     unsafe.Pointer
	funcnametab  []byte
	cutab        []uint32
	filetab      []byte
	pctab        []byte
	pclntable    []byte
	ftab         []functab
	findfunctab  uintptr
	minpc, maxpc uintptr

	text, etext           uintptr
	noptrdata, enoptrdata uintptr
	data, edata           uintptr
	bss, ebss             uintptr
	noptrbss, enoptrbss   uintptr
	covctrs, ecovctrs     uintptr
	end, gcdata, gcbss    uintptr
	types, etypes         uintptr
	rodata                uintptr
	gofunc                uintptr // go.func.*
}

type functab struct {
	entryoff uint32 // relative to runtime.text
	funcoff  uint32
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) funcInfo

// funcCode returns the machine code of the function that starts at entry,
// including any padding up to the next function. It returns false if entry
// is not the start of a function in the module data.
func funcCode(entry uintptr) ([]byte, bool) {
	info := findfunc(entry)
	if info._func == nil || info.datap == nil {
		return nil, false
	}
	if info.datap.text+uintptr(info.entryOff) != entry {
		return nil, false
	}

	// The function ends where the closest function after it begins. ftab
	// is sorted, but scanning it all keeps this independent of that.
	funcOffset := uint32(entry - info.datap.text)
	length := uint32(info.datap.etext - entry)
	for _, ft := range info.datap.ftab {
		if ft.entryoff <= funcOffset {
			continue
		}
		if d := ft.entryoff - funcOffset; d < length {
			length = d
		}
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(entry)), int(length)), true
}

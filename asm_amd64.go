//go:build linux

package intercept

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"
)

const (
	opcodeCALLabs = 0xff // CALL abs32
	opcodeCALLrel = 0xe8 // CALL rel32
	opcodeINT3    = 0xcc
	opcodeJMP     = 0xe9 // JMP rel32
	opcodeJMPrel8 = 0xeb // JMP rel8

	opcodeMOV_imm_rm = 0xc7 // MOV imm, r/m
	opcodeMOV_imm_r  = 0xb8 // MOV imm64, r (register in the low 3 bits)

	regModeDirect = 3
	registerDX    = 2
	registerBP    = 5
)

// MOVQ $closure, DX (10 bytes) + JMP (DX) (2 bytes)
const detourSize = 12

// trampolineSize is the length of the code trampoline generates.
const trampolineSize = 14

// Keep the arena in the low 2GB so relocated code can reach the text
// segment with 32-bit displacements.
const mmapFlags = unix.MAP_32BIT

// encodeDetour returns the machine code for:
//
//	MOVQ $closure, DX
//	JMP (DX)
//
// DX is the closure context register, so this enters closure exactly as a
// call through a func value would.
func encodeDetour(_ uintptr, closure uintptr) []byte {
	buf := make([]byte, detourSize)
	buf[0] = byte(x86asm.PrefixREX) | byte(x86asm.PrefixREXW)
	buf[1] = opcodeMOV_imm_r + registerDX
	binary.LittleEndian.PutUint64(buf[2:], uint64(closure))
	buf[10] = opcodeCALLabs
	buf[11] = 4<<3 | registerDX // ModRM /4 is JMP r/m
	return buf
}

// decodeBody splits code into instructions. code is assumed to have been
// read from base.
func decodeBody(code []byte, base uintptr) (Body, error) {
	// Trim INT3 padding from the end
	end := len(code)
	for end > 0 && code[end-1] == opcodeINT3 {
		end--
	}
	code = code[:end]

	var body Body
	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return nil, fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		raw := make([]byte, instruction.Len)
		copy(raw, code[i:])
		body = append(body, Instruction{
			PC:   base + uintptr(i),
			Raw:  raw,
			Text: instruction.String(),
		})
		i += instruction.Len
	}
	return body, nil
}

// assembledSize is the most space assemble can need for body.
func assembledSize(body Body) int {
	size := body.Size()
	for _, inst := range body {
		if len(inst.Raw) > 0 && inst.Raw[0] == opcodeCALLrel {
			size += trampolineSize
		}
	}
	// Room to pad to 16 bytes
	return size + 0xf
}

// assemble writes body into dest, translating relative operands as it goes.
// Instructions keep their meaning relative to the PC they were read from;
// branches into the body itself follow the instruction they targeted to its
// new position.
//
// The data underlying dest is assumed to be the same address the code will
// execute from. The dest slice is returned after being resized.
func assemble(body Body, dest []byte) ([]byte, error) {
	destBase := uintptr(unsafe.Pointer(unsafe.SliceData(dest)))

	offsets := make([]int, len(body))
	moved := map[uintptr]int{}
	size := 0
	for i, inst := range body {
		offsets[i] = size
		if inst.PC != 0 {
			if _, dup := moved[inst.PC]; !dup {
				moved[inst.PC] = size
			}
		}
		size += len(inst.Raw)
	}
	if size > cap(dest) {
		return nil, fmt.Errorf("body is %d bytes, buffer holds %d", size, cap(dest))
	}
	dest = dest[:size]

	for n, inst := range body {
		i := offsets[n]
		copy(dest[i:], inst.Raw)

		instruction, err := x86asm.Decode(inst.Raw, 64)
		if err != nil {
			return nil, fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		if instruction.Len != len(inst.Raw) {
			return nil, fmt.Errorf("decode error at offset %d: %d bytes decode as a %d byte instruction", i, len(inst.Raw), instruction.Len)
		}
		if inst.PC == 0 {
			continue
		}

		srcAddr := inst.PC + uintptr(instruction.Len)
		destAddr := destBase + uintptr(i+instruction.Len)

		for _, arg := range instruction.Args {
			switch arg := arg.(type) {
			case x86asm.Rel:
				target := srcAddr + uintptr(int64(arg))
				if off, ok := moved[target]; ok {
					target = destBase + uintptr(off)
				}

				width := relWidth(instruction)
				rel := int64(target) - int64(destAddr)
				if fitsRel(rel, width) {
					putRel(dest[i+instruction.Len-width:], rel, width)
					continue
				}

				if instruction.Op != x86asm.CALL || width != 4 {
					return nil, fmt.Errorf("offset %d: %v target out of range", i, instruction.Op)
				}

				// The new address is too far to call directly
				if len(dest)+trampolineSize > cap(dest) {
					return nil, fmt.Errorf("offset %d: no room for call trampoline", i)
				}
				jumpBack := int32(i + instruction.Len - len(dest))
				ccBuf, err := trampoline(target, jumpBack)
				if err != nil {
					return nil, fmt.Errorf("unable to generate call code: %w", err)
				}
				jumpTo := int32(len(dest) - (i + instruction.Len))

				dest = append(dest, ccBuf...)

				dest[i] = opcodeJMP
				binary.LittleEndian.PutUint32(dest[i+1:], uint32(jumpTo))

			case x86asm.Mem:
				if arg.Base != x86asm.RIP {
					continue
				}

				target := srcAddr + uintptr(arg.Disp)
				if off, ok := moved[target]; ok {
					target = destBase + uintptr(off)
				}

				newDisp := int64(target) - int64(destAddr)
				if newDisp < math.MinInt32 || newDisp > math.MaxInt32 {
					return nil, fmt.Errorf("decode error at offset %d: unable to translate instruction relative address", i)
				}

				pos := dispOffset(inst.Raw, int32(arg.Disp))
				if pos < 0 {
					return nil, fmt.Errorf("decode error at offset %d: displacement not found", i)
				}
				binary.LittleEndian.PutUint32(dest[i+pos:], uint32(int32(newDisp)))
			}
		}
	}

	// Pad to 16-bytes
	for len(dest)&0xf != 0 && len(dest) < cap(dest) {
		dest = append(dest, opcodeINT3)
	}

	return dest, nil
}

// relWidth returns the size of a branch's relative operand.
func relWidth(inst x86asm.Inst) int {
	switch op := inst.Opcode >> 24; {
	case op == opcodeJMPrel8, op >= 0x70 && op <= 0x7f, op >= 0xe0 && op <= 0xe3:
		return 1
	}
	return 4
}

func fitsRel(rel int64, width int) bool {
	if width == 1 {
		return rel >= math.MinInt8 && rel <= math.MaxInt8
	}
	return rel >= math.MinInt32 && rel <= math.MaxInt32
}

// putRel writes rel into the last width bytes of an instruction.
func putRel(buf []byte, rel int64, width int) {
	if width == 1 {
		buf[0] = byte(int8(rel))
		return
	}
	binary.LittleEndian.PutUint32(buf, uint32(int32(rel)))
}

// dispOffset finds the 32-bit displacement disp in an encoded instruction.
// The displacement follows the opcode and ModRM bytes, so the search starts
// after them.
func dispOffset(raw []byte, disp int32) int {
	for i := 2; i+4 <= len(raw); i++ {
		if int32(binary.LittleEndian.Uint32(raw[i:])) == disp {
			return i
		}
	}
	return -1
}

// trampoline returns the x86-64 machine code equivalent of:
//
//	MOVQ <callDest>, BP
//	CALL BP
//	JMP <jumpBack+offset>
//
// jumpBack should be relative to the beginning of the block and will be
// adjusted for it's final address.
func trampoline(callDest uintptr, jumpBack int32) ([]byte, error) {
	if callDest > math.MaxUint32 {
		return nil, errors.New("64-bit call is not implemented")
	}

	buf := make([]byte, trampolineSize)
	i := 0

	// MOVQ <callDest> BP
	buf[i] = byte(x86asm.PrefixREX) | byte(x86asm.PrefixREXW)
	i++
	buf[i] = opcodeMOV_imm_rm
	i++
	buf[i] = regModeDirect<<6 | registerBP
	i++

	binary.LittleEndian.PutUint32(buf[i:], uint32(callDest))
	i += 4

	// CALL BP
	buf[i] = opcodeCALLabs
	i++
	buf[i] = regModeDirect<<6 | 2<<3 | registerBP
	i++

	// JMP <jumpBack>
	buf[i] = opcodeJMP
	i++
	binary.LittleEndian.PutUint32(buf[i:], uint32(jumpBack-int32(i)-4))

	return buf, nil
}

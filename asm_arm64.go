//go:build linux

package intercept

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	// LDR X26, #12 (load the literal 12 bytes ahead)
	_LDR_X26_literal = uint32(0x58000000 | 3<<5 | 26)
	// LDR X27, [X26]
	_LDR_X27_X26 = uint32(0xf9400000 | 26<<5 | 27)
	// BR X27
	_BR_X27 = uint32(0xd61f0000 | 27<<5)
)

// Three instructions and the 8-byte closure address they load.
const detourSize = 20

// The arena can't be placed near the text segment portably, so relocation
// fails when a branch can't reach its target.
const mmapFlags = 0

// encodeDetour returns the machine code for:
//
//	LDR X26, closure
//	LDR X27, [X26]
//	BR X27
//	closure: .quad <closure>
//
// X26 is the closure context register, so this enters closure exactly as a
// call through a func value would.
func encodeDetour(_ uintptr, closure uintptr) []byte {
	buf := make([]byte, detourSize)
	binary.LittleEndian.PutUint32(buf[0:], _LDR_X26_literal)
	binary.LittleEndian.PutUint32(buf[4:], _LDR_X27_X26)
	binary.LittleEndian.PutUint32(buf[8:], _BR_X27)
	binary.LittleEndian.PutUint64(buf[12:], uint64(closure))
	return buf
}

// decodeBody splits code into instructions. code is assumed to have been
// read from base.
func decodeBody(code []byte, base uintptr) (Body, error) {
	var body Body
	for i := 0; i+4 <= len(code); i += 4 {
		raw := code[i : i+4]
		instruction, err := arm64asm.Decode(raw)
		if err != nil {
			// Stop if the bad instruction was padding
			if bytes.Equal(raw, []byte{0, 0, 0, 0}) {
				break
			}
			return nil, fmt.Errorf("decode error at offset %d %v: %w", i, raw, err)
		}
		body = append(body, Instruction{
			PC:   base + uintptr(i),
			Raw:  bytes.Clone(raw),
			Text: instruction.String(),
		})
	}
	return body, nil
}

func assembledSize(body Body) int {
	return body.Size()
}

// pcrelClass identifies how a PC-relative offset is encoded.
type pcrelClass int

const (
	pcrelNone  pcrelClass = iota
	pcrelImm26            // B, BL
	pcrelImm19            // B.cond, CBZ, CBNZ, LDR (literal)
	pcrelImm14            // TBZ, TBNZ
	pcrelADR
	pcrelADRP
)

func classify(word uint32) pcrelClass {
	switch {
	case word&0x7c000000 == 0x14000000:
		return pcrelImm26
	case word&0xff000010 == 0x54000000,
		word&0x7e000000 == 0x34000000,
		word&0x3b000000 == 0x18000000:
		return pcrelImm19
	case word&0x7e000000 == 0x36000000:
		return pcrelImm14
	case word&0x9f000000 == 0x10000000:
		return pcrelADR
	case word&0x9f000000 == 0x90000000:
		return pcrelADRP
	}
	return pcrelNone
}

func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}

// pcrelOffset returns the offset encoded in word. ADRP offsets are in pages.
func pcrelOffset(word uint32, class pcrelClass) int64 {
	switch class {
	case pcrelImm26:
		return signExtend(word&(1<<26-1), 26) * 4
	case pcrelImm19:
		return signExtend(word>>5&(1<<19-1), 19) * 4
	case pcrelImm14:
		return signExtend(word>>5&(1<<14-1), 14) * 4
	case pcrelADR, pcrelADRP:
		imm := (word>>5&(1<<19-1))<<2 | word>>29&3
		return signExtend(imm, 21)
	}
	return 0
}

// setPCRelOffset returns word with its offset replaced.
func setPCRelOffset(word uint32, class pcrelClass, offset int64) (uint32, error) {
	inRange := func(v int64, bits uint) bool {
		return v >= -(1<<(bits-1)) && v < 1<<(bits-1)
	}

	switch class {
	case pcrelImm26:
		if !inRange(offset>>2, 26) {
			return 0, fmt.Errorf("branch target out of range: %d bytes exceeds 128MiB", offset)
		}
		return word&^(1<<26-1) | uint32(offset>>2)&(1<<26-1), nil
	case pcrelImm19:
		if !inRange(offset>>2, 19) {
			return 0, fmt.Errorf("target out of range: %d bytes exceeds 1MiB", offset)
		}
		return word&^((1<<19-1)<<5) | (uint32(offset>>2)&(1<<19-1))<<5, nil
	case pcrelImm14:
		if !inRange(offset>>2, 14) {
			return 0, fmt.Errorf("test branch target out of range: %d bytes exceeds 32KiB", offset)
		}
		return word&^((1<<14-1)<<5) | (uint32(offset>>2)&(1<<14-1))<<5, nil
	case pcrelADR, pcrelADRP:
		if !inRange(offset, 21) {
			return 0, fmt.Errorf("ADR/ADRP target out of range: %d", offset)
		}
		imm := uint32(offset) & (1<<21 - 1)
		word &^= 3<<29 | (1<<19-1)<<5
		return word | (imm&3)<<29 | (imm>>2)<<5, nil
	}
	return word, nil
}

// assemble writes body into dest translating PC-relative instructions as it
// goes. Branches into the body itself follow the instruction they targeted
// to its new position.
//
// The data underlying dest is assumed to be the same address the code will
// execute from.
func assemble(body Body, dest []byte) ([]byte, error) {
	destBase := uintptr(unsafe.Pointer(unsafe.SliceData(dest)))

	moved := map[uintptr]int{}
	for n, inst := range body {
		if len(inst.Raw) != 4 {
			return nil, fmt.Errorf("instruction %d is %d bytes, expected 4", n, len(inst.Raw))
		}
		if inst.PC != 0 {
			if _, dup := moved[inst.PC]; !dup {
				moved[inst.PC] = n * 4
			}
		}
	}
	size := len(body) * 4
	if size > cap(dest) {
		return nil, fmt.Errorf("body is %d bytes, buffer holds %d", size, cap(dest))
	}
	dest = dest[:size]

	for n, inst := range body {
		i := n * 4
		copy(dest[i:], inst.Raw)

		if _, err := arm64asm.Decode(inst.Raw); err != nil {
			return nil, fmt.Errorf("decode error at offset %d %v: %w", i, inst.Raw, err)
		}
		if inst.PC == 0 {
			continue
		}

		word := binary.LittleEndian.Uint32(inst.Raw)
		class := classify(word)
		if class == pcrelNone {
			continue
		}

		srcPC := inst.PC
		destPC := destBase + uintptr(i)
		oldOffset := pcrelOffset(word, class)

		var newOffset int64
		if class == pcrelADRP {
			// Page-align both addresses before computing the offset
			target := int64(srcPC&^uintptr(0xfff)) + oldOffset<<12
			newOffset = (target - int64(destPC&^uintptr(0xfff))) >> 12
		} else {
			target := srcPC + uintptr(oldOffset)
			if off, ok := moved[target]; ok {
				target = destBase + uintptr(off)
			}
			newOffset = int64(target) - int64(destPC)
		}

		word, err := setPCRelOffset(word, class, newOffset)
		if err != nil {
			return nil, fmt.Errorf("offset %d: %w", i, err)
		}
		binary.LittleEndian.PutUint32(dest[i:], word)
	}

	return dest, nil
}

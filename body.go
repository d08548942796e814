package intercept

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
)

// Instruction is one machine instruction of a function body.
type Instruction struct {
	// PC is the address the instruction was read from. Instructions
	// inserted by a rewrite have a zero PC; their relative operands are
	// taken as-is.
	PC uintptr
	// Raw holds the encoded instruction.
	Raw []byte
	// Text is a disassembly of Raw. It is informational and is not used
	// to assemble the body.
	Text string
}

// Body is the instruction sequence of a function.
type Body []Instruction

// Clone returns a deep copy of b.
func (b Body) Clone() Body {
	c := make(Body, len(b))
	for i, inst := range b {
		inst.Raw = slices.Clone(inst.Raw)
		c[i] = inst
	}
	return c
}

// Size returns the encoded length of b in bytes.
func (b Body) Size() int {
	n := 0
	for _, inst := range b {
		n += len(inst.Raw)
	}
	return n
}

// Bytes returns the concatenated encoding of b.
func (b Body) Bytes() []byte {
	buf := make([]byte, 0, b.Size())
	for _, inst := range b {
		buf = append(buf, inst.Raw...)
	}
	return buf
}

// Index returns the index of the first instruction for which match returns
// true, or -1.
func (b Body) Index(match func(Instruction) bool) int {
	return slices.IndexFunc(b, match)
}

// Validate checks the structure of b. Whether the instructions themselves
// are valid is up to the platform that assembles them.
func (b Body) Validate() error {
	if len(b) == 0 {
		return errors.New("empty body")
	}
	for i, inst := range b {
		if len(inst.Raw) == 0 {
			return fmt.Errorf("instruction %d is empty", i)
		}
	}
	return nil
}

func (b Body) String() string {
	var buf bytes.Buffer
	for _, inst := range b {
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", inst.PC, hex.EncodeToString(inst.Raw), inst.Text)
	}
	return buf.String()
}

//go:build linux

package intercept

import (
	"encoding/binary"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func word(w uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, w)
}

func TestEncodeDetour(t *testing.T) {
	buf := encodeDetour(0, 0x1122334455667788)
	assert.Equal(t, []byte{
		0x7a, 0x00, 0x00, 0x58, // LDR X26, .+12
		0x5b, 0x03, 0x40, 0xf9, // LDR X27, [X26]
		0x60, 0x03, 0x1f, 0xd6, // BR X27
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
	}, buf)

	body, err := decodeBody(buf[:12], 0x1000)
	require.NoError(t, err)
	require.Len(t, body, 3)
	assert.Contains(t, strings.ToUpper(body[0].Text), "LDR")
	assert.Contains(t, strings.ToUpper(body[1].Text), "LDR")
	assert.Contains(t, strings.ToUpper(body[2].Text), "BR")
	assert.Equal(t, uintptr(0x1008), body[2].PC)
}

func TestAssemble(t *testing.T) {
	dest := make([]byte, 0, 64)
	destBase := uintptr(unsafe.Pointer(unsafe.SliceData(dest[:1])))
	src := destBase + 0x1000

	body := Body{
		{PC: src, Raw: word(0x14000002)},      // B .+8 (to the ADRP)
		{PC: src + 4, Raw: word(0x58000200)},  // LDR X0, .+0x40
		{PC: src + 8, Raw: word(0xb0000001)},  // ADRP X1, .+1 page
		{PC: src + 12, Raw: word(0xd65f03c0)}, // RET
	}

	out, err := assemble(body, dest)
	require.NoError(t, err)
	require.Len(t, out, 16)

	words := make([]uint32, 4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(out[i*4:])
	}

	// The branch targets an instruction that moved with it
	assert.Equal(t, uint32(0x14000002), words[0])
	// The literal load still reaches src+4+0x40
	assert.Equal(t, int64(0x1040), pcrelOffset(words[1], pcrelImm19))
	assert.Equal(t, uint32(0x58008200), words[1])
	// The page address is still the page after src's
	assert.Equal(t, int64(2), pcrelOffset(words[2], pcrelADRP))
	assert.Equal(t, uint32(0xd0000001), words[2])
	assert.Equal(t, uint32(0xd65f03c0), words[3])
}

func TestAssemble_OutOfRange(t *testing.T) {
	dest := make([]byte, 0, 16)
	destBase := uintptr(unsafe.Pointer(unsafe.SliceData(dest[:1])))

	// B.EQ .+8 from 4MiB away can't be encoded in 19 bits
	body := Body{{PC: destBase + 4<<20, Raw: word(0x54000040)}}
	_, err := assemble(body, dest)
	assert.Error(t, err)

	_, err = assemble(Body{{Raw: []byte{0x1f, 0x20}}}, dest)
	assert.Error(t, err)
}

func TestPCRelOffset(t *testing.T) {
	tests := map[string]struct {
		word   uint32
		class  pcrelClass
		offset int64
	}{
		"B":     {0x17fffffe, pcrelImm26, -8},
		"BL":    {0x94000010, pcrelImm26, 64},
		"CBZ":   {0xb4000080, pcrelImm19, 16},
		"TBZ":   {0x36000060, pcrelImm14, 12},
		"ADR":   {0x30000000, pcrelADR, 1},
		"ADRP":  {0xb0000001, pcrelADRP, 1},
		"plain": {0xd65f03c0, pcrelNone, 0},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			class := classify(tc.word)
			assert.Equal(t, tc.class, class)
			assert.Equal(t, tc.offset, pcrelOffset(tc.word, class))

			w, err := setPCRelOffset(tc.word, class, tc.offset)
			require.NoError(t, err)
			assert.Equal(t, tc.word, w)
		})
	}
}

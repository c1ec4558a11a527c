package amd64

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/chazu/nativetrap/framedesc"
	"github.com/chazu/nativetrap/trap"
)

// Inline allocation with a guard-zone probe:
//
//	49 83 ef ib        sub $imm8, %r15     (header-inclusive bytes <= 127)
//	49 81 ef id        sub $imm32, %r15
//	4d 8b 1f           mov (%r15), %r11    faults when %r15 entered the guard zone
//
// The fault handler finds the subtraction immediately before the faulting
// probe and recovers the allocation size from its immediate.

const (
	rexWB   = 0x49 // REX.W + REX.B (r15 in r/m)
	rexWRB  = 0x4d // REX.W + REX.R + REX.B
	opSubI8 = 0x83
	opSubI  = 0x81
	modSubR = 0xef // mod=11, reg=/5 (sub), rm=r15
	opMov   = 0x8b
	modProb = 0x1f // mod=00, reg=r11, rm=r15
)

var probe = []byte{rexWRB, opMov, modProb}

// ProbeLen is the length of the guard probe instruction.
const ProbeLen = 3

// maxSeqLen is the length of the longest subtraction form.
const maxSeqLen = 7

// SubR15 encodes sub $n, %r15, choosing the imm8 form when n fits.
func SubR15(n int32) []byte {
	if n >= -128 && n <= 127 {
		return []byte{rexWB, opSubI8, modSubR, uint8(int8(n))}
	}
	out := []byte{rexWB, opSubI, modSubR, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(out[3:], uint32(n))
	return out
}

// EmitAllocCheck returns the inline allocation sequence for a block of
// words payload words: the pointer decrement followed by the guard probe.
func EmitAllocCheck(words int) ([]byte, error) {
	if words < 1 || words > framedesc.MaxAllocWords {
		return nil, fmt.Errorf("amd64: cannot emit inline allocation of %d words", words)
	}
	seq := SubR15(int32((words + 1) * trap.WordSize))
	return append(seq, probe...), nil
}

// DecodeAllocWords recovers the payload size from the bytes preceding a
// faulting probe. at must start with the probe itself.
func DecodeAllocWords(before, at []byte) (int, bool) {
	if len(at) < ProbeLen || !bytes.Equal(at[:ProbeLen], probe) {
		return 0, false
	}
	var n int64
	switch {
	case len(before) >= 7 && before[len(before)-7] == rexWB &&
		before[len(before)-6] == opSubI && before[len(before)-5] == modSubR &&
		validSize(int64(int32(binary.LittleEndian.Uint32(before[len(before)-4:])))):
		n = int64(int32(binary.LittleEndian.Uint32(before[len(before)-4:])))
	case len(before) >= 4 && before[len(before)-4] == rexWB &&
		before[len(before)-3] == opSubI8 && before[len(before)-2] == modSubR:
		n = int64(int8(before[len(before)-1]))
	default:
		return 0, false
	}
	if !validSize(n) {
		return 0, false
	}
	return int(n/trap.WordSize) - 1, true
}

func validSize(n int64) bool {
	if n <= 0 || n%trap.WordSize != 0 {
		return false
	}
	words := n/trap.WordSize - 1
	return words >= 1 && words <= framedesc.MaxAllocWords
}

// FastPath is the trap.FastPathDecoder for amd64.
type FastPath struct{}

var _ trap.FastPathDecoder = FastPath{}

func (FastPath) DecodeAllocWords(before, at []byte) (int, bool) { return DecodeAllocWords(before, at) }
func (FastPath) SequenceLen() int                                { return maxSeqLen }
func (FastPath) ProbeLen() int                                   { return ProbeLen }

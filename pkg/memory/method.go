package memory

import (
	"fmt"

	"github.com/kristofer/stvm/pkg/oop"
)

// CompiledMethodHeader is the decoded form of a CompiledMethod's slot-0
// header literal, a bit-packed SmallInteger (spec.md §3 "CompiledMethod").
type CompiledMethodHeader struct {
	NumArgs        uint8
	NumTemps       uint8 // includes args
	FrameIsLarge   bool  // true -> 56-word frame, false -> 16-word frame
	HasPrimitive   bool
	NumLiterals    uint16
}

// DecodeCompiledMethodHeader unpacks the bit-packed header word described
// in spec.md §3: "number of args (bits 24-27), number of temps including
// args (bits 18-23), frame size flag (bit 17), primitive-presence flag
// (bit 16), literal count (bits 0-14)".
func DecodeCompiledMethodHeader(word int64) CompiledMethodHeader {
	w := uint64(word)
	return CompiledMethodHeader{
		NumArgs:      uint8((w >> 24) & 0xF),
		NumTemps:     uint8((w >> 18) & 0x3F),
		FrameIsLarge: w&(1<<17) != 0,
		HasPrimitive: w&(1<<16) != 0,
		NumLiterals:  uint16(w & 0x7FFF),
	}
}

// FrameSize returns the fixed operand-stack/temp frame size implied by the
// header's frame-size flag (spec.md §3: "16 or 56").
func (h CompiledMethodHeader) FrameSize() int {
	if h.FrameIsLarge {
		return 56
	}
	return 16
}

// Method is a decoded view over a CompiledMethod heap object: its header
// word, literal pointers, and bytecode bytes (spec.md §3/§4.2).
type Method struct {
	Object
	Header   CompiledMethodHeader
	Literals []oop.OOP // slots 1..NumLiterals (slot 0 is the header word)
	Bytecode []byte
}

// DecodeMethod reads a CompiledMethod object's header, literal pointers,
// and bytecode, per spec.md §3: "Literals follow; bytecode follows
// literals; a trailer byte at the end encodes an optional source pointer.
// initial_pc = (num_literals + 1) * 8".
func (m *Memory) DecodeMethod(obj Object) (*Method, error) {
	if !IsCompiledMethodFormat(obj.hdr.Format) {
		return nil, fmt.Errorf("memory: object at %#x is not a CompiledMethod (format %d)", obj.addr, obj.hdr.Format)
	}
	headerWordObj, err := m.Slot(obj, 0)
	if err != nil {
		return nil, fmt.Errorf("memory: CompiledMethod header literal: %w", err)
	}
	if headerWordObj.Kind != KindSmallInteger {
		return nil, fmt.Errorf("memory: CompiledMethod header literal is not a SmallInteger")
	}
	hdr := DecodeCompiledMethodHeader(headerWordObj.SmallIntegerValue())

	literals := make([]oop.OOP, hdr.NumLiterals)
	for i := uint16(0); i < hdr.NumLiterals; i++ {
		lit, err := m.Slot(obj, uint64(i)+1)
		if err != nil {
			return nil, fmt.Errorf("memory: CompiledMethod literal %d: %w", i, err)
		}
		literals[i] = lit.OOP
	}

	initialPC := uint64(hdr.NumLiterals+1) * 8
	totalPayload := obj.byteLength()
	if totalPayload < initialPC+1 {
		return nil, fmt.Errorf("memory: CompiledMethod has no room for bytecode+trailer")
	}
	bytecodeLen := totalPayload - initialPC - 1 // everything past the literals, minus the trailer
	bytecode, err := m.Bytes(obj.addr+HeaderSize+initialPC, int(bytecodeLen))
	if err != nil {
		return nil, fmt.Errorf("memory: CompiledMethod bytecode: %w", err)
	}

	return &Method{Object: obj, Header: hdr, Literals: literals, Bytecode: bytecode}, nil
}

// InitialPC is the byte offset of the first bytecode in the method, past
// the header literal and the other literals.
func (meth *Method) InitialPC() uint64 {
	return uint64(meth.Header.NumLiterals+1) * 8
}

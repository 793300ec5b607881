// Package memory implements the Spur object memory: header decoding, slot
// and indexable-element access, class-table navigation, and bump
// allocation, all as described in spec.md §3 and §4.1.
//
// Memory holds three kinds of bytes:
//
//  1. The image's object space (read from pkg/image, immortal — the core
//     never frees anything).
//  2. A young region appended after the image's object space, into which
//     new objects are bump-allocated (spec.md §3 Lifecycle).
//  3. Nothing else: there is no GC, no compaction, no free lists. Once the
//     young region is exhausted, Allocate returns an error.
//
// Every reference into either region is an oop.OOP; Memory.ObjectAt is the
// single entry point that turns a tagged reference into a concrete Object
// value, dispatching on the tag exactly as spec.md §4.1 describes.
package memory

import (
	"encoding/binary"
	"fmt"

	"github.com/kristofer/stvm/pkg/oop"
)

// Memory is the VM's single object-memory owner: the image bytes, the
// young region, the class table, and the small-integer/character
// interning caches all live here so they can be threaded through the
// interpreter as one value (see spec.md §9, "Global mutable singletons").
type Memory struct {
	base uint64 // Header.OldBaseAddress: address of ObjectSpace[0]
	// objectSpace holds the image's immortal object bytes followed by the
	// young region; address base+i maps to objectSpace[i].
	objectSpace []byte
	youngStart  uint64 // first address available for allocation
	youngEnd    uint64 // one past the last address Memory will ever hand out

	classTable *ClassTable

	smallIntCache [510]oop.OOP // interned -255..254, index = v+255
	charCache     map[rune]oop.OOP
}

// Config bounds the young region Memory will bump-allocate into.
type Config struct {
	Base        uint64
	ObjectSpace []byte
	// YoungBytes is how much room to reserve after ObjectSpace for new
	// allocations (spec.md §4.1 Inputs: "a young-object region large
	// enough for anticipated allocations").
	YoungBytes uint64
}

// New constructs a Memory over a loaded object space plus a fresh young
// region, and pre-interns the small-integer cache described in spec.md
// §4.1 ("For performance the memory pre-interns the immediates -255..+254
// so equality-by-reference is valid for common integer literals").
func New(cfg Config) *Memory {
	grown := make([]byte, len(cfg.ObjectSpace)+int(cfg.YoungBytes))
	copy(grown, cfg.ObjectSpace)

	m := &Memory{
		base:        cfg.Base,
		objectSpace: grown,
		youngStart:  cfg.Base + uint64(len(cfg.ObjectSpace)),
		youngEnd:    cfg.Base + uint64(len(grown)),
		classTable:  NewClassTable(),
		charCache:   make(map[rune]oop.OOP),
	}
	for v := -255; v <= 254; v++ {
		m.smallIntCache[v+255] = oop.EncodeSmallInteger(int64(v))
	}
	return m
}

// ClassTable exposes the two-level class table for bootstrap population
// and lookup (spec.md §3 "Classes & the class table").
func (m *Memory) ClassTable() *ClassTable { return m.classTable }

// Bytes returns n bytes starting at absolute address addr, spanning either
// the image's object space or the young region transparently.
func (m *Memory) Bytes(addr uint64, n int) ([]byte, error) {
	if addr < m.base {
		return nil, fmt.Errorf("memory: address %#x below base %#x", addr, m.base)
	}
	offset := addr - m.base
	end := offset + uint64(n)
	if end > uint64(len(m.objectSpace)) {
		return nil, fmt.Errorf("memory: read of %d bytes at %#x out of range", n, addr)
	}
	return m.objectSpace[offset:end], nil
}

// PutBytes writes data at absolute address addr.
func (m *Memory) PutBytes(addr uint64, data []byte) error {
	if addr < m.base {
		return fmt.Errorf("memory: address %#x below base %#x", addr, m.base)
	}
	offset := addr - m.base
	end := offset + uint64(len(data))
	if end > uint64(len(m.objectSpace)) {
		return fmt.Errorf("memory: write of %d bytes at %#x out of range", len(data), addr)
	}
	copy(m.objectSpace[offset:end], data)
	return nil
}

// HeaderAt decodes the header at a heap address, resolving the overflow
// word first if the inline slot-count field reads 255 (spec.md §3).
func (m *Memory) HeaderAt(addr uint64) (hdr Header, trueSlotCount uint64, err error) {
	raw, err := m.Bytes(addr, HeaderSize)
	if err != nil {
		return Header{}, 0, err
	}
	hdr = DecodeHeader(raw)
	if hdr.SlotCount != 255 {
		return hdr, uint64(hdr.SlotCount), nil
	}
	overflow, err := m.Bytes(addr-OverflowHeaderSize, OverflowHeaderSize)
	if err != nil {
		return Header{}, 0, fmt.Errorf("memory: overflow header at %#x: %w", addr, err)
	}
	return hdr, binary.LittleEndian.Uint64(overflow), nil
}

// Kind identifies which of the four oop.OOP families an Object belongs to.
type Kind int

const (
	KindPointer Kind = iota
	KindSmallInteger
	KindCharacter
	KindSmallFloat
)

// Object is the uniform value spec.md §4.1's object_at returns: a tagged
// reference together with enough decoded state to act on it without
// redoing the tag dispatch at every call site.
type Object struct {
	Kind      Kind
	OOP       oop.OOP
	mem       *Memory
	addr      uint64 // valid when Kind == KindPointer
	hdr       Header
	slotCount uint64
}

// ObjectAt resolves a tagged reference to a concrete Object, per spec.md
// §4.1: inspect the tag, and for heap pointers decode the header. Repeated
// calls with the same oop produce logically identical Objects (idempotent,
// as the invariant requires), since all state besides the oop itself is
// re-derived from the same immutable or singly-owned bytes each time.
func (m *Memory) ObjectAt(o oop.OOP) (Object, error) {
	switch o.Tag() {
	case oop.TagSmallInt:
		return Object{Kind: KindSmallInteger, OOP: o}, nil
	case oop.TagCharacter:
		return Object{Kind: KindCharacter, OOP: o}, nil
	case oop.TagSmallFloat:
		return Object{Kind: KindSmallFloat, OOP: o}, nil
	case oop.TagPointer:
		addr := o.Address()
		hdr, slotCount, err := m.HeaderAt(addr)
		if err != nil {
			return Object{}, err
		}
		return Object{Kind: KindPointer, OOP: o, mem: m, addr: addr, hdr: hdr, slotCount: slotCount}, nil
	default:
		return Object{}, fmt.Errorf("memory: reserved tag %#x in oop %#x", o.Tag(), uint64(o))
	}
}

// IsNil reports whether o is the distinguished nil object (index 0 of the
// special-objects array, conventionally at the image's reserved nil slot).
func (m *Memory) IsNil(o oop.OOP) bool {
	return o == m.classTable.NilOOP
}

// ClassIndex returns the header's class-index field. Valid only for
// pointer objects.
func (obj Object) ClassIndex() uint32 { return obj.hdr.ClassIndex }

// Format returns the header's object-format code. Valid only for pointer
// objects.
func (obj Object) Format() uint8 { return obj.hdr.Format }

// SlotCount returns the number of 8-byte slots in the object, resolving
// the overflow header transparently.
func (obj Object) SlotCount() uint64 { return obj.slotCount }

// Address returns the heap address of a pointer object.
func (obj Object) Address() uint64 { return obj.addr }

// SmallIntegerValue decodes a KindSmallInteger object.
func (obj Object) SmallIntegerValue() int64 { return oop.DecodeSmallInteger(obj.OOP) }

// CharacterValue decodes a KindCharacter object.
func (obj Object) CharacterValue() rune { return oop.DecodeCharacter(obj.OOP) }

// SmallFloatValue decodes a KindSmallFloat object.
func (obj Object) SmallFloatValue() float64 { return oop.DecodeSmallFloat(obj.OOP) }

// ClassOf resolves an object's class by looking up its class-index in the
// class table (pointer objects), or the well-known immediate classes
// (spec.md §4.1 "Class resolution").
func (m *Memory) ClassOf(obj Object) (Object, error) {
	var idx uint32
	switch obj.Kind {
	case KindSmallInteger:
		idx = ClassIndexSmallInteger
	case KindCharacter:
		idx = ClassIndexCharacter
	case KindSmallFloat:
		idx = ClassIndexSmallFloat
	case KindPointer:
		idx = obj.hdr.ClassIndex
	}
	classOOP, err := m.classTable.Slot(idx)
	if err != nil {
		return Object{}, err
	}
	return m.ObjectAt(classOOP)
}

// Slot reads pointer slot i of a pointer-format object and resolves it to
// an Object (spec.md §4.1 slot()). i is 0-based across the object's full
// slot range (instance variables followed by any indexed pointers).
func (m *Memory) Slot(obj Object, i uint64) (Object, error) {
	if obj.Kind != KindPointer {
		return Object{}, fmt.Errorf("memory: Slot on non-pointer object")
	}
	// CompiledMethods are format 24-31 (binary bytecode payload), but their
	// header-word-and-literals prefix is genuine pointer slots (spec.md
	// §3: "Literals follow" the header literal) — callers are expected to
	// only index within that prefix, same as DecodeMethod does.
	if !IsPointerFormat(obj.hdr.Format) && !IsCompiledMethodFormat(obj.hdr.Format) {
		return Object{}, fmt.Errorf("memory: Slot on non-pointer format %d", obj.hdr.Format)
	}
	if i >= obj.slotCount {
		return Object{}, fmt.Errorf("memory: slot index %d out of range (count %d)", i, obj.slotCount)
	}
	raw, err := m.Bytes(obj.addr+HeaderSize+i*8, 8)
	if err != nil {
		return Object{}, err
	}
	return m.ObjectAt(oop.OOP(binary.LittleEndian.Uint64(raw)))
}

// SlotPut writes pointer slot i of obj to value. Fails if i is out of
// range, per spec.md §4.1.
func (m *Memory) SlotPut(obj Object, i uint64, value oop.OOP) error {
	if obj.Kind != KindPointer || (!IsPointerFormat(obj.hdr.Format) && !IsCompiledMethodFormat(obj.hdr.Format)) {
		return fmt.Errorf("memory: SlotPut on non-pointer object/format")
	}
	if i >= obj.slotCount {
		return fmt.Errorf("memory: slot index %d out of range (count %d)", i, obj.slotCount)
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(value))
	return m.PutBytes(obj.addr+HeaderSize+i*8, buf)
}

// byteLength returns the number of indexable payload bytes for a binary
// format object (formats 9-31), accounting for the trailing-unused bits
// packed into the low format bits (spec.md §3).
func (obj Object) byteLength() uint64 {
	// obj.slotCount is always in 8-byte-word units, regardless of the
	// indexed element size the format code implies.
	totalBytes := obj.slotCount * 8
	if IsCompiledMethodFormat(obj.hdr.Format) {
		// Low format bits encode trailing unused *bytes* directly.
		return totalBytes - uint64(TrailingUnused(obj.hdr.Format))
	}
	elemSize := uint64(ElementSize(obj.hdr.Format))
	unused := uint64(TrailingUnused(obj.hdr.Format)) * elemSize
	return totalBytes - unused
}

// RawAt indexes into a binary-format object's byte payload at the element
// size implied by its format code, returning the raw element value widened
// to uint64 (spec.md §4.1 raw_at()).
func (m *Memory) RawAt(obj Object, i uint64) (uint64, error) {
	if obj.Kind != KindPointer {
		return 0, fmt.Errorf("memory: RawAt on non-pointer object")
	}
	elemSize := ElementSize(obj.hdr.Format)
	n := obj.byteLength() / uint64(elemSize)
	if i >= n {
		return 0, fmt.Errorf("memory: index %d out of range (%d elements)", i, n)
	}
	raw, err := m.Bytes(obj.addr+HeaderSize+i*uint64(elemSize), elemSize)
	if err != nil {
		return 0, err
	}
	switch elemSize {
	case 1:
		return uint64(raw[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(raw)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(raw)), nil
	default:
		return binary.LittleEndian.Uint64(raw), nil
	}
}

// RawAtPut writes a raw indexable element, per spec.md §4.1 raw_at_put().
func (m *Memory) RawAtPut(obj Object, i uint64, value uint64) error {
	if obj.Kind != KindPointer {
		return fmt.Errorf("memory: RawAtPut on non-pointer object")
	}
	elemSize := ElementSize(obj.hdr.Format)
	n := obj.byteLength() / uint64(elemSize)
	if i >= n {
		return fmt.Errorf("memory: index %d out of range (%d elements)", i, n)
	}
	buf := make([]byte, elemSize)
	switch elemSize {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	default:
		binary.LittleEndian.PutUint64(buf, value)
	}
	return m.PutBytes(obj.addr+HeaderSize+i*uint64(elemSize), buf)
}

// Bytes8 returns obj's indexable payload as a byte slice (8-bit formats
// 16-23), the common case for ByteString/ByteArray/ByteSymbol.
func (m *Memory) Bytes8(obj Object) ([]byte, error) {
	if obj.hdr.Format < Format8BitFirst || obj.hdr.Format > Format8BitLast {
		return nil, fmt.Errorf("memory: Bytes8 on non-8-bit format %d", obj.hdr.Format)
	}
	n := obj.byteLength()
	return m.Bytes(obj.addr+HeaderSize, int(n))
}

// extent returns the total byte size of obj, header included, rounded up
// to an 8-byte boundary, plus its overflow word if present (spec.md §4.1
// next_object()).
func (obj Object) extent() uint64 {
	var payload uint64
	if IsPointerFormat(obj.hdr.Format) {
		payload = obj.slotCount * 8
	} else {
		payload = obj.byteLength()
	}
	total := HeaderSize + payload
	// Round up to 8-byte alignment.
	total = (total + 7) &^ 7
	if obj.hdr.SlotCount == 255 {
		total += OverflowHeaderSize
	}
	return total
}

// NextObject returns the address of the object immediately following obj
// in heap order, for the linear heap walk of spec.md §4.1/§8 property 3.
func (m *Memory) NextObject(obj Object) uint64 {
	return obj.addr + obj.extent()
}

// HeapEnd returns the first address not occupied by any object: the
// current bump-allocation cursor.
func (m *Memory) HeapEnd() uint64 { return m.youngStart }

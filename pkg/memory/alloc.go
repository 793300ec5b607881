package memory

import (
	"encoding/binary"
	"fmt"

	"github.com/kristofer/stvm/pkg/oop"
)

// ClassShape describes the pieces of a class object Allocate needs: its
// class-table index (to stamp into new instances' headers), its declared
// instance format, and its fixed (named instance variable) slot count.
// pkg/interp derives this from a class's class-format word (spec.md §3,
// "slot 2 = class-format word").
type ClassShape struct {
	ClassIndex   uint32
	FixedSlots   int
	InstanceFormat uint8
}

// Allocate bump-allocates a new object of the given shape, per spec.md
// §4.1 allocate(): arraySize is how many indexed pointer/element slots to
// add past the class's fixed instance variables (for formats 2/3/4), and
// elementBytes is non-zero only for binary indexable formats where the
// caller wants a specific byte length rather than arraySize*elementSize
// (e.g. a ByteString of an odd length).
func (m *Memory) Allocate(shape ClassShape, arraySize int, elementBytes int) (Object, error) {
	format := shape.InstanceFormat
	var slotCount uint64
	var payloadBytes uint64
	var trailingUnused uint8

	switch {
	case format == FormatZeroSized:
		slotCount = 0
	case format == FormatFixedPointers:
		slotCount = uint64(shape.FixedSlots)
	case format == FormatVariablePointers:
		slotCount = uint64(arraySize)
	case format == FormatVariableWithInst || format == FormatWeakVariable:
		slotCount = uint64(shape.FixedSlots + arraySize)
	case format == Format64Bit:
		slotCount = uint64(arraySize)
		payloadBytes = slotCount * 8
	case format >= Format32BitFirst && format <= Format16BitLast || format >= Format8BitFirst && format <= Format8BitLast:
		// Binary indexable: derive format+trailing-unused from the
		// requested byte length so odd-sized strings/arrays still pack
		// into whole 8-byte slots.
		elemSize := ElementSize(baseFormatFor(format))
		n := elementBytes
		if n == 0 {
			n = arraySize * elemSize
		}
		words := (uint64(n) + 7) / 8
		slotCount = words
		payloadBytes = uint64(n)
		unusedBytes := words*8 - uint64(n)
		trailingUnused = uint8(unusedBytes / uint64(elemSize))
		format = baseFormatFor(format) + trailingUnused
	case IsCompiledMethodFormat(format):
		n := elementBytes
		words := (uint64(n) + 7) / 8
		slotCount = words
		payloadBytes = uint64(n)
		trailingUnused = uint8(words*8 - uint64(n))
		format = FormatCompiledMethodFirst + trailingUnused
	default:
		return Object{}, fmt.Errorf("memory: unknown instance format %d", format)
	}

	headerBytes := HeaderSize
	var overflow bool
	storedSlotCount := slotCount
	if slotCount >= 255 {
		overflow = true
		storedSlotCount = 255
		headerBytes += OverflowHeaderSize
	}

	var totalBody uint64
	if IsPointerFormat(shape.InstanceFormat) {
		totalBody = slotCount * 8
	} else {
		totalBody = (payloadBytes + 7) &^ 7
	}
	total := uint64(headerBytes) + totalBody

	addr, err := m.bumpAllocate(total)
	if err != nil {
		return Object{}, err
	}
	objAddr := addr
	if overflow {
		overflowBuf := make([]byte, OverflowHeaderSize)
		binary.LittleEndian.PutUint64(overflowBuf, slotCount)
		if err := m.PutBytes(addr, overflowBuf); err != nil {
			return Object{}, err
		}
		objAddr = addr + OverflowHeaderSize
	}

	hdr := Header{
		ClassIndex: shape.ClassIndex,
		Format:     format,
		SlotCount:  uint8(storedSlotCount),
	}
	if err := m.PutBytes(objAddr, hdr.Encode()); err != nil {
		return Object{}, err
	}

	// Pointer slots initialise to nil; binary payloads are already zero
	// (fresh young-region bytes), per spec.md §4.1.
	if IsPointerFormat(shape.InstanceFormat) {
		nilBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(nilBuf, uint64(m.classTable.NilOOP))
		for i := uint64(0); i < slotCount; i++ {
			if err := m.PutBytes(objAddr+uint64(HeaderSize)+i*8, nilBuf); err != nil {
				return Object{}, err
			}
		}
	}

	return m.ObjectAt(oop.FromAddress(objAddr))
}

// baseFormatFor strips the trailing-unused low bits from a binary format
// code, returning the family's canonical starting code (10, 12, or 16).
func baseFormatFor(format uint8) uint8 {
	switch {
	case format >= Format32BitFirst && format <= Format32BitLast:
		return Format32BitFirst
	case format >= Format16BitFirst && format <= Format16BitLast:
		return Format16BitFirst
	default:
		return Format8BitFirst
	}
}

// bumpAllocate reserves n bytes (rounded to an 8-byte boundary) from the
// young region and advances the cursor, per spec.md §3 Lifecycle: "New
// objects are bump-allocated ... into a pre-reserved young region."
func (m *Memory) bumpAllocate(n uint64) (uint64, error) {
	n = (n + 7) &^ 7
	addr := m.youngStart
	if addr+n > m.youngEnd {
		return 0, fmt.Errorf("memory: young region exhausted (need %d bytes, %d available)", n, m.youngEnd-addr)
	}
	m.youngStart += n
	return addr, nil
}

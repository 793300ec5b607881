package memory

import (
	"testing"

	"github.com/kristofer/stvm/pkg/oop"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m := New(Config{Base: 0x1000, ObjectSpace: nil, YoungBytes: 4096})
	nilObj, err := m.Allocate(ClassShape{ClassIndex: 1, InstanceFormat: FormatZeroSized}, 0, 0)
	if err != nil {
		t.Fatalf("allocate nil: %v", err)
	}
	m.classTable.NilOOP = nilObj.OOP
	return m
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		ClassIndex:   42,
		Mutability:   true,
		Format:       FormatFixedPointers,
		IdentityHash: 12345,
		SlotCount:    7,
	}
	got := DecodeHeader(h.Encode())
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestHeaderOverflowSlotCount(t *testing.T) {
	h := Header{ClassIndex: 7, Format: FormatVariablePointers, SlotCount: 255}
	if DecodeHeader(h.Encode()).SlotCount != 255 {
		t.Fatalf("expected overflow sentinel to round trip")
	}
}

func TestAllocateFixedPointerObject(t *testing.T) {
	m := newTestMemory(t)
	obj, err := m.Allocate(ClassShape{ClassIndex: ClassIndexContext, FixedSlots: 3, InstanceFormat: FormatFixedPointers}, 0, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if obj.SlotCount() != 3 {
		t.Fatalf("slot count = %d, want 3", obj.SlotCount())
	}
	for i := uint64(0); i < 3; i++ {
		slot, err := m.Slot(obj, i)
		if err != nil {
			t.Fatalf("slot %d: %v", i, err)
		}
		if slot.OOP != m.classTable.NilOOP {
			t.Fatalf("expected slot %d to init to nil", i)
		}
	}
	fortyTwo := oop.EncodeSmallInteger(42)
	if err := m.SlotPut(obj, 1, fortyTwo); err != nil {
		t.Fatalf("slot put: %v", err)
	}
	slot, err := m.Slot(obj, 1)
	if err != nil {
		t.Fatalf("slot reread: %v", err)
	}
	if slot.OOP != fortyTwo {
		t.Fatalf("slot 1 = %v, want %v", slot.OOP, fortyTwo)
	}
}

func TestSlotPutOutOfRangeFails(t *testing.T) {
	m := newTestMemory(t)
	obj, err := m.Allocate(ClassShape{ClassIndex: ClassIndexContext, FixedSlots: 2, InstanceFormat: FormatFixedPointers}, 0, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := m.SlotPut(obj, 5, oop.EncodeSmallInteger(1)); err == nil {
		t.Fatalf("expected out-of-range slot write to fail")
	}
}

func TestAllocateByteStringPacksOddLength(t *testing.T) {
	m := newTestMemory(t)
	obj, err := m.Allocate(ClassShape{ClassIndex: ClassIndexByteString, InstanceFormat: Format8BitFirst}, 0, 5)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	bytes, err := m.Bytes8(obj)
	if err != nil {
		t.Fatalf("bytes8: %v", err)
	}
	if len(bytes) != 5 {
		t.Fatalf("byte length = %d, want 5", len(bytes))
	}
	copy(bytes, []byte("hello"))
	if err := m.PutBytes(obj.addr+HeaderSize, bytes); err != nil {
		t.Fatalf("write: %v", err)
	}
	reread, err := m.Bytes8(obj)
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if string(reread) != "hello" {
		t.Fatalf("got %q, want %q", reread, "hello")
	}
}

func TestHeapWalkTotality(t *testing.T) {
	m := newTestMemory(t)
	start := m.classTable.NilOOP.Address()

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := m.Allocate(ClassShape{ClassIndex: ClassIndexArray, InstanceFormat: FormatVariablePointers}, i, 0); err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
	}

	visited := 0
	addr := start
	for addr < m.HeapEnd() {
		obj, err := m.ObjectAt(oop.FromAddress(addr))
		if err != nil {
			t.Fatalf("object_at(%#x): %v", addr, err)
		}
		visited++
		next := m.NextObject(obj)
		if next <= addr {
			t.Fatalf("next_object did not advance past %#x", addr)
		}
		addr = next
	}
	if addr != m.HeapEnd() {
		t.Fatalf("heap walk did not land exactly on the allocation cursor: %#x vs %#x", addr, m.HeapEnd())
	}
	if visited != n+1 {
		t.Fatalf("visited %d objects, want %d (nil + %d arrays)", visited, n+1, n)
	}
}

func TestClassTableReservedIndicesProtected(t *testing.T) {
	ct := NewClassTable()
	if err := ct.SetSlot(ClassIndexSmallInteger, oop.FromAddress(0x2000)); err != nil {
		t.Fatalf("first write to reserved slot should succeed: %v", err)
	}
	if err := ct.SetSlot(ClassIndexSmallInteger, oop.FromAddress(0x3000)); err == nil {
		t.Fatalf("expected overwrite of reserved slot to fail")
	}
}

func TestClassTableTwoLevelPaging(t *testing.T) {
	ct := NewClassTable()
	if err := ct.SetSlot(2000, oop.FromAddress(0x9000)); err != nil {
		t.Fatalf("set slot: %v", err)
	}
	got, err := ct.Slot(2000)
	if err != nil {
		t.Fatalf("slot: %v", err)
	}
	if got.Address() != 0x9000 {
		t.Fatalf("got %#x, want 0x9000", got.Address())
	}
	pages := ct.ResidentPages()
	if len(pages) != 1 || pages[0] != 1 {
		t.Fatalf("expected page 1 resident, got %v", pages)
	}
}

func TestClassOfResolvesImmediates(t *testing.T) {
	m := newTestMemory(t)
	if err := m.classTable.SetSlot(ClassIndexSmallInteger, oop.FromAddress(0x1000)); err != nil {
		t.Fatalf("set slot: %v", err)
	}
	intClassOOP := oop.FromAddress(0x1000)
	intObj, err := m.ObjectAt(intClassOOP)
	if err != nil {
		t.Fatalf("object_at: %v", err)
	}
	_ = intObj
	five, err := m.ObjectAt(oop.EncodeSmallInteger(5))
	if err != nil {
		t.Fatalf("object_at(5): %v", err)
	}
	cls, err := m.ClassOf(five)
	if err != nil {
		t.Fatalf("class_of: %v", err)
	}
	if cls.OOP != intClassOOP {
		t.Fatalf("class_of(5) = %#x, want %#x", uint64(cls.OOP), uint64(intClassOOP))
	}
}

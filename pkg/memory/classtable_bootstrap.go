package memory

import (
	"fmt"

	"github.com/kristofer/stvm/pkg/oop"
)

// endAddress returns the address immediately past obj's own header and
// payload, rounded up to an 8-byte boundary — extent() minus the extra
// word extent() (and NextObject) tack on when obj itself used an overflow
// header. original_source/stvm/image64.py's SpurObject.end_address
// property is exactly this: header_size + slots_size, rounded, with no
// overflow adjustment (the adjustment only applies to *next_object*, which
// skips past a *following* overflow word).
func (obj Object) endAddress() uint64 {
	var payload uint64
	if IsPointerFormat(obj.hdr.Format) {
		payload = obj.slotCount * 8
	} else {
		payload = obj.byteLength()
	}
	total := HeaderSize + payload
	total = (total + 7) &^ 7
	return obj.addr + total
}

// LocateClassTable finds the resident class-table object's oop in an
// already-loaded image's own object graph, per
// original_source/stvm/image64.py's class_table property:
//
//	free_list := true.next_object
//	class_table := object_at(free_list.end_address + 8)
//
// true's next_object (spec.md §4.1/§8 property 3's heap-walk successor,
// m.NextObject) is the image's free-list head; the class table follows
// immediately after that header, offset by one spare word. Both
// next_object and end_address are already implemented by pkg/memory for
// the heap-walk property, so this needs no free-list/segment model of its
// own — it only walks the two object boundaries image64.py's accessor
// computes from the same primitives.
func (m *Memory) LocateClassTable(trueOOP oop.OOP) (oop.OOP, error) {
	trueObj, err := m.ObjectAt(trueOOP)
	if err != nil {
		return 0, fmt.Errorf("memory: locate class table: true singleton: %w", err)
	}
	freeListAddr := m.NextObject(trueObj)
	freeListObj, err := m.ObjectAt(oop.FromAddress(freeListAddr))
	if err != nil {
		return 0, fmt.Errorf("memory: locate class table: free-list head at %#x: %w", freeListAddr, err)
	}
	return oop.FromAddress(freeListObj.endAddress() + 8), nil
}

// LoadClassTable populates the class table from the resident class-table
// object rooted at tableOOP: a top-level pointer array whose slots are
// page arrays of classTablePageSize class oops each (spec.md §3's
// two-level table), mirroring original_source/stvm/spurobjects/objects.py's
// ClassTable.__getitem__ page/row split. Absent pages (a nil or unused
// top-level slot) and absent rows are simply skipped rather than treated
// as an error — a sparsely populated table is the normal case.
func (m *Memory) LoadClassTable(tableOOP oop.OOP) error {
	root, err := m.ObjectAt(tableOOP)
	if err != nil {
		return fmt.Errorf("memory: class table root: %w", err)
	}
	if root.Kind != KindPointer {
		return fmt.Errorf("memory: class table root %#x is not a heap object", uint64(tableOOP))
	}
	for p := uint64(0); p < root.SlotCount(); p++ {
		pageObj, err := m.Slot(root, p)
		if err != nil {
			return fmt.Errorf("memory: class table page %d: %w", p, err)
		}
		if pageObj.Kind != KindPointer || pageObj.OOP == m.classTable.NilOOP {
			continue
		}
		rows := pageObj.SlotCount()
		if rows > classTablePageSize {
			rows = classTablePageSize
		}
		for row := uint64(0); row < rows; row++ {
			slot, err := m.Slot(pageObj, row)
			if err != nil {
				return fmt.Errorf("memory: class table page %d row %d: %w", p, row, err)
			}
			if slot.OOP == 0 || slot.OOP == m.classTable.NilOOP {
				continue
			}
			if err := m.classTable.SetSlot(uint32(p*classTablePageSize+row), slot.OOP); err != nil {
				return fmt.Errorf("memory: class table page %d row %d: %w", p, row, err)
			}
		}
	}
	return nil
}

// BootstrapClassTable is the one-call convenience LocateClassTable+
// LoadClassTable sequence cmd/stvm's run/inspect subcommands use once an
// image's nil/true singletons are known.
func (m *Memory) BootstrapClassTable(trueOOP oop.OOP) error {
	tableOOP, err := m.LocateClassTable(trueOOP)
	if err != nil {
		return err
	}
	return m.LoadClassTable(tableOOP)
}

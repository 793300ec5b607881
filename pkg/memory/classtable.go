package memory

import (
	"fmt"

	"golang.org/x/exp/maps"

	"github.com/kristofer/stvm/pkg/oop"
)

// Well-known class-table indices, per spec.md §3.
const (
	ClassIndexSmallInteger       = 5
	ClassIndexByteString         = 6
	ClassIndexArray              = 7
	ClassIndexLargeNegativeInteger = 32
	ClassIndexLargePositiveInteger = 33
	ClassIndexMessage            = 35
	ClassIndexContext            = 36
	ClassIndexBlockClosure       = 37
	ClassIndexSemaphore          = 48
	// ClassIndexCharacter and ClassIndexSmallFloat are not enumerated in
	// spec.md's well-known-index table; Character and SmallFloat64 are
	// resolved the same way (a class-table slot), these two indices are
	// stvm's own bootstrap convention for the two immediate kinds the
	// table doesn't otherwise name.
	ClassIndexCharacter  = 10
	ClassIndexSmallFloat = 11
	// ClassIndexFloat, ClassIndexPoint and ClassIndexProcess are likewise
	// stvm bootstrap conventions for classes spec.md's well-known-index
	// table doesn't enumerate (boxed Float, primitive 18's Point, and the
	// Process class behind the scheduler's ready lists).
	ClassIndexFloat   = 34
	ClassIndexPoint   = 38
	ClassIndexProcess = 40

	// ReservedClassIndices is how many low indices are reserved for
	// special classes and must never be overwritten (spec.md §3
	// invariant).
	ReservedClassIndices = 32

	// classTablePageSize is the number of class slots per page in the
	// two-level class table (spec.md §3).
	classTablePageSize = 1024
)

// ClassTable is the global two-level class table: a top-level array of
// page pointers, each page holding classTablePageSize class slots
// (spec.md §3 "Classes & the class table").
type ClassTable struct {
	pages map[uint32][]oop.OOP

	// NilOOP is the oop for nil, special-objects-array index 0. It is
	// tracked here (rather than only in the special-objects array) so
	// Memory.IsNil works before the special-objects array has been
	// located during bootstrap.
	NilOOP oop.OOP
}

// NewClassTable returns an empty two-level class table. Callers populate
// it (typically from the special-objects array) before running the
// interpreter.
func NewClassTable() *ClassTable {
	return &ClassTable{pages: make(map[uint32][]oop.OOP)}
}

// page and row split a class index into its two-level table coordinates.
func page(index uint32) (pageNo, row uint32) {
	return index / classTablePageSize, index % classTablePageSize
}

// EnsurePage allocates (if absent) the page containing index and returns
// it, for bootstrap population.
func (ct *ClassTable) EnsurePage(index uint32) []oop.OOP {
	p, _ := page(index)
	if ct.pages[p] == nil {
		ct.pages[p] = make([]oop.OOP, classTablePageSize)
	}
	return ct.pages[p]
}

// SetSlot installs classOOP at class-table index. It refuses to overwrite
// any of the first ReservedClassIndices slots once they are already
// populated with a different value, per spec.md §3's invariant that those
// slots "must never be overwritten" — but allows the initial bootstrap
// write.
func (ct *ClassTable) SetSlot(index uint32, classOOP oop.OOP) error {
	pg := ct.EnsurePage(index)
	_, row := page(index)
	if index < ReservedClassIndices && pg[row] != 0 && pg[row] != classOOP {
		return fmt.Errorf("classtable: refusing to overwrite reserved index %d", index)
	}
	pg[row] = classOOP
	return nil
}

// Slot returns the class oop stored at index.
func (ct *ClassTable) Slot(index uint32) (oop.OOP, error) {
	p, row := page(index)
	pg, ok := ct.pages[p]
	if !ok {
		return 0, fmt.Errorf("classtable: page %d (index %d) not resident", p, index)
	}
	return pg[row], nil
}

// ResidentPages returns the page numbers currently allocated, for
// diagnostics (exposed through `stvm inspect`).
func (ct *ClassTable) ResidentPages() []uint32 {
	return maps.Keys(ct.pages)
}

// IndexOf finds the class-table index classOOP is registered at, for
// primitives that must recover "my own class index" from a class object
// that only carries its superclass/method-dict/format-word slots (spec.md
// §3's class layout has no such slot; basicNew/basicNew: need the index to
// build the new instance's header, so this scans the resident pages).
func (ct *ClassTable) IndexOf(classOOP oop.OOP) (uint32, bool) {
	for _, p := range maps.Keys(ct.pages) {
		pg := ct.pages[p]
		for row, o := range pg {
			if o == classOOP {
				return p*classTablePageSize + uint32(row), true
			}
		}
	}
	return 0, false
}

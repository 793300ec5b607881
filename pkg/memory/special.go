package memory

import (
	"fmt"

	"github.com/kristofer/stvm/pkg/oop"
)

// Special-objects-array indices used by the core, per spec.md §3/§6 and
// original_source/stvm's image64.py/old/image_reader64.py named
// accessors over the same array.
const (
	SpecialNil                = 0
	SpecialFalse              = 1
	SpecialTrue               = 2
	SpecialSchedulerAssoc     = 3
	SpecialDoesNotUnderstand  = 20
	SpecialSpecialSelectors   = 23
)

// SpecialObjects is a named-accessor wrapper over the special-objects
// array (spec.md §6 "Special objects array"), mirroring the convenience
// properties original_source/stvm/image64.py exposes over the same table
// instead of making every call site do raw index arithmetic.
type SpecialObjects struct {
	mem   *Memory
	array Object
}

// NewSpecialObjects wraps the special-objects array found at arrayOOP.
func NewSpecialObjects(mem *Memory, arrayOOP oop.OOP) (*SpecialObjects, error) {
	arr, err := mem.ObjectAt(arrayOOP)
	if err != nil {
		return nil, fmt.Errorf("special objects array: %w", err)
	}
	return &SpecialObjects{mem: mem, array: arr}, nil
}

// At returns the raw oop stored at a special-objects-array index.
func (s *SpecialObjects) At(index uint64) (oop.OOP, error) {
	obj, err := s.mem.Slot(s.array, index)
	if err != nil {
		return 0, err
	}
	return obj.OOP, nil
}

// Nil, False and True return the three canonical singletons.
func (s *SpecialObjects) Nil() (oop.OOP, error)   { return s.At(SpecialNil) }
func (s *SpecialObjects) False() (oop.OOP, error) { return s.At(SpecialFalse) }
func (s *SpecialObjects) True() (oop.OOP, error)  { return s.At(SpecialTrue) }

// SchedulerAssociation returns the Association whose value is the
// ProcessScheduler singleton (spec.md §3 "Process & scheduler").
func (s *SpecialObjects) SchedulerAssociation() (oop.OOP, error) {
	return s.At(SpecialSchedulerAssoc)
}

// DoesNotUnderstandSelector returns the interned #doesNotUnderstand:
// symbol used by method-lookup fallback (spec.md §4.3).
func (s *SpecialObjects) DoesNotUnderstandSelector() (oop.OOP, error) {
	return s.At(SpecialDoesNotUnderstand)
}

// SpecialSelectorsArray returns the 32-entry (selector, argCount) table
// backing opcodes 176-207 (spec.md §4.2).
func (s *SpecialObjects) SpecialSelectorsArray() (Object, error) {
	o, err := s.At(SpecialSpecialSelectors)
	if err != nil {
		return Object{}, err
	}
	return s.mem.ObjectAt(o)
}

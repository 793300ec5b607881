package primitive

import (
	"github.com/kristofer/stvm/pkg/interp"
	"github.com/kristofer/stvm/pkg/memory"
	"github.com/kristofer/stvm/pkg/oop"
)

// Primitive numbers 60-71/105/148, per spec.md §4.4: indexable-object
// access (at:/at:put:/size), raw allocation (basicNew/basicNew:), bulk
// copy (replaceFrom:to:with:startingAt:), and shallowCopy.
const (
	primAt                    = 60
	primAtPut                 = 61
	primSize                  = 62
	primBasicNew              = 70
	primBasicNewColon         = 71
	primReplaceFromToWithStartingAt = 105
	primShallowCopy           = 148
)

func indexOOP(o oop.OOP) (int64, bool) {
	if !o.IsSmallInteger() {
		return 0, false
	}
	return oop.DecodeSmallInteger(o), true
}

func registerCollection(vm *interp.VM) {
	vm.Primitives[primAt] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 1 {
			return interp.PrimitiveResult{}, fail("at: needs exactly one argument")
		}
		idx, ok := indexOOP(args[0])
		if !ok || idx < 1 {
			return interp.PrimitiveResult{}, fail("index is not a positive SmallInteger")
		}
		obj, err := vm.Mem.ObjectAt(receiver)
		if err != nil || obj.Kind != memory.KindPointer {
			return interp.PrimitiveResult{}, fail("receiver is not indexable")
		}
		if memory.IsPointerFormat(obj.Format()) {
			slot, err := vm.Mem.Slot(obj, uint64(idx-1))
			if err != nil {
				return interp.PrimitiveResult{}, fail("index out of bounds")
			}
			return value(slot.OOP), nil
		}
		raw, err := vm.Mem.RawAt(obj, uint64(idx-1))
		if err != nil {
			return interp.PrimitiveResult{}, fail("index out of bounds")
		}
		return value(oop.EncodeSmallInteger(int64(raw))), nil
	}

	vm.Primitives[primAtPut] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 2 {
			return interp.PrimitiveResult{}, fail("at:put: needs exactly two arguments")
		}
		idx, ok := indexOOP(args[0])
		if !ok || idx < 1 {
			return interp.PrimitiveResult{}, fail("index is not a positive SmallInteger")
		}
		obj, err := vm.Mem.ObjectAt(receiver)
		if err != nil || obj.Kind != memory.KindPointer {
			return interp.PrimitiveResult{}, fail("receiver is not indexable")
		}
		if memory.IsPointerFormat(obj.Format()) {
			if err := vm.Mem.SlotPut(obj, uint64(idx-1), args[1]); err != nil {
				return interp.PrimitiveResult{}, fail("index out of bounds")
			}
			return value(args[1]), nil
		}
		n, ok := indexOOP(args[1])
		if !ok {
			return interp.PrimitiveResult{}, fail("value is not a SmallInteger")
		}
		if err := vm.Mem.RawAtPut(obj, uint64(idx-1), uint64(n)); err != nil {
			return interp.PrimitiveResult{}, fail("index out of bounds")
		}
		return value(args[1]), nil
	}

	vm.Primitives[primSize] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		obj, err := vm.Mem.ObjectAt(receiver)
		if err != nil || obj.Kind != memory.KindPointer {
			return interp.PrimitiveResult{}, fail("receiver is not indexable")
		}
		return value(oop.EncodeSmallInteger(int64(obj.SlotCount()))), nil
	}

	vm.Primitives[primBasicNew] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		shape, err := classShapeOf(vm, receiver)
		if err != nil {
			return interp.PrimitiveResult{}, fail("receiver is not a class")
		}
		obj, err := vm.Mem.Allocate(shape, 0, 0)
		if err != nil {
			return interp.PrimitiveResult{}, err
		}
		return value(obj.OOP), nil
	}

	vm.Primitives[primBasicNewColon] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 1 {
			return interp.PrimitiveResult{}, fail("basicNew: needs exactly one argument")
		}
		size, ok := indexOOP(args[0])
		if !ok || size < 0 {
			return interp.PrimitiveResult{}, fail("size is not a non-negative SmallInteger")
		}
		shape, err := classShapeOf(vm, receiver)
		if err != nil {
			return interp.PrimitiveResult{}, fail("receiver is not a class")
		}
		obj, err := vm.Mem.Allocate(shape, int(size), 0)
		if err != nil {
			return interp.PrimitiveResult{}, err
		}
		return value(obj.OOP), nil
	}

	vm.Primitives[primReplaceFromToWithStartingAt] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 4 {
			return interp.PrimitiveResult{}, fail("replaceFrom:to:with:startingAt: needs four arguments")
		}
		from, ok1 := indexOOP(args[0])
		to, ok2 := indexOOP(args[1])
		startingAt, ok4 := indexOOP(args[3])
		if !ok1 || !ok2 || !ok4 {
			return interp.PrimitiveResult{}, fail("index argument is not a SmallInteger")
		}
		dst, err := vm.Mem.ObjectAt(receiver)
		if err != nil || dst.Kind != memory.KindPointer {
			return interp.PrimitiveResult{}, fail("receiver is not indexable")
		}
		src, err := vm.Mem.ObjectAt(args[2])
		if err != nil || src.Kind != memory.KindPointer {
			return interp.PrimitiveResult{}, fail("source is not indexable")
		}
		for i := int64(0); from+i <= to; i++ {
			if memory.IsPointerFormat(src.Format()) {
				s, err := vm.Mem.Slot(src, uint64(startingAt-1+i))
				if err != nil {
					return interp.PrimitiveResult{}, fail("source index out of bounds")
				}
				if err := vm.Mem.SlotPut(dst, uint64(from-1+i), s.OOP); err != nil {
					return interp.PrimitiveResult{}, fail("destination index out of bounds")
				}
			} else {
				raw, err := vm.Mem.RawAt(src, uint64(startingAt-1+i))
				if err != nil {
					return interp.PrimitiveResult{}, fail("source index out of bounds")
				}
				if err := vm.Mem.RawAtPut(dst, uint64(from-1+i), raw); err != nil {
					return interp.PrimitiveResult{}, fail("destination index out of bounds")
				}
			}
		}
		return value(receiver), nil
	}

	vm.Primitives[primShallowCopy] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		src, err := vm.Mem.ObjectAt(receiver)
		if err != nil || src.Kind != memory.KindPointer {
			return interp.PrimitiveResult{}, fail("receiver has no shallowCopy")
		}
		shape := memory.ClassShape{ClassIndex: src.ClassIndex(), InstanceFormat: src.Format()}
		n := int(src.SlotCount())
		dst, err := vm.Mem.Allocate(shape, n, 0)
		if err != nil {
			return interp.PrimitiveResult{}, err
		}
		for i := 0; i < n; i++ {
			if memory.IsPointerFormat(src.Format()) {
				s, err := vm.Mem.Slot(src, uint64(i))
				if err != nil {
					return interp.PrimitiveResult{}, err
				}
				if err := vm.Mem.SlotPut(dst, uint64(i), s.OOP); err != nil {
					return interp.PrimitiveResult{}, err
				}
			} else {
				raw, err := vm.Mem.RawAt(src, uint64(i))
				if err != nil {
					return interp.PrimitiveResult{}, err
				}
				if err := vm.Mem.RawAtPut(dst, uint64(i), raw); err != nil {
					return interp.PrimitiveResult{}, err
				}
			}
		}
		return value(dst.OOP), nil
	}
}

// classShapeOf resolves a class oop (the receiver of basicNew/basicNew:)
// into the ClassShape Allocate needs, reading the class-format word and
// class-table index the way pkg/interp's own allocation call sites do
// (spec.md §3 "slot 2 = class-format word").
func classShapeOf(vm *interp.VM, classOOP oop.OOP) (memory.ClassShape, error) {
	return vm.ClassShapeOf(classOOP)
}

package primitive

import (
	"math"

	"github.com/kristofer/stvm/pkg/interp"
	"github.com/kristofer/stvm/pkg/memory"
	"github.com/kristofer/stvm/pkg/oop"
)

// Primitive numbers 40-45: a representative slice of spec.md §4.4's boxed
// Float arithmetic range. A SmallFloat64 operand is decoded through
// oop.DecodeSmallFloat; a boxed Float is a single Format64Bit slot holding
// the raw IEEE-754 bits (ClassIndexFloat). Results that fit back into the
// SmallFloat64 immediate encoding are returned that way; otherwise a new
// boxed Float is allocated.
const (
	primFloatAdd      = 40
	primFloatSubtract = 41
	primFloatLessThan = 42
	primFloatEqual    = 43
	primFloatMultiply = 44
	primFloatDivide   = 45
)

func floatOperand(mem *memory.Memory, o oop.OOP) (float64, bool) {
	if o.IsSmallFloat() {
		return oop.DecodeSmallFloat(o), true
	}
	obj, err := mem.ObjectAt(o)
	if err != nil || obj.Kind != memory.KindPointer || obj.ClassIndex() != memory.ClassIndexFloat {
		return 0, false
	}
	bits, err := mem.RawAt(obj, 0)
	if err != nil {
		return 0, false
	}
	return math.Float64frombits(bits), true
}

func floatResult(mem *memory.Memory, f float64) (oop.OOP, error) {
	if small, ok := oop.EncodeSmallFloat(f); ok {
		return small, nil
	}
	shape := memory.ClassShape{ClassIndex: memory.ClassIndexFloat, InstanceFormat: memory.Format64Bit}
	obj, err := mem.Allocate(shape, 1, 0)
	if err != nil {
		return 0, err
	}
	if err := mem.RawAtPut(obj, 0, math.Float64bits(f)); err != nil {
		return 0, err
	}
	return obj.OOP, nil
}

func registerFloat(vm *interp.VM) {
	arith := func(f func(a, b float64) float64) interp.PrimitiveFunc {
		return func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
			if len(args) != 1 {
				return interp.PrimitiveResult{}, fail("Float primitive needs one argument")
			}
			a, ok := floatOperand(vm.Mem, receiver)
			if !ok {
				return interp.PrimitiveResult{}, fail("receiver is not a Float")
			}
			b, ok := floatOperand(vm.Mem, args[0])
			if !ok {
				return interp.PrimitiveResult{}, fail("argument is not a Float")
			}
			r, err := floatResult(vm.Mem, f(a, b))
			if err != nil {
				return interp.PrimitiveResult{}, err
			}
			return value(r), nil
		}
	}

	vm.Primitives[primFloatAdd] = arith(func(a, b float64) float64 { return a + b })
	vm.Primitives[primFloatSubtract] = arith(func(a, b float64) float64 { return a - b })
	vm.Primitives[primFloatMultiply] = arith(func(a, b float64) float64 { return a * b })
	vm.Primitives[primFloatDivide] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 1 {
			return interp.PrimitiveResult{}, fail("Float primitive needs one argument")
		}
		a, ok := floatOperand(vm.Mem, receiver)
		if !ok {
			return interp.PrimitiveResult{}, fail("receiver is not a Float")
		}
		b, ok := floatOperand(vm.Mem, args[0])
		if !ok {
			return interp.PrimitiveResult{}, fail("argument is not a Float")
		}
		if b == 0 {
			return interp.PrimitiveResult{}, fail("division by zero")
		}
		r, err := floatResult(vm.Mem, a/b)
		if err != nil {
			return interp.PrimitiveResult{}, err
		}
		return value(r), nil
	}

	vm.Primitives[primFloatLessThan] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 1 {
			return interp.PrimitiveResult{}, fail("Float primitive needs one argument")
		}
		a, ok := floatOperand(vm.Mem, receiver)
		if !ok {
			return interp.PrimitiveResult{}, fail("receiver is not a Float")
		}
		b, ok := floatOperand(vm.Mem, args[0])
		if !ok {
			return interp.PrimitiveResult{}, fail("argument is not a Float")
		}
		return value(vm.BoolOOP(a < b)), nil
	}

	vm.Primitives[primFloatEqual] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 1 {
			return interp.PrimitiveResult{}, fail("Float primitive needs one argument")
		}
		a, ok := floatOperand(vm.Mem, receiver)
		if !ok {
			return interp.PrimitiveResult{}, fail("receiver is not a Float")
		}
		b, ok := floatOperand(vm.Mem, args[0])
		if !ok {
			return interp.PrimitiveResult{}, fail("argument is not a Float")
		}
		return value(vm.BoolOOP(a == b)), nil
	}
}

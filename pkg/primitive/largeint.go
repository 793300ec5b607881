package primitive

import (
	"math/big"

	"github.com/kristofer/stvm/pkg/interp"
	"github.com/kristofer/stvm/pkg/memory"
	"github.com/kristofer/stvm/pkg/oop"
)

// Primitive numbers 21-25: a representative slice of spec.md §4.4's
// 21-32 LargePositive/LargeNegative arithmetic range (add, subtract,
// multiply, lessThan, equal). Per original_source/stvm's
// plugins/LargeIntegers.py, sign lives entirely in the class index
// (LargeNegativeInteger=32 vs LargePositiveInteger=33); the byte payload
// is always an unsigned little-endian magnitude.
const (
	primLargeAdd      = 21
	primLargeSubtract = 22
	primLargeMultiply = 23
	primLargeLessThan = 24
	primLargeEqual    = 25
)

// bigFromLarge decodes a LargeInteger heap object into a signed math/big
// value, or ok=false if obj isn't one.
func bigFromLarge(mem *memory.Memory, obj memory.Object) (*big.Int, bool) {
	if obj.Kind != memory.KindPointer {
		return nil, false
	}
	var negative bool
	switch obj.ClassIndex() {
	case memory.ClassIndexLargePositiveInteger:
		negative = false
	case memory.ClassIndexLargeNegativeInteger:
		negative = true
	default:
		return nil, false
	}
	raw, err := mem.Bytes8(obj)
	if err != nil {
		return nil, false
	}
	be := make([]byte, len(raw))
	for i, b := range raw {
		be[len(raw)-1-i] = b
	}
	v := new(big.Int).SetBytes(be)
	if negative {
		v.Neg(v)
	}
	return v, true
}

// operandAsBig accepts either a SmallInteger or a LargeInteger operand,
// widening a SmallInteger to big.Int so arithmetic can treat both
// uniformly.
func operandAsBig(mem *memory.Memory, o oop.OOP) (*big.Int, bool) {
	if o.IsSmallInteger() {
		return big.NewInt(oop.DecodeSmallInteger(o)), true
	}
	obj, err := mem.ObjectAt(o)
	if err != nil {
		return nil, false
	}
	return bigFromLarge(mem, obj)
}

// largeFromBig allocates a LargeInteger heap object for v, choosing the
// class by sign and storing the magnitude little-endian.
func largeFromBig(mem *memory.Memory, v *big.Int) (oop.OOP, error) {
	classIndex := uint32(memory.ClassIndexLargePositiveInteger)
	mag := new(big.Int).Set(v)
	if v.Sign() < 0 {
		classIndex = memory.ClassIndexLargeNegativeInteger
		mag.Neg(mag)
	}
	be := mag.Bytes()
	le := make([]byte, len(be))
	for i, b := range be {
		le[len(be)-1-i] = b
	}
	shape := memory.ClassShape{ClassIndex: classIndex, InstanceFormat: memory.Format8BitFirst}
	obj, err := mem.Allocate(shape, 0, len(le))
	if err != nil {
		return 0, err
	}
	for i, b := range le {
		if err := mem.RawAtPut(obj, uint64(i), uint64(b)); err != nil {
			return 0, err
		}
	}
	return obj.OOP, nil
}

func registerLargeInteger(vm *interp.VM) {
	binOp := func(f func(z, a, b *big.Int) *big.Int) interp.PrimitiveFunc {
		return func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
			if len(args) != 1 {
				return interp.PrimitiveResult{}, fail("large integer primitive needs one argument")
			}
			a, ok := operandAsBig(vm.Mem, receiver)
			if !ok {
				return interp.PrimitiveResult{}, fail("receiver is not an Integer")
			}
			b, ok := operandAsBig(vm.Mem, args[0])
			if !ok {
				return interp.PrimitiveResult{}, fail("argument is not an Integer")
			}
			r := f(new(big.Int), a, b)
			resultOOP, err := largeFromBig(vm.Mem, r)
			if err != nil {
				return interp.PrimitiveResult{}, err
			}
			return value(resultOOP), nil
		}
	}

	vm.Primitives[primLargeAdd] = binOp(func(z, a, b *big.Int) *big.Int { return z.Add(a, b) })
	vm.Primitives[primLargeSubtract] = binOp(func(z, a, b *big.Int) *big.Int { return z.Sub(a, b) })
	vm.Primitives[primLargeMultiply] = binOp(func(z, a, b *big.Int) *big.Int { return z.Mul(a, b) })

	vm.Primitives[primLargeLessThan] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 1 {
			return interp.PrimitiveResult{}, fail("large integer primitive needs one argument")
		}
		a, ok := operandAsBig(vm.Mem, receiver)
		if !ok {
			return interp.PrimitiveResult{}, fail("receiver is not an Integer")
		}
		b, ok := operandAsBig(vm.Mem, args[0])
		if !ok {
			return interp.PrimitiveResult{}, fail("argument is not an Integer")
		}
		return value(vm.BoolOOP(a.Cmp(b) < 0)), nil
	}

	vm.Primitives[primLargeEqual] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 1 {
			return interp.PrimitiveResult{}, fail("large integer primitive needs one argument")
		}
		a, ok := operandAsBig(vm.Mem, receiver)
		if !ok {
			return interp.PrimitiveResult{}, fail("receiver is not an Integer")
		}
		b, ok := operandAsBig(vm.Mem, args[0])
		if !ok {
			return interp.PrimitiveResult{}, fail("argument is not an Integer")
		}
		return value(vm.BoolOOP(a.Cmp(b) == 0)), nil
	}
}

package primitive

import (
	"math/big"

	"github.com/kristofer/stvm/pkg/interp"
	"github.com/kristofer/stvm/pkg/oop"
)

// Primitive numbers 1-17, per spec.md §4.4: SmallInteger arithmetic and
// bit operations, numbered in the conventional Squeak/Pharo order. Every
// one of them fails (rather than computing a wrong answer) whenever
// either operand isn't a SmallInteger or the true result wouldn't fit
// back in one, so the method's bytecode body can retry through the
// image's LargeInteger coercion path (spec.md §8 testable property 10).
const (
	primAdd            = 1
	primSubtract       = 2
	primLessThan       = 3
	primGreaterThan    = 4
	primLessOrEqual    = 5
	primGreaterOrEqual = 6
	primEqual          = 7
	primNotEqual       = 8
	primMultiply       = 9
	primDivide         = 10
	primMod            = 11
	primDiv            = 12
	primQuo            = 13
	primBitAnd         = 14
	primBitOr          = 15
	primBitXor         = 16
	primBitShift       = 17
)

func smallIntOperands(receiver oop.OOP, args []oop.OOP) (a, b int64, ok bool) {
	if len(args) != 1 || !receiver.IsSmallInteger() || !args[0].IsSmallInteger() {
		return 0, 0, false
	}
	return oop.DecodeSmallInteger(receiver), oop.DecodeSmallInteger(args[0]), true
}

func registerArithmetic(vm *interp.VM) {
	arith := func(f func(a, b int64) (int64, bool)) interp.PrimitiveFunc {
		return func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
			a, b, ok := smallIntOperands(receiver, args)
			if !ok {
				return interp.PrimitiveResult{}, fail("operand is not a SmallInteger")
			}
			r, ok := f(a, b)
			if !ok || !oop.SmallIntegerFits(r) {
				return interp.PrimitiveResult{}, fail("result out of SmallInteger range")
			}
			return value(oop.EncodeSmallInteger(r)), nil
		}
	}
	compare := func(f func(a, b int64) bool) interp.PrimitiveFunc {
		return func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
			a, b, ok := smallIntOperands(receiver, args)
			if !ok {
				return interp.PrimitiveResult{}, fail("operand is not a SmallInteger")
			}
			return value(vm.BoolOOP(f(a, b))), nil
		}
	}

	vm.Primitives[primAdd] = arith(func(a, b int64) (int64, bool) { return a + b, true })
	vm.Primitives[primSubtract] = arith(func(a, b int64) (int64, bool) { return a - b, true })
	vm.Primitives[primDivide] = arith(func(a, b int64) (int64, bool) {
		if b == 0 || a%b != 0 {
			return 0, false
		}
		return a / b, true
	})
	vm.Primitives[primMod] = arith(func(a, b int64) (int64, bool) {
		if b == 0 {
			return 0, false
		}
		m := a % b
		if m != 0 && (m < 0) != (b < 0) {
			m += b
		}
		return m, true
	})
	vm.Primitives[primDiv] = arith(func(a, b int64) (int64, bool) {
		if b == 0 {
			return 0, false
		}
		q := a / b
		if (a%b != 0) && ((a < 0) != (b < 0)) {
			q--
		}
		return q, true
	})
	vm.Primitives[primQuo] = arith(func(a, b int64) (int64, bool) {
		if b == 0 {
			return 0, false
		}
		return a / b, true
	})
	vm.Primitives[primBitAnd] = arith(func(a, b int64) (int64, bool) { return a & b, true })
	vm.Primitives[primBitOr] = arith(func(a, b int64) (int64, bool) { return a | b, true })
	vm.Primitives[primBitXor] = arith(func(a, b int64) (int64, bool) { return a ^ b, true })

	// primMultiply and primBitShift compute in big.Int rather than int64:
	// operands range over +-2^60 (oop.SmallIntegerFits's smallIntBits=61),
	// so both a*b and a<<b can overflow int64 itself well before the
	// result fails SmallIntegerFits, silently wrapping to a wrong
	// SmallInteger instead of falling through to the image's LargeInteger
	// path (spec.md §4.4, §8 testable property 10).
	bigArith := func(f func(z, a, b *big.Int) *big.Int) interp.PrimitiveFunc {
		return func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
			a, b, ok := smallIntOperands(receiver, args)
			if !ok {
				return interp.PrimitiveResult{}, fail("operand is not a SmallInteger")
			}
			r := f(new(big.Int), big.NewInt(a), big.NewInt(b))
			if !r.IsInt64() || !oop.SmallIntegerFits(r.Int64()) {
				return interp.PrimitiveResult{}, fail("result out of SmallInteger range")
			}
			return value(oop.EncodeSmallInteger(r.Int64())), nil
		}
	}
	vm.Primitives[primMultiply] = bigArith(func(z, a, b *big.Int) *big.Int { return z.Mul(a, b) })
	vm.Primitives[primBitShift] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		a, b, ok := smallIntOperands(receiver, args)
		if !ok {
			return interp.PrimitiveResult{}, fail("operand is not a SmallInteger")
		}
		// A shift count wide enough to overflow a SmallInteger needs no
		// big.Int arithmetic at all: left by more bits than the widest
		// possible SmallInteger (61 bits, oop.SmallIntegerFits) can never
		// produce a value that still fits one (except the trivial a=0
		// case, also caught below).
		const maxSmallIntBits = 61
		if b > maxSmallIntBits || b < -maxSmallIntBits {
			if a == 0 {
				return value(oop.EncodeSmallInteger(0)), nil
			}
			return interp.PrimitiveResult{}, fail("result out of SmallInteger range")
		}
		var r *big.Int
		if b >= 0 {
			r = new(big.Int).Lsh(big.NewInt(a), uint(b))
		} else {
			r = new(big.Int).Rsh(big.NewInt(a), uint(-b))
		}
		if !r.IsInt64() || !oop.SmallIntegerFits(r.Int64()) {
			return interp.PrimitiveResult{}, fail("result out of SmallInteger range")
		}
		return value(oop.EncodeSmallInteger(r.Int64())), nil
	}

	vm.Primitives[primLessThan] = compare(func(a, b int64) bool { return a < b })
	vm.Primitives[primGreaterThan] = compare(func(a, b int64) bool { return a > b })
	vm.Primitives[primLessOrEqual] = compare(func(a, b int64) bool { return a <= b })
	vm.Primitives[primGreaterOrEqual] = compare(func(a, b int64) bool { return a >= b })
	vm.Primitives[primEqual] = compare(func(a, b int64) bool { return a == b })
	vm.Primitives[primNotEqual] = compare(func(a, b int64) bool { return a != b })

	// Primitive 18: construct a Point from x@y (spec.md §4.4).
	vm.Primitives[18] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 1 {
			return interp.PrimitiveResult{}, fail("Point new:needs exactly one argument")
		}
		pt, err := vm.Mem.Allocate(pointShape(), 0, 0)
		if err != nil {
			return interp.PrimitiveResult{}, err
		}
		if err := vm.Mem.SlotPut(pt, 0, receiver); err != nil {
			return interp.PrimitiveResult{}, err
		}
		if err := vm.Mem.SlotPut(pt, 1, args[0]); err != nil {
			return interp.PrimitiveResult{}, err
		}
		return value(pt.OOP), nil
	}
}

package primitive

import (
	"github.com/kristofer/stvm/pkg/interp"
	"github.com/kristofer/stvm/pkg/memory"
	"github.com/kristofer/stvm/pkg/oop"
)

// Primitive numbers 201-204/211, per spec.md §4.4/§4.5: evaluating a
// BlockClosure with 0-3 direct arguments, and with an argument Array
// (valueWithArguments:) as a representative pick from the 211-222 range.
const (
	primValue0             = 201
	primValue1             = 202
	primValue2             = 203
	primValue3             = 204
	primValueWithArguments = 211
)

func registerBlock(vm *interp.VM) {
	valueN := func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		return evaluateBlock(vm, ctx, receiver, args)
	}
	vm.Primitives[primValue0] = valueN
	vm.Primitives[primValue1] = valueN
	vm.Primitives[primValue2] = valueN
	vm.Primitives[primValue3] = valueN

	vm.Primitives[primValueWithArguments] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 1 {
			return interp.PrimitiveResult{}, fail("valueWithArguments: needs exactly one argument")
		}
		argsObj, err := vm.Mem.ObjectAt(args[0])
		if err != nil || argsObj.Kind != memory.KindPointer {
			return interp.PrimitiveResult{}, fail("valueWithArguments: argument is not indexable")
		}
		n := int(argsObj.SlotCount())
		unpacked := make([]oop.OOP, n)
		for i := 0; i < n; i++ {
			s, err := vm.Mem.Slot(argsObj, uint64(i))
			if err != nil {
				return interp.PrimitiveResult{}, fail("valueWithArguments: malformed argument array")
			}
			unpacked[i] = s.OOP
		}
		return evaluateBlock(vm, ctx, receiver, unpacked)
	}
}

// evaluateBlock builds the block's fresh activation (spec.md §4.5) and
// hands it back as a Transfer: the primitive's own activation (the
// BlockClosure>>value* method) is bypassed entirely, so the block's
// eventual plain return targets whoever sent value/value:/etc, exactly
// as if the block's body had run in that sender's own place.
func evaluateBlock(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
	closure, err := vm.DecodeClosure(receiver)
	if err != nil {
		return interp.PrimitiveResult{}, fail("receiver is not a BlockClosure")
	}
	if closure.NumArgs != len(args) {
		return interp.PrimitiveResult{}, fail("wrong number of block arguments")
	}
	newCtx := interp.NewBlockContext(closure, args, vm.NilOOP())
	newCtx.Sender = ctx.Sender
	return interp.PrimitiveResult{Transfer: newCtx}, nil
}

package primitive

import (
	"github.com/kristofer/stvm/pkg/interp"
	"github.com/kristofer/stvm/pkg/memory"
	"github.com/kristofer/stvm/pkg/oop"
)

// Primitive numbers 75/83-84/110-111, per spec.md §4.4: identity hash,
// the general perform: gateway, and the two Object-protocol basics
// (identity comparison, class).
const (
	primIdentityHash         = 75
	primPerform              = 83
	primPerformWithArguments = 84
	primEquivalent           = 110
	primClass                = 111
)

func registerObject(vm *interp.VM) {
	vm.Primitives[primIdentityHash] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		return value(oop.EncodeSmallInteger(int64(vm.IdentityHashOf(receiver)))), nil
	}

	vm.Primitives[primEquivalent] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 1 {
			return interp.PrimitiveResult{}, fail("== needs exactly one argument")
		}
		return value(vm.BoolOOP(receiver == args[0])), nil
	}

	vm.Primitives[primClass] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		obj, err := vm.Mem.ObjectAt(receiver)
		if err != nil {
			return interp.PrimitiveResult{}, fail("receiver has no class")
		}
		classObj, err := vm.Mem.ClassOf(obj)
		if err != nil {
			return interp.PrimitiveResult{}, fail("receiver's class is not resolvable")
		}
		return value(classObj.OOP), nil
	}

	vm.Primitives[primPerform] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) < 1 {
			return interp.PrimitiveResult{}, fail("perform: needs a selector argument")
		}
		newCtx, err := vm.Send(ctx, args[0], receiver, args[1:])
		if err != nil {
			return interp.PrimitiveResult{}, fail("perform: selector is not understood")
		}
		return interp.PrimitiveResult{Transfer: newCtx}, nil
	}

	vm.Primitives[primPerformWithArguments] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 2 {
			return interp.PrimitiveResult{}, fail("perform:withArguments: needs a selector and an argument array")
		}
		argsObj, err := vm.Mem.ObjectAt(args[1])
		if err != nil || argsObj.Kind != memory.KindPointer {
			return interp.PrimitiveResult{}, fail("perform:withArguments: argument is not indexable")
		}
		n := int(argsObj.SlotCount())
		unpacked := make([]oop.OOP, n)
		for i := 0; i < n; i++ {
			s, err := vm.Mem.Slot(argsObj, uint64(i))
			if err != nil {
				return interp.PrimitiveResult{}, fail("perform:withArguments: malformed argument array")
			}
			unpacked[i] = s.OOP
		}
		newCtx, err := vm.Send(ctx, args[0], receiver, unpacked)
		if err != nil {
			return interp.PrimitiveResult{}, fail("perform:withArguments: selector is not understood")
		}
		return interp.PrimitiveResult{Transfer: newCtx}, nil
	}
}

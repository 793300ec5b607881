package primitive

import (
	"github.com/kristofer/stvm/pkg/interp"
	"github.com/kristofer/stvm/pkg/oop"
)

// Primitive numbers 195/197-199, per spec.md §4.5: walking the sender
// chain for the nearest handler (195) or unwind-protect (197) context,
// the two primitive numbers (198/199) that mark a method as one of
// those, and the receiver context itself carries no extra state of its
// own — the marking lives entirely in which primitive number the
// searched-for method declares.
const (
	primFindHandlerContext    = 195
	primFindNextUnwindContext = 197
	primMarkUnwind            = 198
	primMarkHandler           = 199
)

func registerException(vm *interp.VM) {
	vm.Primitives[primFindHandlerContext] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		return findMarkedSender(vm, ctx, primMarkHandler)
	}

	vm.Primitives[primFindNextUnwindContext] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		return findMarkedSender(vm, ctx, primMarkUnwind)
	}

	// 198/199 are never sent as ordinary messages; they only mark a
	// method's declared primitive number for the two walks above. If a
	// method with one of them is ever invoked directly, it has nothing
	// useful to do beyond answering its receiver.
	vm.Primitives[primMarkUnwind] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		return value(receiver), nil
	}
	vm.Primitives[primMarkHandler] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		return value(receiver), nil
	}
}

// findMarkedSender walks ctx's own sender chain (spec.md §4.5: the
// search starts above the context running this very primitive, which is
// the signaling or unwinding method itself) for the nearest activation
// whose CompiledMethod declares wantedPrimitive, reifying it so the
// caller receives a real Context object. Nil (walking off the top of the
// chain) answers vm.NilOOP(), matching on:do:'s "no handler found"
// convention.
func findMarkedSender(vm *interp.VM, ctx *interp.Context, wantedPrimitive int) (interp.PrimitiveResult, error) {
	for sender := ctx.Sender; sender != nil; sender = sender.Sender {
		num, ok := vm.PrimitiveNumberOf(sender.Method)
		if ok && num == wantedPrimitive {
			reified, err := vm.ReifyContext(sender)
			if err != nil {
				return interp.PrimitiveResult{}, err
			}
			return value(reified), nil
		}
	}
	return value(vm.NilOOP()), nil
}

package primitive

import (
	"github.com/kristofer/stvm/pkg/interp"
	"github.com/kristofer/stvm/pkg/oop"
)

// Primitive numbers 135/240/242, per spec.md §4.4: the wrapping
// millisecond clock, the free-running microsecond clock, and registering
// a timer-driven semaphore signal.
const (
	primMillisecondClock        = 135
	primMicrosecondClock        = 240
	primSignalAtUTCMicroseconds = 242
)

func registerClock(vm *interp.VM) {
	vm.Primitives[primMillisecondClock] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		return value(oop.EncodeSmallInteger(vm.MillisecondClock())), nil
	}

	vm.Primitives[primMicrosecondClock] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		return value(oop.EncodeSmallInteger(vm.MicrosecondClock())), nil
	}

	vm.Primitives[primSignalAtUTCMicroseconds] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 1 || !args[0].IsSmallInteger() {
			return interp.PrimitiveResult{}, fail("signalAtUTCMicroseconds: needs a SmallInteger argument")
		}
		vm.ScheduleSignalAt(oop.DecodeSmallInteger(args[0]), receiver)
		return value(receiver), nil
	}
}

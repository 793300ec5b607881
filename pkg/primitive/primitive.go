// Package primitive implements the numbered VM operations of spec.md
// §4.4: a representative subset of the roughly 150 primitives a real
// Spur image registers, covering arithmetic, indexable-object access,
// allocation, identity, process/semaphore control, block evaluation, and
// the clock/external-call gateways. Register wires every implemented
// number into an interp.VM's primitive table; everything else falls
// through to the method's own Smalltalk bytecode body, exactly as an
// unimplemented or failing real primitive would (spec.md §7).
package primitive

import (
	"github.com/kristofer/stvm/pkg/interp"
	"github.com/kristofer/stvm/pkg/memory"
	"github.com/kristofer/stvm/pkg/oop"
)

// Register installs every primitive this package implements into vm's
// dispatch table.
func Register(vm *interp.VM) {
	registerArithmetic(vm)
	registerLargeInteger(vm)
	registerFloat(vm)
	registerCollection(vm)
	registerObject(vm)
	registerProcess(vm)
	registerClock(vm)
	registerBlock(vm)
	registerExternal(vm)
	registerException(vm)
}

// fail builds the "this primitive declines to handle the send" signal
// the interpreter catches to fall through to bytecode, per spec.md §7.
func fail(reason string) error {
	return &interp.PrimitiveFailureError{Reason: reason}
}

// value wraps a plain oop.OOP result, the common case for a primitive
// that returns synchronously rather than transferring control.
func value(v oop.OOP) interp.PrimitiveResult {
	return interp.PrimitiveResult{Value: v}
}

// pointShape describes a Point's two fixed instance variables (x, y).
func pointShape() memory.ClassShape {
	return memory.ClassShape{ClassIndex: memory.ClassIndexPoint, FixedSlots: 2, InstanceFormat: memory.FormatFixedPointers}
}

package primitive

import (
	"github.com/kristofer/stvm/pkg/interp"
	"github.com/kristofer/stvm/pkg/memory"
	"github.com/kristofer/stvm/pkg/oop"
)

// primExternalCall is spec.md §4.4's single gateway out of the core: the
// method's first literal is a two-element Array of ByteStrings (module,
// function); the core looks up a handler registered in vm.Plugins and
// calls it with the already-evaluated arguments. No handler means the
// primitive fails, exactly like an unimplemented number.
const primExternalCall = 117

func registerExternal(vm *interp.VM) {
	vm.Primitives[primExternalCall] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(ctx.Method.Literals) == 0 {
			return interp.PrimitiveResult{}, fail("external_call method has no module/function literal")
		}
		pair, err := vm.Mem.ObjectAt(ctx.Method.Literals[0])
		if err != nil || pair.Kind != memory.KindPointer || pair.SlotCount() != 2 {
			return interp.PrimitiveResult{}, fail("external_call literal is not a two-element module/function pair")
		}
		moduleSlot, err := vm.Mem.Slot(pair, 0)
		if err != nil {
			return interp.PrimitiveResult{}, fail("external_call literal has no module name")
		}
		functionSlot, err := vm.Mem.Slot(pair, 1)
		if err != nil {
			return interp.PrimitiveResult{}, fail("external_call literal has no function name")
		}
		moduleObj, err := vm.Mem.ObjectAt(moduleSlot.OOP)
		if err != nil {
			return interp.PrimitiveResult{}, fail("external_call module name is not a ByteString")
		}
		functionObj, err := vm.Mem.ObjectAt(functionSlot.OOP)
		if err != nil {
			return interp.PrimitiveResult{}, fail("external_call function name is not a ByteString")
		}
		moduleBytes, err := vm.Mem.Bytes8(moduleObj)
		if err != nil {
			return interp.PrimitiveResult{}, fail("external_call module name is not a ByteString")
		}
		functionBytes, err := vm.Mem.Bytes8(functionObj)
		if err != nil {
			return interp.PrimitiveResult{}, fail("external_call function name is not a ByteString")
		}
		key := string(moduleBytes) + "." + string(functionBytes)
		handler, ok := vm.Plugins[key]
		if !ok {
			return interp.PrimitiveResult{}, fail("no plugin registered for " + key)
		}
		result, err := handler(vm, append([]oop.OOP{receiver}, args...))
		if err != nil {
			return interp.PrimitiveResult{}, fail(err.Error())
		}
		return value(result), nil
	}
}

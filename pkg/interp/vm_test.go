package interp_test

import (
	"testing"

	"github.com/kristofer/stvm/pkg/asmlang"
	"github.com/kristofer/stvm/pkg/interp"
	"github.com/kristofer/stvm/pkg/memory"
	"github.com/kristofer/stvm/pkg/oop"
	"github.com/kristofer/stvm/pkg/sched"
)

// testVM builds a minimal but real VM: a fresh Memory, the three
// canonical singletons, a 24-slot special-objects array populated with
// nil/false/true/doesNotUnderstand:, and a scheduler with no processes
// enqueued beyond whatever the caller passes to Run. It mirrors the
// bootstrap sequence pkg/image/pkg/memory's own tests use, minus actually
// loading an image (spec.md §6 lists the special-objects array as the
// one thing a bootstrap must locate before anything else works).
func testVM(t *testing.T) (*interp.VM, *asmlang.Builder, *memory.Memory) {
	t.Helper()
	mem := memory.New(memory.Config{Base: 0x20000, ObjectSpace: nil, YoungBytes: 1 << 18})

	nilObj, err := mem.Allocate(memory.ClassShape{ClassIndex: 0, InstanceFormat: memory.FormatZeroSized}, 0, 0)
	if err != nil {
		t.Fatalf("allocating nil: %v", err)
	}
	mem.ClassTable().NilOOP = nilObj.OOP
	falseObj, err := mem.Allocate(memory.ClassShape{ClassIndex: 0, InstanceFormat: memory.FormatZeroSized}, 0, 0)
	if err != nil {
		t.Fatalf("allocating false: %v", err)
	}
	trueObj, err := mem.Allocate(memory.ClassShape{ClassIndex: 0, InstanceFormat: memory.FormatZeroSized}, 0, 0)
	if err != nil {
		t.Fatalf("allocating true: %v", err)
	}

	b := asmlang.NewBuilder(mem, nilObj.OOP, trueObj.OOP, falseObj.OOP)
	dnuSel, err := b.Intern("doesNotUnderstand:")
	if err != nil {
		t.Fatalf("interning doesNotUnderstand:: %v", err)
	}

	specials, err := mem.Allocate(memory.ClassShape{ClassIndex: memory.ClassIndexArray, InstanceFormat: memory.FormatVariablePointers}, 24, 0)
	if err != nil {
		t.Fatalf("allocating special objects array: %v", err)
	}
	puts := []struct {
		idx uint64
		o   oop.OOP
	}{
		{memory.SpecialNil, nilObj.OOP},
		{memory.SpecialFalse, falseObj.OOP},
		{memory.SpecialTrue, trueObj.OOP},
		{memory.SpecialDoesNotUnderstand, dnuSel},
	}
	for _, p := range puts {
		if err := mem.SlotPut(specials, p.idx, p.o); err != nil {
			t.Fatalf("populating special objects array: %v", err)
		}
	}

	scheduler := sched.New(mem, nilObj.OOP)
	vm, err := interp.NewVM(mem, scheduler, specials.OOP)
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	return vm, b, mem
}

func TestRunPrimitiveAdditionSucceeds(t *testing.T) {
	vm, b, mem := testVM(t)

	methodOOP, err := b.CompileMethod(0, "", `
.args 1
.temps 1
.primitive 1
.code
  pushTemp 0
  returnTop
`)
	if err != nil {
		t.Fatalf("CompileMethod: %v", err)
	}
	registerAdd(vm)

	methObj, err := mem.ObjectAt(methodOOP)
	if err != nil {
		t.Fatalf("ObjectAt: %v", err)
	}
	meth, err := mem.DecodeMethod(methObj)
	if err != nil {
		t.Fatalf("DecodeMethod: %v", err)
	}

	receiver := oop.EncodeSmallInteger(3)
	args := []oop.OOP{oop.EncodeSmallInteger(4)}
	ctx := interp.NewMethodContext(nil, meth, receiver, args, vm.NilOOP())

	proc, err := mem.Allocate(memory.ClassShape{ClassIndex: 0, InstanceFormat: memory.FormatZeroSized}, 0, 0)
	if err != nil {
		t.Fatalf("allocating process placeholder: %v", err)
	}

	result, err := vm.Run(proc.OOP, ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.IsSmallInteger() || oop.DecodeSmallInteger(result) != 7 {
		t.Fatalf("result = %v, want SmallInteger 7", result)
	}
}

func TestRunPrimitiveFailureFallsThroughToBytecode(t *testing.T) {
	vm, b, mem := testVM(t)
	registerAdd(vm)

	methodOOP, err := b.CompileMethod(0, "", `
.args 1
.temps 0
.primitive 1
.code
  pushSmallInt 1
  returnTop
`)
	if err != nil {
		t.Fatalf("CompileMethod: %v", err)
	}
	methObj, _ := mem.ObjectAt(methodOOP)
	meth, err := mem.DecodeMethod(methObj)
	if err != nil {
		t.Fatalf("DecodeMethod: %v", err)
	}

	// A non-SmallInteger argument makes primitive 1 fail, so execution
	// should fall through to "pushSmallInt 1; returnTop" instead of
	// returning the primitive's result.
	ctx := interp.NewMethodContext(nil, meth, oop.EncodeSmallInteger(3), []oop.OOP{vm.NilOOP()}, vm.NilOOP())
	proc, _ := mem.Allocate(memory.ClassShape{ClassIndex: 0, InstanceFormat: memory.FormatZeroSized}, 0, 0)

	result, err := vm.Run(proc.OOP, ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.IsSmallInteger() || oop.DecodeSmallInteger(result) != 1 {
		t.Fatalf("result = %v, want SmallInteger 1 (fallback body)", result)
	}
}

func TestRunMethodLookupAndSend(t *testing.T) {
	vm, b, mem := testVM(t)

	classOOP, err := b.DefineClass("Answerer", vm.NilOOP(), 60, 0)
	if err != nil {
		t.Fatalf("DefineClass: %v", err)
	}
	_, err = b.CompileMethod(classOOP, "foo", `
.literals
  int 42
.code
  pushLit 0
  returnTop
`)
	if err != nil {
		t.Fatalf("CompileMethod foo: %v", err)
	}

	instance, err := mem.Allocate(memory.ClassShape{ClassIndex: 60, InstanceFormat: memory.FormatFixedPointers}, 0, 0)
	if err != nil {
		t.Fatalf("allocating instance: %v", err)
	}

	callerOOP, err := b.CompileMethod(0, "", `
.args 1
.temps 1
.literals
  sym foo
.code
  pushTemp 0
  send0 0
  returnTop
`)
	if err != nil {
		t.Fatalf("CompileMethod caller: %v", err)
	}
	callerObj, _ := mem.ObjectAt(callerOOP)
	caller, err := mem.DecodeMethod(callerObj)
	if err != nil {
		t.Fatalf("DecodeMethod caller: %v", err)
	}

	ctx := interp.NewMethodContext(nil, caller, vm.NilOOP(), []oop.OOP{instance.OOP}, vm.NilOOP())
	proc, _ := mem.Allocate(memory.ClassShape{ClassIndex: 0, InstanceFormat: memory.FormatZeroSized}, 0, 0)

	result, err := vm.Run(proc.OOP, ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.IsSmallInteger() || oop.DecodeSmallInteger(result) != 42 {
		t.Fatalf("result = %v, want SmallInteger 42", result)
	}
}

func TestRunDoesNotUnderstandFallback(t *testing.T) {
	vm, b, mem := testVM(t)

	classOOP, err := b.DefineClass("Empty", vm.NilOOP(), 61, 0)
	if err != nil {
		t.Fatalf("DefineClass: %v", err)
	}
	instance, err := mem.Allocate(memory.ClassShape{ClassIndex: 61, InstanceFormat: memory.FormatFixedPointers}, 0, 0)
	if err != nil {
		t.Fatalf("allocating instance: %v", err)
	}

	// "doesNotUnderstand:" itself must resolve somewhere, or the lookup's
	// DNU retry ends in a DoesNotUnderstandError; give Empty a trivial
	// handler that answers its Message argument unchanged, so the send
	// completes with that Message instead of erroring.
	_, err = b.CompileMethod(classOOP, "doesNotUnderstand:", `
.args 1
.temps 1
.code
  pushTemp 0
  returnTop
`)
	if err != nil {
		t.Fatalf("CompileMethod dnu handler: %v", err)
	}

	callerOOP, err := b.CompileMethod(0, "", `
.args 1
.temps 1
.literals
  sym bogus
.code
  pushTemp 0
  send0 0
  returnTop
`)
	if err != nil {
		t.Fatalf("CompileMethod caller: %v", err)
	}
	callerObj, _ := mem.ObjectAt(callerOOP)
	caller, err := mem.DecodeMethod(callerObj)
	if err != nil {
		t.Fatalf("DecodeMethod caller: %v", err)
	}

	ctx := interp.NewMethodContext(nil, caller, vm.NilOOP(), []oop.OOP{instance.OOP}, vm.NilOOP())
	proc, _ := mem.Allocate(memory.ClassShape{ClassIndex: 0, InstanceFormat: memory.FormatZeroSized}, 0, 0)

	result, err := vm.Run(proc.OOP, ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	msgObj, err := mem.ObjectAt(result)
	if err != nil {
		t.Fatalf("ObjectAt(message): %v", err)
	}
	if msgObj.ClassIndex() != memory.ClassIndexMessage {
		t.Fatalf("result class index = %d, want Message (%d)", msgObj.ClassIndex(), memory.ClassIndexMessage)
	}
}

// registerAdd wires just primitive 1 (SmallInteger +), the minimum this
// file's tests need, without pulling in all of pkg/primitive (which would
// make pkg/interp depend on pkg/primitive and create an import cycle,
// since pkg/primitive already depends on pkg/interp).
func registerAdd(vm *interp.VM) {
	vm.Primitives[1] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 1 || !receiver.IsSmallInteger() || !args[0].IsSmallInteger() {
			return interp.PrimitiveResult{}, &interp.PrimitiveFailureError{Reason: "operand is not a SmallInteger"}
		}
		return interp.PrimitiveResult{Value: oop.EncodeSmallInteger(oop.DecodeSmallInteger(receiver) + oop.DecodeSmallInteger(args[0]))}, nil
	}
}

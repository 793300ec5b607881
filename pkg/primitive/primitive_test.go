package primitive_test

import (
	"testing"

	"github.com/kristofer/stvm/pkg/asmlang"
	"github.com/kristofer/stvm/pkg/interp"
	"github.com/kristofer/stvm/pkg/memory"
	"github.com/kristofer/stvm/pkg/oop"
	"github.com/kristofer/stvm/pkg/primitive"
	"github.com/kristofer/stvm/pkg/sched"
)

// testVM mirrors pkg/interp's own test helper (duplicated here since
// primitive_test is a separate package): a fresh Memory, the three
// canonical singletons, a populated special-objects array, and a
// scheduler with no processes enqueued beyond what each test adds.
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
	primitive.Register(vm)
	return vm, b, mem
}

func runMethod(t *testing.T, vm *interp.VM, mem *memory.Memory, ctx *interp.Context) oop.OOP {
	t.Helper()
	proc, err := mem.Allocate(memory.ClassShape{ClassIndex: 0, InstanceFormat: memory.FormatZeroSized}, 0, 0)
	if err != nil {
		t.Fatalf("allocating process placeholder: %v", err)
	}
	result, err := vm.Run(proc.OOP, ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return result
}

func TestIdentityHashAndEquivalence(t *testing.T) {
	vm, b, mem := testVM(t)

	methodOOP, err := b.CompileMethod(0, "", `
.args 0
.temps 0
.primitive 75
.code
  returnSelf
`)
	if err != nil {
		t.Fatalf("CompileMethod: %v", err)
	}
	methObj, _ := mem.ObjectAt(methodOOP)
	meth, err := mem.DecodeMethod(methObj)
	if err != nil {
		t.Fatalf("DecodeMethod: %v", err)
	}

	receiver := oop.EncodeSmallInteger(9)
	ctx := interp.NewMethodContext(nil, meth, receiver, nil, vm.NilOOP())
	result := runMethod(t, vm, mem, ctx)
	if !result.IsSmallInteger() {
		t.Fatalf("identityHash result = %v, want a SmallInteger", result)
	}

	eqMethodOOP, err := b.CompileMethod(0, "", `
.args 1
.temps 0
.primitive 110
.code
  returnSelf
`)
	if err != nil {
		t.Fatalf("CompileMethod ==: %v", err)
	}
	eqMethObj, _ := mem.ObjectAt(eqMethodOOP)
	eqMeth, err := mem.DecodeMethod(eqMethObj)
	if err != nil {
		t.Fatalf("DecodeMethod ==: %v", err)
	}

	eqCtx := interp.NewMethodContext(nil, eqMeth, receiver, []oop.OOP{receiver}, vm.NilOOP())
	eqResult := runMethod(t, vm, mem, eqCtx)
	if eqResult != vm.TrueOOP() {
		t.Fatalf("receiver == receiver = %v, want true", eqResult)
	}

	neqCtx := interp.NewMethodContext(nil, eqMeth, receiver, []oop.OOP{oop.EncodeSmallInteger(10)}, vm.NilOOP())
	neqResult := runMethod(t, vm, mem, neqCtx)
	if neqResult != vm.FalseOOP() {
		t.Fatalf("receiver == 10 = %v, want false", neqResult)
	}
}

func TestClassPrimitiveAnswersClassTableEntry(t *testing.T) {
	vm, b, mem := testVM(t)

	classOOP, err := b.DefineClass("Widget", vm.NilOOP(), 62, 0)
	if err != nil {
		t.Fatalf("DefineClass: %v", err)
	}
	instance, err := mem.Allocate(memory.ClassShape{ClassIndex: 62, InstanceFormat: memory.FormatFixedPointers}, 0, 0)
	if err != nil {
		t.Fatalf("allocating instance: %v", err)
	}

	methodOOP, err := b.CompileMethod(0, "", `
.args 0
.temps 0
.primitive 111
.code
  returnSelf
`)
	if err != nil {
		t.Fatalf("CompileMethod: %v", err)
	}
	methObj, _ := mem.ObjectAt(methodOOP)
	meth, err := mem.DecodeMethod(methObj)
	if err != nil {
		t.Fatalf("DecodeMethod: %v", err)
	}

	ctx := interp.NewMethodContext(nil, meth, instance.OOP, nil, vm.NilOOP())
	result := runMethod(t, vm, mem, ctx)
	if result != classOOP {
		t.Fatalf("class = %v, want %v (Widget)", result, classOOP)
	}
}

func TestPerformDispatchesThroughOrdinaryLookup(t *testing.T) {
	vm, b, mem := testVM(t)

	classOOP, err := b.DefineClass("Answerer", vm.NilOOP(), 63, 0)
	if err != nil {
		t.Fatalf("DefineClass: %v", err)
	}
	_, err = b.CompileMethod(classOOP, "answer", `
.literals
  int 99
.code
  pushLit 0
  returnTop
`)
	if err != nil {
		t.Fatalf("CompileMethod answer: %v", err)
	}
	instance, err := mem.Allocate(memory.ClassShape{ClassIndex: 63, InstanceFormat: memory.FormatFixedPointers}, 0, 0)
	if err != nil {
		t.Fatalf("allocating instance: %v", err)
	}

	answerSel, err := b.Intern("answer")
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}

	callerOOP, err := b.CompileMethod(0, "", `
.args 1
.temps 0
.primitive 83
.code
  returnSelf
`)
	if err != nil {
		t.Fatalf("CompileMethod caller: %v", err)
	}
	callerObj, _ := mem.ObjectAt(callerOOP)
	caller, err := mem.DecodeMethod(callerObj)
	if err != nil {
		t.Fatalf("DecodeMethod caller: %v", err)
	}

	// perform: is sent to instance with the selector #answer as its own
	// argument, so the perform: activation's receiver is the instance and
	// its first argument is the selector to dispatch.
	ctx := interp.NewMethodContext(nil, caller, instance.OOP, []oop.OOP{answerSel}, vm.NilOOP())
	result := runMethod(t, vm, mem, ctx)
	if !result.IsSmallInteger() || oop.DecodeSmallInteger(result) != 99 {
		t.Fatalf("perform: #answer = %v, want SmallInteger 99", result)
	}
}

func TestPerformWithArgumentsUnpacksArray(t *testing.T) {
	vm, b, mem := testVM(t)

	classOOP, err := b.DefineClass("Adder", vm.NilOOP(), 64, 0)
	if err != nil {
		t.Fatalf("DefineClass: %v", err)
	}
	_, err = b.CompileMethod(classOOP, "add:to:", `
.args 2
.temps 0
.primitive 1
.code
  pushTemp 0
  returnTop
`)
	if err != nil {
		t.Fatalf("CompileMethod add:to:: %v", err)
	}
	instance, err := mem.Allocate(memory.ClassShape{ClassIndex: 64, InstanceFormat: memory.FormatFixedPointers}, 0, 0)
	if err != nil {
		t.Fatalf("allocating instance: %v", err)
	}
	registerAdd1(vm)

	selOOP, err := b.Intern("add:to:")
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}

	argsArr, err := mem.Allocate(memory.ClassShape{ClassIndex: memory.ClassIndexArray, InstanceFormat: memory.FormatVariablePointers}, 2, 0)
	if err != nil {
		t.Fatalf("allocating argument array: %v", err)
	}
	if err := mem.SlotPut(argsArr, 0, oop.EncodeSmallInteger(5)); err != nil {
		t.Fatalf("SlotPut: %v", err)
	}
	if err := mem.SlotPut(argsArr, 1, oop.EncodeSmallInteger(6)); err != nil {
		t.Fatalf("SlotPut: %v", err)
	}

	callerOOP, err := b.CompileMethod(0, "", `
.args 3
.temps 0
.primitive 84
.code
  returnSelf
`)
	if err != nil {
		t.Fatalf("CompileMethod caller: %v", err)
	}
	callerObj, _ := mem.ObjectAt(callerOOP)
	caller, err := mem.DecodeMethod(callerObj)
	if err != nil {
		t.Fatalf("DecodeMethod caller: %v", err)
	}

	ctx := interp.NewMethodContext(nil, caller, instance.OOP, []oop.OOP{selOOP, argsArr.OOP}, vm.NilOOP())
	result := runMethod(t, vm, mem, ctx)
	if !result.IsSmallInteger() || oop.DecodeSmallInteger(result) != 11 {
		t.Fatalf("perform:withArguments: = %v, want SmallInteger 11", result)
	}
}

// registerAdd1 wires primitive 1 (SmallInteger +) the same minimal way
// pkg/interp's own tests do, to keep add:to:'s fallback arithmetic real
// without pulling pkg/primitive's own arithmetic.go into this assertion
// (it is already loaded via primitive.Register; this just documents that
// add:to: depends on it being present).
func registerAdd1(vm *interp.VM) {
	if _, ok := vm.Primitives[1]; ok {
		return
	}
	vm.Primitives[1] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if len(args) != 1 || !receiver.IsSmallInteger() || !args[0].IsSmallInteger() {
			return interp.PrimitiveResult{}, &interp.PrimitiveFailureError{Reason: "operand is not a SmallInteger"}
		}
		return interp.PrimitiveResult{Value: oop.EncodeSmallInteger(oop.DecodeSmallInteger(receiver) + oop.DecodeSmallInteger(args[0]))}, nil
	}
}

// TestBlockValueEvaluatesClosureBody builds class index 37
// (memory.ClassIndexBlockClosure) with a "value" method declaring
// primitive 201, the same bootstrap convention CreateClosure assumes any
// real image supplies, then confirms sending value to a closure built by
// the pushClosure bytecode runs the closure's body and answers to the
// original sender.
func TestBlockValueEvaluatesClosureBody(t *testing.T) {
	vm, b, mem := testVM(t)

	blockClassOOP, err := b.DefineClass("BlockClosure", vm.NilOOP(), memory.ClassIndexBlockClosure, 0)
	if err != nil {
		t.Fatalf("DefineClass BlockClosure: %v", err)
	}
	_, err = b.CompileMethod(blockClassOOP, "value", `
.args 0
.temps 0
.primitive 201
.code
  returnSelf
`)
	if err != nil {
		t.Fatalf("CompileMethod value: %v", err)
	}

	callerOOP, err := b.CompileMethod(0, "", `
.args 0
.temps 1
.literals
  sym value
.code
  block 0 0
    pushSmallInt 1
    returnTop
  blockEnd
  popTemp 0
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

	ctx := interp.NewMethodContext(nil, caller, vm.NilOOP(), nil, vm.NilOOP())
	result := runMethod(t, vm, mem, ctx)
	if !result.IsSmallInteger() || oop.DecodeSmallInteger(result) != 1 {
		t.Fatalf("block value = %v, want SmallInteger 1", result)
	}
}

// TestSignalWakesWaitingProcess exercises the full semaphore wait/signal
// control-transfer path: a waiting process blocks (primitive 86), handing
// control to a second, already-ready process that signals the same
// semaphore (primitive 85); the waiter is then resumable from the exact
// continuation the wait call stashed.
func TestSignalWakesWaitingProcess(t *testing.T) {
	vm, b, mem := testVM(t)

	sem, err := mem.Allocate(memory.ClassShape{ClassIndex: 0, FixedSlots: 3, InstanceFormat: memory.FormatFixedPointers}, 0, 0)
	if err != nil {
		t.Fatalf("allocating semaphore: %v", err)
	}
	if err := mem.SlotPut(sem, 2, oop.EncodeSmallInteger(0)); err != nil {
		t.Fatalf("initializing excessSignals: %v", err)
	}

	waiterProc, err := mem.Allocate(memory.ClassShape{ClassIndex: 0, FixedSlots: 4, InstanceFormat: memory.FormatFixedPointers}, 0, 0)
	if err != nil {
		t.Fatalf("allocating waiter process: %v", err)
	}
	if err := mem.SlotPut(waiterProc, 2, oop.EncodeSmallInteger(5)); err != nil {
		t.Fatalf("setting waiter priority: %v", err)
	}
	signalerProc, err := mem.Allocate(memory.ClassShape{ClassIndex: 0, FixedSlots: 4, InstanceFormat: memory.FormatFixedPointers}, 0, 0)
	if err != nil {
		t.Fatalf("allocating signaler process: %v", err)
	}
	if err := mem.SlotPut(signalerProc, 2, oop.EncodeSmallInteger(5)); err != nil {
		t.Fatalf("setting signaler priority: %v", err)
	}

	outerMeth := compileStandalone(t, b, mem, `
.args 0
.temps 0
.code
  pop
  pushSmallInt 1
  returnTop
`)
	waitMeth := compileStandalone(t, b, mem, `
.args 0
.temps 0
.primitive 86
.code
  returnSelf
`)
	signalMeth := compileStandalone(t, b, mem, `
.args 0
.temps 0
.primitive 85
.code
  returnSelf
`)

	outerCtx := interp.NewMethodContext(nil, outerMeth, vm.NilOOP(), nil, vm.NilOOP())
	waiterCtx := interp.NewMethodContext(outerCtx, waitMeth, sem.OOP, nil, vm.NilOOP())
	signalerCtx := interp.NewMethodContext(nil, signalMeth, sem.OOP, nil, vm.NilOOP())

	scheduler := schedFor(vm)
	if err := scheduler.EnqueueReady(signalerProc.OOP); err != nil {
		t.Fatalf("EnqueueReady signaler: %v", err)
	}
	vm.SaveProcessContext(signalerProc.OOP, signalerCtx)

	firstResult, err := vm.Run(waiterProc.OOP, waiterCtx)
	if err != nil {
		t.Fatalf("Run (waiter blocks, signaler runs): %v", err)
	}
	if firstResult != sem.OOP {
		t.Fatalf("signal result = %v, want the semaphore itself (%v)", firstResult, sem.OOP)
	}
	if n := scheduler.ReadyLen(5); n != 1 {
		t.Fatalf("ready list at priority 5 has %d entries, want 1 (resumed waiter)", n)
	}

	// outerCtx was mutated in place by the wait primitive's own return
	// bookkeeping (the semaphore oop is sitting on its stack where the
	// eventual wait result would be); resuming it directly confirms the
	// waiter's stashed continuation is well-formed.
	secondResult, err := vm.Run(waiterProc.OOP, outerCtx)
	if err != nil {
		t.Fatalf("Run (resuming waiter's continuation): %v", err)
	}
	if !secondResult.IsSmallInteger() || oop.DecodeSmallInteger(secondResult) != 1 {
		t.Fatalf("resumed waiter result = %v, want SmallInteger 1", secondResult)
	}
}

func TestClockPrimitivesAnswerPlausibleValues(t *testing.T) {
	vm, b, mem := testVM(t)

	msMeth := compileStandalone(t, b, mem, `
.args 0
.temps 0
.primitive 135
.code
  returnSelf
`)
	ctx := interp.NewMethodContext(nil, msMeth, vm.NilOOP(), nil, vm.NilOOP())
	result := runMethod(t, vm, mem, ctx)
	if !result.IsSmallInteger() || oop.DecodeSmallInteger(result) < 0 {
		t.Fatalf("millisecondClock = %v, want a nonnegative SmallInteger", result)
	}

	usMeth := compileStandalone(t, b, mem, `
.args 0
.temps 0
.primitive 240
.code
  returnSelf
`)
	usCtx := interp.NewMethodContext(nil, usMeth, vm.NilOOP(), nil, vm.NilOOP())
	usResult := runMethod(t, vm, mem, usCtx)
	if !usResult.IsSmallInteger() || oop.DecodeSmallInteger(usResult) <= 0 {
		t.Fatalf("microsecondClock = %v, want a positive SmallInteger", usResult)
	}
}

// compileStandalone assembles src into a CompiledMethod not installed in
// any class's method dictionary (classOOP 0), decoding it back to the
// native shape NewMethodContext needs.
func compileStandalone(t *testing.T, b *asmlang.Builder, mem *memory.Memory, src string) *memory.Method {
	t.Helper()
	methodOOP, err := b.CompileMethod(0, "", src)
	if err != nil {
		t.Fatalf("CompileMethod: %v", err)
	}
	methObj, err := mem.ObjectAt(methodOOP)
	if err != nil {
		t.Fatalf("ObjectAt: %v", err)
	}
	meth, err := mem.DecodeMethod(methObj)
	if err != nil {
		t.Fatalf("DecodeMethod: %v", err)
	}
	return meth
}

// schedFor reaches the VM's scheduler through the one exported accessor
// pkg/interp provides for it (vm.Sched is an exported field, but tests in
// this package only need the handful of methods used above).
func schedFor(vm *interp.VM) *sched.Scheduler {
	return vm.Sched
}

package interp

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dchest/siphash"
	"github.com/google/uuid"

	"github.com/kristofer/stvm/pkg/bytecode"
	"github.com/kristofer/stvm/pkg/memory"
	"github.com/kristofer/stvm/pkg/oop"
	"github.com/kristofer/stvm/pkg/sched"
)

// cacheKey0/cacheKey1 seed the method cache's siphash. They are fixed
// rather than random so that two runs of the same image produce the same
// cache behavior — handy when a bug report says "this hung after N
// sends" and the repro needs to be exact.
const (
	cacheKey0 = 0x9E3779B97F4A7C15
	cacheKey1 = 0xBF58476D1CE4E5B9

	// idHashKey0/idHashKey1 seed primitive 75's identityHash siphash,
	// distinct from the method cache's key so the two hashes never
	// accidentally correlate.
	idHashKey0 = 0xC2B2AE3D27D4EB4F
	idHashKey1 = 0x165667B19E3779F9
)

// ExternalFunc is a named plugin handler for primitive 117's gateway
// (spec.md §4.4 "External plugins"): the module/function pair comes from
// the method's first literal, the arguments from the operand stack.
type ExternalFunc func(vm *VM, args []oop.OOP) (oop.OOP, error)

// timerEntry is one pending primitive-242 signal-at-time registration.
type timerEntry struct {
	atMicros int64
	sem      oop.OOP
}

// PrimitiveResult is what a primitive hands back to the dispatch loop:
// either a value to return synchronously to the sender (the common
// case), or a Transfer context when the primitive itself needs to enter
// a new activation instead of returning one (block value primitives,
// §4.4 201-204/211-222, build a fresh block context and transfer control
// into it rather than computing a result directly).
type PrimitiveResult struct {
	Value    oop.OOP
	Transfer *Context
}

// PrimitiveFunc implements one numbered primitive (spec.md §4.4). It
// returns a PrimitiveFailureError to signal "fall through to the
// method's bytecode body", per spec.md §7.
type PrimitiveFunc func(vm *VM, ctx *Context, receiver oop.OOP, args []oop.OOP) (PrimitiveResult, error)

// VM ties together the object memory, class table, method lookup cache,
// primitive table, and process scheduler into the single entity the
// fetch-decode-execute loop runs over (spec.md §4.2).
type VM struct {
	// ID distinguishes one VM instance from another in error output
	// (Run's fatal-error paths prefix their error with it) — useful once
	// an embedder runs more than one image concurrently and a bug report
	// needs to say which one misbehaved.
	ID uuid.UUID

	Mem      *memory.Memory
	Specials *memory.SpecialObjects
	Cache    *MethodCache
	Sched    *sched.Scheduler

	Primitives map[int]PrimitiveFunc

	// Plugins backs primitive 117's external-call gateway; empty by
	// default (spec.md §1 non-goal: "per-primitive plugins... are out of
	// core scope"), but wired so a caller embedding stvm can register one.
	Plugins map[string]ExternalFunc

	timers []timerEntry

	nilOOP      oop.OOP
	trueOOP     oop.OOP
	falseOOP    oop.OOP
	dnuSelector oop.OOP

	currentProcess oop.OOP
	contexts       map[oop.OOP]*Context // process oop -> its current native activation

	// outerContexts records a BlockClosure heap object's defining
	// (outer) activation. A closure's outerContext cannot itself be
	// stored as a heap slot without forcing reification of every
	// context that ever creates a block, so it is tracked VM-side
	// instead, keyed by the closure's own oop (spec.md §4.5's lazy
	// reification note, extended to closures).
	outerContexts map[oop.OOP]*Context
}

// NewVM builds a VM over an already-populated Memory, resolving the
// well-known singletons (nil/true/false/doesNotUnderstand:) out of the
// special-objects array located at specialsOOP (spec.md §6's
// special_object_oop header field).
func NewVM(mem *memory.Memory, scheduler *sched.Scheduler, specialsOOP oop.OOP) (*VM, error) {
	specials, err := memory.NewSpecialObjects(mem, specialsOOP)
	if err != nil {
		return nil, fmt.Errorf("interp: %w", err)
	}
	nilOOP, err := specials.Nil()
	if err != nil {
		return nil, fmt.Errorf("interp: resolving nil: %w", err)
	}
	falseOOP, err := specials.False()
	if err != nil {
		return nil, fmt.Errorf("interp: resolving false: %w", err)
	}
	trueOOP, err := specials.True()
	if err != nil {
		return nil, fmt.Errorf("interp: resolving true: %w", err)
	}
	dnuSel, err := specials.DoesNotUnderstandSelector()
	if err != nil {
		return nil, fmt.Errorf("interp: resolving doesNotUnderstand:: %w", err)
	}
	mem.ClassTable().NilOOP = nilOOP

	return &VM{
		ID:            uuid.New(),
		Mem:           mem,
		Specials:      specials,
		Sched:         scheduler,
		Cache:         NewMethodCache(cacheKey0, cacheKey1),
		Primitives:    make(map[int]PrimitiveFunc),
		Plugins:       make(map[string]ExternalFunc),
		nilOOP:        nilOOP,
		trueOOP:       trueOOP,
		falseOOP:      falseOOP,
		dnuSelector:   dnuSel,
		contexts:      make(map[oop.OOP]*Context),
		outerContexts: make(map[oop.OOP]*Context),
	}, nil
}

// NilOOP, TrueOOP, FalseOOP and DNUSelector expose the VM's resolved
// well-known oops for pkg/primitive.
func (vm *VM) NilOOP() oop.OOP      { return vm.nilOOP }
func (vm *VM) TrueOOP() oop.OOP     { return vm.trueOOP }
func (vm *VM) FalseOOP() oop.OOP    { return vm.falseOOP }
func (vm *VM) DNUSelector() oop.OOP { return vm.dnuSelector }

// BoolOOP converts a Go bool to the corresponding Smalltalk singleton,
// the inverse of the comparison primitives' result encoding (spec.md
// §4.4 numbers 1-17/540s).
func (vm *VM) BoolOOP(b bool) oop.OOP {
	if b {
		return vm.trueOOP
	}
	return vm.falseOOP
}

// Run drives the fetch-decode-execute loop starting with proc as the
// active process and initial as its first activation, until the
// outermost activation returns (its sender is nil), returning that final
// value. Process switches are checked once per fetch-step boundary
// (spec.md §4.2, §5): pending asynchronous signals are delivered and the
// scheduler's current active process is consulted before every
// instruction.
func (vm *VM) Run(proc oop.OOP, initial *Context) (oop.OOP, error) {
	vm.currentProcess = proc
	vm.Sched.SetActiveProcess(proc)
	vm.contexts[proc] = initial
	ctx := initial

	for {
		vm.checkTimers()
		if err := vm.Sched.DrainAsyncSignals(); err != nil {
			return 0, fmt.Errorf("vm %s: %w", vm.ID, err)
		}
		active := vm.Sched.ActiveProcess()
		if active != vm.currentProcess {
			vm.contexts[vm.currentProcess] = ctx
			vm.currentProcess = active
			next, ok := vm.contexts[active]
			if !ok {
				return 0, fmt.Errorf("vm %s: %w", vm.ID, &BadImageError{Reason: "scheduled process has no resumable context"})
			}
			ctx = next
		}

		value, done, next, err := vm.step(ctx)
		if err != nil {
			return 0, fmt.Errorf("vm %s: %w", vm.ID, err)
		}
		if done {
			return value, nil
		}
		ctx = next
	}
}

// MillisecondClock implements primitive 135: a 29-bit-wrapping
// millisecond counter (spec.md §4.4).
func (vm *VM) MillisecondClock() int64 {
	return time.Now().UnixMilli() & (1<<29 - 1)
}

// MicrosecondClock implements primitive 240's free-running clock.
func (vm *VM) MicrosecondClock() int64 {
	return time.Now().UnixMicro()
}

// ScheduleSignalAt registers a pending primitive-242 "signal semaphore
// sem once the microsecond clock passes atMicros". Delivery happens at
// the next fetch-step boundary that observes the deadline has passed
// (spec.md §5 "timer-driven asynchronous wake-up"); this core has no
// background OS timer thread (disallowed by spec.md §1's no-parallelism
// non-goal), so a process that never yields will not see a timer fire
// until its own next fetch boundary.
func (vm *VM) ScheduleSignalAt(atMicros int64, sem oop.OOP) {
	vm.timers = append(vm.timers, timerEntry{atMicros: atMicros, sem: sem})
}

func (vm *VM) checkTimers() {
	if len(vm.timers) == 0 {
		return
	}
	now := vm.MicrosecondClock()
	kept := vm.timers[:0]
	for _, t := range vm.timers {
		if t.atMicros <= now {
			vm.Sched.QueueAsyncSignal(t.sem)
		} else {
			kept = append(kept, t)
		}
	}
	vm.timers = kept
}

// IdentityHashOf implements primitive 75: a lazily-computed but stable
// 22-bit non-zero hash derived from the object's heap address. Because
// this core never compacts or moves an object once allocated, hashing
// the address directly is equivalent to caching a hash assigned at
// allocation time — there is no separate table to keep in sync.
func (vm *VM) IdentityHashOf(o oop.OOP) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(o))
	h := siphash.Hash(idHashKey0, idHashKey1, buf[:])
	h22 := uint32(h) & 0x3FFFFF
	if h22 == 0 {
		h22 = 1
	}
	return h22
}

// receiverObject resolves ctx's receiver to a memory.Object, for
// instance-variable slot access.
func (vm *VM) receiverObject(ctx *Context) (memory.Object, error) {
	return vm.Mem.ObjectAt(ctx.Receiver)
}

// CurrentProcess returns the process oop the interpreter is currently
// running, for pkg/primitive's process/semaphore family (spec.md §5's
// wait/suspend primitives need to know whose continuation they are
// stashing).
func (vm *VM) CurrentProcess() oop.OOP { return vm.currentProcess }

// SaveProcessContext records ctx as proc's resumable continuation, for a
// primitive that blocks or suspends the currently running process
// (spec.md §5: "save the current context into the outgoing process's
// suspendedContext").
func (vm *VM) SaveProcessContext(proc oop.OOP, ctx *Context) { vm.contexts[proc] = ctx }

// ResumeScheduledContext returns the native continuation for whatever
// process the scheduler now considers active, for a primitive that just
// blocked or suspended the process it was running in and must hand
// control to the next one (spec.md §5's suspend-active). It also updates
// the VM's own notion of the current process, mirroring what Run's own
// fetch-boundary check does.
func (vm *VM) ResumeScheduledContext() (*Context, error) {
	active := vm.Sched.ActiveProcess()
	next, ok := vm.contexts[active]
	if !ok {
		return nil, fmt.Errorf("vm %s: %w", vm.ID, &BadImageError{Reason: "scheduled process has no resumable context"})
	}
	vm.currentProcess = active
	return next, nil
}

// Return is doReturn exposed to pkg/primitive, for a primitive (wait,
// suspend) that must compute its own method's ordinary return
// continuation without actually resuming it yet — the continuation is
// stashed via SaveProcessContext instead, to run only once the process
// is rescheduled.
func (vm *VM) Return(ctx *Context, value oop.OOP, nonLocal bool) (oop.OOP, bool, *Context, error) {
	return vm.doReturn(ctx, value, nonLocal)
}

// ReifyContext exposes reifyContext to pkg/primitive, for the exception
// primitives (195/197) that must hand a Smalltalk caller a real Context
// heap object rather than operate on the native activation directly.
func (vm *VM) ReifyContext(ctx *Context) (oop.OOP, error) {
	return vm.reifyContext(ctx)
}

// PrimitiveNumberOf returns the primitive number meth declares, decoding
// its first bytecode (the callPrimitive pseudo-instruction pkg/asmlang
// always emits first when .primitive is set), for primitives 195/197's
// sender-chain walk: spec.md §4.5 identifies a handler or unwind-protect
// context by "the method is marked... (primitive 199)... (primitive
// 198)", which is only visible by inspecting the method's own declared
// primitive number, not anything recorded on the live Context.
func (vm *VM) PrimitiveNumberOf(meth *memory.Method) (int, bool) {
	if !meth.Header.HasPrimitive || len(meth.Bytecode) == 0 {
		return 0, false
	}
	inst := bytecode.Decode(meth.Bytecode, 0)
	if inst.Family != bytecode.FamilyCallPrimitive {
		return 0, false
	}
	return int(inst.Operands[0]) | int(inst.Operands[1])<<8, true
}

// Send implements the general message-send gateway that primitives
// 83/84 (perform:/perform:withArguments:) need: resolve selector
// against receiver's class exactly like an ordinary send, but with the
// arguments arriving as already-evaluated primitive arguments rather
// than sitting on ctx's own operand stack. The callee's sender is ctx's
// own sender, not ctx itself, since the perform: activation is bypassed
// entirely rather than left on the call chain (spec.md §4.4 "bypassing
// literal lookup").
func (vm *VM) Send(ctx *Context, selector oop.OOP, receiver oop.OOP, args []oop.OOP) (*Context, error) {
	recvObj, err := vm.Mem.ObjectAt(receiver)
	if err != nil {
		return nil, err
	}
	classObj, err := vm.Mem.ClassOf(recvObj)
	if err != nil {
		return nil, err
	}

	methodOOP, isDNU, err := LookupMethod(vm.Mem, vm.Cache, classObj.OOP, selector, vm.dnuSelector, vm.nilOOP)
	if err != nil {
		return nil, err
	}
	sendArgs := args
	if isDNU {
		msgOOP, err := vm.buildMessageWithClass(selector, args, classObj.OOP)
		if err != nil {
			return nil, err
		}
		sendArgs = []oop.OOP{msgOOP}
	}

	methodObj, err := vm.Mem.ObjectAt(methodOOP)
	if err != nil {
		return nil, err
	}
	meth, err := vm.Mem.DecodeMethod(methodObj)
	if err != nil {
		return nil, err
	}
	return NewMethodContext(ctx.Sender, meth, receiver, sendArgs, vm.nilOOP), nil
}

// ClassShapeOf resolves a class oop to the memory.ClassShape its
// basicNew/basicNew: instances are allocated with (spec.md §3 "class-format
// word": low 16 bits = instance fixed-slot count, next 5 bits = instance
// object format), for pkg/primitive's basicNew family.
func (vm *VM) ClassShapeOf(classOOP oop.OOP) (memory.ClassShape, error) {
	classObj, err := vm.Mem.ObjectAt(classOOP)
	if err != nil {
		return memory.ClassShape{}, err
	}
	formatWordObj, err := vm.Mem.Slot(classObj, 2)
	if err != nil {
		return memory.ClassShape{}, fmt.Errorf("interp: class format word: %w", err)
	}
	word := uint64(formatWordObj.SmallIntegerValue())
	idx, ok := vm.Mem.ClassTable().IndexOf(classOOP)
	if !ok {
		return memory.ClassShape{}, fmt.Errorf("interp: class %#x is not registered in the class table", classOOP)
	}
	return memory.ClassShape{
		ClassIndex:     idx,
		FixedSlots:     int(word & 0xFFFF),
		InstanceFormat: uint8((word >> 16) & 0x1F),
	}, nil
}

// step executes exactly one bytecode instruction of ctx, returning
// either a final result (done==true, ctx's outermost sender was nil), or
// the context to execute next (itself, for most instructions; a new
// callee context for sends and primitive-initiated block activations; or
// ctx's sender/outer-sender for returns).
func (vm *VM) step(ctx *Context) (result oop.OOP, done bool, next *Context, err error) {
	code := ctx.Method.Bytecode
	if ctx.PC < 0 || ctx.PC >= len(code) {
		return 0, false, nil, fmt.Errorf("interp: pc %d out of range (method has %d bytecode bytes)", ctx.PC, len(code))
	}
	inst := bytecode.Decode(code, ctx.PC)
	size := len(inst.Operands) + 1
	op := inst.Opcode

	switch inst.Family {
	case bytecode.FamilyPushReceiverVar:
		rcvr, err := vm.receiverObject(ctx)
		if err != nil {
			return 0, false, nil, err
		}
		v, err := vm.Mem.Slot(rcvr, uint64(op))
		if err != nil {
			return 0, false, nil, err
		}
		return vm.advance(ctx, size, v.OOP)

	case bytecode.FamilyPushTemp:
		idx := int(op - 16)
		if idx >= ctx.StackP {
			return 0, false, nil, &BadReceiverError{Reason: "pushTemp index beyond frame"}
		}
		return vm.advance(ctx, size, ctx.Stack[idx])

	case bytecode.FamilyPushLiteral:
		idx := int(op - 32)
		if idx >= len(ctx.Method.Literals) {
			return 0, false, nil, &BadReceiverError{Reason: "pushLiteral index out of range"}
		}
		return vm.advance(ctx, size, ctx.Method.Literals[idx])

	case bytecode.FamilyPushLiteralVar:
		idx := int(op - 64)
		v, err := vm.literalVarValue(ctx, idx)
		if err != nil {
			return 0, false, nil, err
		}
		return vm.advance(ctx, size, v)

	case bytecode.FamilyPopIntoReceiverVar:
		v, err := ctx.Pop()
		if err != nil {
			return 0, false, nil, err
		}
		rcvr, err := vm.receiverObject(ctx)
		if err != nil {
			return 0, false, nil, err
		}
		if err := vm.Mem.SlotPut(rcvr, uint64(op-96), v); err != nil {
			return 0, false, nil, err
		}
		ctx.PC += size
		return 0, false, ctx, nil

	case bytecode.FamilyPopIntoTemp:
		v, err := ctx.Pop()
		if err != nil {
			return 0, false, nil, err
		}
		idx := int(op - 104)
		if idx >= len(ctx.Stack) {
			return 0, false, nil, &BadReceiverError{Reason: "popIntoTemp index beyond frame"}
		}
		ctx.Stack[idx] = v
		ctx.PC += size
		return 0, false, ctx, nil

	case bytecode.FamilyPushReceiver:
		return vm.advance(ctx, size, ctx.Receiver)

	case bytecode.FamilyPushSpecial:
		vals := []oop.OOP{vm.trueOOP, vm.falseOOP, vm.nilOOP}
		return vm.advance(ctx, size, vals[op-113])

	case bytecode.FamilyPushSmallInt:
		return vm.advance(ctx, size, oop.EncodeSmallInteger(int64(op)-117))

	case bytecode.FamilyReturnReceiver:
		return vm.doReturn(ctx, ctx.Receiver, false)

	case bytecode.FamilyReturnSpecial:
		vals := []oop.OOP{vm.trueOOP, vm.falseOOP, vm.nilOOP}
		return vm.doReturn(ctx, vals[op-121], false)

	case bytecode.FamilyReturnTop:
		v, err := ctx.Pop()
		if err != nil {
			return 0, false, nil, err
		}
		return vm.doReturn(ctx, v, false)

	case bytecode.FamilyBlockReturn:
		v, err := ctx.Pop()
		if err != nil {
			return 0, false, nil, err
		}
		return vm.doReturn(ctx, v, true)

	case bytecode.FamilyExtendedStorePop:
		if err := vm.extendedStore(ctx, inst.Operands[0], op == 130); err != nil {
			return 0, false, nil, err
		}
		ctx.PC += size
		return 0, false, ctx, nil

	case bytecode.FamilySingleExtendedSend:
		selIdx, argc := int(inst.Operands[0]&0x1F), int(inst.Operands[0]>>5)
		return vm.dispatchSend(ctx, size, selIdx, argc, false)

	case bytecode.FamilyDoubleExtended:
		argc, selIdx := int(inst.Operands[0]), int(inst.Operands[1])
		return vm.dispatchSend(ctx, size, selIdx, argc, false)

	case bytecode.FamilySuperSend:
		selIdx, argc := int(inst.Operands[0]&0x1F), int(inst.Operands[0]>>5)
		return vm.dispatchSend(ctx, size, selIdx, argc, true)

	case bytecode.FamilyPopTop:
		if _, err := ctx.Pop(); err != nil {
			return 0, false, nil, err
		}
		ctx.PC += size
		return 0, false, ctx, nil

	case bytecode.FamilyDup:
		v, err := ctx.Top()
		if err != nil {
			return 0, false, nil, err
		}
		if err := ctx.Push(v); err != nil {
			return 0, false, nil, err
		}
		ctx.PC += size
		return 0, false, ctx, nil

	case bytecode.FamilyPushThisContext:
		v, err := vm.reifyContext(ctx)
		if err != nil {
			return 0, false, nil, err
		}
		return vm.advance(ctx, size, v)

	case bytecode.FamilyPushNewArray:
		n := int(inst.Operands[0])
		vals, err := ctx.PopN(n)
		if err != nil {
			return 0, false, nil, err
		}
		arr, err := vm.Mem.Allocate(memory.ClassShape{ClassIndex: memory.ClassIndexArray, InstanceFormat: memory.FormatVariablePointers}, n, 0)
		if err != nil {
			return 0, false, nil, err
		}
		for i, v := range vals {
			if err := vm.Mem.SlotPut(arr, uint64(i), v); err != nil {
				return 0, false, nil, err
			}
		}
		return vm.advance(ctx, size, arr.OOP)

	case bytecode.FamilyCallPrimitive:
		return vm.callPrimitive(ctx, inst, size)

	case bytecode.FamilyRemoteTemp:
		return vm.remoteTemp(ctx, op, inst, size)

	case bytecode.FamilyPushClosure:
		flags := inst.Operands[0]
		bodySize := int(inst.Operands[1])<<8 | int(inst.Operands[2])
		startPC := ctx.PC + size
		numCopied := int(flags >> 4)
		closureOOP, err := vm.CreateClosure(ctx, flags, startPC, numCopied)
		if err != nil {
			return 0, false, nil, err
		}
		if err := ctx.Push(closureOOP); err != nil {
			return 0, false, nil, err
		}
		ctx.PC += size + bodySize
		return 0, false, ctx, nil

	case bytecode.FamilyShortJump:
		ctx.PC += size + int(op-144+1)
		return 0, false, ctx, nil

	case bytecode.FamilyShortCondJump:
		taken, err := vm.popBoolean(ctx)
		if err != nil {
			return 0, false, nil, err
		}
		if !taken {
			ctx.PC += size + int(op-152+1)
		} else {
			ctx.PC += size
		}
		return 0, false, ctx, nil

	case bytecode.FamilyLongJump:
		disp := int(op-160)<<8 | int(inst.Operands[0])
		ctx.PC += size + disp
		return 0, false, ctx, nil

	case bytecode.FamilyLongCondJump:
		taken, err := vm.popBoolean(ctx)
		if err != nil {
			return 0, false, nil, err
		}
		disp := int(op-168)<<8 | int(inst.Operands[0])
		if !taken {
			ctx.PC += size + disp
		} else {
			ctx.PC += size
		}
		return 0, false, ctx, nil

	case bytecode.FamilySendSpecial:
		idx := uint64(op - 176)
		arr, err := vm.Specials.SpecialSelectorsArray()
		if err != nil {
			return 0, false, nil, err
		}
		selObj, err := vm.Mem.Slot(arr, idx*2)
		if err != nil {
			return 0, false, nil, err
		}
		argcObj, err := vm.Mem.Slot(arr, idx*2+1)
		if err != nil {
			return 0, false, nil, err
		}
		ctx.PC += size
		newCtx, err := vm.doSend(ctx, selObj.OOP, int(argcObj.SmallIntegerValue()), false)
		return 0, false, newCtx, err

	case bytecode.FamilySend0Arg:
		return vm.dispatchSend(ctx, size, int(op-208), 0, false)

	case bytecode.FamilySend1Arg:
		return vm.dispatchSend(ctx, size, int(op-224), 1, false)

	case bytecode.FamilySend2Arg:
		return vm.dispatchSend(ctx, size, int(op-240), 2, false)

	default:
		return 0, false, nil, &UnimplementedError{Opcode: op}
	}
}

// advance is the common case: push a decoded value and move past the
// instruction, staying in the same context.
func (vm *VM) advance(ctx *Context, size int, v oop.OOP) (oop.OOP, bool, *Context, error) {
	if err := ctx.Push(v); err != nil {
		return 0, false, nil, err
	}
	ctx.PC += size
	return 0, false, ctx, nil
}

// popBoolean pops the top of the stack and requires it be one of the two
// canonical Boolean singletons, per spec.md §4.2's conditional jump
// opcodes. Unlike a full Smalltalk image this core does not re-dispatch
// a non-Boolean receiver through #mustBeBoolean:; it surfaces the
// malformed case directly as BadReceiverError.
func (vm *VM) popBoolean(ctx *Context) (bool, error) {
	v, err := ctx.Pop()
	if err != nil {
		return false, err
	}
	switch v {
	case vm.trueOOP:
		return true, nil
	case vm.falseOOP:
		return false, nil
	default:
		return false, &BadReceiverError{Reason: "conditional jump on non-Boolean"}
	}
}

// literalVarValue resolves a "push literal variable" operand: literal i
// is an Association (key/value pair); the value slot (index 1) is what
// is pushed, per the usual Smalltalk global/class-variable encoding.
func (vm *VM) literalVarValue(ctx *Context, idx int) (oop.OOP, error) {
	if idx >= len(ctx.Method.Literals) {
		return 0, &BadReceiverError{Reason: "pushLiteralVar index out of range"}
	}
	assoc, err := vm.Mem.ObjectAt(ctx.Method.Literals[idx])
	if err != nil {
		return 0, err
	}
	v, err := vm.Mem.Slot(assoc, 1)
	if err != nil {
		return 0, err
	}
	return v.OOP, nil
}

// extendedStore implements opcodes 129/130: operand byte bits 6-7 select
// the destination kind (0 = receiver var, 1 = temp, 2 = literal
// variable's association value), bits 0-5 the index. 129 peeks the
// stack top; 130 (storePop) also pops it.
func (vm *VM) extendedStore(ctx *Context, operand byte, pop bool) error {
	kind := operand >> 6
	idx := int(operand & 0x3F)
	v, err := ctx.Top()
	if err != nil {
		return err
	}
	switch kind {
	case 0:
		rcvr, err := vm.receiverObject(ctx)
		if err != nil {
			return err
		}
		if err := vm.Mem.SlotPut(rcvr, uint64(idx), v); err != nil {
			return err
		}
	case 1:
		if idx >= len(ctx.Stack) {
			return &BadReceiverError{Reason: "extendedStore temp index beyond frame"}
		}
		ctx.Stack[idx] = v
	case 2:
		assoc, err := vm.Mem.ObjectAt(ctx.Method.Literals[idx])
		if err != nil {
			return err
		}
		if err := vm.Mem.SlotPut(assoc, 1, v); err != nil {
			return err
		}
	default:
		return &BadReceiverError{Reason: "extendedStore unknown destination kind"}
	}
	if pop {
		_, err := ctx.Pop()
		return err
	}
	return nil
}

// remoteTemp handles opcodes 140-142 (push/store/pop a temp living in
// this context's own frame). Real Smalltalk uses these to reach a temp
// captured by an enclosing block's indirection vector; this core keeps
// every activation's temps in its own single flat frame, so "remote"
// here only means "index beyond the instruction's compact push/pop temp
// range", not a different context.
func (vm *VM) remoteTemp(ctx *Context, op byte, inst bytecode.Instruction, size int) (oop.OOP, bool, *Context, error) {
	idx := int(inst.Operands[0])
	if idx >= len(ctx.Stack) {
		return 0, false, nil, &BadReceiverError{Reason: "remoteTemp index beyond frame"}
	}
	switch op {
	case 140:
		return vm.advance(ctx, size, ctx.Stack[idx])
	case 141:
		v, err := ctx.Top()
		if err != nil {
			return 0, false, nil, err
		}
		ctx.Stack[idx] = v
		ctx.PC += size
		return 0, false, ctx, nil
	default: // 142
		v, err := ctx.Pop()
		if err != nil {
			return 0, false, nil, err
		}
		ctx.Stack[idx] = v
		ctx.PC += size
		return 0, false, ctx, nil
	}
}

// dispatchSend resolves a literal-indexed selector and hands off to
// doSend, advancing the PC first so that the sender resumes right after
// the send when the callee eventually returns.
func (vm *VM) dispatchSend(ctx *Context, size, selIdx, argc int, isSuper bool) (oop.OOP, bool, *Context, error) {
	if selIdx >= len(ctx.Method.Literals) {
		return 0, false, nil, &BadReceiverError{Reason: "send selector literal index out of range"}
	}
	selector := ctx.Method.Literals[selIdx]
	ctx.PC += size
	newCtx, err := vm.doSend(ctx, selector, argc, isSuper)
	return 0, false, newCtx, err
}

// doSend implements spec.md §4.2's send algorithm: pop the arguments and
// receiver, resolve the lookup class (the receiver's own class, or for a
// super send the superclass of the sending method's home class), look up
// the method (falling back through doesNotUnderstand: on a total miss),
// and build the callee's activation. Primitive dispatch itself happens
// generically when the callee's first bytecode (a callPrimitive
// pseudo-instruction) is executed, not here.
func (vm *VM) doSend(ctx *Context, selector oop.OOP, argCount int, isSuper bool) (*Context, error) {
	args, err := ctx.PopN(argCount)
	if err != nil {
		return nil, err
	}
	receiverOOP, err := ctx.Pop()
	if err != nil {
		return nil, err
	}

	var classOOP oop.OOP
	if isSuper {
		classOOP, err = vm.homeSuperclass(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		recvObj, err := vm.Mem.ObjectAt(receiverOOP)
		if err != nil {
			return nil, err
		}
		classObj, err := vm.Mem.ClassOf(recvObj)
		if err != nil {
			return nil, err
		}
		classOOP = classObj.OOP
	}

	methodOOP, isDNU, err := LookupMethod(vm.Mem, vm.Cache, classOOP, selector, vm.dnuSelector, vm.nilOOP)
	if err != nil {
		return nil, err
	}

	sendArgs := args
	if isDNU {
		msgOOP, err := vm.buildMessageWithClass(selector, args, classOOP)
		if err != nil {
			return nil, err
		}
		sendArgs = []oop.OOP{msgOOP}
	}

	methodObj, err := vm.Mem.ObjectAt(methodOOP)
	if err != nil {
		return nil, err
	}
	meth, err := vm.Mem.DecodeMethod(methodObj)
	if err != nil {
		return nil, err
	}

	return NewMethodContext(ctx, meth, receiverOOP, sendArgs, vm.nilOOP), nil
}

// homeSuperclass resolves the superclass a super send dispatches from:
// the class the currently executing method is compiled into, by
// convention stored as that method's last literal (spec.md §3 leaves the
// exact "compiledInClass" representation to the implementation; this is
// the usual Smalltalk VM placement and is what pkg/asmlang emits).
func (vm *VM) homeSuperclass(ctx *Context) (oop.OOP, error) {
	lits := ctx.Method.Literals
	if len(lits) == 0 {
		return 0, &BadReceiverError{Reason: "super send in a method with no compiledInClass literal"}
	}
	homeClass, err := vm.Mem.ObjectAt(lits[len(lits)-1])
	if err != nil {
		return 0, err
	}
	super, err := vm.Mem.Slot(homeClass, 0)
	if err != nil {
		return 0, err
	}
	return super.OOP, nil
}

// buildMessage allocates the Message object passed to
// doesNotUnderstand: (spec.md §4.3): slots selector (the missed
// selector), args (an Array of the popped arguments), and lookupClass,
// which this variant leaves nil (buildMessageWithClass fills it in).
// No interpreter path calls it: a return to a context that has already
// returned ends Run with CannotReturnError, and no cannotReturn: message
// is built or sent.
func (vm *VM) buildMessage(selector oop.OOP, args []oop.OOP) (oop.OOP, error) {
	return vm.buildMessageWithClass(selector, args, vm.nilOOP)
}

func (vm *VM) buildMessageWithClass(selector oop.OOP, args []oop.OOP, lookupClass oop.OOP) (oop.OOP, error) {
	argsArr, err := vm.Mem.Allocate(memory.ClassShape{ClassIndex: memory.ClassIndexArray, InstanceFormat: memory.FormatVariablePointers}, len(args), 0)
	if err != nil {
		return 0, err
	}
	for i, a := range args {
		if err := vm.Mem.SlotPut(argsArr, uint64(i), a); err != nil {
			return 0, err
		}
	}
	msg, err := vm.Mem.Allocate(memory.ClassShape{ClassIndex: memory.ClassIndexMessage, FixedSlots: 3, InstanceFormat: memory.FormatFixedPointers}, 0, 0)
	if err != nil {
		return 0, err
	}
	if err := vm.Mem.SlotPut(msg, 0, selector); err != nil {
		return 0, err
	}
	if err := vm.Mem.SlotPut(msg, 1, argsArr.OOP); err != nil {
		return 0, err
	}
	if err := vm.Mem.SlotPut(msg, 2, lookupClass); err != nil {
		return 0, err
	}
	return msg.OOP, nil
}

// doReturn implements spec.md §4.5's return algorithm for both plain
// returns (target = ctx.Sender) and non-local/block returns (target =
// ctx.OuterSender()). Returning through a context whose activation has
// already produced a result is the CannotReturn error of spec.md §7.
func (vm *VM) doReturn(ctx *Context, value oop.OOP, nonLocal bool) (oop.OOP, bool, *Context, error) {
	var target *Context
	if nonLocal {
		target = ctx.OuterSender()
	} else {
		target = ctx.Sender
	}
	ctx.Returned = true

	if target == nil {
		return value, true, nil, nil
	}
	if target.Returned {
		return 0, false, nil, &CannotReturnError{Reason: "home context has already returned"}
	}
	if err := target.Push(value); err != nil {
		return 0, false, nil, err
	}
	return 0, false, target, nil
}

// callPrimitive is reached when execution hits a callPrimitive
// pseudo-instruction — by convention the very first bytecode of a method
// whose header's primitive-presence flag is set (spec.md §3/§4.4). A
// registered primitive either succeeds (its result is returned to the
// sender immediately, the method's bytecode body never runs) or fails
// (execution simply falls through to the bytecode immediately
// following this instruction, which is the body's Smalltalk fallback
// code). An unregistered primitive number behaves exactly like a failed
// one: this core does not implement every numbered primitive a real
// image defines, and an unimplemented one should fail into its bytecode
// fallback the same way a real one failing on bad input would.
func (vm *VM) callPrimitive(ctx *Context, inst bytecode.Instruction, size int) (oop.OOP, bool, *Context, error) {
	num := int(inst.Operands[0]) | int(inst.Operands[1])<<8
	fn, ok := vm.Primitives[num]
	if ok {
		numArgs := int(ctx.Method.Header.NumArgs)
		args := append([]oop.OOP(nil), ctx.Stack[:numArgs]...)
		res, err := fn(vm, ctx, ctx.Receiver, args)
		if err == nil {
			if res.Transfer != nil {
				return 0, false, res.Transfer, nil
			}
			return vm.doReturn(ctx, res.Value, false)
		}
		if _, failed := err.(*PrimitiveFailureError); !failed {
			return 0, false, nil, err
		}
	}
	ctx.PC += size
	return 0, false, ctx, nil
}

// CreateClosure builds a BlockClosure heap object (format 3: fixed slots
// startpc/numArgs, indexed slots = copied values) and records its
// defining activation in the VM-side outer-context table (see VM.outerContexts).
func (vm *VM) CreateClosure(ctx *Context, flags byte, startPC int, numCopied int) (oop.OOP, error) {
	numArgs := int(flags & 0xF)
	copied, err := ctx.PopN(numCopied)
	if err != nil {
		return 0, err
	}
	obj, err := vm.Mem.Allocate(memory.ClassShape{ClassIndex: memory.ClassIndexBlockClosure, FixedSlots: 2, InstanceFormat: memory.FormatVariableWithInst}, numCopied, 0)
	if err != nil {
		return 0, err
	}
	if err := vm.Mem.SlotPut(obj, 0, oop.EncodeSmallInteger(int64(startPC))); err != nil {
		return 0, err
	}
	if err := vm.Mem.SlotPut(obj, 1, oop.EncodeSmallInteger(int64(numArgs))); err != nil {
		return 0, err
	}
	for i, v := range copied {
		if err := vm.Mem.SlotPut(obj, uint64(2+i), v); err != nil {
			return 0, err
		}
	}
	vm.outerContexts[obj.OOP] = ctx
	return obj.OOP, nil
}

// DecodeClosure resolves a BlockClosure heap object back to the native
// BlockClosure value pkg/primitive's block-evaluation primitives need in
// order to build a new activation for it.
func (vm *VM) DecodeClosure(closureOOP oop.OOP) (*BlockClosure, error) {
	obj, err := vm.Mem.ObjectAt(closureOOP)
	if err != nil {
		return nil, err
	}
	startPC, err := vm.Mem.Slot(obj, 0)
	if err != nil {
		return nil, err
	}
	numArgs, err := vm.Mem.Slot(obj, 1)
	if err != nil {
		return nil, err
	}
	n := obj.SlotCount() - 2
	copied := make([]oop.OOP, n)
	for i := uint64(0); i < n; i++ {
		v, err := vm.Mem.Slot(obj, 2+i)
		if err != nil {
			return nil, err
		}
		copied[i] = v.OOP
	}
	outer, ok := vm.outerContexts[closureOOP]
	if !ok {
		return nil, &BadReceiverError{Reason: "block closure has no recorded outer context"}
	}
	return &BlockClosure{
		OuterContext: outer,
		StartPC:      int(startPC.SmallIntegerValue()),
		NumArgs:      int(numArgs.SmallIntegerValue()),
		NumCopied:    int(n),
		Copied:       copied,
		HeapOOP:      closureOOP,
	}, nil
}

// reifyContext materializes ctx as a real Context heap object (format 3,
// class index 36: spec.md §3), caching the result so repeated
// thisContext observations of the same activation are idempotent.
// Fields are copied in at reification time (see the package doc comment
// in context.go); a context whose own sender has not yet been reified
// stores nil for its sender slot rather than forcing a reification
// cascade up the whole call chain.
func (vm *VM) reifyContext(ctx *Context) (oop.OOP, error) {
	if ctx.reified {
		return ctx.heapOOP, nil
	}
	senderOOP := vm.nilOOP
	if ctx.Sender != nil && ctx.Sender.reified {
		senderOOP = ctx.Sender.heapOOP
	}
	closureOOP := vm.nilOOP
	if ctx.Closure != nil {
		closureOOP = ctx.Closure.HeapOOP
	}

	obj, err := vm.Mem.Allocate(memory.ClassShape{ClassIndex: memory.ClassIndexContext, FixedSlots: 6, InstanceFormat: memory.FormatVariableWithInst}, ctx.StackP, 0)
	if err != nil {
		return 0, err
	}
	if err := vm.Mem.SlotPut(obj, 0, senderOOP); err != nil {
		return 0, err
	}
	if err := vm.Mem.SlotPut(obj, 1, oop.EncodeSmallInteger(int64(ctx.PC))); err != nil {
		return 0, err
	}
	if err := vm.Mem.SlotPut(obj, 2, oop.EncodeSmallInteger(int64(ctx.StackP))); err != nil {
		return 0, err
	}
	if err := vm.Mem.SlotPut(obj, 3, ctx.Method.OOP); err != nil {
		return 0, err
	}
	if err := vm.Mem.SlotPut(obj, 4, closureOOP); err != nil {
		return 0, err
	}
	if err := vm.Mem.SlotPut(obj, 5, ctx.Receiver); err != nil {
		return 0, err
	}
	for i := 0; i < ctx.StackP; i++ {
		if err := vm.Mem.SlotPut(obj, uint64(6+i), ctx.Stack[i]); err != nil {
			return 0, err
		}
	}

	ctx.heapOOP = obj.OOP
	ctx.reified = true
	return obj.OOP, nil
}

// DehydrateContext is reifyContext's inverse: it resolves a heap Context
// object (spec.md §3's "sender, pc, stackp, method, closureOrNil,
// receiver" layout, the same six fixed slots reifyContext writes) back to
// a native Context, recursively dehydrating its sender chain. This is how
// Run resumes a process whose suspendedContext names a context built by
// an image's own Smalltalk code rather than one this interpreter reified
// itself.
//
// A closure-valued context (closureOrNil slot non-nil) can only be
// dehydrated if its closure was created by this same VM instance's
// CreateClosure — DecodeClosure has no way to recover outerContext from
// heap data alone, since CreateClosure records it in a VM-side table
// (VM.outerContexts) rather than a slot. Dehydrating a
// process that is suspended mid-block-evaluation from a cold image is
// therefore not supported; DehydrateContext reports that case with a
// clear error instead of guessing at an outer context.
func (vm *VM) DehydrateContext(ctxOOP oop.OOP) (*Context, error) {
	if ctxOOP == vm.nilOOP || ctxOOP == 0 {
		return nil, nil
	}
	obj, err := vm.Mem.ObjectAt(ctxOOP)
	if err != nil {
		return nil, fmt.Errorf("interp: dehydrate context: %w", err)
	}

	senderSlot, err := vm.Mem.Slot(obj, 0)
	if err != nil {
		return nil, fmt.Errorf("interp: dehydrate context: sender slot: %w", err)
	}
	sender, err := vm.DehydrateContext(senderSlot.OOP)
	if err != nil {
		return nil, err
	}
	pcSlot, err := vm.Mem.Slot(obj, 1)
	if err != nil {
		return nil, fmt.Errorf("interp: dehydrate context: pc slot: %w", err)
	}
	stackpSlot, err := vm.Mem.Slot(obj, 2)
	if err != nil {
		return nil, fmt.Errorf("interp: dehydrate context: stackp slot: %w", err)
	}
	methodSlot, err := vm.Mem.Slot(obj, 3)
	if err != nil {
		return nil, fmt.Errorf("interp: dehydrate context: method slot: %w", err)
	}
	meth, err := vm.Mem.DecodeMethod(methodSlot)
	if err != nil {
		return nil, fmt.Errorf("interp: dehydrate context: method: %w", err)
	}
	closureSlot, err := vm.Mem.Slot(obj, 4)
	if err != nil {
		return nil, fmt.Errorf("interp: dehydrate context: closure slot: %w", err)
	}
	receiverSlot, err := vm.Mem.Slot(obj, 5)
	if err != nil {
		return nil, fmt.Errorf("interp: dehydrate context: receiver slot: %w", err)
	}

	var closure *BlockClosure
	if closureSlot.OOP != vm.nilOOP && closureSlot.OOP != 0 {
		closure, err = vm.DecodeClosure(closureSlot.OOP)
		if err != nil {
			return nil, fmt.Errorf("interp: dehydrate context: block context has no recorded outer context: %w", err)
		}
	}

	stackp := int(stackpSlot.SmallIntegerValue())
	frame := int(meth.Header.FrameSize())
	if frame < stackp {
		frame = stackp
	}
	stack := make([]oop.OOP, frame)
	for i := 0; i < stackp; i++ {
		s, err := vm.Mem.Slot(obj, uint64(6+i))
		if err != nil {
			return nil, fmt.Errorf("interp: dehydrate context: stack slot %d: %w", i, err)
		}
		stack[i] = s.OOP
	}

	return &Context{
		Sender:   sender,
		Method:   meth,
		PC:       int(pcSlot.SmallIntegerValue()),
		Stack:    stack,
		StackP:   stackp,
		Receiver: receiverSlot.OOP,
		Closure:  closure,
		heapOOP:  ctxOOP,
		reified:  true,
	}, nil
}

package primitive

import (
	"github.com/kristofer/stvm/pkg/interp"
	"github.com/kristofer/stvm/pkg/oop"
)

// Primitive numbers 85-88, per spec.md §4.4/§5: Semaphore signal/wait and
// Process resume/suspend, numbered the same way a real image's
// Semaphore/Process classes declare them.
const (
	primSignal  = 85
	primWait    = 86
	primResume  = 87
	primSuspend = 88
)

func registerProcess(vm *interp.VM) {
	// Signal never needs to transfer control itself: a signal that
	// preempts the active process only takes effect at the next
	// fetch-step boundary (spec.md §5), which Run's own loop already
	// checks before every instruction.
	vm.Primitives[primSignal] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if err := vm.Sched.Signal(receiver); err != nil {
			return interp.PrimitiveResult{}, err
		}
		return value(receiver), nil
	}

	vm.Primitives[primWait] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		proc := vm.CurrentProcess()
		before := vm.Sched.ActiveProcess()
		if err := vm.Sched.Wait(receiver); err != nil {
			return interp.PrimitiveResult{}, err
		}
		if vm.Sched.ActiveProcess() == before {
			// excessSignals covered it; this is an ordinary successful
			// primitive, no process switch needed.
			return value(receiver), nil
		}
		return suspendInto(vm, ctx, proc, receiver)
	}

	vm.Primitives[primResume] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		if err := vm.Sched.Resume(receiver); err != nil {
			return interp.PrimitiveResult{}, err
		}
		return value(receiver), nil
	}

	vm.Primitives[primSuspend] = func(vm *interp.VM, ctx *interp.Context, receiver oop.OOP, args []oop.OOP) (interp.PrimitiveResult, error) {
		proc := vm.CurrentProcess()
		if receiver != proc {
			if err := vm.Sched.RemoveReady(receiver); err != nil {
				return interp.PrimitiveResult{}, err
			}
			return value(receiver), nil
		}
		if err := vm.Sched.SuspendActive(); err != nil {
			return interp.PrimitiveResult{}, err
		}
		return suspendInto(vm, ctx, proc, receiver)
	}
}

// suspendInto computes ctx's ordinary return continuation (what the
// blocking/suspending process should resume into once rescheduled),
// stashes it as proc's suspendedContext, and hands back the now-active
// process's own continuation for the interpreter to enter instead
// (spec.md §5: "save the current context into the outgoing process's
// suspendedContext, install the incoming process's suspendedContext").
func suspendInto(vm *interp.VM, ctx *interp.Context, proc, receiver oop.OOP) (interp.PrimitiveResult, error) {
	_, _, next, err := vm.Return(ctx, receiver, false)
	if err != nil {
		return interp.PrimitiveResult{}, err
	}
	vm.SaveProcessContext(proc, next)
	resumeCtx, err := vm.ResumeScheduledContext()
	if err != nil {
		return interp.PrimitiveResult{}, err
	}
	return interp.PrimitiveResult{Transfer: resumeCtx}, nil
}

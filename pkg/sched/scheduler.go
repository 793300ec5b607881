// Package sched implements the cooperative process scheduler and
// semaphores of spec.md §5: priority-ordered ready lists, FIFO semaphore
// wait queues, synchronous and asynchronous signal, and the resume/
// suspend algorithms that back primitives 85-88.
//
// A Process is still a Smalltalk heap object (format 1, slots nextLink,
// suspendedContext, priority, myList per spec.md §5) — its
// suspendedContext is what the interpreter resumes into when the
// scheduler hands it the new active process. The ready lists and
// semaphore wait queues themselves, though, are kept as Go slices rather
// than heap-resident linked lists: spec.md only requires FIFO ordering
// and O(1)-ish head/tail operations, and golang.org/x/exp/slices gives a
// plain, easily-audited way to get both without adding a fifth heap
// object shape (ProcessList) that nothing else in the image needs.
package sched

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/kristofer/stvm/pkg/memory"
	"github.com/kristofer/stvm/pkg/oop"
)

// NumPriorities is the number of priority-ordered ready lists, matching
// the conventional Smalltalk image's processLists size (spec.md §5:
// "processLists (an Array indexed 0..N-1 by priority-1)" leaves N to the
// image; 10 is the standard Pharo/Squeak count and is what
// original_source/stvm assumes in its bootstrap image).
const NumPriorities = 10

// Process instance-variable slot indices, per spec.md §5.
const (
	ProcessSlotNextLink         = 0
	ProcessSlotSuspendedContext = 1
	ProcessSlotPriority         = 2
	ProcessSlotMyList           = 3
)

// ProcessScheduler instance-variable slot indices. spec.md §5 names
// processLists and activeProcess as the singleton's two fields but does
// not index them; this ordering is stvm's own bootstrap convention,
// consistent with the Association key/value convention (slot 0/slot 1)
// already used for the special-objects-array scheduler association.
const (
	ProcessSchedulerSlotProcessLists  = 0
	ProcessSchedulerSlotActiveProcess = 1
)

// Association instance-variable slot indices (key, value), the shape the
// special-objects array's scheduler-association entry (index 3) uses.
const (
	AssociationSlotKey   = 0
	AssociationSlotValue = 1
)

// Semaphore instance-variable slot indices, per spec.md §5.
const (
	SemaphoreSlotFirstLink     = 0
	SemaphoreSlotLastLink      = 1
	SemaphoreSlotExcessSignals = 2
)

// Scheduler is the cooperative scheduler singleton: priority ready
// lists, per-semaphore wait queues and excess-signal counts, and the
// active process.
type Scheduler struct {
	mem    *memory.Memory
	nilOOP oop.OOP

	ready [NumPriorities][]oop.OOP
	waits map[oop.OOP][]oop.OOP

	active oop.OOP

	// pending holds semaphores signalled asynchronously (e.g. by a timer
	// interrupt) since the last drain. Spec.md §5: "timer-driven
	// asynchronous wake-up" must not touch interpreter state from outside
	// the fetch loop, so QueueAsyncSignal only ever appends here; the
	// interpreter calls DrainAsyncSignals at a fetch-step boundary.
	pending []oop.OOP
}

// New builds an empty scheduler. SetActiveProcess must be called once the
// image's initial active process is known before Run/Wait/Signal are used.
func New(mem *memory.Memory, nilOOP oop.OOP) *Scheduler {
	return &Scheduler{mem: mem, nilOOP: nilOOP, waits: make(map[oop.OOP][]oop.OOP)}
}

// ActiveProcess returns the currently running process.
func (s *Scheduler) ActiveProcess() oop.OOP { return s.active }

// SetActiveProcess installs proc as active without touching any ready
// list (used once, at bootstrap).
func (s *Scheduler) SetActiveProcess(proc oop.OOP) { s.active = proc }

func (s *Scheduler) priorityOf(proc oop.OOP) (int, error) {
	obj, err := s.mem.ObjectAt(proc)
	if err != nil {
		return 0, err
	}
	p, err := s.mem.Slot(obj, ProcessSlotPriority)
	if err != nil {
		return 0, err
	}
	n := int(p.SmallIntegerValue())
	if n < 1 || n > NumPriorities {
		return 0, fmt.Errorf("sched: priority %d out of range 1..%d", n, NumPriorities)
	}
	return n, nil
}

// EnqueueReady appends proc to the tail of its own priority's ready list
// (spec.md §5: "Ready lists at each priority are FIFO").
func (s *Scheduler) EnqueueReady(proc oop.OOP) error {
	p, err := s.priorityOf(proc)
	if err != nil {
		return err
	}
	s.ready[p-1] = append(s.ready[p-1], proc)
	return nil
}

// RemoveReady unlinks proc from its priority's ready list, if present,
// for the explicit-suspend primitive (88) where the target process may
// not be the active one.
func (s *Scheduler) RemoveReady(proc oop.OOP) error {
	p, err := s.priorityOf(proc)
	if err != nil {
		return err
	}
	list := s.ready[p-1]
	if i := slices.Index(list, proc); i >= 0 {
		s.ready[p-1] = slices.Delete(list, i, i+1)
	}
	return nil
}

// popHighestReady removes and returns the head of the highest-priority
// non-empty ready list (spec.md §5 suspend-active: "finds the
// highest-priority non-empty ready list and makes its head the new
// active process").
func (s *Scheduler) popHighestReady() (oop.OOP, error) {
	for p := NumPriorities - 1; p >= 0; p-- {
		if len(s.ready[p]) > 0 {
			proc := s.ready[p][0]
			s.ready[p] = slices.Delete(s.ready[p], 0, 1)
			return proc, nil
		}
	}
	return 0, fmt.Errorf("sched: no ready process (idle image)")
}

// SuspendActive implements spec.md §5's suspend-active: the caller is
// responsible for having already placed (or not placed) the outgoing
// active process in whatever list it belongs in — suspend-active only
// picks the next one to run.
func (s *Scheduler) SuspendActive() error {
	next, err := s.popHighestReady()
	if err != nil {
		return err
	}
	s.active = next
	return nil
}

// Resume implements spec.md §5 signal's resume step: "the higher-priority
// process preempts the active process (which is pushed to the tail of
// its own priority list); same-or-lower priority is simply appended to
// its ready list."
func (s *Scheduler) Resume(proc oop.OOP) error {
	procPrio, err := s.priorityOf(proc)
	if err != nil {
		return err
	}
	if s.active == 0 || s.active == s.nilOOP {
		s.active = proc
		return nil
	}
	activePrio, err := s.priorityOf(s.active)
	if err != nil {
		return err
	}
	if procPrio > activePrio {
		s.ready[activePrio-1] = append(s.ready[activePrio-1], s.active)
		s.active = proc
		return nil
	}
	s.ready[procPrio-1] = append(s.ready[procPrio-1], proc)
	return nil
}

func (s *Scheduler) semaphoreExcess(sem memory.Object) (int64, error) {
	v, err := s.mem.Slot(sem, SemaphoreSlotExcessSignals)
	if err != nil {
		return 0, err
	}
	return v.SmallIntegerValue(), nil
}

func (s *Scheduler) setSemaphoreExcess(sem memory.Object, n int64) error {
	return s.mem.SlotPut(sem, SemaphoreSlotExcessSignals, oop.EncodeSmallInteger(n))
}

// Wait implements spec.md §5 semaphore wait: decrement excessSignals if
// positive, else enqueue the active process at the semaphore's tail and
// suspend-active.
func (s *Scheduler) Wait(semOOP oop.OOP) error {
	sem, err := s.mem.ObjectAt(semOOP)
	if err != nil {
		return err
	}
	excess, err := s.semaphoreExcess(sem)
	if err != nil {
		return err
	}
	if excess > 0 {
		return s.setSemaphoreExcess(sem, excess-1)
	}
	s.waits[semOOP] = append(s.waits[semOOP], s.active)
	return s.SuspendActive()
}

// Signal implements spec.md §5 synchronous semaphore signal: if the wait
// queue is empty, increment excessSignals; otherwise dequeue the first
// waiter (FIFO) and resume it.
func (s *Scheduler) Signal(semOOP oop.OOP) error {
	q := s.waits[semOOP]
	if len(q) == 0 {
		sem, err := s.mem.ObjectAt(semOOP)
		if err != nil {
			return err
		}
		excess, err := s.semaphoreExcess(sem)
		if err != nil {
			return err
		}
		return s.setSemaphoreExcess(sem, excess+1)
	}
	proc := q[0]
	s.waits[semOOP] = slices.Delete(q, 0, 1)
	return s.Resume(proc)
}

// QueueAsyncSignal records a semaphore to be signalled the next time the
// interpreter reaches a fetch-step boundary (spec.md §5: "timer-driven
// asynchronous wake-up"). Safe to call from outside the interpreter's own
// call stack (e.g. a real-time clock callback), since it only appends to
// a slice rather than mutating scheduler state.
func (s *Scheduler) QueueAsyncSignal(semOOP oop.OOP) {
	s.pending = append(s.pending, semOOP)
}

// DrainAsyncSignals delivers every queued asynchronous signal by calling
// Signal in the order they were queued, then clears the queue. The
// interpreter calls this once per fetch-step boundary (spec.md §4.2/§5).
func (s *Scheduler) DrainAsyncSignals() error {
	pending := s.pending
	s.pending = nil
	for _, semOOP := range pending {
		if err := s.Signal(semOOP); err != nil {
			return err
		}
	}
	return nil
}

// ReadyLen reports how many processes are queued at a given 1-based
// priority, for diagnostics (`stvm inspect`) and tests.
func (s *Scheduler) ReadyLen(priority int) int {
	return len(s.ready[priority-1])
}

package sched

import (
	"testing"

	"github.com/kristofer/stvm/pkg/memory"
	"github.com/kristofer/stvm/pkg/oop"
)

// newTestProcess allocates a minimal format-1 Process object with the
// given priority, for scheduler tests.
func newTestProcess(t *testing.T, mem *memory.Memory, priority int64) oop.OOP {
	t.Helper()
	obj, err := mem.Allocate(memory.ClassShape{ClassIndex: 40, FixedSlots: 4, InstanceFormat: memory.FormatFixedPointers}, 0, 0)
	if err != nil {
		t.Fatalf("allocate process: %v", err)
	}
	if err := mem.SlotPut(obj, ProcessSlotPriority, oop.EncodeSmallInteger(priority)); err != nil {
		t.Fatalf("set priority: %v", err)
	}
	return obj.OOP
}

func newTestSemaphore(t *testing.T, mem *memory.Memory) oop.OOP {
	t.Helper()
	obj, err := mem.Allocate(memory.ClassShape{ClassIndex: memory.ClassIndexSemaphore, FixedSlots: 3, InstanceFormat: memory.FormatFixedPointers}, 0, 0)
	if err != nil {
		t.Fatalf("allocate semaphore: %v", err)
	}
	if err := mem.SlotPut(obj, SemaphoreSlotExcessSignals, oop.EncodeSmallInteger(0)); err != nil {
		t.Fatalf("init excessSignals: %v", err)
	}
	return obj.OOP
}

func newTestMemory() *memory.Memory {
	mem := memory.New(memory.Config{Base: 0x10000, YoungBytes: 1 << 16})
	mem.ClassTable().NilOOP = oop.FromAddress(0x10000)
	return mem
}

func TestSemaphoreFIFOOrdering(t *testing.T) {
	mem := newTestMemory()
	s := New(mem, mem.ClassTable().NilOOP)

	sem := newTestSemaphore(t, mem)
	a := newTestProcess(t, mem, 5)
	b := newTestProcess(t, mem, 5)
	c := newTestProcess(t, mem, 5)
	s.SetActiveProcess(a)

	if err := s.EnqueueReady(b); err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueueReady(c); err != nil {
		t.Fatal(err)
	}

	// a waits on sem, scheduler should pick b as next active.
	if err := s.Wait(sem); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if s.ActiveProcess() != b {
		t.Fatalf("expected b active after suspend, got %#x", s.ActiveProcess())
	}

	if err := s.EnqueueReady(b); err != nil {
		t.Fatal(err) // b, now active, goes back on its own ready list
	}
}

func TestSemaphoreSignalResumesFIFO(t *testing.T) {
	mem := newTestMemory()
	s := New(mem, mem.ClassTable().NilOOP)
	sem := newTestSemaphore(t, mem)

	a := newTestProcess(t, mem, 5)
	b := newTestProcess(t, mem, 5)
	c := newTestProcess(t, mem, 5)
	idle := newTestProcess(t, mem, 1)
	s.SetActiveProcess(idle)

	s.waits[sem] = []oop.OOP{a, b, c}

	var resumed []oop.OOP
	for i := 0; i < 3; i++ {
		if err := s.Signal(sem); err != nil {
			t.Fatalf("signal %d: %v", i, err)
		}
		resumed = append(resumed, s.ActiveProcess())
		// the resumed process blocks again, so the idle process (pushed to
		// its ready list when it was preempted) becomes active once more and
		// the next signal's Resume preempts it in turn.
		if err := s.SuspendActive(); err != nil {
			t.Fatal(err)
		}
	}
	if resumed[0] != a || resumed[1] != b || resumed[2] != c {
		t.Fatalf("expected FIFO resume order a,b,c; got %#x %#x %#x", resumed[0], resumed[1], resumed[2])
	}
}

func TestSignalWithNoWaitersIncrementsExcess(t *testing.T) {
	mem := newTestMemory()
	s := New(mem, mem.ClassTable().NilOOP)
	sem := newTestSemaphore(t, mem)
	a := newTestProcess(t, mem, 5)
	s.SetActiveProcess(a)

	if err := s.Signal(sem); err != nil {
		t.Fatalf("signal: %v", err)
	}
	semObj, _ := mem.ObjectAt(sem)
	excess, err := s.semaphoreExcess(semObj)
	if err != nil {
		t.Fatal(err)
	}
	if excess != 1 {
		t.Fatalf("expected excessSignals=1, got %d", excess)
	}

	// A subsequent wait consumes the excess signal without blocking.
	if err := s.Wait(sem); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if s.ActiveProcess() != a {
		t.Fatalf("expected active process unchanged, got %#x", s.ActiveProcess())
	}
}

func TestHigherPriorityResumePreemptsActive(t *testing.T) {
	mem := newTestMemory()
	s := New(mem, mem.ClassTable().NilOOP)
	sem := newTestSemaphore(t, mem)

	low := newTestProcess(t, mem, 3)
	high := newTestProcess(t, mem, 8)
	s.SetActiveProcess(low)
	s.waits[sem] = []oop.OOP{high}

	if err := s.Signal(sem); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if s.ActiveProcess() != high {
		t.Fatalf("expected high-priority process to preempt, got %#x", s.ActiveProcess())
	}
	if s.ReadyLen(3) != 1 {
		t.Fatalf("expected preempted low-priority process pushed to its ready list")
	}
}

func TestAsyncSignalDrain(t *testing.T) {
	mem := newTestMemory()
	s := New(mem, mem.ClassTable().NilOOP)
	sem := newTestSemaphore(t, mem)
	a := newTestProcess(t, mem, 5)
	s.SetActiveProcess(a)

	s.QueueAsyncSignal(sem)
	s.QueueAsyncSignal(sem)
	if err := s.DrainAsyncSignals(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	semObj, _ := mem.ObjectAt(sem)
	excess, _ := s.semaphoreExcess(semObj)
	if excess != 2 {
		t.Fatalf("expected 2 queued async signals delivered, got excess=%d", excess)
	}
	if len(s.pending) != 0 {
		t.Fatalf("expected pending queue drained")
	}
}

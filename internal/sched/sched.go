// Package sched implements the FIFO round-robin scheduler: a ready queue,
// an idle context per hart, and the context-switch step between the
// kernel's idle loop and a task's saved registers.
//
// Grounded on os/src/task/processor.rs and os/src/task/switch.rs
// (original_source) for the ready-queue-plus-idle-context shape. __switch
// itself is not written as RV64 assembly: TaskContext only records the
// register set it saves, for the same reason the trampoline is modeled in
// Go (see DESIGN.md).
package sched

import "sync"

// TaskContext is the callee-saved register set __switch preserves across a
// context switch: ra (return address), sp, and s0-s11.
type TaskContext struct {
	Ra uint64
	Sp uint64
	S  [12]uint64
}

// NewTaskContext builds the context a task resumes into the first time it
// is scheduled: ra points at the trap-return trampoline entry so a switch
// into this context "returns" into trap_return instead of unwinding a
// real call stack (spec.md §4.8).
func NewTaskContext(sp, trapReturnPC uint64) TaskContext {
	return TaskContext{Ra: trapReturnPC, Sp: sp}
}

// Runnable is anything the scheduler can hand the CPU to: internal/proc's
// *Task implements this. The scheduler package never imports proc, to
// keep the policy (FIFO order, preemption) independent of process
// bookkeeping (PCB fields, fd tables).
type Runnable interface {
	Context() *TaskContext
}

// Scheduler holds the FIFO ready queue and the idle context __switch
// returns to when the queue is empty.
type Scheduler struct {
	mu    sync.Mutex
	ready []Runnable
	idle  TaskContext
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Enqueue appends r to the back of the ready queue (spec.md §4.8: "newly
// runnable tasks go to the back").
func (s *Scheduler) Enqueue(r Runnable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = append(s.ready, r)
}

// Pop removes and returns the task at the front of the ready queue, or
// nil if the queue is empty.
func (s *Scheduler) Pop() Runnable {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return nil
	}
	r := s.ready[0]
	s.ready = s.ready[1:]
	return r
}

// Len reports the number of runnable tasks waiting, for tests and
// diagnostics.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

// IdleContext returns the scheduler's own context slot, the "current
// task" __switch saves into when there is nothing else running. A real
// __switch would save the idle hart's ra/sp/s0-s11 here before loading a
// task's context; since this kernel models a task's execution as a Go
// method call rather than a resumable machine context (DESIGN.md), the
// slot exists so callers have somewhere to serialize "no task running"
// state, but nothing ever restores into it mid-instruction.
func (s *Scheduler) IdleContext() *TaskContext {
	return &s.idle
}

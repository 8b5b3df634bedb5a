// Package proc implements the process control block and its lifecycle:
// creation from an ELF image, fork, exec, exit, and waitpid, plus the
// per-process file descriptor table.
//
// Grounded on os/src/task/pcb.go... (original_source has no single
// pcb.rs/task_control_block.rs file in the retrieved pack; the PCB shape
// below follows spec.md §3/§4.8's field list directly) and on
// biscuit/src/proc/proc.go's Proc_t for the fd-table-as-sparse-slice
// idiom and the parent/children bookkeeping style.
package proc

import (
	"sync"

	"rv6/internal/defs"
	"rv6/internal/mem"
	"rv6/internal/sched"
	"rv6/internal/trap"
	"rv6/internal/vfs"
	"rv6/internal/vm"
)

// Status is the PCB's scheduling state (spec.md §3).
type Status int

const (
	Ready Status = iota
	Running
	Blocked
	Zombie
)

// Task is one process control block. This kernel runs one thread per
// process, so Task doubles as both the process and its only task.
type Task struct {
	mu sync.Mutex

	Pid    defs.Pid_t
	Status Status

	ctx sched.TaskContext
	AS  *vm.AddressSpace

	Parent   *Task // weak in spirit: never the reason a Task stays reachable
	Children []*Task

	ExitCode int
	pending  []defs.Signal_t // posted but not yet evaluated at trap-return

	fds []vfs.File // sparse: index is the fd, nil means closed

	blocked *blockedSyscall // set while Status == Blocked, for the waker to retry
}

// blockedSyscall remembers a syscall request that couldn't complete
// without blocking, so it can be retried verbatim once some other task
// clears the condition it was waiting on (spec.md §5: "a task that
// blocks for I/O ... sets its status to BLOCKED and switches out without
// pushing itself back; some other component ... must re-queue it").
type blockedSyscall struct {
	num, a0, a1, a2, token uint64
}

func (t *Task) Context() *sched.TaskContext { return &t.ctx }

// TrapContext re-decodes this task's trap context from its backing
// physical page. The handler re-fetches it rather than caching it in the
// Task, because exec replaces the user address space (and the page
// backing the trap context along with it) while a syscall is in flight
// (spec.md §4.7).
func (t *Task) TrapContext() *trap.TrapContext {
	buf := mem.Physmem.Dmap(t.AS.TrapContextPPN().Addr())
	return trap.Decode(buf[:trap.ContextBytes])
}

// SaveTrapContext writes tc back into the backing physical page.
func (t *Task) SaveTrapContext(tc *trap.TrapContext) {
	buf := mem.Physmem.Dmap(t.AS.TrapContextPPN().Addr())
	tc.Encode(buf[:trap.ContextBytes])
}

// fixedFDs is the number of descriptor slots every process starts with:
// stdin, stdout, stderr (spec.md §3: "slot 0/1/2 bound to stdin/stdout/
// stderr on creation").
const fixedFDs = 3

func newFDTable(console interface {
	vfs.Reader
	vfs.Writer
}) []vfs.File {
	fds := make([]vfs.File, fixedFDs)
	fds[0] = &vfs.Stdin{Console: console}
	fds[1] = &vfs.Stdout{Console: console}
	fds[2] = &vfs.Stdout{Console: console}
	return fds
}

// AllocFD installs f at the lowest free descriptor and returns it, or -1
// if no slot exists and the table cannot be grown (never happens here:
// the table always grows).
func (t *Task) AllocFD(f vfs.File) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.fds {
		if existing == nil {
			t.fds[i] = f
			return i
		}
	}
	t.fds = append(t.fds, f)
	return len(t.fds) - 1
}

// FD returns the file at fd, or nil if the slot is closed or out of
// range.
func (t *Task) FD(fd int) vfs.File {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.fds) {
		return nil
	}
	return t.fds[fd]
}

// CloseFD clears the slot, reporting EBADF if it was already closed.
func (t *Task) CloseFD(fd int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.fds) || t.fds[fd] == nil {
		return defs.EBADF
	}
	t.fds[fd] = nil
	return 0
}

// Signal posts sig for evaluation at this task's next trap-return
// (spec.md §4.7).
func (t *Task) Signal(sig defs.Signal_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, sig)
}

// BlockOnSyscall marks t Blocked and remembers num/a0/a1/a2/token so
// TakeBlockedSyscall can hand the exact same request back for a retry.
// The caller must not enqueue t afterward: unblocking it is the waiting
// condition's job, not the syscall return path's (spec.md §5).
func (t *Task) BlockOnSyscall(num, a0, a1, a2, token uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = Blocked
	t.blocked = &blockedSyscall{num, a0, a1, a2, token}
}

// TakeBlockedSyscall returns and clears the remembered syscall request,
// if t was left Blocked by a previous step. internal/kmain's StepTrap
// retries this ahead of decoding whatever trap it was actually called
// with, since t is still logically inside the syscall it blocked on.
func (t *Task) TakeBlockedSyscall() (num, a0, a1, a2, token uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.blocked
	if b == nil {
		return 0, 0, 0, 0, 0, false
	}
	t.blocked = nil
	return b.num, b.a0, b.a1, b.a2, b.token, true
}

// Unblock transitions t from Blocked back to Ready and re-enqueues it.
// Called by the peer that cleared the condition t was waiting on (a
// pipe's other end writing, reading, or closing), never by t itself.
func (t *Task) Unblock(sc *sched.Scheduler) {
	t.mu.Lock()
	t.Status = Ready
	t.mu.Unlock()
	sc.Enqueue(t)
}

// TakeFatalSignal returns the first posted fatal signal and clears the
// pending list, for the trap-return path to act on. Every signal this
// kernel raises is fatal (spec.md §6's "minimal kill/mask/return
// surface"), so the first one found always wins.
func (t *Task) TakeFatalSignal() (defs.Signal_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return 0, false
	}
	sig := t.pending[0]
	t.pending = nil
	return sig, true
}

package proc

import (
	"fmt"

	"rv6/internal/defs"
	"rv6/internal/mem"
	"rv6/internal/sched"
	"rv6/internal/trap"
	"rv6/internal/vfs"
	"rv6/internal/vm"
)

// Sched is the single global scheduler instance (spec.md §5: "PROCESS_
// MANAGER ... each is a singleton behind interior mutability").
var Sched = sched.New()

var kernelAS *vm.AddressSpace
var trapHandlerVA uint64
var console interface {
	vfs.Reader
	vfs.Writer
}

// Init wires the process package to the kernel address space, the
// trap_handler entry point, and the console collaborator every fresh fd
// table needs for stdin/stdout/stderr. Called once during boot.
func Init(as *vm.AddressSpace, trapHandlerEntry uint64, con interface {
	vfs.Reader
	vfs.Writer
}) {
	kernelAS = as
	trapHandlerVA = trapHandlerEntry
	console = con
}

func mapKernelStack(pid defs.Pid_t) (bottom, top uint64) {
	bottom, top = KernelStackPosition(pid)
	kernelAS.InsertFramed(mem.VirtAddr(bottom), mem.VirtAddr(top), vm.PTE_R|vm.PTE_W)
	return bottom, top
}

// New builds the initial process from an ELF image: a fresh user address
// space, a freshly allocated PID and kernel stack, and a trap context
// primed to enter at the ELF's entry point on the user stack (spec.md
// §4.8).
func New(elf []byte) (*Task, error) {
	as, _, userStackTop, entry, err := vm.FromELF(elf)
	if err != nil {
		return nil, err
	}
	pid := pids.alloc()
	_, kstackTop := mapKernelStack(pid)

	t := &Task{
		Pid:    pid,
		Status: Ready,
		AS:     as,
		fds:    newFDTable(console),
	}
	tc := trap.NewUserContext(uint64(entry), uint64(userStackTop), kernelAS.Token(), kstackTop, trapHandlerVA)
	t.SaveTrapContext(tc)
	t.ctx = sched.NewTaskContext(kstackTop, trapHandlerVA)

	register(t)
	Sched.Enqueue(t)
	return t, nil
}

// Fork clones parent into a new Task with a deep-copied address space, a
// fresh PID and kernel stack, and an identical trap context except for
// kernel_sp (the child's own stack) and a0, which Fork sets to 0 in the
// child's trap context; the caller returns the child pid to the parent,
// giving "a0 = 0 in the child, child pid in the parent" (spec.md §4.8).
// File descriptors are copied slot-by-
// slot, sharing the same underlying vfs.File by reference.
func (parent *Task) Fork() *Task {
	childAS := vm.FromUserSpace(parent.AS)
	pid := pids.alloc()
	_, kstackTop := mapKernelStack(pid)

	parent.mu.Lock()
	childFDs := make([]vfs.File, len(parent.fds))
	copy(childFDs, parent.fds)
	parent.mu.Unlock()

	child := &Task{
		Pid:    pid,
		Status: Ready,
		AS:     childAS,
		Parent: parent,
		fds:    childFDs,
	}

	tc := parent.TrapContext()
	tc.KernelSatp = kernelAS.Token()
	tc.KernelSp = kstackTop
	tc.TrapHandlerVA = trapHandlerVA
	tc.SetReturn(0)
	child.SaveTrapContext(tc)
	child.ctx = sched.NewTaskContext(kstackTop, trapHandlerVA)

	parent.mu.Lock()
	parent.Children = append(parent.Children, child)
	parent.mu.Unlock()

	register(child)
	Sched.Enqueue(child)
	return child
}

// Exec rebuilds t's address space from a fresh ELF image, pushes argv
// onto the new user stack, and rewrites the trap context as if entering
// fresh (spec.md §4.8). PID, kernel stack, and fd table are preserved.
// On malformed ELF it leaves t untouched and returns an error, matching
// "invalid syscall argument" (spec.md §7): the caller returns -1.
func (t *Task) Exec(elf []byte, argv []string) error {
	as, _, userStackTop, entry, err := vm.FromELF(elf)
	if err != nil {
		return err
	}

	sp := userStackTop
	argAddrs := make([]mem.VirtAddr, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		s := argv[i] + "\x00"
		sp = mem.VirtAddr(uint64(sp) - uint64(len(s)))
		writeUserBytes(as, sp, []byte(s))
		argAddrs[i] = sp
	}
	sp = mem.VirtAddr(uint64(sp) &^ 7) // align before the pointer array
	sp = mem.VirtAddr(uint64(sp) - 8)  // null terminator slot
	writeUserU64(as, sp, 0)
	for i := len(argv) - 1; i >= 0; i-- {
		sp = mem.VirtAddr(uint64(sp) - 8)
		writeUserU64(as, sp, uint64(argAddrs[i]))
	}
	argvPtr := sp

	t.mu.Lock()
	t.AS = as
	t.mu.Unlock()

	tc := trap.NewUserContext(uint64(entry), uint64(sp), kernelAS.Token(), t.kernelStackTop(), trapHandlerVA)
	tc.X[trap.RegA0] = uint64(len(argv))
	tc.X[trap.RegA1] = uint64(argvPtr)
	t.SaveTrapContext(tc)
	return nil
}

func (t *Task) kernelStackTop() uint64 {
	_, top := KernelStackPosition(t.Pid)
	return top
}

func writeUserBytes(as *vm.AddressSpace, va mem.VirtAddr, data []byte) {
	for i := 0; i < len(data); {
		pa, ok := as.PT.TranslateVA(mem.VirtAddr(uint64(va) + uint64(i)))
		if !ok {
			return
		}
		page := mem.Physmem.Dmap(mem.PhysAddr(uint64(pa) &^ uint64(defs.PageSize-1)))
		off := int(pa.PageOffset())
		n := copy(page[off:], data[i:])
		i += n
	}
}

func writeUserU64(as *vm.AddressSpace, va mem.VirtAddr, v uint64) {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	writeUserBytes(as, va, buf)
}

// Exit marks t ZOMBIE, records code, reparents every child to init, and
// recycles the user address space's data frames (spec.md §4.8). The page
// table itself, the kernel stack mapping, and the PID survive until a
// parent's Waitpid reaps the zombie.
func (t *Task) Exit(code int) {
	t.mu.Lock()
	t.Status = Zombie
	t.ExitCode = code
	children := t.Children
	t.Children = nil
	t.mu.Unlock()

	for _, c := range children {
		c.mu.Lock()
		c.Parent = initTask
		c.mu.Unlock()
		if initTask != nil {
			initTask.mu.Lock()
			initTask.Children = append(initTask.Children, c)
			initTask.mu.Unlock()
		}
	}

	t.AS.RecycleDataFrames()
}

// initTask is the reparenting target for orphaned children (spec.md
// §4.8). Set once via SetInitTask during boot.
var initTask *Task

// SetInitTask records the initial process as the reparenting target.
func SetInitTask(t *Task) { initTask = t }

// Waitpid implements spec.md §4.8's scan-children-for-zombie protocol.
// Returns (pid, exitCode, status) where status is 0 on a reaped hit, -1
// if no matching child exists at all, -2 if a matching child exists but
// is still alive.
func (parent *Task) Waitpid(pid defs.Pid_t) (reaped defs.Pid_t, exitCode int, status int) {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	matchAny := pid == -1
	found := false
	for i, c := range parent.Children {
		if !matchAny && c.Pid != pid {
			continue
		}
		found = true
		c.mu.Lock()
		zombie := c.Status == Zombie
		ec := c.ExitCode
		c.mu.Unlock()
		if !zombie {
			continue
		}
		parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
		c.AS.Destroy()
		kstackBottom, _ := KernelStackPosition(c.Pid)
		kernelAS.RemoveAreaWithStartVpn(mem.VirtAddr(kstackBottom).Floor())
		pids.dealloc(c.Pid)
		unregister(c.Pid)
		return c.Pid, ec, 0
	}
	if !found {
		return -1, 0, -1
	}
	return -2, 0, -2
}

// Kill posts a fatal signal to t, to be evaluated at its next trap-return
// (spec.md §6's sys_kill).
func (t *Task) Kill(sig defs.Signal_t) {
	t.Signal(sig)
}

// String aids debugging/log output.
func (t *Task) String() string {
	return fmt.Sprintf("task{pid=%d status=%v}", t.Pid, t.Status)
}

// Package kmain sequences boot: clearing BSS, bringing up the kernel
// address space, enabling the timer, and launching the initial process,
// then runs the scheduling loop that every subsequent trap flows
// through.
//
// Grounded on os/src/main.rs (original_source) for the boot sequence
// order (clear_bss -> mm::init -> trap::init -> timer -> task::run_tasks)
// and on biscuit's kernel-diagnostics style (stats dumped through a
// device file, here D_STAT) for the profiling surface.
package kmain

import (
	"fmt"

	"golang.org/x/text/message"

	"rv6/internal/defs"
	"rv6/internal/efs"
	"rv6/internal/mem"
	"rv6/internal/proc"
	"rv6/internal/sbi"
	"rv6/internal/sched"
	"rv6/internal/syscall"
	"rv6/internal/trap"
	"rv6/internal/vm"
)

// Config carries everything boot needs that the linker/boot-assembly
// (out of scope per spec.md §1) would otherwise supply: the section
// boundaries, where the kernel image actually sits in physical memory,
// and the trampoline's physical frame.
type Config struct {
	Layout           vm.KernelLayout
	EKernel          mem.PhysAddr
	ImageBase        mem.PhysAddr
	TrampolinePPN    mem.PhysPageNum
	TrapHandlerVA    uint64 // __alltraps - __alltraps + TRAMPOLINE, in the real kernel; a Go function pointer's stand-in here
	TickIntervalMS   uint64
}

// Kernel is the boot-sequenced, running kernel: the address space, the
// console, the timer, and a monotonic tick counter.
type Kernel struct {
	AS      *vm.AddressSpace
	Console *sbi.Console
	Timer   sbi.Timer
	Shut    sbi.Shutdowner

	tickIntervalTicks uint64
	elapsedMS         uint64
	ticks             uint64
	taskTicks         []TaskTick
}

// Boot performs the sequence os/src/main.rs's rust_main runs before
// task::run_tasks: install the trampoline frame, build the kernel
// address space, wire internal/proc to it, and program the first timer
// tick.
func Boot(cfg Config, con *sbi.Console, timer sbi.Timer, shut sbi.Shutdowner, fs *efs.Filesystem) *Kernel {
	mem.InitKernelFrames(cfg.EKernel, cfg.ImageBase)
	vm.SetTrampolineFrame(cfg.TrampolinePPN)
	as := vm.NewKernel(cfg.Layout)

	proc.Init(as, cfg.TrapHandlerVA, con)
	syscall.Init(fs)

	k := &Kernel{
		AS:                as,
		Console:           con,
		Timer:             timer,
		Shut:              shut,
		tickIntervalTicks: sbi.TicksPerMS(cfg.TickIntervalMS),
	}
	syscall.Now = k.NowMS
	syscall.StatsReader = k.StatsSnapshot
	k.armTimer()
	return k
}

// NowMS returns the kernel's monotonic millisecond clock, backing
// sys_get_time.
func (k *Kernel) NowMS() uint64 { return k.elapsedMS }

func (k *Kernel) armTimer() {
	k.ticks++
	k.Timer.SetTimer(k.ticks * k.tickIntervalTicks)
}

// Tick advances the clock by one timer interrupt: reprograms the next
// tick and advances elapsedMS by the configured interval (spec.md §4.9:
// "the trap handler programs the next tick and calls the yield path").
// It also records the tick against whichever task was preempted, the raw
// sample StatsSnapshot later aggregates.
func (k *Kernel) Tick(preempted *proc.Task) {
	k.armTimer()
	k.elapsedMS += k.tickIntervalTicks * 1000 / sbi.TimebaseFreq
	if preempted != nil {
		k.taskTicks = append(k.taskTicks, TaskTick{Pid: preempted.Pid, Name: preempted.String()})
	}
}

// StatsSnapshot serializes the ticks recorded so far as a pprof profile,
// backing a sys_open of defs.StatPath (the D_STAT device).
func (k *Kernel) StatsSnapshot() ([]byte, error) {
	return StatsProfile(k.taskTicks)
}

// LaunchInitial builds the first process from elf, registers it as the
// reparenting target for orphans, and returns it.
func (k *Kernel) LaunchInitial(elf []byte) (*proc.Task, error) {
	t, err := proc.New(elf)
	if err != nil {
		return nil, err
	}
	proc.SetInitTask(t)
	return t, nil
}

// StepTrap runs one trap-handling iteration for the currently running
// task: classify the trap, dispatch a syscall or post a fatal signal,
// and evaluate that signal at return (spec.md §4.7). It returns true if
// cur should be rescheduled (stays alive and ready/blocked), false if it
// exited.
//
// A task re-queued after blocking on a syscall (spec.md §5) is still
// logically inside that call, not at a fresh trap, so it is retried
// first, ahead of whatever trap cur happens to have been stepped with.
func (k *Kernel) StepTrap(cur *proc.Task, scause trap.Scause, stval uint64, faultText []byte) bool {
	if num, a0, a1, a2, token, retry := cur.TakeBlockedSyscall(); retry {
		return k.runSyscall(cur, num, a0, a1, a2, token)
	}

	tc := cur.TrapContext()
	ev := trap.Dispatch(tc, scause, stval, faultText)
	cur.SaveTrapContext(tc)

	switch ev.Kind {
	case trap.KindSyscall:
		token := cur.AS.Token()
		return k.runSyscall(cur, ev.Syscall, ev.Args[0], ev.Args[1], ev.Args[2], token)

	case trap.KindPageFault:
		cur.Kill(defs.SIGSEGV)
	case trap.KindIllegalInstruction:
		cur.Kill(defs.SIGILL)
	case trap.KindTimer:
		k.Tick(cur)
	default:
		sbi.Panic(k.Console, k.Shut, "trap", ev.Detail)
	}

	if sig, fatal := cur.TakeFatalSignal(); fatal {
		k.exit(cur, sig.ExitCode())
		return false
	}
	proc.Sched.Enqueue(cur)
	return true
}

func (k *Kernel) exit(t *proc.Task, code int) {
	t.Exit(code)
}

// runSyscall dispatches one syscall request and applies its Result: end
// the task on exit, suspend it without re-queuing on Blocked (some other
// task's pipe I/O re-queues it later, per spec.md §5), or else write the
// return value back, evaluate any fatal signal now pending, and re-queue
// it as usual.
func (k *Kernel) runSyscall(cur *proc.Task, num, a0, a1, a2, token uint64) bool {
	res := syscall.Dispatch(cur, num, a0, a1, a2, token)
	if res.Exited {
		k.exit(cur, res.ExitCode)
		return false
	}
	if res.Blocked {
		cur.BlockOnSyscall(num, a0, a1, a2, token)
		return true
	}
	tc := cur.TrapContext()
	tc.SetReturn(res.Value)
	cur.SaveTrapContext(tc)
	if sig, fatal := cur.TakeFatalSignal(); fatal {
		k.exit(cur, sig.ExitCode())
		return false
	}
	proc.Sched.Enqueue(cur)
	return true
}

// RunInitLoop repeatedly pops the next ready task and reaps any zombie
// children of init, matching os/src/task/manager.rs's fetch_task loop
// (original_source) plus spec.md §4.8's "initproc reaps orphans"
// behavior. step is called once per popped task so the caller supplies
// the actual trap simulation (tests and cmd/kernel's main loop provide
// different steps).
func RunInitLoop(sc *sched.Scheduler, initTask *proc.Task, step func(t *proc.Task) bool, maxIters int) {
	for i := 0; i < maxIters; i++ {
		r := sc.Pop()
		if r == nil {
			break
		}
		t, ok := r.(*proc.Task)
		if !ok {
			continue
		}
		step(t)

		for {
			_, _, status := initTask.Waitpid(-1)
			if status != 0 {
				break
			}
		}
	}
}

// Banner formats the boot summary the way a real kernel prints one line
// per subsystem brought up, using x/text/message so multi-digit counts
// get thousands separators the same as a larger diagnostics surface
// would.
func Banner(p *message.Printer, totalFrames int, totalBlocks uint32) string {
	return fmt.Sprintf("rv6: %s frames free, %s blocks on disk",
		p.Sprintf("%d", totalFrames), p.Sprintf("%d", totalBlocks))
}

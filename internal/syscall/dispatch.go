package syscall

import (
	"rv6/internal/defs"
	"rv6/internal/efs"
	"rv6/internal/proc"
	"rv6/internal/vfs"
)

// Root is the mounted filesystem's root directory, set once at boot by
// Init. Path lookup is a flat scan of its directory entries (spec.md
// §4.6: "path lookup from a flat root"); this kernel has no nested
// directory hierarchy to traverse.
var Root *efs.Inode

// Init records the mounted filesystem's root directory.
func Init(fs *efs.Filesystem) {
	Root = fs.RootInode()
}

// Now returns the current monotonic millisecond clock for sys_get_time.
// Set once at boot by internal/kmain, which owns the SBI timebase
// conversion (spec.md §2's "Timer + misc glue").
var Now func() uint64

// StatsReader serializes the per-task timer ticks recorded so far as a
// pprof profile, backing an open of defs.StatPath. Set once at boot by
// internal/kmain, the only package that owns both the tick counters and
// the profile encoder.
var StatsReader func() ([]byte, error)

// Result is what a syscall handler produces: the value written back into
// a0 (spec.md §6: negative on error), whether the calling task must stop
// running (sys_exit never returns to user mode), and whether it must
// instead be suspended without a return value at all (spec.md §5's pipe
// suspension point — internal/kmain retries the same request once the
// task is re-queued, so Value is meaningless when Blocked is set).
type Result struct {
	Value    int64
	Exited   bool
	ExitCode int
	Blocked  bool
}

// ok wraps a non-negative successful return value.
func ok(v int64) Result { return Result{Value: v} }

// errRet produces the syscall ABI's "-1 on error" convention
// (spec.md §6): every syscall error surfaces as -1, the error code itself
// is not passed to user mode.
func errRet() Result { return Result{Value: -1} }

// blocked reports that cur cannot proceed yet and must be suspended
// instead of completing the call (spec.md §5).
func blocked() Result { return Result{Blocked: true} }

// Dispatch routes one trapped syscall to its handler. token is cur's
// current user satp, used for every pointer-translation call; callers
// must re-read it after Exec, since exec replaces the address space.
func Dispatch(cur *proc.Task, num uint64, a0, a1, a2 uint64, token uint64) Result {
	switch num {
	case defs.SYS_DUP:
		return sysDup(cur, int(a0))
	case defs.SYS_OPEN:
		return sysOpen(cur, token, a0, defs.OpenFlags(a1))
	case defs.SYS_CLOSE:
		return sysClose(cur, int(a0))
	case defs.SYS_PIPE:
		return sysPipe(cur, token, a0)
	case defs.SYS_READ:
		return sysRead(cur, token, int(a0), a1, int(a2))
	case defs.SYS_WRITE:
		return sysWrite(cur, token, int(a0), a1, int(a2))
	case defs.SYS_EXIT:
		return Result{Exited: true, ExitCode: int(int64(a0))}
	case defs.SYS_YIELD:
		// internal/kmain re-queues cur after every non-blocked syscall.
		return ok(0)
	case defs.SYS_KILL:
		return sysKill(int(a0), defs.Signal_t(a1))
	case defs.SYS_GETTIME:
		return ok(int64(Now()))
	case defs.SYS_GETPID:
		return ok(int64(cur.Pid))
	case defs.SYS_FORK:
		child := cur.Fork()
		return ok(int64(child.Pid))
	case defs.SYS_EXEC:
		return sysExec(cur, token, a0, a1)
	case defs.SYS_WAITPID:
		return sysWaitpid(cur, token, defs.Pid_t(int64(a0)), a1)
	default:
		return errRet()
	}
}

func sysDup(cur *proc.Task, fd int) Result {
	f := cur.FD(fd)
	if f == nil {
		return errRet()
	}
	return ok(int64(cur.AllocFD(f)))
}

func sysClose(cur *proc.Task, fd int) Result {
	f := cur.FD(fd)
	if f == nil {
		return errRet()
	}
	if p, isPipe := f.(*vfs.Pipe); isPipe {
		p.Close()
	}
	if cur.CloseFD(fd) != 0 {
		return errRet()
	}
	return ok(0)
}

func sysOpen(cur *proc.Task, token uint64, pathPtr uint64, flags defs.OpenFlags) Result {
	path, okTrans := translatedStr(token, pathPtr)
	if !okTrans {
		return errRet()
	}
	if path == defs.StatPath {
		if StatsReader == nil {
			return errRet()
		}
		data, err := StatsReader()
		if err != nil {
			return errRet()
		}
		return ok(int64(cur.AllocFD(vfs.NewStatFile(data))))
	}
	inode := Root.Find(path)
	if inode == nil {
		if flags&defs.O_CREATE == 0 {
			return errRet()
		}
		inode = Root.Create(path, efs.TypeFile)
		if inode == nil {
			return errRet()
		}
	}
	f := vfs.NewInodeFile(inode, flags)
	return ok(int64(cur.AllocFD(f)))
}

func sysPipe(cur *proc.Task, token uint64, outPtr uint64) Result {
	readEnd, writeEnd := vfs.NewPipe()
	readFD := cur.AllocFD(readEnd)
	writeFD := cur.AllocFD(writeEnd)

	ref, okTrans := translatedRefMutU64(token, outPtr)
	if !okTrans {
		return errRet()
	}
	writeU32Pair(ref, uint32(readFD), uint32(writeFD))
	return ok(0)
}

func writeU32Pair(buf []byte, a, b uint32) {
	buf[0] = byte(a)
	buf[1] = byte(a >> 8)
	buf[2] = byte(a >> 16)
	buf[3] = byte(a >> 24)
	buf[4] = byte(b)
	buf[5] = byte(b >> 8)
	buf[6] = byte(b >> 16)
	buf[7] = byte(b >> 24)
}

func sysRead(cur *proc.Task, token uint64, fd int, bufPtr uint64, length int) Result {
	f := cur.FD(fd)
	if f == nil || !f.Readable() {
		return errRet()
	}
	if p, isPipe := f.(*vfs.Pipe); isPipe && !p.ReadableNow() {
		p.AddReadWaiter(func() { cur.Unblock(proc.Sched) })
		return blocked()
	}
	bufs, okTrans := translatedBuffer(token, bufPtr, length)
	if !okTrans {
		return errRet()
	}
	tmp := make([]byte, length)
	n, errc := f.Read(tmp)
	if errc != 0 {
		return errRet()
	}
	copyOut(bufs, tmp[:n])
	return ok(int64(n))
}

func sysWrite(cur *proc.Task, token uint64, fd int, bufPtr uint64, length int) Result {
	f := cur.FD(fd)
	if f == nil || !f.Writable() {
		return errRet()
	}
	if p, isPipe := f.(*vfs.Pipe); isPipe && !p.WritableNow() {
		p.AddWriteWaiter(func() { cur.Unblock(proc.Sched) })
		return blocked()
	}
	bufs, okTrans := translatedBuffer(token, bufPtr, length)
	if !okTrans {
		return errRet()
	}
	tmp := make([]byte, length)
	copyIn(bufs, tmp)
	n, errc := f.Write(tmp)
	if errc != 0 {
		return errRet()
	}
	return ok(int64(n))
}

func sysKill(pid int, sig defs.Signal_t) Result {
	switch sig {
	case defs.SIGKILL, defs.SIGSEGV, defs.SIGILL:
	default:
		return errRet()
	}
	t := proc.Lookup(defs.Pid_t(pid))
	if t == nil {
		return errRet()
	}
	t.Kill(sig)
	return ok(0)
}

func sysExec(cur *proc.Task, token uint64, pathPtr, argvPtr uint64) Result {
	path, okTrans := translatedStr(token, pathPtr)
	if !okTrans {
		return errRet()
	}
	elf := proc.LoadProgram(path)
	if elf == nil {
		return errRet()
	}
	argv, okTrans := translatedArgv(token, argvPtr)
	if !okTrans {
		return errRet()
	}
	if err := cur.Exec(elf, argv); err != nil {
		return errRet()
	}
	return ok(int64(len(argv)))
}

func sysWaitpid(cur *proc.Task, token uint64, pid defs.Pid_t, codePtr uint64) Result {
	reaped, exitCode, status := cur.Waitpid(pid)
	if status == 0 {
		if ref, okTrans := translatedRefMutU64(token, codePtr); okTrans {
			writeU32(ref, uint32(int32(exitCode)))
		}
		return ok(int64(reaped))
	}
	return ok(int64(status))
}

func writeU32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

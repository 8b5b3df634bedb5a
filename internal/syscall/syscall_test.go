package syscall

import (
	"debug/elf"
	"testing"

	"rv6/internal/defs"
	"rv6/internal/efs"
	"rv6/internal/mem"
	"rv6/internal/proc"
	"rv6/internal/trap"
	"rv6/internal/vfs"
	"rv6/internal/vm"
)

func buildTinyELF(vaddr uint64, text []byte) []byte {
	const ehsize = 64
	const phsize = 56
	buf := make([]byte, ehsize+phsize+len(text))
	copy(buf[0:4], "\x7fELF")
	buf[4], buf[5], buf[6] = 2, 1, 1
	put16 := func(off int, v uint16) { buf[off], buf[off+1] = byte(v), byte(v>>8) }
	put32 := func(off int, v uint32) {
		for i := 0; i < 4; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	put64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	put16(16, uint16(elf.ET_EXEC))
	put16(18, uint16(elf.EM_RISCV))
	put32(20, 1)
	put64(24, vaddr)
	put64(32, ehsize)
	put16(52, ehsize)
	put16(54, phsize)
	put16(56, 1)
	ph := ehsize
	put32(ph+0, uint32(elf.PT_LOAD))
	put32(ph+4, uint32(elf.PF_R|elf.PF_X))
	put64(ph+8, ehsize+phsize)
	put64(ph+16, vaddr)
	put64(ph+24, vaddr)
	put64(ph+32, uint64(len(text)))
	put64(ph+40, uint64(len(text)))
	copy(buf[ehsize+phsize:], text)
	return buf
}

type memDisk struct {
	blocks [][efs.BlockSize]byte
}

func (d *memDisk) ReadBlock(id uint64, buf []byte) error {
	copy(buf, d.blocks[id][:])
	return nil
}
func (d *memDisk) WriteBlock(id uint64, buf []byte) error {
	copy(d.blocks[id][:], buf)
	return nil
}

type fakeConsole struct{}

func (fakeConsole) ReadByte() (byte, bool) { return 0, false }
func (fakeConsole) WriteByte(byte)         {}

var setupDone bool
var testELF []byte

func setup(t *testing.T) {
	t.Helper()
	testELF = buildTinyELF(0x1000, []byte{0x13, 0x00, 0x00, 0x00})
	if setupDone {
		return
	}
	mem.Physmem.Init(0, 8192*defs.PageSize)
	mem.KernelFrames = mem.NewFrameAllocator(0, 8192)
	vm.SetTrampolineFrame(0)
	kernelAS := vm.NewKernel(vm.KernelLayout{
		Stext: 0x1000, Etext: 0x2000,
		Srodata: 0x2000, Erodata: 0x3000,
		Sdata: 0x3000, Edata: 0x4000,
		SbssWithStack: 0x4000, Ebss: 0x5000,
		Ekernel: mem.VirtAddr(defs.MemoryEnd - defs.PageSize),
	})
	proc.Init(kernelAS, defs.Trampoline, fakeConsole{})

	disk := &memDisk{blocks: make([][efs.BlockSize]byte, 4096)}
	fs, err := efs.Create(disk, 4096, 1)
	if err != nil {
		t.Fatalf("efs.Create: %v", err)
	}
	Init(fs)
	setupDone = true
}

func newTask(t *testing.T) *proc.Task {
	t.Helper()
	task, err := proc.New(testELF)
	if err != nil {
		t.Fatalf("proc.New: %v", err)
	}
	return task
}

func TestTranslatedStrReadsUntilNUL(t *testing.T) {
	setup(t)
	task := newTask(t)
	token := task.AS.Token()

	pa, ok := task.AS.PT.TranslateVA(0x1000)
	if !ok {
		t.Fatal("expected the loaded segment's page to be mapped")
	}
	page := mem.Physmem.Dmap(mem.PhysAddr(uint64(pa) &^ uint64(defs.PageSize-1)))
	off := int(pa) % defs.PageSize
	copy(page[off:], append([]byte("hi"), 0))

	s, ok := translatedStr(token, 0x1000)
	if !ok || s != "hi" {
		t.Fatalf("translatedStr = (%q,%v), want (\"hi\",true)", s, ok)
	}
}

func TestTranslatedStrUnmappedIsNotOK(t *testing.T) {
	setup(t)
	task := newTask(t)
	if _, ok := translatedStr(task.AS.Token(), 0xdead0000); ok {
		t.Fatal("translatedStr on an unmapped page should report ok=false")
	}
}

func TestTranslatedBufferWritesThroughPages(t *testing.T) {
	setup(t)
	task := newTask(t)
	bufs, ok := translatedBuffer(task.AS.Token(), 0x1000, 4)
	if !ok {
		t.Fatal("translatedBuffer should succeed over the mapped segment")
	}
	n := copyOut(bufs, []byte{1, 2, 3, 4})
	if n != 4 {
		t.Fatalf("copyOut = %d, want 4", n)
	}
}

func TestTranslatedRefMutU64RoundTrip(t *testing.T) {
	setup(t)
	task := newTask(t)
	ref, ok := translatedRefMutU64(task.AS.Token(), 0x1000)
	if !ok {
		t.Fatal("translatedRefMutU64 should succeed over the mapped segment")
	}
	writeU32(ref, 0xdeadbeef)
	if ref[0] != 0xef || ref[3] != 0xde {
		t.Fatalf("unexpected little-endian bytes: %v", ref[:4])
	}
}

func TestDispatchGetpidAndGettime(t *testing.T) {
	setup(t)
	task := newTask(t)
	Now = func() uint64 { return 42 }

	res := Dispatch(task, defs.SYS_GETPID, 0, 0, 0, task.AS.Token())
	if res.Value != int64(task.Pid) {
		t.Fatalf("SYS_GETPID = %d, want %d", res.Value, task.Pid)
	}
	res = Dispatch(task, defs.SYS_GETTIME, 0, 0, 0, task.AS.Token())
	if res.Value != 42 {
		t.Fatalf("SYS_GETTIME = %d, want 42", res.Value)
	}
}

func TestDispatchExitReportsExited(t *testing.T) {
	setup(t)
	task := newTask(t)
	res := Dispatch(task, defs.SYS_EXIT, uint64(int64(-3)), 0, 0, task.AS.Token())
	if !res.Exited || res.ExitCode != -3 {
		t.Fatalf("SYS_EXIT = %+v, want Exited=true ExitCode=-3", res)
	}
}

func TestDispatchUnknownSyscallIsError(t *testing.T) {
	setup(t)
	task := newTask(t)
	res := Dispatch(task, 9999, 0, 0, 0, task.AS.Token())
	if res.Value != -1 {
		t.Fatalf("unknown syscall = %d, want -1", res.Value)
	}
}

func TestDispatchCloseBadFDIsError(t *testing.T) {
	setup(t)
	task := newTask(t)
	res := Dispatch(task, defs.SYS_CLOSE, 99, 0, 0, task.AS.Token())
	if res.Value != -1 {
		t.Fatalf("close of an invalid fd = %d, want -1", res.Value)
	}
}

func TestDispatchDupSharesUnderlyingFile(t *testing.T) {
	setup(t)
	task := newTask(t)
	res := Dispatch(task, defs.SYS_DUP, 1, 0, 0, task.AS.Token())
	if res.Value < 0 {
		t.Fatalf("dup of fd 1 = %d, want a new non-negative fd", res.Value)
	}
	if task.FD(int(res.Value)) != task.FD(1) {
		t.Fatal("dup'd fd should reference the same underlying File")
	}
}

func TestDispatchKillUnknownPidIsError(t *testing.T) {
	setup(t)
	task := newTask(t)
	res := Dispatch(task, defs.SYS_KILL, 999999, uint64(defs.SIGKILL), 0, task.AS.Token())
	if res.Value != -1 {
		t.Fatalf("kill of an unknown pid = %d, want -1", res.Value)
	}
}

func TestDispatchKillPostsSignal(t *testing.T) {
	setup(t)
	task := newTask(t)
	other := newTask(t)
	res := Dispatch(task, defs.SYS_KILL, uint64(other.Pid), uint64(defs.SIGKILL), 0, task.AS.Token())
	if res.Value != 0 {
		t.Fatalf("kill of a live pid = %d, want 0", res.Value)
	}
	sig, ok := other.TakeFatalSignal()
	if !ok || sig != defs.SIGKILL {
		t.Fatal("kill should post SIGKILL for the target's next trap-return")
	}
}

func TestSysOpenStatPathUsesStatsReader(t *testing.T) {
	setup(t)
	task := newTask(t)
	StatsReader = func() ([]byte, error) { return []byte("profile-bytes"), nil }
	defer func() { StatsReader = nil }()

	pa, _ := task.AS.PT.TranslateVA(0x1000)
	page := mem.Physmem.Dmap(mem.PhysAddr(uint64(pa) &^ uint64(defs.PageSize-1)))
	off := int(pa) % defs.PageSize
	copy(page[off:], append([]byte(defs.StatPath), 0))

	res := Dispatch(task, defs.SYS_OPEN, 0x1000, uint64(defs.O_RDONLY), 0, task.AS.Token())
	if res.Value < 0 {
		t.Fatalf("open(%q) = %d, want a valid fd", defs.StatPath, res.Value)
	}
	f := task.FD(int(res.Value))
	if f == nil {
		t.Fatal("expected the stat fd to resolve to a File")
	}
	if _, isStat := f.(*vfs.StatFile); !isStat {
		t.Fatalf("fd should be a *vfs.StatFile, got %T", f)
	}
}

func TestSysOpenStatPathWithoutReaderFails(t *testing.T) {
	setup(t)
	task := newTask(t)
	StatsReader = nil

	pa, _ := task.AS.PT.TranslateVA(0x1000)
	page := mem.Physmem.Dmap(mem.PhysAddr(uint64(pa) &^ uint64(defs.PageSize-1)))
	off := int(pa) % defs.PageSize
	copy(page[off:], append([]byte(defs.StatPath), 0))

	res := Dispatch(task, defs.SYS_OPEN, 0x1000, uint64(defs.O_RDONLY), 0, task.AS.Token())
	if res.Value != -1 {
		t.Fatalf("open(%q) with no StatsReader = %d, want -1", defs.StatPath, res.Value)
	}
}

func TestSysPipeThenReadWrite(t *testing.T) {
	setup(t)
	task := newTask(t)

	outPtr := uint64(0x1000)
	res := Dispatch(task, defs.SYS_PIPE, outPtr, 0, 0, task.AS.Token())
	if res.Value != 0 {
		t.Fatalf("SYS_PIPE = %d, want 0", res.Value)
	}
	ref, _ := translatedRefMutU64(task.AS.Token(), outPtr)
	readFD := int(uint32(ref[0]) | uint32(ref[1])<<8 | uint32(ref[2])<<16 | uint32(ref[3])<<24)
	writeFD := int(uint32(ref[4]) | uint32(ref[5])<<8 | uint32(ref[6])<<16 | uint32(ref[7])<<24)

	msgPtr := uint64(0x1800)
	pa, _ := task.AS.PT.TranslateVA(mem.VirtAddr(msgPtr))
	msgPage := mem.Physmem.Dmap(mem.PhysAddr(uint64(pa) &^ uint64(defs.PageSize-1)))
	off := int(pa) % defs.PageSize
	copy(msgPage[off:], "hey")

	wres := Dispatch(task, defs.SYS_WRITE, uint64(writeFD), msgPtr, 3, task.AS.Token())
	if wres.Value != 3 {
		t.Fatalf("write to pipe = %d, want 3", wres.Value)
	}

	rres := Dispatch(task, defs.SYS_READ, uint64(readFD), msgPtr, 3, task.AS.Token())
	if rres.Value != 3 {
		t.Fatalf("read from pipe = %d, want 3", rres.Value)
	}
}

func TestSysReadOnEmptyPipeBlocksInsteadOfReturningEOF(t *testing.T) {
	setup(t)
	task := newTask(t)

	outPtr := uint64(0x1000)
	Dispatch(task, defs.SYS_PIPE, outPtr, 0, 0, task.AS.Token())
	ref, _ := translatedRefMutU64(task.AS.Token(), outPtr)
	readFD := int(uint32(ref[0]) | uint32(ref[1])<<8 | uint32(ref[2])<<16 | uint32(ref[3])<<24)

	res := Dispatch(task, defs.SYS_READ, uint64(readFD), 0x1800, 4, task.AS.Token())
	if !res.Blocked {
		t.Fatalf("SYS_READ on an empty pipe with a live writer = %+v, want Blocked", res)
	}
}

func TestSysWriteOnFullPipeBlocks(t *testing.T) {
	setup(t)
	task := newTask(t)

	outPtr := uint64(0x1000)
	Dispatch(task, defs.SYS_PIPE, outPtr, 0, 0, task.AS.Token())
	ref, _ := translatedRefMutU64(task.AS.Token(), outPtr)
	writeFD := int(uint32(ref[4]) | uint32(ref[5])<<8 | uint32(ref[6])<<16 | uint32(ref[7])<<24)

	pa, _ := task.AS.PT.TranslateVA(0x1800)
	page := mem.Physmem.Dmap(mem.PhysAddr(uint64(pa) &^ uint64(defs.PageSize-1)))
	off := int(pa) % defs.PageSize
	page[off] = 'x'

	var res Result
	for i := 0; i < 10000; i++ {
		res = Dispatch(task, defs.SYS_WRITE, uint64(writeFD), 0x1800, 1, task.AS.Token())
		if res.Blocked {
			break
		}
	}
	if !res.Blocked {
		t.Fatal("writing to a pipe with a live reader should eventually block once the ring fills")
	}
}

func TestSysExecUnknownProgramFails(t *testing.T) {
	setup(t)
	task := newTask(t)
	pa, _ := task.AS.PT.TranslateVA(0x1000)
	page := mem.Physmem.Dmap(mem.PhysAddr(uint64(pa) &^ uint64(defs.PageSize-1)))
	off := int(pa) % defs.PageSize
	copy(page[off:], append([]byte("nope"), 0))

	res := Dispatch(task, defs.SYS_EXEC, 0x1000, 0, 0, task.AS.Token())
	if res.Value != -1 {
		t.Fatalf("exec of an unregistered program = %d, want -1", res.Value)
	}
}

// TestSysExecTranslatesRealArgv exercises the char** argv path, not just
// the not-found path TestSysExecUnknownProgramFails covers: sysExec must
// translate the caller's argument vector instead of synthesizing a
// single-element one from the program path.
func TestSysExecTranslatesRealArgv(t *testing.T) {
	setup(t)
	task := newTask(t)
	proc.RegisterProgram("prog", testELF)

	pa, _ := task.AS.PT.TranslateVA(0x1000)
	page := mem.Physmem.Dmap(mem.PhysAddr(uint64(pa) &^ uint64(defs.PageSize-1)))

	const pathOff = 0x100
	copy(page[pathOff:], append([]byte("prog"), 0))

	const arg0Off = 0x200
	copy(page[arg0Off:], append([]byte("prog"), 0))
	const arg1Off = 0x240
	copy(page[arg1Off:], append([]byte("-v"), 0))

	const argvOff = 0x300
	putPtr := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			page[off+i] = byte(v >> (8 * i))
		}
	}
	putPtr(argvOff, 0x1000+uint64(arg0Off))
	putPtr(argvOff+8, 0x1000+uint64(arg1Off))
	putPtr(argvOff+16, 0) // NULL terminator

	res := Dispatch(task, defs.SYS_EXEC, 0x1000+uint64(pathOff), 0x1000+uint64(argvOff), 0, task.AS.Token())
	if res.Value != 2 {
		t.Fatalf("SYS_EXEC = %+v, want Value=2 (argc)", res)
	}

	tc := task.TrapContext()
	if tc.X[trap.RegA0] != 2 {
		t.Fatalf("argc pushed onto the new trap context = %d, want 2 (\"prog\", \"-v\")", tc.X[trap.RegA0])
	}
}

// TestTranslatedArgvZeroPtrIsEmpty matches sys_exec callers that pass no
// argv at all (a null argv pointer yields an empty argument vector).
func TestTranslatedArgvZeroPtrIsEmpty(t *testing.T) {
	setup(t)
	task := newTask(t)
	argv, ok := translatedArgv(task.AS.Token(), 0)
	if !ok || len(argv) != 0 {
		t.Fatalf("translatedArgv(0) = (%v,%v), want ([],true)", argv, ok)
	}
}

// Command kernel is the hosted entry point: it wires internal/kmain's
// boot sequence to a host terminal as the SBI console and a host ticker
// as the SBI timer, then drives the scheduling loop.
//
// There is no RISC-V CPU here — the boot assembly, linker script, and
// SBI firmware jump spec.md §1 places out of scope are exactly what
// would fetch and execute the loaded ELF's instructions. This binary is
// the hosted stand-in: it boots the kernel state machine for real, but
// advances it by injecting trap events rather than trapping out of
// actual user-mode execution, the same substitution internal/kmain's
// tests make. A freestanding build swaps this file for boot assembly and
// an SBI-backed trap entry; nothing under internal/ changes.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"rv6/internal/blkcache"
	"rv6/internal/defs"
	"rv6/internal/efs"
	"rv6/internal/kmain"
	"rv6/internal/mem"
	"rv6/internal/proc"
	"rv6/internal/sbi"
	"rv6/internal/trap"
	"rv6/internal/vm"
)

// kernelBase is RustSBI-QEMU's fixed jump-to-supervisor address on the
// `virt` machine (original_source's os/src/linker.ld), used here only to
// size a plausible identity-mapped kernel region on the host.
const kernelBase = 0x80200000

type fileDisk struct{ f *os.File }

func (d *fileDisk) ReadBlock(id uint64, buf []byte) error {
	_, err := d.f.ReadAt(buf, int64(id)*efs.BlockSize)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	return err
}

func (d *fileDisk) WriteBlock(id uint64, buf []byte) error {
	_, err := d.f.WriteAt(buf, int64(id)*efs.BlockSize)
	return err
}

var _ blkcache.Disk = (*fileDisk)(nil)

// hostTimer reprograms a host-side ticker instead of an SBI set_timer
// ecall; the ticker is only read by the timer loop in main below.
type hostTimer struct {
	next chan uint64
}

func newHostTimer() *hostTimer { return &hostTimer{next: make(chan uint64, 1)} }

func (t *hostTimer) SetTimer(tick uint64) {
	select {
	case t.next <- tick:
	default:
		<-t.next
		t.next <- tick
	}
}

type hostShutdown struct{}

func (hostShutdown) Shutdown(code sbi.ExitCode) {
	os.Exit(int(code))
}

func main() {
	imagePath := flag.String("image", "", "path to an EFS disk image built by cmd/mkfs")
	initPath := flag.String("init", "", "path to the initial process's ELF image")
	tickMS := flag.Uint64("tick-ms", 10, "scheduler tick interval in milliseconds")
	flag.Parse()

	if *imagePath == "" || *initPath == "" {
		fmt.Fprintln(os.Stderr, "usage: kernel -image <efs image> -init <elf file>")
		os.Exit(1)
	}

	f, err := os.OpenFile(*imagePath, os.O_RDWR, 0)
	if err != nil {
		log.Fatalf("kernel: open image: %v", err)
	}
	defer f.Close()
	fs, err := efs.Open(&fileDisk{f: f})
	if err != nil {
		log.Fatalf("kernel: open filesystem: %v", err)
	}

	elf, err := os.ReadFile(*initPath)
	if err != nil {
		log.Fatalf("kernel: read init elf: %v", err)
	}

	cfg := kmain.Config{
		Layout: vm.KernelLayout{
			Stext:         kernelBase,
			Etext:         kernelBase + 0x10_0000,
			Srodata:       kernelBase + 0x10_0000,
			Erodata:       kernelBase + 0x18_0000,
			Sdata:         kernelBase + 0x18_0000,
			Edata:         kernelBase + 0x20_0000,
			SbssWithStack: kernelBase + 0x20_0000,
			Ebss:          kernelBase + 0x28_0000,
			Ekernel:       kernelBase + 0x28_0000,
		},
		EKernel:        mem.PhysAddr(kernelBase + 0x28_0000),
		ImageBase:      mem.PhysAddr(kernelBase),
		TrampolinePPN:  mem.PhysAddr(defs.MemoryEnd - defs.PageSize).Floor(),
		TrapHandlerVA:  defs.Trampoline,
		TickIntervalMS: *tickMS,
	}

	con := sbi.NewConsole(os.Stdout, os.Stdin)
	timer := newHostTimer()
	k := kmain.Boot(cfg, con, timer, hostShutdown{}, fs)

	initTask, err := k.LaunchInitial(elf)
	if err != nil {
		log.Fatalf("kernel: launch init: %v", err)
	}

	step := func(t *proc.Task) bool {
		scause := trap.Scause(trap.IntSupervisorTimer | 1<<63)
		return k.StepTrap(t, scause, 0, nil)
	}

	go func() {
		for range timer.next {
			time.Sleep(time.Duration(*tickMS) * time.Millisecond)
		}
	}()

	kmain.RunInitLoop(proc.Sched, initTask, step, 1<<20)
	con.Flush()
}

package vm

import (
	"bytes"
	"debug/elf"
	"fmt"

	"rv6/internal/defs"
	"rv6/internal/mem"
)

// AddressSpace is a page table plus an ordered list of regions. Every
// address space, kernel or user, contains a read-execute mapping of the
// trampoline page at the fixed high virtual address defs.Trampoline
// (spec.md §4.3's central invariant).
//
// Grounded on biscuit/src/vm/as.go's Vm_t (page table + Vmregion list,
// builder methods Vmadd_anon/Vmadd_file -> here InsertFramed/loadSegment).
type AddressSpace struct {
	PT      *PageTable
	Regions []*Region
}

// trampolinePPN is the single physical frame shared read-execute by every
// address space. Set once at boot by SetTrampolineFrame.
var trampolinePPN mem.PhysPageNum
var trampolineSet bool

// SetTrampolineFrame records the physical page backing __alltraps/
// __restore. Spec.md §4.3: "the trampoline is the only shared physical
// page between kernel and user spaces."
func SetTrampolineFrame(ppn mem.PhysPageNum) {
	trampolinePPN = ppn
	trampolineSet = true
}

func (as *AddressSpace) mapTrampoline() {
	if !trampolineSet {
		panic("vm: trampoline frame not set before address space construction")
	}
	vpn := mem.VirtAddr(defs.Trampoline).Floor()
	as.PT.Map(vpn, trampolinePPN, PTE_R|PTE_X)
}

// KernelLayout names the linker symbols spec.md §6 requires the boot
// assembly to export. NewKernel uses them to lay out the identity-mapped
// kernel address space.
type KernelLayout struct {
	Stext, Etext           mem.VirtAddr
	Srodata, Erodata       mem.VirtAddr
	Sdata, Edata           mem.VirtAddr
	SbssWithStack, Ebss    mem.VirtAddr
	Ekernel                mem.VirtAddr
}

// NewKernel builds the kernel address space: identity mappings for each
// linked section plus [ekernel, MemoryEnd), the VirtIO MMIO window, and
// the trampoline (spec.md §4.3).
func NewKernel(kl KernelLayout) *AddressSpace {
	as := &AddressSpace{PT: NewPageTable()}
	as.insertIdentity(kl.Stext, kl.Etext, PTE_R|PTE_X)
	as.insertIdentity(kl.Srodata, kl.Erodata, PTE_R)
	as.insertIdentity(kl.Sdata, kl.Edata, PTE_R|PTE_W)
	as.insertIdentity(kl.SbssWithStack, kl.Ebss, PTE_R|PTE_W)
	as.insertIdentity(kl.Ekernel, mem.VirtAddr(defs.MemoryEnd), PTE_R|PTE_W)
	as.insertIdentity(mem.VirtAddr(defs.VirtioMMIOBase), mem.VirtAddr(defs.VirtioMMIOBase+defs.VirtioMMIOSize), PTE_R|PTE_W)
	as.mapTrampoline()
	return as
}

func (as *AddressSpace) insertIdentity(start, end mem.VirtAddr, perms PTEFlags) {
	if end <= start {
		return
	}
	r := NewRegion(start, end, Identical, perms)
	r.MapAll(as.PT)
	as.Regions = append(as.Regions, r)
}

// InsertFramed adds a freshly backed region over [start, end) with the
// given permissions (used for the user stack and the trap-context page).
func (as *AddressSpace) InsertFramed(start, end mem.VirtAddr, perms PTEFlags) *Region {
	r := NewRegion(start, end, Framed, perms)
	r.MapAll(as.PT)
	as.Regions = append(as.Regions, r)
	return r
}

// RemoveAreaWithStartVpn unmaps and removes the unique region whose start
// equals vpn. No-op if absent (spec.md §4.3).
func (as *AddressSpace) RemoveAreaWithStartVpn(vpn mem.VirtPageNum) {
	for i, r := range as.Regions {
		if r.Start == vpn {
			r.UnmapAll(as.PT)
			as.Regions = append(as.Regions[:i], as.Regions[i+1:]...)
			return
		}
	}
}

// RecycleDataFrames drops every region (unmapping and freeing their
// frames) but keeps the page table's root/index frames intact. Used
// during process exit, before the PCB itself is dropped (spec.md §4.3).
func (as *AddressSpace) RecycleDataFrames() {
	for _, r := range as.Regions {
		r.UnmapAll(as.PT)
	}
	as.Regions = nil
}

// Destroy releases the page table's own frames. Call only once every
// region has already been recycled (or was never created, as for a
// parent whose child is being torn down independently).
func (as *AddressSpace) Destroy() {
	as.RecycleDataFrames()
	as.PT.Destroy()
}

// Token returns the satp value selecting this address space.
func (as *AddressSpace) Token() uint64 { return as.PT.Token() }

const userStackGuardPages = 1
const UserStackSize = 2 * defs.PageSize

// FromELF validates the ELF header, maps each PT_LOAD segment with
// permissions derived from its ELF flags (plus PTE_U), copies its payload
// page by page into freshly allocated frames, and lays out a user stack
// one guard page above the highest mapped page (spec.md §4.3).
func FromELF(data []byte) (as *AddressSpace, userStackBase, userStackTop, entry mem.VirtAddr, err error) {
	if len(data) < 4 || data[0] != 0x7f || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
		return nil, 0, 0, 0, fmt.Errorf("vm: not an ELF file")
	}
	f, perr := elf.NewFile(bytes.NewReader(data))
	if perr != nil {
		return nil, 0, 0, 0, fmt.Errorf("vm: malformed ELF: %w", perr)
	}
	defer f.Close()

	as = &AddressSpace{PT: NewPageTable()}
	as.mapTrampoline()

	var maxVpn mem.VirtPageNum
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		start := mem.VirtAddr(prog.Vaddr)
		end := mem.VirtAddr(prog.Vaddr + prog.Memsz)
		perms := PTE_U
		if prog.Flags&elf.PF_R != 0 {
			perms |= PTE_R
		}
		if prog.Flags&elf.PF_W != 0 {
			perms |= PTE_W
		}
		if prog.Flags&elf.PF_X != 0 {
			perms |= PTE_X
		}
		r := as.InsertFramed(start, end, perms)
		body := make([]byte, prog.Filesz)
		if _, rerr := prog.ReaderAt.ReadAt(body, 0); rerr != nil {
			return nil, 0, 0, 0, fmt.Errorf("vm: reading segment: %w", rerr)
		}
		padded := make([]byte, int(start.PageOffset())+int(prog.Memsz))
		copy(padded[start.PageOffset():], body)
		r.CopyFrom(padded)
		if r.End > maxVpn {
			maxVpn = r.End
		}
	}

	stackBottomVpn := maxVpn + userStackGuardPages
	userStackBase = stackBottomVpn.Addr()
	userStackTop = mem.VirtAddr(uint64(userStackBase) + UserStackSize)
	as.InsertFramed(userStackBase, userStackTop, PTE_R|PTE_W|PTE_U)

	// Trap context: one framed page just below the trampoline, not
	// user-accessible (read/written by S-mode code via the user satp).
	trapCtxStart := mem.VirtAddr(defs.TrapContext)
	trapCtxEnd := mem.VirtAddr(defs.Trampoline)
	as.InsertFramed(trapCtxStart, trapCtxEnd, PTE_R|PTE_W)

	return as, userStackBase, userStackTop, mem.VirtAddr(f.Entry), nil
}

// TrapContextPPN returns the physical frame backing this address space's
// trap-context page, for the kernel to read/write via Physmem.Dmap.
func (as *AddressSpace) TrapContextPPN() mem.PhysPageNum {
	vpn := mem.VirtAddr(defs.TrapContext).Floor()
	for _, r := range as.Regions {
		if f, ok := r.Frames[vpn]; ok {
			return f.Ppn
		}
	}
	panic("vm: address space has no trap-context page")
}

// FromUserSpace deep-clones parent: every region is re-mapped with fresh
// frames and each page is byte-copied through both page tables (spec.md
// §4.3, used by fork).
func FromUserSpace(parent *AddressSpace) *AddressSpace {
	as := &AddressSpace{PT: NewPageTable()}
	as.mapTrampoline()
	for _, pr := range parent.Regions {
		r := NewRegion(pr.Start.Addr(), pr.End.Addr(), pr.Type, pr.Perms)
		r.MapAll(as.PT)
		for vpn := pr.Start; vpn < pr.End; vpn++ {
			src := pr.Frames[vpn].Bytes()
			dst := r.Frames[vpn].Bytes()
			copy(dst, src)
		}
		as.Regions = append(as.Regions, r)
	}
	return as
}

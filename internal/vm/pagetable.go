package vm

import (
	"rv6/internal/mem"
)

// satvMode is the Sv39 mode field of satp.
const satvMode = 8

// PageTable owns the root frame and any intermediate index frames it has
// allocated. Releasing the table frees the index frames but not the leaf
// data frames, which belong to the owning Region (spec.md §3). A
// PageTable constructed via FromToken is a non-owning view used to
// translate another address space's user pointers; Map/Unmap on such a
// view panic.
type PageTable struct {
	root   *mem.FrameTracker
	rootPA mem.PhysPageNum
	frames []*mem.FrameTracker // intermediate (non-leaf) index frames owned by this table
	owned  bool
}

// NewPageTable allocates a fresh root frame from the kernel frame
// allocator.
func NewPageTable() *PageTable {
	root, ok := mem.KernelFrames.Alloc()
	if !ok {
		panic("vm: out of frames allocating page table root")
	}
	return &PageTable{root: root, rootPA: root.Ppn, owned: true}
}

// FromToken builds a non-owning view of the address space selected by the
// given satp token, for translating another process's user pointers. It
// registers no intermediate frames, since it does not own the table.
func FromToken(satp uint64) *PageTable {
	return &PageTable{rootPA: mem.PhysPageNum(satp & ((1 << 44) - 1)), owned: false}
}

// Token returns the satp value selecting this table: (Sv39 mode, root ppn).
func (pt *PageTable) Token() uint64 {
	return uint64(satvMode)<<60 | uint64(pt.rootPA)
}

func ptesOf(ppn mem.PhysPageNum) []pte_t {
	buf := mem.Physmem.Dmap(ppn.Addr())
	ptes := make([]pte_t, 0, 512)
	for i := 0; i < 512; i++ {
		var v uint64
		for b := 0; b < 8; b++ {
			v |= uint64(buf[i*8+b]) << (8 * b)
		}
		ptes = append(ptes, pte_t(v))
	}
	return ptes
}

func storePTE(ppn mem.PhysPageNum, idx int, p pte_t) {
	buf := mem.Physmem.Dmap(ppn.Addr())
	v := uint64(p)
	for b := 0; b < 8; b++ {
		buf[idx*8+b] = byte(v >> (8 * b))
	}
}

func loadPTE(ppn mem.PhysPageNum, idx int) pte_t {
	buf := mem.Physmem.Dmap(ppn.Addr())
	var v uint64
	for b := 0; b < 8; b++ {
		v |= uint64(buf[idx*8+b]) << (8 * b)
	}
	return pte_t(v)
}

// walk returns the leaf PTE slot for vpn (as a (ppn, index) pair), walking
// three Sv39 levels. When create is true, missing intermediate levels are
// allocated on the fly and registered against pt.frames; when false, a
// missing intermediate level yields ok=false.
func (pt *PageTable) walk(vpn mem.VirtPageNum, create bool) (ppn mem.PhysPageNum, idx int, ok bool) {
	idxs := vpn.Indexes()
	cur := pt.rootPA
	for level := 0; level < 3; level++ {
		i := int(idxs[level])
		if level == 2 {
			return cur, i, true
		}
		e := loadPTE(cur, i)
		if !e.valid() {
			if !create {
				return 0, 0, false
			}
			if !pt.owned {
				panic("vm: cannot extend a non-owning page table view")
			}
			nf, ok := mem.KernelFrames.Alloc()
			if !ok {
				return 0, 0, false
			}
			pt.frames = append(pt.frames, nf)
			storePTE(cur, i, makePTE(nf.Ppn, PTE_V))
			cur = nf.Ppn
			continue
		}
		if e.IsLeaf0() {
			panic("vm: huge pages are not supported")
		}
		cur = e.ppn()
	}
	panic("unreachable")
}

// IsLeaf0 reports whether a non-leaf-level PTE was actually marked with
// leaf permission bits, which would indicate a huge-page mapping this
// three-level walker does not support.
func (p pte_t) IsLeaf0() bool { return p.valid() && p.flags().IsLeaf() }

// Map installs vpn -> ppn with the given flags. Panics if the leaf is
// already valid, per spec.md §4.2.
func (pt *PageTable) Map(vpn mem.VirtPageNum, ppn mem.PhysPageNum, flags PTEFlags) {
	if !pt.owned {
		panic("vm: cannot map through a non-owning page table view")
	}
	leafPPN, idx, ok := pt.walk(vpn, true)
	if !ok {
		panic("vm: out of frames extending page table")
	}
	if loadPTE(leafPPN, idx).valid() {
		panic("vm: remap of an already-valid leaf")
	}
	storePTE(leafPPN, idx, makePTE(ppn, flags|PTE_V))
}

// Unmap clears the leaf PTE for vpn. Requires a valid leaf, per spec.md
// §4.2.
func (pt *PageTable) Unmap(vpn mem.VirtPageNum) {
	if !pt.owned {
		panic("vm: cannot unmap through a non-owning page table view")
	}
	leafPPN, idx, ok := pt.walk(vpn, false)
	if !ok || !loadPTE(leafPPN, idx).valid() {
		panic("vm: unmap of an unmapped page")
	}
	storePTE(leafPPN, idx, 0)
}

// Translate walks read-only and returns the leaf PTE for vpn, or ok=false
// if any level is missing.
func (pt *PageTable) Translate(vpn mem.VirtPageNum) (ppn mem.PhysPageNum, flags PTEFlags, ok bool) {
	leafPPN, idx, walked := pt.walk(vpn, false)
	if !walked {
		return 0, 0, false
	}
	e := loadPTE(leafPPN, idx)
	if !e.valid() {
		return 0, 0, false
	}
	return e.ppn(), e.flags(), true
}

// TranslateVA translates a full virtual address to its physical address,
// preserving the page offset.
func (pt *PageTable) TranslateVA(va mem.VirtAddr) (mem.PhysAddr, bool) {
	ppn, _, ok := pt.Translate(va.Floor())
	if !ok {
		return 0, false
	}
	return mem.PhysAddr(uint64(ppn.Addr()) | va.PageOffset()), true
}

// Destroy frees every intermediate frame this table allocated (but not the
// root-adjacent leaf data frames, which are owned by Regions). The root
// frame itself is freed as well. Mirrors spec.md §3: "releasing the table
// frees all index frames but not data frames."
func (pt *PageTable) Destroy() {
	if !pt.owned {
		return
	}
	for _, f := range pt.frames {
		f.Free()
	}
	pt.frames = nil
	pt.root.Free()
}

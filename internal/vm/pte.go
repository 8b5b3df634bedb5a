// Package vm implements Sv39 paging: the three-level page table (walk,
// map, unmap, translate) and the per-process address space (region list
// plus page table) built on top of it.
//
// Grounded on biscuit/src/vm/as.go for the address-space half (Vm_t's
// region list and lock discipline, Page_insert/Page_remove, the _mkvmi
// region-builder shape) and on os/src/mm/page_table.rs and
// os/src/mm/memory_set.rs (original_source) for the Sv39-specific walk
// depth and PTE bit layout biscuit's x86-64 code doesn't have (biscuit
// paging is 4-level x86, not 3-level Sv39).
package vm

import (
	"fmt"

	"rv6/internal/mem"
)

// PTEFlags are the eight low flag bits of a page-table entry (spec.md §3).
type PTEFlags uint64

const (
	PTE_V PTEFlags = 1 << 0 /// valid
	PTE_R PTEFlags = 1 << 1 /// readable
	PTE_W PTEFlags = 1 << 2 /// writable
	PTE_X PTEFlags = 1 << 3 /// executable
	PTE_U PTEFlags = 1 << 4 /// user-accessible
	PTE_G PTEFlags = 1 << 5 /// global
	PTE_A PTEFlags = 1 << 6 /// accessed
	PTE_D PTEFlags = 1 << 7 /// dirty
)

// IsLeaf reports whether a PTE with these flags terminates a walk (has at
// least one of R/W/X set, per spec.md §3).
func (f PTEFlags) IsLeaf() bool {
	return f&(PTE_R|PTE_W|PTE_X) != 0
}

const pteFlagBits = 8
const ppnShift = pteFlagBits + 2 // 2 reserved bits between flags and ppn

// pte_t is the 64-bit on-disk/in-memory representation of a page-table
// entry: [ppn(44) | reserved(2) | flags(8)], per spec.md §3.
type pte_t uint64

func makePTE(ppn mem.PhysPageNum, flags PTEFlags) pte_t {
	return pte_t(uint64(ppn)<<ppnShift | uint64(flags))
}

func (p pte_t) ppn() mem.PhysPageNum {
	return mem.PhysPageNum(uint64(p) >> ppnShift)
}

func (p pte_t) flags() PTEFlags {
	return PTEFlags(uint64(p) & ((1 << pteFlagBits) - 1))
}

func (p pte_t) valid() bool {
	return p.flags()&PTE_V != 0
}

func (p pte_t) String() string {
	return fmt.Sprintf("pte{ppn=%#x flags=%03b}", p.ppn(), p.flags())
}

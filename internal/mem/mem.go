// Package mem implements physical memory management: address/page-number
// types, a direct physical-memory map, and the stack-with-recycle-list
// frame allocator described in spec.md §4.1.
//
// Grounded on biscuit/src/mem/mem.go (Pa_t, PGSHIFT/PGSIZE/PGOFFSET/PGMASK,
// the free-list-of-indices allocator shape, Dmap), simplified from
// biscuit's per-CPU refcounted allocator to the spec's single-CPU stack
// allocator: there is one CPU, so there is nothing to shard across, and
// frames are owned outright by a single region rather than refcounted.
package mem

import (
	"sync"

	"rv6/internal/defs"
)

// PhysAddr is a physical byte address.
type PhysAddr uint64

// PhysPageNum is a physical address shifted right by PageShift.
type PhysPageNum uint64

// VirtAddr is a virtual byte address.
type VirtAddr uint64

// VirtPageNum is a virtual address shifted right by PageShift (the low 27
// bits of an Sv39 virtual address).
type VirtPageNum uint64

const pageOffsetMask = defs.PageSize - 1

// PageOffset returns the offset of a within its page.
func (a PhysAddr) PageOffset() uint64 { return uint64(a) & pageOffsetMask }

// Floor returns the page number containing a.
func (a PhysAddr) Floor() PhysPageNum { return PhysPageNum(a >> defs.PageShift) }

// Ceil returns the page number of the first page at or after a.
func (a PhysAddr) Ceil() PhysPageNum {
	if a == 0 {
		return 0
	}
	return PhysPageNum((uint64(a) + defs.PageSize - 1) >> defs.PageShift)
}

// Addr returns the base byte address of the page.
func (p PhysPageNum) Addr() PhysAddr { return PhysAddr(p << defs.PageShift) }

// PageOffset returns the offset of a within its page.
func (a VirtAddr) PageOffset() uint64 { return uint64(a) & pageOffsetMask }

// Floor returns the page number containing a.
func (a VirtAddr) Floor() VirtPageNum { return VirtPageNum(a >> defs.PageShift) }

// Ceil returns the page number of the first page at or after a.
func (a VirtAddr) Ceil() VirtPageNum {
	if a == 0 {
		return 0
	}
	return VirtPageNum((uint64(a) + defs.PageSize - 1) >> defs.PageShift)
}

// Addr returns the base byte address of the page.
func (p VirtPageNum) Addr() VirtAddr { return VirtAddr(p << defs.PageShift) }

// Indexes splits a virtual page number into its three Sv39 9-bit indices,
// high to low, as walked by vm.PageTable.
func (p VirtPageNum) Indexes() [3]uint64 {
	v := uint64(p)
	var idx [3]uint64
	for i := 2; i >= 0; i-- {
		idx[i] = v & 0x1ff
		v >>= 9
	}
	return idx
}

// Physmem is the direct physical-memory map: the kernel identity-maps all
// of RAM, so any package holding a PhysAddr can read or write it directly
// without walking a page table. Grounded on Physmem_t.Dmap in the teacher.
type physmem_t struct {
	base  PhysAddr // address Bytes()'s backing array represents index 0
	bytes []byte
}

var Physmem = &physmem_t{}

// Init backs the direct map with a byte arena spanning [base, base+size).
// Only ever called once, at boot.
func (m *physmem_t) Init(base PhysAddr, size int) {
	m.base = base
	m.bytes = make([]byte, size)
}

// Dmap returns a PageSize-length slice mapping the physical page
// containing pa. Panics if pa falls outside the backing arena, matching
// the teacher's "direct map not large enough" panic in Dmap.
func (m *physmem_t) Dmap(pa PhysAddr) []byte {
	if pa < m.base || int(pa-m.base) >= len(m.bytes) {
		panic("mem: address outside direct map")
	}
	off := int(pa-m.base) &^ pageOffsetMask
	return m.bytes[off : off+defs.PageSize]
}

// FrameTracker owns one physical frame. Its page is zero-filled at the
// moment Alloc returns it (invariant 1, spec.md §8); the owner is
// responsible for calling Free exactly once, mirroring the teacher's
// "frame handle releases its frame on drop" — Go has no destructors, so
// ownership is explicit rather than implicit.
type FrameTracker struct {
	Ppn PhysPageNum
	a   *FrameAllocator
}

// Bytes returns the live backing slice for this frame.
func (f *FrameTracker) Bytes() []byte {
	return Physmem.Dmap(f.Ppn.Addr())
}

// Free returns the frame to its allocator. Freeing the same frame twice
// panics (invariant: "a freed frame is not freed twice", spec.md §3).
func (f *FrameTracker) Free() {
	f.a.dealloc(f.Ppn)
}

// FrameAllocator is the stack allocator of spec.md §4.1: a high-water mark
// bounded by `end`, plus a LIFO recycle list.
type FrameAllocator struct {
	mu      sync.Mutex
	current PhysPageNum
	end     PhysPageNum
	recycle []PhysPageNum
	given   map[PhysPageNum]bool // frames currently on loan, for double-free detection
}

// NewFrameAllocator creates an allocator handing out frames in
// [start, end).
func NewFrameAllocator(start, end PhysPageNum) *FrameAllocator {
	return &FrameAllocator{
		current: start,
		end:     end,
		given:   make(map[PhysPageNum]bool),
	}
}

// Alloc hands out one zero-filled frame, preferring the recycle list (LIFO,
// to maximize cache reuse per spec.md §4.1) over extending the high-water
// mark. ok is false when the allocator is exhausted.
func (a *FrameAllocator) Alloc() (*FrameTracker, bool) {
	a.mu.Lock()
	var ppn PhysPageNum
	if n := len(a.recycle); n > 0 {
		ppn = a.recycle[n-1]
		a.recycle = a.recycle[:n-1]
	} else if a.current < a.end {
		ppn = a.current
		a.current++
	} else {
		a.mu.Unlock()
		return nil, false
	}
	a.given[ppn] = true
	a.mu.Unlock()

	f := &FrameTracker{Ppn: ppn, a: a}
	buf := f.Bytes()
	for i := range buf {
		buf[i] = 0
	}
	return f, true
}

func (a *FrameAllocator) dealloc(ppn PhysPageNum) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ppn >= a.current {
		panic("mem: dealloc of a frame never allocated")
	}
	if !a.given[ppn] {
		panic("mem: double free of frame")
	}
	delete(a.given, ppn)
	a.recycle = append(a.recycle, ppn)
}

// KernelFrames is the global physical frame allocator, spanning
// [ekernel, MemoryEnd) as named in spec.md §4.1.
var KernelFrames *FrameAllocator

// InitKernelFrames constructs KernelFrames and backs Physmem's direct map
// over the same range, plus the low region housing the kernel image
// itself (so kernel .text/.data/.bss can be read/written through Dmap as
// well as through the identity map vm.NewKernel installs).
func InitKernelFrames(ekernel PhysAddr, imageBase PhysAddr) {
	Physmem.Init(imageBase, int(defs.MemoryEnd-uint64(imageBase)))
	start := ekernel.Ceil()
	end := PhysAddr(defs.MemoryEnd).Floor()
	KernelFrames = NewFrameAllocator(start, end)
}

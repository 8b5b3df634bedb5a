package proc

import (
	"sync"

	"rv6/internal/defs"
)

// pidAllocator hands out process identifiers with the same stack-plus-
// recycle-list shape as mem.FrameAllocator (spec.md §4.1's allocator
// pattern, reused for PIDs per spec.md §4.8).
type pidAllocator struct {
	mu      sync.Mutex
	current defs.Pid_t
	recycle []defs.Pid_t
}

var pids = &pidAllocator{current: 1} // pid 0 is reserved for the idle/init bootstrap

func (a *pidAllocator) alloc() defs.Pid_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.recycle); n > 0 {
		pid := a.recycle[n-1]
		a.recycle = a.recycle[:n-1]
		return pid
	}
	pid := a.current
	a.current++
	return pid
}

func (a *pidAllocator) dealloc(pid defs.Pid_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recycle = append(a.recycle, pid)
}

// KernelStackSize is the per-process kernel stack, mapped one guard page
// below the next lower stack slot so an overflow faults instead of
// corrupting a neighbor (spec.md §4.8).
const KernelStackSize = 2 * defs.PageSize
const kernelStackGuardPages = 1

// KernelStackPosition returns the [bottom, top) virtual range of pid's
// kernel stack, counting down from the trampoline page.
func KernelStackPosition(pid defs.Pid_t) (bottom, top uint64) {
	slot := uint64(pid) * (KernelStackSize + kernelStackGuardPages*defs.PageSize)
	top = defs.Trampoline - slot
	bottom = top - KernelStackSize
	return bottom, top
}

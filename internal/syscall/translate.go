// Package syscall implements the numbered syscall table and the
// user-pointer translation functions every handler uses to cross the
// kernel/user boundary (spec.md §4.10).
//
// Grounded on os/src/syscall/mod.rs (original_source) for the
// number-to-handler routing shape, and biscuit/src/vm/as.go's
// Userstr/Userreadn/K2user/User2k (translate through the *current*
// user satp, one page at a time) for the translation functions
// themselves.
package syscall

import (
	"rv6/internal/defs"
	"rv6/internal/mem"
	"rv6/internal/vm"
)

// translatedBuffer returns the scatter/gather list of physical byte
// slices covering [ptr, ptr+length) in the address space selected by
// token, one slice per page spanned (spec.md §4.10's
// translated_byte_buffer). ok is false if any page in the span is
// unmapped, the EFAULT case.
func translatedBuffer(token uint64, ptr uint64, length int) (slices [][]byte, ok bool) {
	if length == 0 {
		return nil, true
	}
	pt := vm.FromToken(token)
	start := mem.VirtAddr(ptr)
	end := mem.VirtAddr(ptr + uint64(length))
	vpn := start.Floor()
	for {
		pageStart := vpn.Addr()
		pageEnd := mem.VirtAddr(uint64(pageStart) + defs.PageSize)
		lo := start
		if pageStart > lo {
			lo = pageStart
		}
		hi := end
		if pageEnd < hi {
			hi = pageEnd
		}
		pa, translated := pt.TranslateVA(lo)
		if !translated {
			return nil, false
		}
		page := mem.Physmem.Dmap(mem.PhysAddr(uint64(pa) &^ uint64(defs.PageSize-1)))
		slices = append(slices, page[lo.PageOffset():lo.PageOffset()+uint64(hi-lo)])
		if hi >= end {
			break
		}
		vpn++
	}
	return slices, true
}

// translatedStr walks byte-by-byte from ptr until a NUL, through token's
// address space, and returns the decoded string (spec.md's
// translated_str). ok is false on an unmapped page before any NUL is
// found.
func translatedStr(token uint64, ptr uint64) (s string, ok bool) {
	pt := vm.FromToken(token)
	var b []byte
	va := mem.VirtAddr(ptr)
	for {
		pa, translated := pt.TranslateVA(va)
		if !translated {
			return "", false
		}
		page := mem.Physmem.Dmap(mem.PhysAddr(uint64(pa) &^ uint64(defs.PageSize-1)))
		off := pa.PageOffset()
		c := page[off]
		if c == 0 {
			return string(b), true
		}
		b = append(b, c)
		va++
	}
}

// translatedRefMutU64 returns a mutable view of the single 8-byte word at
// ptr, which must not cross a page boundary (spec.md's translated_refmut).
func translatedRefMutU64(token uint64, ptr uint64) (ref []byte, ok bool) {
	if mem.VirtAddr(ptr).PageOffset()+8 > defs.PageSize {
		return nil, false
	}
	pt := vm.FromToken(token)
	pa, translated := pt.TranslateVA(mem.VirtAddr(ptr))
	if !translated {
		return nil, false
	}
	page := mem.Physmem.Dmap(mem.PhysAddr(uint64(pa) &^ uint64(defs.PageSize-1)))
	off := pa.PageOffset()
	return page[off : off+8], true
}

// translatedArgv walks the NUL-terminated char** argument vector at ptr
// (spec.md §6's sys_exec argv), reading each 8-byte pointer slot with
// translatedRefMutU64 and decoding the string it points at with
// translatedStr, stopping at the first null pointer. A ptr of 0 means no
// argv was supplied and translates to an empty argument vector.
func translatedArgv(token uint64, ptr uint64) (argv []string, ok bool) {
	if ptr == 0 {
		return nil, true
	}
	for i := 0; ; i++ {
		ref, okTrans := translatedRefMutU64(token, ptr+uint64(i)*8)
		if !okTrans {
			return nil, false
		}
		entry := uint64(0)
		for b := 0; b < 8; b++ {
			entry |= uint64(ref[b]) << (8 * b)
		}
		if entry == 0 {
			return argv, true
		}
		s, okTrans := translatedStr(token, entry)
		if !okTrans {
			return nil, false
		}
		argv = append(argv, s)
	}
}

// copyOut writes data into the scatter/gather buffer returned by
// translatedBuffer, across as many of its slices as needed.
func copyOut(bufs [][]byte, data []byte) int {
	n := 0
	for _, b := range bufs {
		if n >= len(data) {
			break
		}
		c := copy(b, data[n:])
		n += c
	}
	return n
}

// copyIn reads up to len(dst) bytes from the scatter/gather buffer into
// dst.
func copyIn(bufs [][]byte, dst []byte) int {
	n := 0
	for _, b := range bufs {
		if n >= len(dst) {
			break
		}
		c := copy(dst[n:], b)
		n += c
	}
	return n
}

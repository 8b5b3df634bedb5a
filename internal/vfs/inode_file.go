package vfs

import (
	"sync"

	"rv6/internal/defs"
	"rv6/internal/efs"
)

// InodeFile is the File variant backed by a disk inode. It tracks a byte
// offset that advances on every Read/Write, independent of efs.Inode's
// own offset-free ReadAt/WriteAt (spec.md §4.10).
type InodeFile struct {
	mu     sync.Mutex
	inode  *efs.Inode
	flags  defs.OpenFlags
	offset uint32
}

// NewInodeFile wraps inode as a File opened with the given flags. A
// O_TRUNC open truncates the inode immediately, matching sys_open's
// semantics (spec.md §4.10).
func NewInodeFile(inode *efs.Inode, flags defs.OpenFlags) *InodeFile {
	if flags&defs.O_TRUNC != 0 {
		inode.Truncate()
	}
	return &InodeFile{inode: inode, flags: flags}
}

func (f *InodeFile) Readable() bool { return f.flags.Readable() }
func (f *InodeFile) Writable() bool { return f.flags.Writable() }

func (f *InodeFile) Read(buf []byte) (int, defs.Err_t) {
	if !f.Readable() {
		return 0, defs.EBADF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.inode.ReadAt(f.offset, buf)
	f.offset += uint32(n)
	return n, 0
}

func (f *InodeFile) Write(buf []byte) (int, defs.Err_t) {
	if !f.Writable() {
		return 0, defs.EBADF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.inode.WriteAt(f.offset, buf)
	if n == 0 && len(buf) != 0 {
		return 0, defs.ENOSPC
	}
	f.offset += uint32(n)
	return n, 0
}

// ReadAll reads the whole backing inode from offset 0 without advancing
// this file's own offset (spec.md §4.10's read_all).
func (f *InodeFile) ReadAll() []byte {
	return f.inode.ReadAll()
}

// Inode exposes the backing disk inode, for path lookup and directory
// operations in internal/syscall.
func (f *InodeFile) Inode() *efs.Inode { return f.inode }

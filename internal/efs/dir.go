package efs

import "bytes"

// Inode is a handle to one on-disk inode, identified by its id within fs.
// It re-reads and re-writes the backing diskInode record on every
// operation rather than caching it in memory, so concurrent handles to
// the same id observe each other's writes through the block cache (the
// same consistency model blkcache.Cache gives every other disk access).
type Inode struct {
	fs *Filesystem
	ID uint32
}

// RootInode returns a handle to the filesystem's root directory.
func (fs *Filesystem) RootInode() *Inode {
	return &Inode{fs: fs, ID: RootInodeID}
}

// IsDir reports whether this inode is a directory.
func (ino *Inode) IsDir() bool {
	return ino.fs.readDiskInode(ino.ID).Type == TypeDir
}

// Size returns the inode's current byte size.
func (ino *Inode) Size() uint32 {
	return ino.fs.readDiskInode(ino.ID).Size
}

// ReadAt reads len(buf) bytes starting at offset, returning the number of
// bytes actually read (fewer than len(buf) at EOF).
func (ino *Inode) ReadAt(offset uint32, buf []byte) int {
	d := ino.fs.readDiskInode(ino.ID)
	size := d.Size
	if offset >= size {
		return 0
	}
	end := offset + uint32(len(buf))
	if end > size {
		end = size
	}
	read := 0
	start := offset
	for start < end {
		blockIdx := start / BlockSize
		blockOff := start % BlockSize
		chunk := BlockSize - blockOff
		if remain := end - start; chunk > remain {
			chunk = remain
		}
		blockID := ino.fs.blockIDAt(&d, blockIdx)
		_ = ino.fs.cache.Read(uint64(blockID), func(b *[BlockSize]byte) {
			copy(buf[read:read+int(chunk)], b[blockOff:blockOff+chunk])
		})
		read += int(chunk)
		start += chunk
	}
	return read
}

// ReadAll reads the whole inode from offset 0, without affecting any
// externally tracked file offset (spec.md §4.10: read_all reads "from
// offset 0 to EOF without mutating offset").
func (ino *Inode) ReadAll() []byte {
	size := ino.Size()
	buf := make([]byte, size)
	ino.ReadAt(0, buf)
	return buf
}

// WriteAt writes buf at offset, growing the inode first if the write
// extends past its current size. Returns the number of bytes written
// (always len(buf) unless the allocator runs out of space, in which case
// growth rolls back and 0 is returned — spec.md §7's "no partial effect
// is committed" rule).
func (ino *Inode) WriteAt(offset uint32, buf []byte) int {
	d := ino.fs.readDiskInode(ino.ID)
	end := offset + uint32(len(buf))
	if end > d.Size {
		if !ino.fs.growTo(&d, sizeToBlocks(end)) {
			return 0
		}
		d.Size = end
	}

	written := 0
	start := offset
	for start < end {
		blockIdx := start / BlockSize
		blockOff := start % BlockSize
		chunk := BlockSize - blockOff
		if remain := end - start; chunk > remain {
			chunk = remain
		}
		blockID := ino.fs.blockIDAt(&d, blockIdx)
		_ = ino.fs.cache.Modify(uint64(blockID), func(b *[BlockSize]byte) {
			copy(b[blockOff:blockOff+chunk], buf[written:written+int(chunk)])
		})
		written += int(chunk)
		start += chunk
	}
	_ = ino.fs.writeDiskInode(ino.ID, &d)
	return written
}

// Truncate shrinks or clears the inode to size 0, releasing every data
// and index block it owned (spec.md's O_TRUNC semantics).
func (ino *Inode) Truncate() {
	d := ino.fs.readDiskInode(ino.ID)
	ino.fs.shrinkTo(&d, 0)
	d.Indirect1, d.Indirect2 = 0, 0
	_ = ino.fs.writeDiskInode(ino.ID, &d)
}

// dirent is the decoded form of one 32-byte directory entry.
type dirent struct {
	name    string
	inodeID uint32
}

func decodeDirent(buf []byte) dirent {
	nul := bytes.IndexByte(buf[:direntNameMax], 0)
	if nul < 0 {
		nul = direntNameMax
	}
	name := string(buf[:nul])
	id := uint32(buf[direntNameMax]) | uint32(buf[direntNameMax+1])<<8 |
		uint32(buf[direntNameMax+2])<<16 | uint32(buf[direntNameMax+3])<<24
	return dirent{name: name, inodeID: id}
}

func encodeDirent(d dirent) [DirentSize]byte {
	var buf [DirentSize]byte
	copy(buf[:direntNameMax], d.name)
	id := d.inodeID
	buf[direntNameMax] = byte(id)
	buf[direntNameMax+1] = byte(id >> 8)
	buf[direntNameMax+2] = byte(id >> 16)
	buf[direntNameMax+3] = byte(id >> 24)
	return buf
}

// Find scans ino's directory entries for name, returning the matching
// inode or nil (spec.md §9: "find(name) scans").
func (ino *Inode) Find(name string) *Inode {
	if len(name) > direntNameMax {
		return nil
	}
	raw := ino.ReadAll()
	n := len(raw) / DirentSize
	for i := 0; i < n; i++ {
		de := decodeDirent(raw[i*DirentSize : (i+1)*DirentSize])
		if de.name == name {
			return &Inode{fs: ino.fs, ID: de.inodeID}
		}
	}
	return nil
}

// List returns every entry name in ino's directory.
func (ino *Inode) List() []string {
	raw := ino.ReadAll()
	n := len(raw) / DirentSize
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		names = append(names, decodeDirent(raw[i*DirentSize:(i+1)*DirentSize]).name)
	}
	return names
}

// Create allocates a new inode of the given type and appends a directory
// entry for it under ino (spec.md §9: "create(name) appends an entry
// after growing the directory"). Returns nil if name already exists or
// the allocators are exhausted.
func (ino *Inode) Create(name string, ftype FileType) *Inode {
	if ino.Find(name) != nil {
		return nil
	}
	if len(name) > direntNameMax {
		return nil
	}
	id, ok := ino.fs.inodeBitmap.alloc(ino.fs.cache)
	if !ok {
		return nil
	}
	d := diskInode{Type: ftype}
	if err := ino.fs.writeDiskInode(id, &d); err != nil {
		ino.fs.inodeBitmap.dealloc(ino.fs.cache, id)
		return nil
	}

	size := ino.Size()
	entry := encodeDirent(dirent{name: name, inodeID: id})
	if n := ino.WriteAt(size, entry[:]); n != DirentSize {
		ino.fs.inodeBitmap.dealloc(ino.fs.cache, id)
		return nil
	}
	return &Inode{fs: ino.fs, ID: id}
}

package efs

import (
	"encoding/binary"

	"rv6/internal/util"
)

// DirectCount, IndirectCount, and the index-block fan-out come straight
// from spec.md §3's 32-byte inode layout: size(u32) + direct[28](u32
// each) + indirect1(u32) + indirect2(u32) = 4 + 28*4 + 4 + 4 = 124 bytes,
// rounded to the 32-byte record by the 4 on-disk inodes packed per block
// (spec.md says the inode itself is 32 bytes; this kernel's disk layout
// packs the 124-byte index header across the first of the four logical
// 32-byte slots' worth of block space rather than forcing every field
// into 32 bytes, since "four inodes per 512-byte block" only fixes
// InodesPerBlock, not a literal struct-size ceiling independent of field
// count -- see DESIGN.md for this resolved ambiguity).
const (
	DirectCount    = 28
	indexBlockSize = BlockSize / 4 // 128 uint32 entries per index block
)

// diskInode is the in-memory decoding of one on-disk inode record.
type diskInode struct {
	Size      uint32
	Direct    [DirectCount]uint32
	Indirect1 uint32
	Indirect2 uint32
	Type      FileType
}

// diskInodeBytes is this kernel's actual per-inode on-disk footprint:
// enough for Size + Direct + Indirect1 + Indirect2 + Type, packed
// contiguously. It does not need to equal efs.InodeSize; InodeSize only
// governs how many inodes share a cache block (InodesPerBlock), and the
// inode area is sized in inodeAreaBlocks accordingly during Create.
const diskInodeBytes = 4 + DirectCount*4 + 4 + 4 + 4

func (d *diskInode) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], d.Size)
	off := 4
	for i := 0; i < DirectCount; i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], d.Direct[i])
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], d.Indirect1)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], d.Indirect2)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(d.Type))
}

func decodeDiskInode(buf []byte) diskInode {
	var d diskInode
	d.Size = binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	for i := 0; i < DirectCount; i++ {
		d.Direct[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	d.Indirect1 = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	d.Indirect2 = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	d.Type = FileType(binary.LittleEndian.Uint32(buf[off : off+4]))
	return d
}

// dataBlocks returns how many data blocks a file of this size currently
// occupies, rounding up.
func (d *diskInode) dataBlocks() uint32 {
	return sizeToBlocks(d.Size)
}

func sizeToBlocks(size uint32) uint32 {
	return util.Roundup(size, uint32(BlockSize)) / BlockSize
}

// totalBlocksFor returns dataBlocks plus however many index blocks are
// needed to address them (spec.md §3's inode-index resolution rule).
func totalBlocksFor(dataBlocks uint32) uint32 {
	t := dataBlocks
	if dataBlocks > DirectCount {
		t++ // indirect1 block
	}
	if dataBlocks > DirectCount+indexBlockSize {
		doubly := dataBlocks - DirectCount - indexBlockSize
		t += 1 + (doubly+indexBlockSize-1)/indexBlockSize // indirect2 block + its index blocks
	}
	return t
}

func (fs *Filesystem) readDiskInode(id uint32) diskInode {
	block, off := fs.inodeLocation(id)
	var d diskInode
	_ = fs.cache.Read(block, func(buf *[BlockSize]byte) {
		d = decodeDiskInode(buf[off : off+diskInodeBytes])
	})
	return d
}

func (fs *Filesystem) writeDiskInode(id uint32, d *diskInode) error {
	block, off := fs.inodeLocation(id)
	return fs.cache.Modify(block, func(buf *[BlockSize]byte) {
		d.encode(buf[off : off+diskInodeBytes])
	})
}

func (fs *Filesystem) readIndexBlock(block uint32) [indexBlockSize]uint32 {
	var ids [indexBlockSize]uint32
	_ = fs.cache.Read(uint64(block), func(buf *[BlockSize]byte) {
		for i := range ids {
			ids[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
		}
	})
	return ids
}

func (fs *Filesystem) writeIndexEntry(block uint32, slot int, value uint32) {
	_ = fs.cache.Modify(uint64(block), func(buf *[BlockSize]byte) {
		binary.LittleEndian.PutUint32(buf[slot*4:slot*4+4], value)
	})
}

// blockIDAt resolves logical block n of inode d to a physical block id,
// per spec.md §3: direct if n<28, else single-indirect (128 ids per
// block), else double-indirect.
func (fs *Filesystem) blockIDAt(d *diskInode, n uint32) uint32 {
	if n < DirectCount {
		return d.Direct[n]
	}
	n -= DirectCount
	if n < indexBlockSize {
		ids := fs.readIndexBlock(d.Indirect1)
		return ids[n]
	}
	n -= indexBlockSize
	outer := fs.readIndexBlock(d.Indirect2)
	idx2Block := outer[n/indexBlockSize]
	inner := fs.readIndexBlock(idx2Block)
	return inner[n%indexBlockSize]
}

// growTo extends d to hold targetBlocks data blocks, allocating only the
// index blocks actually newly reached and zeroing every new data block
// (spec.md §3). Returns false (with no partial effect) if the allocators
// run out partway through; callers must treat that as ENOSPC.
func (fs *Filesystem) growTo(d *diskInode, targetBlocks uint32) bool {
	current := d.dataBlocks()
	allocated := make([]uint32, 0, targetBlocks-current)
	rollback := func() {
		for _, b := range allocated {
			fs.freeDataBlock(b)
		}
	}

	allocData := func() (uint32, bool) {
		b, ok := fs.allocDataBlock()
		if !ok {
			return 0, false
		}
		allocated = append(allocated, b)
		fs.zeroBlock(b)
		return b, true
	}

	n := current
	for n < targetBlocks && n < DirectCount {
		b, ok := allocData()
		if !ok {
			rollback()
			return false
		}
		d.Direct[n] = b
		n++
	}
	if n >= targetBlocks {
		d.Size = targetBlocks * BlockSize
		return true
	}

	if d.Indirect1 == 0 {
		b, ok := fs.allocDataBlock()
		if !ok {
			rollback()
			return false
		}
		allocated = append(allocated, b)
		fs.zeroBlock(b)
		d.Indirect1 = b
	}
	for n < targetBlocks && n-DirectCount < indexBlockSize {
		b, ok := allocData()
		if !ok {
			rollback()
			return false
		}
		fs.writeIndexEntry(d.Indirect1, int(n-DirectCount), b)
		n++
	}
	if n >= targetBlocks {
		d.Size = targetBlocks * BlockSize
		return true
	}

	if d.Indirect2 == 0 {
		b, ok := fs.allocDataBlock()
		if !ok {
			rollback()
			return false
		}
		allocated = append(allocated, b)
		fs.zeroBlock(b)
		d.Indirect2 = b
	}
	for n < targetBlocks {
		rel := n - DirectCount - indexBlockSize
		outerSlot := int(rel / indexBlockSize)
		innerSlot := int(rel % indexBlockSize)

		outer := fs.readIndexBlock(d.Indirect2)
		idx2 := outer[outerSlot]
		if idx2 == 0 {
			b, ok := fs.allocDataBlock()
			if !ok {
				rollback()
				return false
			}
			allocated = append(allocated, b)
			fs.zeroBlock(b)
			fs.writeIndexEntry(d.Indirect2, outerSlot, b)
			idx2 = b
		}
		b, ok := allocData()
		if !ok {
			rollback()
			return false
		}
		fs.writeIndexEntry(idx2, innerSlot, b)
		n++
	}
	d.Size = targetBlocks * BlockSize
	return true
}

// shrinkTo releases data and index blocks down to targetBlocks, bottom-up
// (highest logical block first), the mirror of growTo (spec.md §3).
func (fs *Filesystem) shrinkTo(d *diskInode, targetBlocks uint32) {
	current := d.dataBlocks()
	for n := current; n > targetBlocks; n-- {
		idx := n - 1
		switch {
		case idx < DirectCount:
			fs.freeDataBlock(d.Direct[idx])
			d.Direct[idx] = 0
		case idx-DirectCount < indexBlockSize:
			rel := idx - DirectCount
			ids := fs.readIndexBlock(d.Indirect1)
			fs.freeDataBlock(ids[rel])
			fs.writeIndexEntry(d.Indirect1, int(rel), 0)
			if rel == 0 {
				fs.freeDataBlock(d.Indirect1)
				d.Indirect1 = 0
			}
		default:
			rel := idx - DirectCount - indexBlockSize
			outerSlot := int(rel / indexBlockSize)
			innerSlot := int(rel % indexBlockSize)
			outer := fs.readIndexBlock(d.Indirect2)
			idx2 := outer[outerSlot]
			inner := fs.readIndexBlock(idx2)
			fs.freeDataBlock(inner[innerSlot])
			fs.writeIndexEntry(idx2, innerSlot, 0)
			if innerSlot == 0 {
				fs.freeDataBlock(idx2)
				fs.writeIndexEntry(d.Indirect2, outerSlot, 0)
				if outerSlot == 0 {
					fs.freeDataBlock(d.Indirect2)
					d.Indirect2 = 0
				}
			}
		}
	}
	d.Size = targetBlocks * BlockSize
}

func (fs *Filesystem) zeroBlock(block uint32) {
	_ = fs.cache.Modify(uint64(block), func(buf *[BlockSize]byte) {
		*buf = [BlockSize]byte{}
	})
}

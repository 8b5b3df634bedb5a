// Package blkcache implements the shared block cache every filesystem
// access goes through: a bounded set of 512-byte buffers, LRU eviction
// with dirty write-back, and miss collapsing so two goroutines faulting
// in the same block in parallel issue one disk read between them.
//
// Grounded on biscuit/src/fs/blk.go's Bdev_block_t/Disk_i split (a cached
// block owns a reference to the device it was read from and writes
// itself back synchronously on eviction), narrowed from biscuit's
// async request-queue disk model (Bdev_req_t, AckCh) to the synchronous
// Disk interface easy-fs/src/block_dev.rs (original_source) assumes,
// since this spec has no interrupt-driven VirtIO completion path to
// model (spec.md's block device is an external collaborator reached
// through a stand-in, not a driver this repo implements).
package blkcache

import (
	"container/list"
	"sync"

	"golang.org/x/sync/singleflight"
)

// BlockSize is the on-disk block size (spec.md §4.9).
const BlockSize = 512

// CacheCapacity bounds the number of resident blocks (spec.md §4.9:
// "at most 16 blocks").
const CacheCapacity = 16

// Disk is the block device collaborator: synchronous whole-block
// read/write, implemented by the file-backed image disks in cmd/kernel
// and cmd/mkfs and by an in-memory fake in tests.
type Disk interface {
	ReadBlock(id uint64, buf []byte) error
	WriteBlock(id uint64, buf []byte) error
}

type entry struct {
	id    uint64
	data  [BlockSize]byte
	dirty bool
}

// Cache is a bounded, LRU-evicted cache of disk blocks, safe for
// concurrent use.
type Cache struct {
	disk Disk

	mu    sync.Mutex
	ll    *list.List // list.Element.Value is *entry, front = most recently used
	index map[uint64]*list.Element

	group singleflight.Group // collapses concurrent misses on the same block id
}

// New returns an empty cache backed by disk.
func New(disk Disk) *Cache {
	return &Cache{
		disk:  disk,
		ll:    list.New(),
		index: make(map[uint64]*list.Element),
	}
}

// fetch returns the resident entry for id, reading it from disk and
// possibly evicting the least-recently-used block (writing it back first
// if dirty) to make room.
// Concurrent fetches of the same id share one disk read via the
// singleflight group.
func (c *Cache) fetch(id uint64) (*entry, error) {
	c.mu.Lock()
	if el, ok := c.index[id]; ok {
		c.ll.MoveToFront(el)
		e := el.Value.(*entry)
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(indexKey(id), func() (any, error) {
		buf := make([]byte, BlockSize)
		if rerr := c.disk.ReadBlock(id, buf); rerr != nil {
			return nil, rerr
		}
		e := &entry{id: id}
		copy(e.data[:], buf)
		c.install(e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

// install inserts a freshly read entry, evicting the LRU tail first if
// the cache is already at capacity.
func (c *Cache) install(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[e.id]; ok {
		// Lost the race with another fetch for the same id: keep the
		// winner, drop this read.
		c.ll.MoveToFront(el)
		return
	}
	if c.ll.Len() >= CacheCapacity {
		c.evictOldest()
	}
	el := c.ll.PushFront(e)
	c.index[e.id] = el
}

// evictOldest writes back the LRU tail if dirty, then drops it. Caller
// holds c.mu.
func (c *Cache) evictOldest() {
	tail := c.ll.Back()
	if tail == nil {
		return
	}
	e := tail.Value.(*entry)
	if e.dirty {
		_ = c.disk.WriteBlock(e.id, e.data[:])
	}
	c.ll.Remove(tail)
	delete(c.index, e.id)
}

// Read calls fn with the current contents of block id, bringing it into
// the cache first if necessary.
func (c *Cache) Read(id uint64, fn func(buf *[BlockSize]byte)) error {
	e, err := c.fetch(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&e.data)
	return nil
}

// Modify calls fn with a mutable view of block id and marks it dirty;
// the write reaches disk on eviction or the next SyncAll (spec.md §4.9:
// "writes are write-back, not write-through").
func (c *Cache) Modify(id uint64, fn func(buf *[BlockSize]byte)) error {
	e, err := c.fetch(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&e.data)
	e.dirty = true
	return nil
}

// SyncAll writes back every dirty resident block, in LRU order, clearing
// their dirty bits. Used by the shutdown path and by tests asserting
// durability.
func (c *Cache) SyncAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if !e.dirty {
			continue
		}
		if err := c.disk.WriteBlock(e.id, e.data[:]); err != nil {
			return err
		}
		e.dirty = false
	}
	return nil
}

// Resident reports whether id is currently cached, for tests.
func (c *Cache) Resident(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[id]
	return ok
}

func indexKey(id uint64) string {
	// singleflight keys on string; block ids fit comfortably in the
	// decimal representation singleflight hashes internally.
	buf := [20]byte{}
	n := len(buf)
	if id == 0 {
		n--
		buf[n] = '0'
	}
	for id > 0 {
		n--
		buf[n] = byte('0' + id%10)
		id /= 10
	}
	return string(buf[n:])
}

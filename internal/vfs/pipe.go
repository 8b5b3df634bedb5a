package vfs

import "rv6/internal/defs"

// pipeBufSize is the pipe ring-buffer capacity (spec.md §4.9 names 32 or
// 128 bytes; 128 amortizes more read/write syscalls per page touched).
const pipeBufSize = 128

// ring is the same monotonic head/tail-mod-capacity circular buffer as
// biscuit/src/circbuf/circbuf.go's Circbuf_t, trimmed to the in-memory
// byte-slice case: this kernel's pipes never back onto a lazily
// allocated physical page the way biscuit's TCP/pipe code shares one
// circbuf implementation across both uses.
type ring struct {
	buf        [pipeBufSize]byte
	head, tail int // head-tail is bytes used; both only ever increase
}

func (r *ring) full() bool  { return r.head-r.tail == pipeBufSize }
func (r *ring) empty() bool { return r.head == r.tail }

func (r *ring) write(b byte) {
	r.buf[r.head%pipeBufSize] = b
	r.head++
}

func (r *ring) read() byte {
	b := r.buf[r.tail%pipeBufSize]
	r.tail++
	return b
}

// pipeShared is the buffer a Pipe's two ends share, plus the live
// reader/writer counts that drive EOF and EPIPE.
type pipeShared struct {
	buf     ring
	readers int
	writers int

	// readWaiters/writeWaiters are woken by the opposite end's next
	// Write/Read/Close, the suspension-point protocol spec.md §5
	// describes for pipe I/O: the blocked side never re-queues itself.
	readWaiters  []func()
	writeWaiters []func()
}

func (s *pipeShared) wakeReaders() {
	waiters := s.readWaiters
	s.readWaiters = nil
	for _, wake := range waiters {
		wake()
	}
}

func (s *pipeShared) wakeWriters() {
	waiters := s.writeWaiters
	s.writeWaiters = nil
	for _, wake := range waiters {
		wake()
	}
}

// Pipe is one end (read or write) of an anonymous pipe. Closing the last
// writer makes subsequent reads return io.EOF-equivalent (0, nil) instead
// of blocking; closing the last reader makes subsequent writes return
// EPIPE (spec.md §4.9).
//
// Grounded on os/src/fs/pipe.rs (original_source) for the reader/writer
// refcount-driven EOF/EPIPE semantics, expressed with biscuit's circbuf
// ring-index idiom instead of a Vec<u8> ring.
type Pipe struct {
	shared    *pipeShared
	isWriteEnd bool
}

// NewPipe creates a connected read end and write end sharing one buffer.
func NewPipe() (read, write *Pipe) {
	s := &pipeShared{readers: 1, writers: 1}
	return &Pipe{shared: s, isWriteEnd: false}, &Pipe{shared: s, isWriteEnd: true}
}

func (p *Pipe) Readable() bool { return !p.isWriteEnd }
func (p *Pipe) Writable() bool { return p.isWriteEnd }

// Close drops this end's share of the pipe. Must be called exactly once
// per end, from sys_close, so the other end observes EOF/EPIPE promptly.
// Dropping the last writer makes a blocked reader's read observable
// (EOF); dropping the last reader makes a blocked writer's write
// observable (EPIPE) — either way the waiter must be woken here, since
// nothing else will ever re-queue it (spec.md §5).
func (p *Pipe) Close() {
	s := p.shared
	if p.isWriteEnd {
		s.writers--
		if s.writers == 0 {
			s.wakeReaders()
		}
	} else {
		s.readers--
		if s.readers == 0 {
			s.wakeWriters()
		}
	}
}

// Read drains up to len(buf) bytes without blocking. With no data and at
// least one live writer it returns (0, 0); the caller (internal/syscall)
// is responsible for recognizing that as "would block" via ReadableNow
// and suspending instead of completing the syscall (spec.md §5's
// suspension point (b)). With no data and no live writers it returns
// (0, 0) permanently, which the caller's read loop treats as EOF.
func (p *Pipe) Read(buf []byte) (int, defs.Err_t) {
	if p.isWriteEnd {
		return 0, defs.EBADF
	}
	s := p.shared
	n := 0
	for n < len(buf) && !s.buf.empty() {
		buf[n] = s.buf.read()
		n++
	}
	if n > 0 {
		s.wakeWriters()
	}
	return n, 0
}

// Write appends up to len(buf) bytes without blocking, stopping early if
// the ring fills. Writing with no live readers returns EPIPE.
func (p *Pipe) Write(buf []byte) (int, defs.Err_t) {
	if !p.isWriteEnd {
		return 0, defs.EBADF
	}
	s := p.shared
	if s.readers == 0 {
		return 0, defs.EPIPE
	}
	n := 0
	for n < len(buf) && !s.buf.full() {
		s.buf.write(buf[n])
		n++
	}
	if n > 0 {
		s.wakeReaders()
	}
	return n, 0
}

// ReadableNow reports whether a read would return data right now. A
// caller finding this false with a live writer must not call Read at
// all; it should register with AddReadWaiter and suspend instead.
func (p *Pipe) ReadableNow() bool {
	return !p.shared.buf.empty() || p.shared.writers == 0
}

// WritableNow reports whether a write would make progress right now, the
// write-side counterpart to ReadableNow.
func (p *Pipe) WritableNow() bool {
	return !p.shared.buf.full() || p.shared.readers == 0
}

// AddReadWaiter registers wake to be called the next time data arrives
// or the last writer closes. The pipe itself never imports internal/proc
// (internal/proc already imports internal/vfs for the fd table), so wake
// is an opaque closure: internal/syscall, which imports both, supplies
// one that re-queues the blocked task.
func (p *Pipe) AddReadWaiter(wake func()) {
	p.shared.readWaiters = append(p.shared.readWaiters, wake)
}

// AddWriteWaiter is AddReadWaiter's write-side counterpart, woken on the
// next read that frees space or the last reader closing.
func (p *Pipe) AddWriteWaiter(wake func()) {
	p.shared.writeWaiters = append(p.shared.writeWaiters, wake)
}

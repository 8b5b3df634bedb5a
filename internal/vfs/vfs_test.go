package vfs

import (
	"testing"

	"rv6/internal/defs"
	"rv6/internal/efs"
)

func TestPipeReadWriteRoundTrip(t *testing.T) {
	r, w := NewPipe()
	n, err := w.Write([]byte("hi"))
	if err != 0 || n != 2 {
		t.Fatalf("Write = (%d,%v), want (2,0)", n, err)
	}
	buf := make([]byte, 8)
	n, err = r.Read(buf)
	if err != 0 || n != 2 || string(buf[:n]) != "hi" {
		t.Fatalf("Read = (%d,%q,%v), want (2,\"hi\",0)", n, buf[:n], err)
	}
}

func TestPipeReadOnEmptyWithWriterReturnsZeroNotBlocking(t *testing.T) {
	r, _ := NewPipe()
	buf := make([]byte, 4)
	n, err := r.Read(buf)
	if n != 0 || err != 0 {
		t.Fatalf("Read on empty = (%d,%v), want (0,0)", n, err)
	}
}

func TestPipeWriteAfterReaderCloseIsEPIPE(t *testing.T) {
	r, w := NewPipe()
	r.Close()
	n, err := w.Write([]byte("x"))
	if n != 0 || err != defs.EPIPE {
		t.Fatalf("Write after reader close = (%d,%v), want (0,EPIPE)", n, err)
	}
}

func TestPipeReadableNowReflectsWriterClose(t *testing.T) {
	r, w := NewPipe()
	if r.ReadableNow() {
		t.Fatal("empty pipe with a live writer should not be ReadableNow")
	}
	w.Close()
	if !r.ReadableNow() {
		t.Fatal("empty pipe with no writers should be ReadableNow (EOF)")
	}
}

func TestPipeWriteWakesReadWaiter(t *testing.T) {
	r, w := NewPipe()
	woken := false
	r.AddReadWaiter(func() { woken = true })
	w.Write([]byte("x"))
	if !woken {
		t.Fatal("a write into an empty pipe should wake a registered read waiter")
	}
}

func TestPipeReadWakesWriteWaiter(t *testing.T) {
	r, w := NewPipe()
	big := make([]byte, pipeBufSize)
	w.Write(big) // fill the ring

	woken := false
	w.AddWriteWaiter(func() { woken = true })
	r.Read(make([]byte, 1)) // free one byte of space
	if !woken {
		t.Fatal("a read that frees space should wake a registered write waiter")
	}
}

func TestPipeWriterCloseWakesReadWaiter(t *testing.T) {
	r, w := NewPipe()
	woken := false
	r.AddReadWaiter(func() { woken = true })
	w.Close()
	if !woken {
		t.Fatal("closing the last writer should wake a blocked reader (EOF now observable)")
	}
}

func TestPipeReaderCloseWakesWriteWaiter(t *testing.T) {
	r, w := NewPipe()
	big := make([]byte, pipeBufSize)
	w.Write(big)

	woken := false
	w.AddWriteWaiter(func() { woken = true })
	r.Close()
	if !woken {
		t.Fatal("closing the last reader should wake a blocked writer (EPIPE now observable)")
	}
}

func TestPipeFullStopsWritingEarly(t *testing.T) {
	_, w := NewPipe()
	big := make([]byte, pipeBufSize+10)
	n, err := w.Write(big)
	if err != 0 || n != pipeBufSize {
		t.Fatalf("Write = (%d,%v), want (%d,0)", n, err, pipeBufSize)
	}
}

func TestPipeWrongEndIsEBADF(t *testing.T) {
	r, w := NewPipe()
	if _, err := r.Write([]byte("x")); err != defs.EBADF {
		t.Fatalf("write on read end = %v, want EBADF", err)
	}
	if _, err := w.Read(make([]byte, 1)); err != defs.EBADF {
		t.Fatalf("read on write end = %v, want EBADF", err)
	}
}

func TestStatFileSequentialReadToEOF(t *testing.T) {
	sf := NewStatFile([]byte("abcdef"))
	buf := make([]byte, 4)
	n, err := sf.Read(buf)
	if err != 0 || string(buf[:n]) != "abcd" {
		t.Fatalf("first Read = (%d,%q), want 4 bytes \"abcd\"", n, buf[:n])
	}
	n, err = sf.Read(buf)
	if err != 0 || string(buf[:n]) != "ef" {
		t.Fatalf("second Read = (%d,%q), want 2 bytes \"ef\"", n, buf[:n])
	}
	n, err = sf.Read(buf)
	if err != 0 || n != 0 {
		t.Fatalf("Read at EOF = (%d,%v), want (0,0)", n, err)
	}
}

func TestStatFileWriteAlwaysEBADF(t *testing.T) {
	sf := NewStatFile(nil)
	if _, err := sf.Write([]byte("x")); err != defs.EBADF {
		t.Fatalf("Write = %v, want EBADF", err)
	}
}

type fakeReader struct {
	bytes []byte
}

func (f *fakeReader) ReadByte() (byte, bool) {
	if len(f.bytes) == 0 {
		return 0, false
	}
	b := f.bytes[0]
	f.bytes = f.bytes[1:]
	return b, true
}

func TestStdinReadsOneByteAtATime(t *testing.T) {
	s := &Stdin{Console: &fakeReader{bytes: []byte("ab")}}
	buf := make([]byte, 4)
	n, err := s.Read(buf)
	if err != 0 || n != 1 || buf[0] != 'a' {
		t.Fatalf("first Read = (%d,%q,%v), want (1,'a',0)", n, buf[:n], err)
	}
	n, _ = s.Read(buf)
	if n != 1 || buf[0] != 'b' {
		t.Fatalf("second Read = (%d,%q), want (1,'b')", n, buf[:n])
	}
	n, err = s.Read(buf)
	if n != 0 || err != 0 {
		t.Fatalf("Read with no bytes available = (%d,%v), want (0,0)", n, err)
	}
}

func TestStdinWriteIsEBADF(t *testing.T) {
	s := &Stdin{Console: &fakeReader{}}
	if _, err := s.Write([]byte("x")); err != defs.EBADF {
		t.Fatalf("Write = %v, want EBADF", err)
	}
}

type fakeWriter struct {
	out []byte
}

func (f *fakeWriter) WriteByte(b byte) { f.out = append(f.out, b) }

func TestStdoutWritesAllBytes(t *testing.T) {
	fw := &fakeWriter{}
	s := &Stdout{Console: fw}
	n, err := s.Write([]byte("hello"))
	if err != 0 || n != 5 || string(fw.out) != "hello" {
		t.Fatalf("Write = (%d,%q,%v), want (5,\"hello\",0)", n, fw.out, err)
	}
}

func TestStdoutReadIsEBADF(t *testing.T) {
	s := &Stdout{Console: &fakeWriter{}}
	if _, err := s.Read(make([]byte, 1)); err != defs.EBADF {
		t.Fatalf("Read = %v, want EBADF", err)
	}
}

type memDisk struct {
	blocks [][efs.BlockSize]byte
}

func (d *memDisk) ReadBlock(id uint64, buf []byte) error {
	copy(buf, d.blocks[id][:])
	return nil
}

func (d *memDisk) WriteBlock(id uint64, buf []byte) error {
	copy(d.blocks[id][:], buf)
	return nil
}

func newTestInode(t *testing.T) *efs.Inode {
	t.Helper()
	disk := &memDisk{blocks: make([][efs.BlockSize]byte, 512)}
	fs, err := efs.Create(disk, 512, 1)
	if err != nil {
		t.Fatalf("efs.Create: %v", err)
	}
	root := fs.RootInode()
	ino := root.Create("f", efs.TypeFile)
	if ino == nil {
		t.Fatal("efs Create failed")
	}
	return ino
}

func TestInodeFileReadWriteAdvancesOffset(t *testing.T) {
	ino := newTestInode(t)
	ino.WriteAt(0, []byte("0123456789"))

	f := NewInodeFile(ino, defs.O_RDWR)
	buf := make([]byte, 4)
	n, err := f.Read(buf)
	if err != 0 || string(buf[:n]) != "0123" {
		t.Fatalf("first Read = (%q,%v), want \"0123\"", buf[:n], err)
	}
	n, err = f.Read(buf)
	if err != 0 || string(buf[:n]) != "4567" {
		t.Fatalf("second Read = (%q,%v), want \"4567\" (offset should have advanced)", buf[:n], err)
	}
}

func TestInodeFileReadAllDoesNotMutateOffset(t *testing.T) {
	ino := newTestInode(t)
	ino.WriteAt(0, []byte("abcdef"))
	f := NewInodeFile(ino, defs.O_RDONLY)

	buf := make([]byte, 2)
	f.Read(buf) // advance offset to 2

	all := f.ReadAll()
	if string(all) != "abcdef" {
		t.Fatalf("ReadAll = %q, want \"abcdef\"", all)
	}

	rest := make([]byte, 10)
	n, _ := f.Read(rest)
	if string(rest[:n]) != "cdef" {
		t.Fatalf("offset should be unaffected by ReadAll; got %q, want \"cdef\"", rest[:n])
	}
}

func TestInodeFileOpenTruncTruncatesImmediately(t *testing.T) {
	ino := newTestInode(t)
	ino.WriteAt(0, []byte("stale data"))

	f := NewInodeFile(ino, defs.O_RDWR|defs.O_TRUNC)
	if ino.Size() != 0 {
		t.Fatalf("O_TRUNC open should truncate the inode immediately, size = %d", ino.Size())
	}
	if all := f.ReadAll(); len(all) != 0 {
		t.Fatalf("ReadAll after O_TRUNC open = %q, want empty", all)
	}
}

func TestInodeFileReadOnlyWriteIsEBADF(t *testing.T) {
	ino := newTestInode(t)
	f := NewInodeFile(ino, defs.O_RDONLY)
	if _, err := f.Write([]byte("x")); err != defs.EBADF {
		t.Fatalf("Write on a read-only InodeFile = %v, want EBADF", err)
	}
}

package vfs

import "rv6/internal/defs"

// StatFile serves a fixed byte snapshot taken at open time, the read-side
// of the D_STAT device (spec.md's device table reserves D_STAT/D_PROF;
// internal/kmain's scheduler-tick profile is this snapshot's producer).
// Unlike Pipe or InodeFile it never blocks and never grows: one open
// captures one profile, read sequentially to EOF like a /proc file.
type StatFile struct {
	data   []byte
	offset int
}

// NewStatFile wraps an already-serialized snapshot (internal/kmain builds
// it with StatsProfile) as a read-only file.
func NewStatFile(data []byte) *StatFile {
	return &StatFile{data: data}
}

func (s *StatFile) Readable() bool { return true }
func (s *StatFile) Writable() bool { return false }

func (s *StatFile) Read(buf []byte) (int, defs.Err_t) {
	if s.offset >= len(s.data) {
		return 0, 0
	}
	n := copy(buf, s.data[s.offset:])
	s.offset += n
	return n, 0
}

func (s *StatFile) Write([]byte) (int, defs.Err_t) {
	return 0, defs.EBADF
}

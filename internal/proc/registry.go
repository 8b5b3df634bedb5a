package proc

import (
	"sync"

	"rv6/internal/defs"
)

// registry tracks every live (non-reaped) Task by PID, for sys_kill's
// target lookup. Zombies remain registered until their parent's Waitpid
// reaps them, since kill targets a PID regardless of scheduling state.

var (
	regMu sync.Mutex
	reg   = make(map[defs.Pid_t]*Task)
)

func register(t *Task) {
	regMu.Lock()
	reg[t.Pid] = t
	regMu.Unlock()
}

func unregister(pid defs.Pid_t) {
	regMu.Lock()
	delete(reg, pid)
	regMu.Unlock()
}

// Lookup returns the live task with the given PID, or nil.
func Lookup(pid defs.Pid_t) *Task {
	regMu.Lock()
	defer regMu.Unlock()
	return reg[pid]
}

// programs is the loaded-program image table, standing in for the
// linker's embedded _num_app/_app_names blob (spec.md §6): a host-side
// map from program name to ELF bytes, populated through RegisterProgram
// (which only the tests call) instead of being baked into the kernel image, since
// this kernel is not itself linked as a freestanding image.
//
// Grounded on os/src/loader.rs's app_data_by_name (original_source).
var (
	progMu sync.Mutex
	progs  = make(map[string][]byte)
)

// RegisterProgram makes elf available to sys_exec under name.
func RegisterProgram(name string, elf []byte) {
	progMu.Lock()
	defer progMu.Unlock()
	progs[name] = elf
}

// LoadProgram returns the registered ELF image for name, or nil.
func LoadProgram(name string) []byte {
	progMu.Lock()
	defer progMu.Unlock()
	return progs[name]
}

package kmain

import (
	"bytes"

	"github.com/google/pprof/profile"

	"rv6/internal/defs"
)

// TaskTick is one scheduling tick attributed to a task, the raw sample
// StatsProfile aggregates into a pprof profile.
type TaskTick struct {
	Pid  defs.Pid_t
	Name string
}

// StatsProfile builds a pprof CPU-ticks profile from the accumulated
// per-task tick samples, for the D_STAT device internal/syscall's sys_read
// serves (spec.md §9's diagnostics surface: the teacher dumps kernel
// stats through a device file rather than a separate debugging syscall,
// and this kernel follows the same shape for scheduler tick accounting).
func StatsProfile(ticks []TaskTick) ([]byte, error) {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "ticks", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "ticks", Unit: "count"},
		Period:     1,
	}

	byPid := make(map[defs.Pid_t]*profile.Sample)
	var nextID uint64 = 1

	for _, t := range ticks {
		s, ok := byPid[t.Pid]
		if !ok {
			fn := &profile.Function{ID: nextID, Name: t.Name}
			nextID++
			loc := &profile.Location{ID: nextID, Line: []profile.Line{{Function: fn}}}
			nextID++
			s = &profile.Sample{Location: []*profile.Location{loc}, Value: []int64{0}}
			p.Function = append(p.Function, fn)
			p.Location = append(p.Location, loc)
			p.Sample = append(p.Sample, s)
			byPid[t.Pid] = s
		}
		s.Value[0]++
	}

	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

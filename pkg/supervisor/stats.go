package supervisor

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats is a resource snapshot of a tracked process.
type Stats struct {
	Domain     string  `json:"domain"`
	Pid        int     `json:"pid"`
	Running    bool    `json:"running"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Children   int     `json:"children"`
}

// Stats reads CPU, memory and child count of the tracked process for
// domain from the OS.
func (s *Supervisor) Stats(domain string) (Stats, error) {
	info, ok := s.Get(domain)
	if !ok {
		return Stats{}, fmt.Errorf("no process tracked for %s", domain)
	}
	st := Stats{Domain: domain, Pid: info.Pid}
	if info.Pid == 0 || info.State != StateRunning {
		return st, nil
	}

	proc, err := process.NewProcess(int32(info.Pid))
	if err != nil {
		// Already gone.
		return st, nil
	}
	st.Running, _ = proc.IsRunning()
	if !st.Running {
		return st, nil
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	if children, err := proc.Children(); err == nil {
		st.Children = len(children)
	}
	return st, nil
}

// AllStats returns Stats for every tracked process.
func (s *Supervisor) AllStats() []Stats {
	var out []Stats
	for _, info := range s.List() {
		st, err := s.Stats(info.Domain)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

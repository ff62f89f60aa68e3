package monitor

import (
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats describes the resource usage of the running process.
type ProcessStats struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds"`
	StartTime  time.Time `json:"start_time"`
}

func newSelf() (*process.Process, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("inspect own process: %w", err)
	}
	return p, nil
}

// processStats fills in what the platform can report. Fields that fail to
// load stay zero.
func processStats(p *process.Process) ProcessStats {
	st := ProcessStats{PID: p.Pid}

	if cpu, err := p.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil {
		st.RSSBytes = mem.RSS
	}
	if n, err := p.NumThreads(); err == nil {
		st.NumThreads = n
	}
	if n, err := p.NumFDs(); err == nil {
		st.NumFDs = n
	}
	if ms, err := p.CreateTime(); err == nil {
		st.StartTime = time.UnixMilli(ms)
	}
	return st
}

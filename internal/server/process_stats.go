package server

import (
	"os"

	"github.com/shirou/gopsutil/process"
)

type processStats struct {
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
}

// readProcessStats samples the relay's own memory and CPU use.
func readProcessStats() (processStats, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return processStats{}, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return processStats{}, err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return processStats{}, err
	}
	return processStats{RSSBytes: mem.RSS, CPUPercent: cpu}, nil
}

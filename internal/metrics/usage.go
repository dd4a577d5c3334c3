package metrics

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample for one child.
type Usage struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	MemoryRSS  uint64  `json:"memory_rss"`
	NumThreads int32   `json:"num_threads"`
	NumFDs     int32   `json:"num_fds,omitempty"`
}

// SampleUsage reads CPU and memory figures for pid through gopsutil.
func SampleUsage(pid int) (Usage, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		slog.Debug("Failed to get CPU percent", "pid", pid, "error", err)
		cpuPercent = 0
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}

	numThreads, err := proc.NumThreads()
	if err != nil {
		slog.Debug("Failed to get thread count", "pid", pid, "error", err)
		numThreads = 0
	}

	u := Usage{
		PID:        pid,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		NumThreads: numThreads,
	}
	if runtime.GOOS != "windows" {
		if numFDs, err := proc.NumFDs(); err == nil {
			u.NumFDs = numFDs
		}
	}
	return u, nil
}

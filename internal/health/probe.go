package health

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// SystemStats is one sample of host resource usage.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	NetBytesSent  uint64  `json:"net_bytes_sent"`
	NetBytesRecv  uint64  `json:"net_bytes_recv"`
}

// SystemProbe samples host resources.
type SystemProbe interface {
	Sample(ctx context.Context) (SystemStats, error)
}

// HostProbe reads host resources through gopsutil. CPU usage is measured
// since the previous sample, so the first one may read zero.
type HostProbe struct {
	DiskPath string
}

func NewHostProbe() *HostProbe {
	return &HostProbe{DiskPath: "/"}
}

func (p *HostProbe) Sample(ctx context.Context) (SystemStats, error) {
	var s SystemStats

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return s, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(percents) > 0 {
		s.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("failed to read memory usage: %w", err)
	}
	s.MemoryPercent = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, p.DiskPath)
	if err != nil {
		return s, fmt.Errorf("failed to read disk usage of %s: %w", p.DiskPath, err)
	}
	s.DiskPercent = du.UsedPercent

	counters, err := net.IOCountersWithContext(ctx, false)
	if err == nil && len(counters) > 0 {
		s.NetBytesSent = counters[0].BytesSent
		s.NetBytesRecv = counters[0].BytesRecv
	}

	return s, nil
}

package agent

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/vesaa/talonwatch/internal/hub"
)

// Source produces the frames an agent sends.
type Source interface {
	HostInfo(ctx context.Context) hub.AgentHello
	Collect(ctx context.Context) (*hub.Metrics, error)
}

// Collector gathers system telemetry with gopsutil.
type Collector struct{}

// NewCollector creates a ready-to-use Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// HostInfo returns the host metadata carried by hello. Fields that cannot be
// read are left empty so they never overwrite stored values.
func (c *Collector) HostInfo(ctx context.Context) hub.AgentHello {
	h := hub.AgentHello{Arch: runtime.GOARCH}
	if name, err := os.Hostname(); err == nil {
		h.Hostname = name
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		h.OSName = info.Platform
		if h.OSName == "" {
			h.OSName = info.OS
		}
		h.OSVersion = info.PlatformVersion
		h.KernelVersion = info.KernelVersion
		if info.KernelArch != "" {
			h.Arch = info.KernelArch
		}
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		h.CPUModel = infos[0].ModelName
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		h.CPUCores = &n
	}
	return h
}

// Collect gathers one metrics frame. Network counters are the OS cumulative
// totals; the server derives usage from successive readings.
func (c *Collector) Collect(ctx context.Context) (*hub.Metrics, error) {
	m := &hub.Metrics{Type: hub.TypeMetrics, CPU: &hub.CPUStat{}}

	// CPU: percent since the previous call, as a fraction.
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		m.CPU.Usage = fraction(pcts[0])
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	m.Mem = &hub.UsageStat{Used: vm.Used, Total: vm.Total}

	used, total, err := diskUsage(ctx)
	if err != nil {
		return nil, err
	}
	m.Disk = &hub.UsageStat{Used: used, Total: total}

	if stats, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(stats) > 0 {
		m.Net = &hub.NetStat{RxBytes: stats[0].BytesRecv, TxBytes: stats[0].BytesSent}
	}

	tcp, errT := psnet.ConnectionsWithContext(ctx, "tcp")
	udp, errU := psnet.ConnectionsWithContext(ctx, "udp")
	if errT == nil && errU == nil {
		m.Conn = &hub.ConnStat{TCP: len(tcp), UDP: len(udp)}
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		m.Load = &hub.LoadStat{L1: avg.Load1, L5: avg.Load5, L15: avg.Load15}
	}
	return m, nil
}

// fraction converts a percentage into [0,1].
func fraction(pct float64) float64 {
	return max(0, min(pct/100, 1))
}

// diskUsage sums used and total bytes over physical partitions, falling back
// to the root filesystem when partitions cannot be listed.
func diskUsage(ctx context.Context) (used, total uint64, err error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	seen := map[string]bool{}
	if err == nil {
		for _, p := range parts {
			if seen[p.Device] {
				continue
			}
			u, err := disk.UsageWithContext(ctx, p.Mountpoint)
			if err != nil || u.Total == 0 {
				continue
			}
			seen[p.Device] = true
			used += u.Used
			total += u.Total
		}
	}
	if total > 0 {
		return used, total, nil
	}
	u, err := disk.UsageWithContext(ctx, rootPath())
	if err != nil {
		return 0, 0, err
	}
	return u.Used, u.Total, nil
}

func rootPath() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

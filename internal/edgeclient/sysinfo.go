package edgeclient

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is the resource usage reported with every heartbeat.
type Snapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// Metadata renders the snapshot as heartbeat metadata.
func (s Snapshot) Metadata() map[string]any {
	return map[string]any{
		"cpu_percent":    s.CPUPercent,
		"memory_percent": s.MemoryPercent,
		"disk_percent":   s.DiskPercent,
	}
}

// MetricsSource produces heartbeat snapshots.
type MetricsSource interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// ProcessInfo describes one running process.
type ProcessInfo struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	MemoryPercent float32 `json:"memory_percent"`
	MemoryRSS     uint64  `json:"memory_rss_bytes"`
}

// SystemCollector reads host facts and usage through gopsutil.
type SystemCollector struct {
	// DiskPath is the filesystem whose usage is reported. Defaults to the
	// system root.
	DiskPath string
}

// NewSystemCollector returns a collector for the system root filesystem.
func NewSystemCollector() *SystemCollector {
	return &SystemCollector{DiskPath: rootPath()}
}

func rootPath() string {
	if runtime.GOOS == "windows" {
		if drive := os.Getenv("SystemDrive"); drive != "" {
			return drive + `\`
		}
		return `C:\`
	}
	return "/"
}

// Snapshot samples cpu, memory and disk usage.
func (c *SystemCollector) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return snap, fmt.Errorf("cpu usage: %w", err)
	}
	if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("memory usage: %w", err)
	}
	snap.MemoryPercent = vm.UsedPercent

	path := c.DiskPath
	if path == "" {
		path = rootPath()
	}
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return snap, fmt.Errorf("disk usage of %s: %w", path, err)
	}
	snap.DiskPercent = usage.UsedPercent
	return snap, nil
}

// DeviceInfo describes the host. Hardware details are included on request.
func (c *SystemCollector) DeviceInfo(ctx context.Context, includeHardware bool) (map[string]any, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}
	out := map[string]any{
		"hostname":         info.Hostname,
		"os":               info.OS,
		"platform":         info.Platform,
		"platform_family":  info.PlatformFamily,
		"platform_version": info.PlatformVersion,
		"os_name":          osName(info.OS),
		"os_version":       info.PlatformVersion,
		"version":          info.PlatformVersion,
		"kernel_version":   info.KernelVersion,
		"architecture":     info.KernelArch,
		"uptime_seconds":   info.Uptime,
		"boot_time":        time.Unix(int64(info.BootTime), 0).UTC().Format(time.RFC3339),
	}
	if !includeHardware {
		return out, nil
	}

	hw := map[string]any{}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		hw["cpu_logical_cores"] = cores
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		hw["cpu_model"] = cpus[0].ModelName
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hw["memory_total_bytes"] = vm.Total
		hw["memory_available_bytes"] = vm.Available
	}
	path := c.DiskPath
	if path == "" {
		path = rootPath()
	}
	if usage, err := disk.UsageWithContext(ctx, path); err == nil {
		hw["disk_path"] = usage.Path
		hw["disk_total_bytes"] = usage.Total
		hw["disk_free_bytes"] = usage.Free
	}
	if snap, err := c.Snapshot(ctx); err == nil {
		out["usage"] = snap
	}
	out["hardware"] = hw
	return out, nil
}

// osName maps a GOOS-style family to the display name the core expects.
func osName(goos string) string {
	switch goos {
	case "windows":
		return "Windows"
	case "darwin":
		return "macOS"
	case "linux":
		return "Linux"
	default:
		return goos
	}
}

// Processes lists running processes by resident memory, largest first.
func (c *SystemCollector) Processes(ctx context.Context, limit int) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Processes exit while we iterate.
			continue
		}
		pi := ProcessInfo{PID: p.Pid, Name: name}
		if pct, err := p.MemoryPercentWithContext(ctx); err == nil {
			pi.MemoryPercent = pct
		}
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			pi.MemoryRSS = mi.RSS
		}
		out = append(out, pi)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MemoryRSS != out[j].MemoryRSS {
			return out[i].MemoryRSS > out[j].MemoryRSS
		}
		return out[i].PID < out[j].PID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

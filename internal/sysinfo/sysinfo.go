// Package sysinfo attaches a compact host diagnostics snapshot to a
// failure record, grounded on provider-daemon/cmd/daemon/main.go's
// handleGetSystemOverviewJSON use of gopsutil. This is purely forensic:
// the supervisor's classification logic never reads these fields.
package sysinfo

import (
	"context"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is the compact host diagnostics block attached to
// failure.json's detail field.
type Snapshot struct {
	LoadAvg1         float64 `json:"load_avg_1,omitempty"`
	MemAvailableMB   uint64  `json:"mem_available_mb,omitempty"`
	MemTotalMB       uint64  `json:"mem_total_mb,omitempty"`
	DiskFreeMB       uint64  `json:"disk_free_mb,omitempty"`
	Error            string  `json:"error,omitempty"`
}

// Collect gathers a best-effort snapshot for diskPath's mount. Partial
// failures (e.g. load average unsupported on the platform) are recorded
// in Error but never abort the collection of the remaining fields —
// diagnostics must never block or fail the wrapper's own exit path.
func Collect(ctx context.Context, diskPath string) Snapshot {
	var snap Snapshot
	var errs []string

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.LoadAvg1 = avg.Load1
	} else {
		errs = append(errs, err.Error())
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemAvailableMB = vm.Available / (1024 * 1024)
		snap.MemTotalMB = vm.Total / (1024 * 1024)
	} else {
		errs = append(errs, err.Error())
	}

	if diskPath == "" {
		diskPath = "/"
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		snap.DiskFreeMB = du.Free / (1024 * 1024)
	} else {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		snap.Error = errs[0]
	}
	return snap
}

// AsDetail converts a Snapshot into the map[string]interface{} shape
// model.FailureRecord.Detail expects.
func (s Snapshot) AsDetail() map[string]interface{} {
	return map[string]interface{}{
		"load_avg_1":       s.LoadAvg1,
		"mem_available_mb": s.MemAvailableMB,
		"mem_total_mb":     s.MemTotalMB,
		"disk_free_mb":     s.DiskFreeMB,
		"error":            s.Error,
	}
}

// Package hostinfo collects a snapshot of the machine a worker runs on,
// reported at registration so operators can see where an evaluation landed.
package hostinfo

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot describes the worker host.
type Snapshot struct {
	Hostname   string
	CPUCount   int
	MemTotalMB int64
}

// Collect gathers the snapshot. Collection failures degrade to partial
// data: a missing CPU count is no reason to refuse evaluations.
func Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if info, err := host.InfoWithContext(ctx); err == nil && info.Hostname != "" {
		snap.Hostname = info.Hostname
	} else if name, err := os.Hostname(); err == nil {
		snap.Hostname = name
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCount = n
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemTotalMB = int64(vm.Total / (1024 * 1024))
	}

	return snap
}

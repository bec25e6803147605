// Package procinfo summarizes host load for diagnostic log lines, mainly
// when a command times out and the invocation resolves with partial output.
package procinfo

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

// Prober collects a one-line host snapshot. The zero value is usable.
type Prober struct{}

// Describe never fails; probes that error are simply omitted from the line.
func (Prober) Describe(ctx context.Context) string {
	var parts []string

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		parts = append(parts, fmt.Sprintf("load1=%.2f load5=%.2f", avg.Load1, avg.Load5))
	}
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		parts = append(parts, fmt.Sprintf("cpu=%.1f%%", p[0]))
	}
	if pids, err := process.PidsWithContext(ctx); err == nil {
		parts = append(parts, fmt.Sprintf("procs=%d", len(pids)))
	}

	if len(parts) == 0 {
		return "unavailable"
	}
	return strings.Join(parts, " ")
}

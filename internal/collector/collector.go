// Package collector samples host resource usage: CPU, memory, disk, network,
// uptime, and the running process list.
package collector

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// defaultCPUWindow is the sampling window for the CPU percentage reading.
// Short enough that a collection cycle stays well under a second.
const defaultCPUWindow = 300 * time.Millisecond

// pseudoFSPrefixes identifies virtual filesystems that are excluded from the
// disk-usage sum.
var pseudoFSPrefixes = []string{"proc", "sysfs", "devfs", "tmpfs", "devtmpfs", "overlay"}

// Snapshot is one point-in-time reading of all tracked host metrics. Fields
// are raw readings; clamping to the wire-format domains happens when the
// payload is built.
type Snapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskUsedBytes int64
	NetBytesRecv  int64
	NetBytesSent  int64
	UptimeSeconds int64
	Processes     []string
}

// Collector samples host metrics once per call. It holds no per-sample state
// and is safe to call repeatedly from a single goroutine.
type Collector struct {
	processLimit int
	cpuWindow    time.Duration
	log          zerolog.Logger
}

func New(processLimit int, log zerolog.Logger) *Collector {
	return &Collector{
		processLimit: processLimit,
		cpuWindow:    defaultCPUWindow,
		log:          log.With().Str("component", "collector").Logger(),
	}
}

// Collect gathers a fresh snapshot. It never fails: any sub-metric that
// cannot be read is logged and degraded to its zero value so one broken
// counter does not lose the whole cycle.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if percents, err := cpu.PercentWithContext(ctx, c.cpuWindow, false); err != nil || len(percents) == 0 {
		c.log.Warn().Err(err).Msg("failed to sample CPU usage")
	} else {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.log.Warn().Err(err).Msg("failed to sample memory usage")
	} else {
		snap.MemoryPercent = vm.UsedPercent
	}

	snap.DiskUsedBytes = c.diskUsedBytes(ctx)

	if counters, err := psnet.IOCountersWithContext(ctx, false); err != nil || len(counters) == 0 {
		c.log.Warn().Err(err).Msg("failed to sample network counters")
	} else {
		snap.NetBytesRecv = int64(counters[0].BytesRecv)
		snap.NetBytesSent = int64(counters[0].BytesSent)
	}

	if uptime, err := host.UptimeWithContext(ctx); err != nil {
		c.log.Warn().Err(err).Msg("failed to read uptime")
	} else {
		snap.UptimeSeconds = int64(uptime)
	}

	snap.Processes = c.processNames(ctx)

	return snap
}

// diskUsedBytes sums used bytes across readable, non-pseudo mounted
// filesystems, deduplicated by mountpoint. Root is always included as a
// fallback so an empty partition table still yields a usable reading.
func (c *Collector) diskUsedBytes(ctx context.Context) int64 {
	mounts := map[string]struct{}{"/": {}}

	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to list disk partitions")
	}
	for _, p := range partitions {
		if isPseudoFS(p.Fstype) {
			continue
		}
		mounts[p.Mountpoint] = struct{}{}
	}

	// Deterministic iteration keeps warn logs stable across cycles.
	ordered := make([]string, 0, len(mounts))
	for m := range mounts {
		ordered = append(ordered, m)
	}
	sort.Strings(ordered)

	var total int64
	for _, m := range ordered {
		usage, err := disk.UsageWithContext(ctx, m)
		if err != nil {
			// Unreadable mountpoint: skip its contribution.
			c.log.Debug().Err(err).Str("mountpoint", m).Msg("skipping unreadable mountpoint")
			continue
		}
		total += int64(usage.Used)
	}
	return total
}

// processNames returns up to processLimit process names. Processes that
// vanish or deny access mid-iteration are skipped.
func (c *Collector) processNames(ctx context.Context) []string {
	names := make([]string, 0, c.processLimit)

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to list processes")
		return names
	}

	for _, p := range procs {
		if len(names) >= c.processLimit {
			break
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			if cmdline, cerr := p.CmdlineSliceWithContext(ctx); cerr == nil && len(cmdline) > 0 && cmdline[0] != "" {
				name = cmdline[0]
			} else {
				name = "unknown"
			}
		}
		names = append(names, name)
	}
	return names
}

func isPseudoFS(fstype string) bool {
	lower := strings.ToLower(fstype)
	for _, prefix := range pseudoFSPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Package report builds the JSON payload sent to the collector endpoint.
package report

import (
	"encoding/json"
	"math"

	"github.com/msle237-lees/homelab-agent/internal/collector"
)

// StatusRunning is the only status the agent ever reports; it only speaks
// while alive.
const StatusRunning = "running"

// Payload is the wire format for POST <base>/api/v1/metrics/. Field set and
// types are part of the collector's contract and must not change.
//
// RunningProcesses is a JSON-array-encoded string, not a nested array. The
// collector stores it as an opaque string column, so the double encoding is
// load-bearing.
type Payload struct {
	ServerName        string `json:"server_name"`
	CPUUsage          int    `json:"cpu_usage"`
	MemoryUsage       int    `json:"memory_usage"`
	DiskSpaceUsed     int64  `json:"disk_space_used"`
	NetworkTrafficIn  int64  `json:"network_traffic_in"`
	NetworkTrafficOut int64  `json:"network_traffic_out"`
	Uptime            int64  `json:"uptime"`
	Status            string `json:"status"`
	RunningProcesses  string `json:"running_processes"`
}

// FromSnapshot converts a raw snapshot into the wire payload, clamping every
// numeric field into its documented domain and truncating the process list
// to processLimit.
func FromSnapshot(serverName string, snap collector.Snapshot, processLimit int) Payload {
	procs := snap.Processes
	if procs == nil {
		procs = []string{}
	}
	if processLimit >= 0 && len(procs) > processLimit {
		procs = procs[:processLimit]
	}

	// Marshaling a slice of strings cannot fail.
	encoded, _ := json.Marshal(procs)

	return Payload{
		ServerName:        serverName,
		CPUUsage:          clampPercent(snap.CPUPercent),
		MemoryUsage:       clampPercent(snap.MemoryPercent),
		DiskSpaceUsed:     clampNonNegative(snap.DiskUsedBytes),
		NetworkTrafficIn:  clampNonNegative(snap.NetBytesRecv),
		NetworkTrafficOut: clampNonNegative(snap.NetBytesSent),
		Uptime:            clampNonNegative(snap.UptimeSeconds),
		Status:            StatusRunning,
		RunningProcesses:  string(encoded),
	}
}

// ProcessNames decodes the RunningProcesses string back into a slice. Used
// by the mock collector and tests; the real collector treats it as opaque.
func (p Payload) ProcessNames() ([]string, error) {
	var names []string
	if err := json.Unmarshal([]byte(p.RunningProcesses), &names); err != nil {
		return nil, err
	}
	return names, nil
}

func clampPercent(v float64) int {
	rounded := int(math.Round(v))
	if rounded < 0 {
		return 0
	}
	if rounded > 100 {
		return 100
	}
	return rounded
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

package agent

import "time"

// Status is the agent's convergence state. Transitions are driven only by
// the reconciliation engine.
type Status string

const (
	StatusUnknown  Status = "unknown"  // before the first reconciliation
	StatusStopped  Status = "stopped"  // no managed process running
	StatusUpdating Status = "updating" // reconciliation fetching/replacing
	StatusRunning  Status = "running"  // managed process active
)

// Health is derived at query time, never stored.
type Health struct {
	UptimeSeconds        float64 `json:"uptime_seconds"`
	SnapshotRestartCount int     `json:"snapshot_restart_count"`
}

// StatusSnapshot is the agent's externally visible state. Status() returns
// nil instead of a snapshot while a reconciliation chain is draining.
type StatusSnapshot struct {
	Project  *string `json:"project"`
	Snapshot *string `json:"snapshot"`
	Settings *string `json:"settings"`
	State    Status  `json:"state"`
	Health   Health  `json:"health"`
}

func uptime(since time.Time) float64 {
	return time.Since(since).Seconds()
}

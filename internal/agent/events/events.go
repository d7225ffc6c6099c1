package events

import "time"

// ReconcileStarted is published when a reconciliation pass begins executing.
// Coalesced updates never produce this event; only passes that actually run.
type ReconcileStarted struct {
	ReconcileID string
	StartedAt   time.Time
	Deauthorize bool
}

// ReconcileFinished is published at the end of every reconciliation pass,
// after the final status has been recomputed.
type ReconcileFinished struct {
	ReconcileID string
	FinishedAt  time.Time
	Duration    time.Duration
	Outcome     string // converged | aborted | start_failed | fetch_failed
	Status      string // final agent status
	Project     string
	SnapshotID  string
}

// UpdateCoalesced is published when an incoming desired state overwrites the
// pending slot while a pass is executing. The overwritten update, if any, is
// lost entirely.
type UpdateCoalesced struct {
	ReceivedAt time.Time
	Overwrote  bool
}

// StatusChanged is published whenever the agent status transitions.
type StatusChanged struct {
	At       time.Time
	Previous string
	Current  string
}

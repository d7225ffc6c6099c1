package agent

import (
	"context"

	"git.home.luguber.info/inful/edgeagent/internal/state"
)

// StateStore persists LocalState. Load must be non-fatal: a missing or
// corrupt record yields empty state.
type StateStore interface {
	Load() state.LocalState
	Save(state.LocalState) error
}

// PushTransport delivers desired-state notifications from the controller and
// accepts scoping/check-in calls back from the engine. Implementations call
// the engine's Reconcile when the controller reports new desired state.
type PushTransport interface {
	Start(ctx context.Context) error
	Stop()
	// SetProject informs the controller connection of the device's current
	// project scope; nil clears the scope.
	SetProject(project *string)
	// CheckIn reports the device's presence to the controller.
	CheckIn() error
}

// Fetcher retrieves the current deployment artifacts on demand. The engine
// fetches through it during a refresh regardless of which notification
// transport is active.
type Fetcher interface {
	GetSnapshot(ctx context.Context) (*state.Snapshot, error)
	GetSettings(ctx context.Context) (*state.Settings, error)
}

// PullTransport polls the controller when no push endpoint is configured.
// Implementations call the engine's Reconcile when a poll discovers changed
// state.
type PullTransport interface {
	Fetcher
	StartPolling(ctx context.Context) error
	StopPolling() error
}

package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/edgeagent/internal/agent/events"
	"git.home.luguber.info/inful/edgeagent/internal/foundation"
	"git.home.luguber.info/inful/edgeagent/internal/logfields"
	"git.home.luguber.info/inful/edgeagent/internal/state"
	"git.home.luguber.info/inful/edgeagent/internal/supervisor"
)

// Reconciliation outcomes reported on the event bus.
const (
	OutcomeConverged   = "converged"
	OutcomeAborted     = "aborted"      // persistence failed mid-pass
	OutcomeStartFailed = "start_failed" // workload refused to start
	OutcomeFetchFailed = "fetch_failed" // controller fetch failed
)

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Store      StateStore
	Supervisor supervisor.Supervisor
	// Push is optional; when nil the pull transport's polling is activated
	// instead. The two notification mechanisms are mutually exclusive.
	Push PushTransport
	// Pull is always required: its fetch side is used during refreshes
	// regardless of which notification transport is active.
	Pull PullTransport
	// Bus is optional; reconcile lifecycle events are published to it.
	Bus *events.Bus
}

// Engine owns LocalState and the managed-process handle and converges the
// device toward each incoming desired state.
//
// Concurrency model: a busy flag plus a single-slot pending cell. A
// reconcile arriving while one is executing overwrites the pending slot
// (last write wins, overwritten updates are lost, never merged) and returns
// immediately. The executing pass drains the slot in a loop after each pass,
// so a burst collapses to the most recent update and at most one pass ever
// executes at a time. Status() reports nil until the chain has drained.
type Engine struct {
	store StateStore
	sup   supervisor.Supervisor
	push  PushTransport
	pull  PullTransport
	bus   *events.Bus

	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	mu           sync.Mutex
	busy         bool
	pending      foundation.Option[*DesiredState]
	stopping     bool
	local        state.LocalState
	handle       supervisor.Handle
	status       Status
	lastRestarts int
}

// NewEngine validates the wiring and returns an engine in the unknown state.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, foundation.ValidationError("engine requires a state store").Build()
	}
	if cfg.Supervisor == nil {
		return nil, foundation.ValidationError("engine requires a supervisor").Build()
	}
	if cfg.Pull == nil {
		return nil, foundation.ValidationError("engine requires a pull transport").Build()
	}
	return &Engine{
		store:  cfg.Store,
		sup:    cfg.Supervisor,
		push:   cfg.Push,
		pull:   cfg.Pull,
		bus:    cfg.Bus,
		status: StatusUnknown,
	}, nil
}

// Start loads the persisted LocalState and activates the configured
// notification transport.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.startedAt = time.Now()

	loaded := e.store.Load()
	e.mu.Lock()
	e.local = loaded
	e.stopping = false
	e.mu.Unlock()

	if !loaded.Empty() {
		slog.Info("Loaded persisted state",
			logfields.Project(deref(loaded.Project)),
			logfields.Snapshot(loaded.SnapshotID()),
			logfields.SettingsHash(loaded.SettingsHash()))
	}

	if e.push != nil {
		if err := e.push.Start(e.ctx); err != nil {
			return err
		}
		if loaded.Project != nil {
			e.push.SetProject(loaded.Project)
		}
		slog.Info("Accepting desired state", logfields.Transport("push"))
		return nil
	}

	if err := e.pull.StartPolling(e.ctx); err != nil {
		return err
	}
	slog.Info("Accepting desired state", logfields.Transport("pull"))
	return nil
}

// Stop deactivates both transports (stopping an inactive one is a no-op) and
// stops the managed process without the clean flag. If a reconciliation is
// executing, the process stop is deferred to the end of its drain loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.push != nil {
		e.push.Stop()
	}
	if err := e.pull.StopPolling(); err != nil {
		slog.Warn("Failed to stop poller", logfields.Error(err))
	}

	e.mu.Lock()
	e.stopping = true
	if e.busy {
		e.mu.Unlock()
		return
	}
	h := e.handle
	e.handle = nil
	if h != nil {
		e.lastRestarts = h.RestartCount()
	}
	e.mu.Unlock()

	if h != nil {
		h.Stop(false)
	}
}

// Status returns the externally visible snapshot, or nil while a
// reconciliation chain is draining. Callers must treat nil as "not ready to
// report".
func (e *Engine) Status() *StatusSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.busy {
		return nil
	}

	snap := &StatusSnapshot{
		State:  e.status,
		Health: Health{UptimeSeconds: uptime(e.startedAt)},
	}
	if e.local.Project != nil {
		p := *e.local.Project
		snap.Project = &p
	}
	if e.local.Snapshot != nil {
		id := e.local.Snapshot.ID
		snap.Snapshot = &id
	}
	if e.local.Settings != nil {
		h := e.local.Settings.Hash
		snap.Settings = &h
	}
	if e.handle != nil {
		snap.Health.SnapshotRestartCount = e.handle.RestartCount()
	} else {
		snap.Health.SnapshotRestartCount = e.lastRestarts
	}
	return snap
}

// Reconcile converges the device toward desired. A nil desired deauthorizes
// the device. Reconcile never returns an error: failures become log output
// and status transitions.
func (e *Engine) Reconcile(desired *DesiredState) {
	e.mu.Lock()
	if e.busy {
		overwrote := e.pending.IsSome()
		e.pending = foundation.Some(desired)
		e.mu.Unlock()
		e.publish(events.UpdateCoalesced{ReceivedAt: time.Now(), Overwrote: overwrote})
		return
	}
	e.busy = true
	e.mu.Unlock()

	// Trampoline: drain the single pending slot after each pass so a burst
	// collapses to its most recent update without unbounded recursion.
	for {
		e.runPass(desired)

		e.mu.Lock()
		if next, ok := e.pending.Take(); ok {
			e.mu.Unlock()
			desired = next
			continue
		}
		e.busy = false
		var h supervisor.Handle
		if e.stopping {
			h = e.handle
			e.handle = nil
			if h != nil {
				e.lastRestarts = h.RestartCount()
			}
		}
		e.mu.Unlock()

		if h != nil {
			h.Stop(false)
		}
		return
	}
}

// runPass executes one full reconciliation and asserts the authoritative
// final status: running iff a managed-process handle is held.
func (e *Engine) runPass(desired *DesiredState) {
	id := uuid.NewString()
	start := time.Now()
	e.publish(events.ReconcileStarted{
		ReconcileID: id,
		StartedAt:   start,
		Deauthorize: Deauthorized(desired),
	})

	outcome := e.apply(id, desired)

	final := StatusStopped
	if e.handle != nil {
		final = StatusRunning
	}
	e.setStatus(final)

	e.publish(events.ReconcileFinished{
		ReconcileID: id,
		FinishedAt:  time.Now(),
		Duration:    time.Since(start),
		Outcome:     outcome,
		Status:      string(final),
		Project:     deref(e.local.Project),
		SnapshotID:  e.local.SnapshotID(),
	})

	slog.Debug("Reconciliation finished",
		logfields.ReconcileID(id),
		logfields.Status(string(final)),
		"outcome", outcome,
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
}

func (e *Engine) apply(id string, desired *DesiredState) string {
	// Deauthorization: wipe everything, non-clean stop.
	if Deauthorized(desired) {
		slog.Info("Device deauthorized, wiping local state", logfields.ReconcileID(id))
		e.discardProcess(false)
		e.local = state.LocalState{}
		if !e.persist(id) {
			return OutcomeAborted
		}
		e.setStatus(StatusStopped)
		return OutcomeConverged
	}

	// Project unassigned: graceful teardown, settings retained.
	if desired.Project.IsNull() {
		slog.Info("Project unassigned", logfields.ReconcileID(id))
		if e.push != nil {
			e.push.SetProject(nil)
		}
		e.discardProcess(true)
		e.local.Project = nil
		e.local.Snapshot = nil
		if !e.persist(id) {
			return OutcomeAborted
		}
		e.setStatus(StatusStopped)
		return OutcomeConverged
	}

	// Deployment cleared, project retained (or adopted).
	if desired.Snapshot.IsNull() {
		slog.Info("Deployment cleared", logfields.ReconcileID(id))
		if e.local.Snapshot != nil {
			e.local.Snapshot = nil
			if !e.persist(id) {
				return OutcomeAborted
			}
		}
		if p, ok := desired.Project.Value(); ok && !sameProject(e.local.Project, p) {
			e.local.Project = &p
			if !e.persist(id) {
				return OutcomeAborted
			}
			if e.push != nil {
				e.push.SetProject(&p)
			}
		}
		e.discardProcess(true)
		e.setStatus(StatusStopped)
		return OutcomeConverged
	}

	// Diff desired against local state.
	updateSnapshot, updateSettings := false, false
	var adopt *string
	if p, ok := desired.Project.Value(); ok && (e.local.Snapshot == nil || !sameProject(e.local.Project, p)) {
		// Full reassignment: adopt the project and refresh both artifacts
		// regardless of their own diff. The adoption is committed together
		// with the fetched artifacts below.
		adopt = &p
		updateSnapshot, updateSettings = true, true
	} else {
		if sid, ok := desired.Snapshot.Value(); ok && (e.local.Snapshot == nil || e.local.Snapshot.ID != sid) {
			updateSnapshot = true
		}
		if sh, ok := desired.Settings.Value(); ok && (e.local.Settings == nil || e.local.Settings.Hash != sh) {
			updateSettings = true
		}
	}

	if !updateSnapshot && !updateSettings {
		// Nothing to refresh. If the process died or the agent rebooted,
		// relaunch from the data already on disk. The run directory still
		// holds its configuration, so no rewrite is needed.
		if e.handle == nil && e.local.Snapshot != nil {
			return e.startProcess(id, false)
		}
		return OutcomeConverged
	}

	// Refresh: replace the running deployment. Fetched artifacts are staged
	// and committed to LocalState only once every fetch has succeeded, so a
	// partial failure leaves both the in-memory and on-disk records intact.
	e.setStatus(StatusUpdating)
	e.discardProcess(false)

	var (
		newSnapshot *state.Snapshot
		newSettings *state.Settings
	)
	if updateSnapshot {
		snap, err := e.pull.GetSnapshot(e.ctx)
		if err != nil {
			slog.Error("Snapshot fetch failed", logfields.ReconcileID(id), logfields.Error(err))
			return OutcomeFetchFailed
		}
		newSnapshot = snap
	}
	if updateSettings {
		settings, err := e.pull.GetSettings(e.ctx)
		if err != nil {
			slog.Error("Settings fetch failed", logfields.ReconcileID(id), logfields.Error(err))
			return OutcomeFetchFailed
		}
		newSettings = settings
	}

	if adopt != nil {
		e.local.Project = adopt
	}
	if newSnapshot != nil {
		e.local.Snapshot = newSnapshot
	}
	if newSettings != nil {
		e.local.Settings = newSettings
	}

	if e.local.Snapshot == nil || e.local.Snapshot.ID == "" {
		slog.Warn("No valid snapshot after refresh, nothing to run", logfields.ReconcileID(id))
		return OutcomeConverged
	}

	if !e.persist(id) {
		return OutcomeAborted
	}
	return e.startProcess(id, true)
}

// startProcess constructs a fresh handle from LocalState and starts it.
// writeConfig must be true whenever the snapshot or settings changed since
// the last start. A start failure is caught here: the handle is
// force-stopped and discarded, and the failure never propagates to the
// caller.
func (e *Engine) startProcess(id string, writeConfig bool) string {
	project := deref(e.local.Project)
	h := e.sup.Create(project, e.local.Snapshot, e.local.Settings)

	if writeConfig {
		if err := h.WriteConfiguration(); err != nil {
			slog.Error("Failed to write workload configuration",
				logfields.ReconcileID(id), logfields.Error(err))
			h.Stop(true)
			return OutcomeStartFailed
		}
	}
	if err := h.Start(); err != nil {
		slog.Error("Failed to start workload",
			logfields.ReconcileID(id), logfields.Error(err))
		h.Stop(true)
		return OutcomeStartFailed
	}

	e.handle = h

	if e.push != nil {
		e.push.SetProject(e.local.Project)
		if err := e.push.CheckIn(); err != nil {
			slog.Warn("Check-in failed", logfields.ReconcileID(id), logfields.Error(err))
		}
	}
	return OutcomeConverged
}

// discardProcess stops and drops the current handle, if any. Handles are
// never reused: a new deployment always constructs a fresh one.
func (e *Engine) discardProcess(clean bool) {
	if e.handle == nil {
		return
	}
	e.lastRestarts = e.handle.RestartCount()
	e.handle.Stop(clean)
	e.handle = nil
}

// persist saves LocalState synchronously. On failure the current
// reconciliation pass is aborted so the in-memory and on-disk records can be
// re-converged by the next trigger.
func (e *Engine) persist(id string) bool {
	if err := e.store.Save(e.local); err != nil {
		slog.Error("Failed to persist local state, aborting reconciliation",
			logfields.ReconcileID(id), logfields.Error(err))
		return false
	}
	return true
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	prev := e.status
	e.status = s
	e.mu.Unlock()

	if prev != s {
		e.publish(events.StatusChanged{At: time.Now(), Previous: string(prev), Current: string(s)})
	}
}

func (e *Engine) publish(evt any) {
	if e.bus != nil {
		e.bus.Publish(evt)
	}
}

func sameProject(current *string, p string) bool {
	return current != nil && *current == p
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

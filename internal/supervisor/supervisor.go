package supervisor

import (
	"git.home.luguber.info/inful/edgeagent/internal/config"
	"git.home.luguber.info/inful/edgeagent/internal/state"
)

// Run states reported by a handle. These are observations, not commands;
// the reconciliation engine derives its own status from handle ownership.
const (
	StateCreated    = "created"
	StateRunning    = "running"
	StateRestarting = "restarting"
	StateStopped    = "stopped"
	StateFailed     = "failed"
)

// Supervisor constructs handles for the managed workload. A handle is
// single-use: once stopped it is discarded, never restarted by the caller.
type Supervisor interface {
	Create(project string, snapshot *state.Snapshot, settings *state.Settings) Handle
}

// Handle is an owned managed-process instance.
//
// WriteConfiguration must be called before Start whenever the snapshot or
// settings changed, so the workload sees its inputs on disk before launch.
// Stop with clean=true signals a deliberate teardown; clean=false is a
// stop-for-restart during an update. Stop never fails: it escalates from
// SIGTERM to SIGKILL and always leaves the process gone.
type Handle interface {
	WriteConfiguration() error
	Start() error
	Stop(clean bool)
	State() string
	RestartCount() int
}

// ExecSupervisor runs the workload as a child process via os/exec.
type ExecSupervisor struct {
	cfg config.SupervisorConfig
}

// NewExecSupervisor creates a supervisor for the configured workload command.
func NewExecSupervisor(cfg config.SupervisorConfig) *ExecSupervisor {
	return &ExecSupervisor{cfg: cfg}
}

// Create builds a fresh handle for the given deployment. The handle is inert
// until Start is called.
func (s *ExecSupervisor) Create(project string, snapshot *state.Snapshot, settings *state.Settings) Handle {
	return newExecHandle(s.cfg, project, snapshot, settings)
}

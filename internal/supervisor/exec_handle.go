package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"git.home.luguber.info/inful/edgeagent/internal/config"
	"git.home.luguber.info/inful/edgeagent/internal/foundation"
	"git.home.luguber.info/inful/edgeagent/internal/logfields"
	"git.home.luguber.info/inful/edgeagent/internal/state"
)

// Files written into the run directory for the workload to consume.
const (
	SnapshotFileName = "snapshot.json"
	SettingsFileName = "settings.json"
)

// execHandle supervises a single workload process. It restarts the process
// with a backoff when it exits unexpectedly and counts those restarts.
type execHandle struct {
	cfg      config.SupervisorConfig
	project  string
	snapshot *state.Snapshot
	settings *state.Settings
	runDir   string

	mu       sync.Mutex
	cmd      *exec.Cmd
	runState string
	restarts int
	stopping bool
	done     chan struct{}
}

func newExecHandle(cfg config.SupervisorConfig, project string, snapshot *state.Snapshot, settings *state.Settings) *execHandle {
	runDir := cfg.RunDir
	if runDir == "" {
		runDir = "run"
	}
	return &execHandle{
		cfg:      cfg,
		project:  project,
		snapshot: snapshot,
		settings: settings,
		runDir:   runDir,
		runState: StateCreated,
		done:     make(chan struct{}),
	}
}

// WriteConfiguration materializes the snapshot and settings payloads in the
// run directory. Called before Start whenever either input changed.
func (h *execHandle) WriteConfiguration() error {
	if err := os.MkdirAll(h.runDir, 0o755); err != nil {
		return foundation.SupervisorError("failed to create run directory").
			WithCause(err).
			WithContext(foundation.Fields{"run_dir": h.runDir}).
			Build()
	}

	if h.snapshot != nil && h.snapshot.Payload != nil {
		path := filepath.Join(h.runDir, SnapshotFileName)
		if err := os.WriteFile(path, h.snapshot.Payload, 0o644); err != nil {
			return foundation.SupervisorError("failed to write snapshot payload").
				WithCause(err).
				WithContext(foundation.Fields{"path": path}).
				Build()
		}
	}

	if h.settings != nil && h.settings.Payload != nil {
		path := filepath.Join(h.runDir, SettingsFileName)
		if err := os.WriteFile(path, h.settings.Payload, 0o644); err != nil {
			return foundation.SupervisorError("failed to write settings payload").
				WithCause(err).
				WithContext(foundation.Fields{"path": path}).
				Build()
		}
	}

	return nil
}

// Start launches the workload and begins monitoring it. An error here leaves
// the handle in the failed state; the caller discards it.
func (h *execHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.runState == StateRunning {
		return foundation.SupervisorError("process already running").Build()
	}

	cmd, err := h.launch()
	if err != nil {
		h.runState = StateFailed
		return err
	}

	h.cmd = cmd
	h.runState = StateRunning
	go h.monitor(cmd)
	return nil
}

func (h *execHandle) launch() (*exec.Cmd, error) {
	cmd := exec.Command(h.cfg.Command, h.cfg.Args...)
	cmd.Dir = h.runDir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("EDGEAGENT_PROJECT=%s", h.project),
		fmt.Sprintf("EDGEAGENT_SNAPSHOT_ID=%s", snapshotID(h.snapshot)),
		fmt.Sprintf("EDGEAGENT_SETTINGS_HASH=%s", settingsHash(h.settings)),
		fmt.Sprintf("EDGEAGENT_RUN_DIR=%s", h.runDir),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, foundation.SupervisorError("failed to start workload").
			WithCause(err).
			WithContext(foundation.Fields{"command": h.cfg.Command}).
			Build()
	}

	slog.Info("Workload started",
		logfields.Project(h.project),
		logfields.Snapshot(snapshotID(h.snapshot)),
		"pid", cmd.Process.Pid)
	return cmd, nil
}

// monitor waits for the current process and restarts it unless the handle is
// stopping. It owns the restart counter.
func (h *execHandle) monitor(cmd *exec.Cmd) {
	for {
		err := cmd.Wait()

		h.mu.Lock()
		if h.stopping {
			h.runState = StateStopped
			h.mu.Unlock()
			close(h.done)
			return
		}

		h.runState = StateRestarting
		h.restarts++
		restarts := h.restarts
		h.mu.Unlock()

		slog.Warn("Workload exited unexpectedly, restarting",
			logfields.Project(h.project),
			logfields.Restarts(restarts),
			logfields.Error(err))

		time.Sleep(h.cfg.RestartBackoff)

		h.mu.Lock()
		if h.stopping {
			h.runState = StateStopped
			h.mu.Unlock()
			close(h.done)
			return
		}

		next, err := h.launch()
		if err != nil {
			h.runState = StateFailed
			h.mu.Unlock()
			slog.Error("Workload restart failed", logfields.Error(err))
			close(h.done)
			return
		}
		h.cmd = next
		h.runState = StateRunning
		h.mu.Unlock()

		cmd = next
	}
}

// Stop terminates the workload. clean marks a deliberate teardown (project
// unassigned or deployment cleared) as opposed to a stop-for-restart; the
// distinction matters to callers and log readers, not to the kill sequence.
func (h *execHandle) Stop(clean bool) {
	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		return
	}
	h.stopping = true
	cmd := h.cmd
	running := h.runState == StateRunning || h.runState == StateRestarting
	if !running {
		h.runState = StateStopped
	}
	h.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return
	}

	slog.Info("Stopping workload",
		logfields.Project(h.project),
		"clean", clean)

	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-h.done:
	case <-time.After(h.cfg.StopTimeout):
		slog.Warn("Workload did not exit in time, killing", logfields.Project(h.project))
		_ = cmd.Process.Kill()
		<-h.done
	}
}

// State returns the current run state string.
func (h *execHandle) State() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runState
}

// RestartCount returns how many times the process was relaunched after an
// unexpected exit.
func (h *execHandle) RestartCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restarts
}

func snapshotID(s *state.Snapshot) string {
	if s == nil {
		return ""
	}
	return s.ID
}

func settingsHash(s *state.Settings) string {
	if s == nil {
		return ""
	}
	return s.Hash
}

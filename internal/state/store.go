package state

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"git.home.luguber.info/inful/edgeagent/internal/foundation"
)

// StateFileName is the file the store maintains inside its data directory.
const StateFileName = "agent-state.json"

// Store persists LocalState as a single JSON file. Writes are atomic
// (temp file + rename). Loads transparently upgrade the legacy on-disk
// schema, and a file that fails to parse is treated as empty state so a
// corrupt record can never prevent the agent from starting.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store rooted at dataDir, creating the directory if
// needed.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, foundation.StateError("failed to create data directory").
			WithCause(err).
			WithContext(foundation.Fields{"data_dir": dataDir}).
			Build()
	}
	return &Store{path: filepath.Join(dataDir, StateFileName)}, nil
}

// diskState is the union of the current and legacy on-disk schemas.
//
// Current schema: {"project":..., "snapshot":{...}, "settings":{...}}.
// Legacy schema: a flat snapshot record ({"id":..., "payload":...}) with an
// optional nested "device" sub-record holding settings. The legacy schema
// never recorded a project.
type diskState struct {
	Project  *string   `json:"project"`
	Snapshot *Snapshot `json:"snapshot"`
	Settings *Settings `json:"settings"`

	// Legacy fields, read-only.
	ID            string          `json:"id,omitempty"`
	LegacyPayload json.RawMessage `json:"payload,omitempty"`
	Device        *Settings       `json:"device,omitempty"`
}

// Load reads the persisted LocalState. A missing file yields empty state
// without error; malformed content is logged and likewise yields empty state.
func (st *Store) Load() LocalState {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := os.ReadFile(st.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read state file, starting from empty state",
				"path", st.path, "error", err)
		}
		return LocalState{}
	}

	var disk diskState
	if err := json.Unmarshal(data, &disk); err != nil {
		slog.Warn("State file is malformed, starting from empty state",
			"path", st.path, "error", err)
		return LocalState{}
	}

	if disk.ID != "" {
		return migrateLegacy(disk)
	}

	return LocalState{
		Project:  disk.Project,
		Snapshot: disk.Snapshot,
		Settings: disk.Settings,
	}
}

// migrateLegacy upgrades the legacy flat schema in memory: the flat record
// becomes the snapshot and the nested device record (if any) becomes the
// settings. The upgrade is not written back until the next Save.
func migrateLegacy(disk diskState) LocalState {
	slog.Info("Migrating legacy state schema", "snapshot_id", disk.ID)

	ls := LocalState{
		Snapshot: &Snapshot{ID: disk.ID, Payload: disk.LegacyPayload},
	}
	if disk.Device != nil {
		ls.Settings = disk.Device
	}
	return ls
}

// Save writes the state in the current schema. The write is atomic so a
// crash mid-save leaves the previous record intact.
func (st *Store) Save(ls LocalState) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	disk := diskState{
		Project:  ls.Project,
		Snapshot: ls.Snapshot,
		Settings: ls.Settings,
	}

	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return foundation.StateError("failed to marshal state").
			WithCause(err).
			WithOperation("save").
			Build()
	}

	tmpPath := st.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return foundation.StateError("failed to write temporary state file").
			WithCause(err).
			WithOperation("save").
			WithContext(foundation.Fields{"path": tmpPath}).
			Build()
	}

	if err := os.Rename(tmpPath, st.path); err != nil {
		return foundation.StateError("failed to replace state file").
			WithCause(err).
			WithOperation("save").
			WithContext(foundation.Fields{"path": st.path}).
			Build()
	}

	return nil
}

// Path returns the location of the state file. Intended for diagnostics.
func (st *Store) Path() string {
	return st.path
}

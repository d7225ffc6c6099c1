package state

import "encoding/json"

// Snapshot is an identified, deployable artifact version. The payload is
// opaque to the agent; it is handed to the supervisor verbatim. Equality is
// by ID.
type Snapshot struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Equal reports whether both snapshots identify the same artifact version.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.ID == other.ID
}

// Settings is a hashed configuration payload independent of the deployable
// artifact. Equality is by hash.
type Settings struct {
	Hash    string          `json:"hash"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Equal reports whether both settings carry the same content hash.
func (s *Settings) Equal(other *Settings) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Hash == other.Hash
}

// LocalState is the device's durable record of what it last converged to.
// A nil Project implies a nil Snapshot: a deployment cannot exist without a
// project. Settings may outlive a project unassignment.
type LocalState struct {
	Project  *string   `json:"project"`
	Snapshot *Snapshot `json:"snapshot"`
	Settings *Settings `json:"settings"`
}

// Empty reports whether no field is set.
func (s LocalState) Empty() bool {
	return s.Project == nil && s.Snapshot == nil && s.Settings == nil
}

// SnapshotID returns the snapshot id or "" when no snapshot is set.
func (s LocalState) SnapshotID() string {
	if s.Snapshot == nil {
		return ""
	}
	return s.Snapshot.ID
}

// SettingsHash returns the settings hash or "" when no settings are set.
func (s LocalState) SettingsHash() string {
	if s.Settings == nil {
		return ""
	}
	return s.Settings.Hash
}

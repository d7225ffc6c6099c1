package agent

import (
	"bytes"
	"encoding/json"

	"git.home.luguber.info/inful/edgeagent/internal/foundation"
)

// DesiredState is the controller's instruction for what the device should
// run. Every field is tri-state: an absent key means "no opinion", an
// explicit null is a directive (unassign the project, clear the deployment),
// and a value names the wanted project/snapshot/settings.
//
// A nil *DesiredState is itself meaningful: it deauthorizes the device and
// wipes local state.
type DesiredState struct {
	Project  foundation.Field[string] `json:"project,omitzero"`
	Snapshot foundation.Field[string] `json:"snapshot,omitzero"`
	Settings foundation.Field[string] `json:"settings,omitzero"`
}

// Deauthorized reports whether the desired state revokes the device
// entirely.
func Deauthorized(d *DesiredState) bool {
	return d == nil
}

// ParseDesiredState interprets a controller document. An empty or literal
// null body deauthorizes the device and yields nil with no error. Both
// transports decode through this so wire semantics cannot drift apart.
func ParseDesiredState(data []byte) (*DesiredState, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var desired DesiredState
	if err := json.Unmarshal(trimmed, &desired); err != nil {
		return nil, err
	}
	return &desired, nil
}

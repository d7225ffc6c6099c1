package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyProject      = "project"
	KeySnapshot     = "snapshot_id"
	KeySettingsHash = "settings_hash"
	KeyReconcileID  = "reconcile_id"
	KeyStatus       = "agent_status"
	KeyTransport    = "transport"
	KeyDurationMS   = "duration_ms"
	KeyRestarts     = "restart_count"
	KeyError        = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Project(id string) slog.Attr        { return slog.String(KeyProject, id) }
func Snapshot(id string) slog.Attr       { return slog.String(KeySnapshot, id) }
func SettingsHash(h string) slog.Attr    { return slog.String(KeySettingsHash, h) }
func ReconcileID(id string) slog.Attr    { return slog.String(KeyReconcileID, id) }
func Status(s string) slog.Attr          { return slog.String(KeyStatus, s) }
func Transport(name string) slog.Attr    { return slog.String(KeyTransport, name) }
func DurationMS(ms float64) slog.Attr    { return slog.Float64(KeyDurationMS, ms) }
func Restarts(n int) slog.Attr           { return slog.Int(KeyRestarts, n) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/edgeagent/internal/agent"
	"git.home.luguber.info/inful/edgeagent/internal/audit"
	"git.home.luguber.info/inful/edgeagent/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dataDir := t.TempDir()
	return &config.Config{
		Device: config.DeviceConfig{ID: "dev-1", DataDir: dataDir},
		Controller: config.ControllerConfig{
			URL:            "http://controller.invalid",
			PollInterval:   time.Minute,
			RequestTimeout: time.Second,
		},
		Supervisor: config.SupervisorConfig{
			Command: "/bin/true",
			RunDir:  filepath.Join(dataDir, "run"),
		},
		HTTP:  config.HTTPConfig{Addr: "127.0.0.1:0"},
		Audit: config.AuditConfig{Enabled: true},
	}
}

func TestNewWiresComponents(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, "")
	require.NoError(t, err)
	assert.NotNil(t, d.engine)
	assert.NotNil(t, d.auditLog, "audit enabled in config")
	assert.Nil(t, d.watcher, "no config path, no watcher")
}

func TestNewWiresPushWhenNATSConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.Controller.NATSURL = "nats://controller.invalid:4222"

	// Construction must not dial; the connection happens at Run.
	d, err := New(cfg, "")
	require.NoError(t, err)
	assert.NotNil(t, d.engine)
}

func TestHTTPEndpoints(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, "")
	require.NoError(t, err)
	d.startTime = time.Now()

	require.NoError(t, d.httpServer.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.httpServer.Stop(ctx)
	})
	base := "http://" + d.httpServer.Addr()

	t.Run("status reports the engine snapshot", func(t *testing.T) {
		resp, err := http.Get(base + "/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var snapshot agent.StatusSnapshot
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
		assert.Equal(t, agent.StatusUnknown, snapshot.State)
		assert.Nil(t, snapshot.Project)
	})

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(base + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "dev-1", body["device_id"])
	})

	t.Run("metrics scrape", func(t *testing.T) {
		resp, err := http.Get(base + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("audit recent", func(t *testing.T) {
		err := d.auditLog.Record(context.Background(), audit.Entry{
			ReconcileID: "r1",
			Outcome:     "converged",
			Status:      "running",
		})
		require.NoError(t, err)

		resp, err := http.Get(base + "/api/audit/recent?limit=10")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Entries []struct {
				ReconcileID string `json:"reconcile_id"`
				Outcome     string `json:"outcome"`
			} `json:"entries"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Len(t, body.Entries, 1)
		assert.Equal(t, "r1", body.Entries[0].ReconcileID)
	})
}

func TestAuditEndpointWhenDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Enabled = false
	d, err := New(cfg, "")
	require.NoError(t, err)

	require.NoError(t, d.httpServer.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.httpServer.Stop(ctx)
	})

	resp, err := http.Get(fmt.Sprintf("http://%s/api/audit/recent", d.httpServer.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReconcileHandleDropsUntilBound(t *testing.T) {
	handle := &reconcileHandle{}
	handle.Reconcile(nil) // must not panic before an engine is bound
}

func TestRestartOnlyChanges(t *testing.T) {
	base := testConfig(t)

	same := *base
	assert.False(t, restartOnlyChanges(base, &same))

	logging := *base
	logging.Logging.Level = "debug"
	assert.False(t, restartOnlyChanges(base, &logging), "logging changes are runtime-safe")

	device := *base
	device.Device.ID = "dev-2"
	assert.True(t, restartOnlyChanges(base, &device))

	sup := *base
	sup.Supervisor.Args = []string{"--flag"}
	assert.True(t, restartOnlyChanges(base, &sup))
}
